// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

// Mydia-pair is the device-side pairing CLI. It redeems a claim code
// against a relay, negotiates a WebRTC tunnel to the owning home
// server, completes pairing to obtain tokens, and can fetch a media
// file over the fresh tunnel to prove the path works.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/dwongdev/mydia-sub014/claim"
	"github.com/dwongdev/mydia-sub014/relay"
	sig "github.com/dwongdev/mydia-sub014/signal"
	"github.com/dwongdev/mydia-sub014/tunnel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		relayURL   string
		code       string
		deviceName string
		platform   string
		tokensOut  string
		fetchFile  string
		fetchOut   string
		verbose    bool
	)
	pflag.StringVar(&relayURL, "relay-url", "", "relay websocket endpoint, e.g. wss://relay.example.com/signal")
	pflag.StringVar(&code, "code", "", "claim code shown by the home server")
	pflag.StringVar(&deviceName, "device-name", "mydia-pair", "name this device registers under")
	pflag.StringVar(&platform, "platform", "cli", "platform label sent with pairing")
	pflag.StringVar(&tokensOut, "tokens-out", "", "write issued tokens to this file as JSON")
	pflag.StringVar(&fetchFile, "fetch", "", "after pairing, download this media file over the tunnel")
	pflag.StringVar(&fetchOut, "out", "", "destination path for --fetch (defaults to the file name)")
	pflag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	pflag.Parse()

	if relayURL == "" || code == "" {
		return fmt.Errorf("--relay-url and --code are required")
	}
	code = claim.NormalizeCode(code)

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := relay.Dial(ctx, relay.ClientConfig{URL: relayURL, Logger: logger})
	if err != nil {
		return err
	}
	defer client.Close()

	resolveCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	resolved, err := client.ResolveClaim(resolveCtx, code)
	cancel()
	if err != nil {
		return fmt.Errorf("resolving code: %w", err)
	}
	fmt.Println("code accepted, establishing tunnel...")

	session, err := tunnel.New(tunnel.Config{
		Namespace: resolved.Namespace,
		Role:      tunnel.RoleOfferer,
		Signals:   client,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer session.Close()
	client.OnSignal(func(message sig.Message) {
		if err := session.HandleSignal(message); err != nil {
			logger.Warn("handling signal", "type", message.MessageType(), "error", err)
		}
	})
	if err := session.Start(ctx); err != nil {
		return err
	}
	if err := session.WaitOpen(ctx); err != nil {
		return fmt.Errorf("tunnel establishment: %w", err)
	}
	fmt.Println("tunnel open")

	pairCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	tokens, err := session.Pair(pairCtx, code, deviceName, platform)
	cancel()
	if err != nil {
		return fmt.Errorf("pairing: %w", err)
	}
	fmt.Println("paired")
	if len(tokens.DirectURLs) > 0 {
		fmt.Printf("direct URLs: %s\n", strings.Join(tokens.DirectURLs, ", "))
	}

	if tokensOut != "" {
		data, err := json.MarshalIndent(map[string]any{
			"access_token": tokens.AccessToken,
			"media_token":  tokens.MediaToken,
			"device_token": tokens.DeviceToken,
			"direct_urls":  tokens.DirectURLs,
		}, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(tokensOut, append(data, '\n'), 0o600); err != nil {
			return fmt.Errorf("writing tokens: %w", err)
		}
		fmt.Printf("tokens written to %s\n", tokensOut)
	} else {
		fmt.Printf("device token: %s\n", tokens.DeviceToken)
	}

	if fetchFile == "" {
		return nil
	}

	authCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = session.Authenticate(authCtx, tokens.DeviceToken)
	cancel()
	if err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}

	if fetchOut == "" {
		fetchOut = fetchFile[strings.LastIndexByte(fetchFile, '/')+1:]
	}
	out, err := os.Create(fetchOut)
	if err != nil {
		return err
	}
	defer out.Close()

	started := time.Now()
	total, err := session.Download(ctx, fetchFile, out, 0, func(received, total int64) {
		if total > 0 {
			fmt.Printf("\r%d/%d bytes (%d%%)", received, total, received*100/total)
		} else {
			fmt.Printf("\r%d bytes", received)
		}
	})
	fmt.Println()
	if err != nil {
		return fmt.Errorf("downloading %s: %w", fetchFile, err)
	}

	elapsed := time.Since(started).Seconds()
	stats := session.Stats()
	fmt.Printf("downloaded %d bytes in %.1fs (%.1f MiB/s), tunnel received %d bytes total\n",
		total, elapsed, float64(total)/1048576/elapsed, stats.BytesReceived)
	return nil
}
