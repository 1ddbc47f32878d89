// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

// Mydia-agent is the home server's relay agent. It holds the long-lived
// signaling connection to the relay, mints pairing claim codes, and
// answers WebRTC tunnels for devices that redeem them. Paired devices
// issue API requests and stream media over those tunnels without
// further relay involvement.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/dwongdev/mydia-sub014/namespace"
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
		relayURL    string
		instanceID  string
		mediaRoot   string
		tokenSecret string
		directURLs  []string
		verbose     bool
	)
	pflag.StringVar(&relayURL, "relay-url", "", "relay websocket endpoint, e.g. wss://relay.example.com/signal")
	pflag.StringVar(&instanceID, "instance-id", "", "stable identifier for this home server instance")
	pflag.StringVar(&mediaRoot, "media-root", "", "directory served over media streams")
	pflag.StringVar(&tokenSecret, "token-secret", "", "HMAC secret for issued device tokens")
	pflag.StringArrayVar(&directURLs, "direct-url", nil, "LAN/direct URL advertised to paired devices (repeatable)")
	pflag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	pflag.Parse()

	if relayURL == "" || instanceID == "" || mediaRoot == "" || tokenSecret == "" {
		return fmt.Errorf("--relay-url, --instance-id, --media-root, and --token-secret are required")
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := relay.Dial(ctx, relay.ClientConfig{
		URL:    relayURL,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Register(instanceID, "", directURLs); err != nil {
		return fmt.Errorf("registering with relay: %w", err)
	}
	logger.Info("registered with relay", "instance", instanceID, "relay", relayURL)

	issuer := &tunnel.TokenIssuer{Secret: []byte(tokenSecret), Issuer: instanceID}
	pairer := tunnel.NewPairer(tunnel.PairerConfig{
		Tokens:     issuer,
		Claims:     client,
		DirectURLs: directURLs,
		Logger:     logger,
	})

	agent := &agent{
		ctx:      ctx,
		client:   client,
		pairer:   pairer,
		issuer:   issuer,
		logger:   logger,
		media:    &tunnel.RootedFileReader{Root: mediaRoot},
		sessions: make(map[string]*tunnel.Session),
	}
	client.OnSignal(agent.handleSignal)

	if err := agent.mintCode(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-client.Done():
		return fmt.Errorf("relay connection lost")
	}
	agent.closeAll()
	return nil
}

// agent answers tunnels for devices redeeming this instance's claim
// codes. One claim code is outstanding at a time; pairing spends it and
// a fresh one is minted.
type agent struct {
	ctx    context.Context
	client *relay.Client
	pairer *tunnel.Pairer
	issuer *tunnel.TokenIssuer
	logger *slog.Logger
	media  *tunnel.RootedFileReader

	mu       sync.Mutex
	code     string
	sessions map[string]*tunnel.Session
}

// mintCode creates a fresh claim on the relay and announces the code on
// stdout for the operator to read to the device.
func (a *agent) mintCode(ctx context.Context) error {
	created, err := a.client.CreateClaim(ctx, 0)
	if err != nil {
		return fmt.Errorf("creating claim: %w", err)
	}
	a.pairer.Expect(created.Code, created.ClaimID)

	a.mu.Lock()
	a.code = created.Code
	a.mu.Unlock()

	fmt.Printf("pairing code: %s (expires %s)\n",
		created.Code, time.Unix(created.ExpiresAt, 0).Format(time.RFC3339))
	a.logger.Info("claim minted", "claim_id", created.ClaimID)
	return nil
}

// handleSignal routes relayed peer signaling to the session owning its
// namespace, creating an answering session on the first offer.
func (a *agent) handleSignal(message sig.Message) {
	ns := signalNamespace(message)
	if ns == "" {
		return
	}

	a.mu.Lock()
	session, ok := a.sessions[ns]
	if !ok {
		if _, isOffer := message.(*sig.Offer); !isOffer {
			a.mu.Unlock()
			a.logger.Debug("signal for unknown namespace dropped", "type", message.MessageType())
			return
		}
		if !namespace.Valid(a.code, ns) {
			a.mu.Unlock()
			a.logger.Warn("offer for unrecognized namespace rejected")
			return
		}
		created, err := a.newSession(ns)
		if err != nil {
			a.mu.Unlock()
			a.logger.Error("creating session", "error", err)
			return
		}
		a.sessions[ns] = created
		session = created
		go a.reap(ns, created)
	}
	a.mu.Unlock()

	if err := session.HandleSignal(message); err != nil {
		a.logger.Warn("handling signal", "type", message.MessageType(), "error", err)
	}
}

func (a *agent) newSession(ns string) (*tunnel.Session, error) {
	session, err := tunnel.New(tunnel.Config{
		Namespace:   ns,
		Role:        tunnel.RoleAnswerer,
		Signals:     a.client,
		Logger:      a.logger,
		Pairing:     a.pairer,
		Auth:        a.issuer,
		RequireAuth: true,
		Media:       a.media,
		Requests:    tunnel.RequestHandlerFunc(a.serveRequest),
	})
	if err != nil {
		return nil, err
	}
	if err := session.Start(a.ctx); err != nil {
		session.Close()
		return nil, err
	}
	a.logger.Info("tunnel session started")
	return session, nil
}

// reap waits for a session to end, drops it from the table, and mints a
// replacement code so the next device can pair.
func (a *agent) reap(ns string, session *tunnel.Session) {
	<-session.Done()
	a.logger.Info("tunnel session ended")

	a.mu.Lock()
	if a.sessions[ns] == session {
		delete(a.sessions, ns)
	}
	a.mu.Unlock()

	if a.ctx.Err() == nil {
		if err := a.mintCode(a.ctx); err != nil {
			a.logger.Error("minting replacement code", "error", err)
		}
	}
}

// serveRequest answers general API requests from authenticated devices.
// The agent exposes a minimal surface; a full deployment plugs the
// library API in here.
func (a *agent) serveRequest(ctx context.Context, deviceID string, request *sig.Request) *sig.Response {
	switch request.Path {
	case "/api/status":
		body, _ := json.Marshal(map[string]any{
			"device_id": deviceID,
			"time":      time.Now().Unix(),
		})
		return &sig.Response{Status: 200, Body: body}
	default:
		return &sig.Response{Status: 404, Body: json.RawMessage(`{"error":"not found"}`)}
	}
}

func (a *agent) closeAll() {
	a.mu.Lock()
	sessions := make([]*tunnel.Session, 0, len(a.sessions))
	for _, session := range a.sessions {
		sessions = append(sessions, session)
	}
	a.mu.Unlock()
	for _, session := range sessions {
		session.Close()
	}
}

// signalNamespace extracts the rendezvous namespace from a relayed
// signaling message.
func signalNamespace(message sig.Message) string {
	switch m := message.(type) {
	case *sig.Offer:
		return m.Namespace
	case *sig.Answer:
		return m.Namespace
	case *sig.Candidate:
		return m.Namespace
	default:
		return ""
	}
}
