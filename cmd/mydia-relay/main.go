// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

// Mydia-relay is the signaling relay daemon. It terminates websocket
// signaling connections from home server instances and pairing
// devices, persists pairing claims, and forwards SDP between the two
// parties of a rendezvous namespace. Media never touches it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/dwongdev/mydia-sub014/claim"
	"github.com/dwongdev/mydia-sub014/lib/config"
	"github.com/dwongdev/mydia-sub014/lib/sqlitepool"
	"github.com/dwongdev/mydia-sub014/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	pflag.StringVar(&configPath, "config", "", "path to the relay config file (overrides "+config.EnvVar+")")
	pflag.Parse()

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := openClaimStore(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	metrics := relay.NewMetrics()
	server := relay.NewServer(relay.ServerConfig{
		Claims:  store,
		Metrics: metrics,
		Logger:  logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/signal", server)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	signalServer := &http.Server{Addr: cfg.Listen, Handler: mux}
	errs := make(chan error, 2)
	go func() {
		logger.Info("signaling endpoint listening", "addr", cfg.Listen)
		errs <- signalServer.ListenAndServe()
	}()

	var metricsServer *http.Server
	if cfg.MetricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsListen, Handler: metricsMux}
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.MetricsListen)
			errs <- metricsServer.ListenAndServe()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}
	return signalServer.Shutdown(shutdownCtx)
}

// openClaimStore builds the configured claim store: SQLite when a
// database path is set, in-memory otherwise.
func openClaimStore(cfg *config.Config, logger *slog.Logger) (claim.Store, func(), error) {
	ttl, err := cfg.Claims.ClaimTTL()
	if err != nil {
		return nil, nil, err
	}
	lockTTL, err := cfg.Claims.ClaimLockTTL()
	if err != nil {
		return nil, nil, err
	}

	if cfg.Claims.DatabasePath == "" {
		logger.Warn("no claims database configured; claims die with the process")
		store := claim.NewMemoryStore(claim.MemoryStoreConfig{
			TTL:              ttl,
			LockTTL:          lockTTL,
			RendezvousPoints: cfg.RendezvousPoints,
		})
		return store, func() {}, nil
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Claims.DatabasePath,
		PoolSize: cfg.Claims.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, claim.Schema, nil)
		},
	})
	if err != nil {
		return nil, nil, err
	}

	store, err := claim.NewSQLiteStore(claim.SQLiteStoreConfig{
		Pool:             pool,
		TTL:              ttl,
		LockTTL:          lockTTL,
		RendezvousPoints: cfg.RendezvousPoints,
	})
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, func() { pool.Close() }, nil
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
