// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

// Portico-signaling is the account, device, and signaling service:
// HTTP registration and login, device records, and the WebSocket that
// routes WebRTC signaling between a user's devices.
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

	"github.com/portico-net/portico/lib/sqlitepool"
	"github.com/portico-net/portico/lib/version"
	"github.com/portico-net/portico/signaling"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var logJSON bool
	var showVersion bool
	pflag.StringVar(&configPath, "config", "", "path to config file (required)")
	pflag.BoolVar(&logJSON, "log-json", false, "log JSON instead of text")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("portico-signaling %s\n", version.Info())
		return nil
	}

	if configPath == "" {
		if env := os.Getenv("PORTICO_SIGNALING_CONFIG"); env != "" {
			configPath = env
		} else {
			return fmt.Errorf("--config is required")
		}
	}

	logger := newLogger(logJSON)
	slog.SetDefault(logger)

	cfg, err := signaling.LoadConfig(configPath)
	if err != nil {
		return err
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Database,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, signaling.Schema, nil)
		},
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	server, err := signaling.NewServer(signaling.NewStore(pool), signaling.Config{
		JWTSecret:   cfg.JWTSecret,
		TokenTTL:    cfg.TokenTTL(),
		CORSOrigins: cfg.CORSOrigins,
		RelayURL:    cfg.RelayURL,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:        cfg.Listen,
		Handler:     server.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: signaling sessions are long-lived
		// WebSockets.
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("signaling service listening", "addr", cfg.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func newLogger(logJSON bool) *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	if logJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, options))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, options))
}
