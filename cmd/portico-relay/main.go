// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

// Portico-relay is the frame relay: it pairs two authenticated
// endpoints under an opaque session id and forwards their binary
// frames verbatim when a direct peer-to-peer path is unavailable.
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

	"github.com/portico-net/portico/lib/version"
	"github.com/portico-net/portico/relay"
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
		fmt.Printf("portico-relay %s\n", version.Info())
		return nil
	}

	if configPath == "" {
		if env := os.Getenv("PORTICO_RELAY_CONFIG"); env != "" {
			configPath = env
		} else {
			return fmt.Errorf("--config is required")
		}
	}

	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	var logger *slog.Logger
	if logJSON {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, options))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stderr, options))
	}
	slog.SetDefault(logger)

	fileCfg, err := relay.LoadConfig(configPath)
	if err != nil {
		return err
	}

	cfg := fileCfg.ServerConfig()
	cfg.Logger = logger
	if fileCfg.MeterLog != "" {
		sink, err := relay.NewFileSink(fileCfg.MeterLog)
		if err != nil {
			return err
		}
		defer sink.Close()
		cfg.Meter = sink
		logger.Info("metering to file", "path", fileCfg.MeterLog)
	}

	server, err := relay.NewServer(cfg)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:        fileCfg.Listen,
		Handler:     server.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: relay sessions are long-lived WebSockets.
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", fileCfg.Listen)
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
