// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

// Portico-agent is the host endpoint daemon. It registers this machine
// as a host device, holds a signaling session open, answers incoming
// peer connections (or relay fallbacks), and proxies tunneled HTTP and
// WebSocket traffic to local services.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/portico-net/portico/lib/version"
	"github.com/portico-net/portico/transport"
	"github.com/portico-net/portico/tunnel"
)

// agentConfig is the YAML configuration for the agent.
type agentConfig struct {
	// SignalingURL and RelayURL are the cloud service bases
	// (ws:// or wss://).
	SignalingURL string `yaml:"signaling_url"`
	RelayURL     string `yaml:"relay_url"`

	// Email and Password authenticate against the signaling service.
	// PORTICO_EMAIL / PORTICO_PASSWORD override.
	Email    string `yaml:"email"`
	Password string `yaml:"password"`

	// StateFile persists the device identity across restarts.
	StateFile string `yaml:"state_file"`

	// LocalServerURL is where tunneled requests land by default;
	// Services adds ?client=<name> targets.
	LocalServerURL string            `yaml:"local_server_url"`
	Services       map[string]string `yaml:"services"`

	// STUNServers configures ICE; empty uses the built-in default.
	STUNServers []string `yaml:"stun_servers"`
}

func loadAgentConfig(path string) (agentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return agentConfig{}, fmt.Errorf("reading config: %w", err)
	}
	var cfg agentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return agentConfig{}, fmt.Errorf("parsing config: %w", err)
	}
	if v := os.Getenv("PORTICO_EMAIL"); v != "" {
		cfg.Email = v
	}
	if v := os.Getenv("PORTICO_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if cfg.SignalingURL == "" {
		return agentConfig{}, fmt.Errorf("signaling_url is required")
	}
	if cfg.Email == "" || cfg.Password == "" {
		return agentConfig{}, fmt.Errorf("email and password are required (config or PORTICO_EMAIL/PORTICO_PASSWORD)")
	}
	if cfg.StateFile == "" {
		cfg.StateFile = "portico-agent-state.json"
	}
	if cfg.LocalServerURL == "" {
		cfg.LocalServerURL = tunnel.DefaultBaseURL
	}
	return cfg, nil
}

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
		fmt.Printf("portico-agent %s\n", version.Info())
		return nil
	}

	if configPath == "" {
		if env := os.Getenv("PORTICO_AGENT_CONFIG"); env != "" {
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

	cfg, err := loadAgentConfig(configPath)
	if err != nil {
		return err
	}

	state, err := loadOrCreateState(cfg.StateFile)
	if err != nil {
		return err
	}
	logger.Info("host identity", "device_id", state.DeviceID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	token, err := authenticate(ctx, cfg, state, logger)
	if err != nil {
		return err
	}

	host := tunnel.NewHost(tunnel.HostConfig{
		BaseURL:  cfg.LocalServerURL,
		Services: cfg.Services,
		Logger:   logger,
	})

	// The signaling session is the agent's lifeline: when it drops,
	// reconnect with back-off and keep serving.
	retry := &backoff.Backoff{Min: 2 * time.Second, Max: 60 * time.Second, Factor: 2}
	for {
		if err := serveOnce(ctx, cfg, state, token, host, logger); err != nil {
			logger.Warn("signaling session ended", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := retry.Duration()
		logger.Info("reconnecting to signaling", "backoff", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}

		// Tokens expire; refresh on each reconnect attempt.
		if fresh, err := authenticate(ctx, cfg, state, logger); err == nil {
			token = fresh
			retry.Reset()
		}
	}
}

// serveOnce runs one signaling session: dial, answer peers, attach the
// host multiplexer to every transport that comes up.
func serveOnce(ctx context.Context, cfg agentConfig, state *agentState, token string, host *tunnel.Host, logger *slog.Logger) error {
	conduit, err := transport.DialSignal(ctx, cfg.SignalingURL, state.DeviceID, token, logger)
	if err != nil {
		return err
	}
	defer conduit.Close()

	link := transport.NewHostLink(conduit, transport.HostLinkConfig{
		DeviceID: state.DeviceID,
		Token:    token,
		RelayURL: cfg.RelayURL,
		ICE:      transport.ICEConfig{STUNServers: cfg.STUNServers},
		Logger:   logger,
	})
	defer link.Close()

	go func() {
		for {
			select {
			case tr, ok := <-link.Transports():
				if !ok {
					return
				}
				logger.Info("tunnel transport up", "mode", tr.Mode())
				host.Attach(ctx, tr)
			case <-ctx.Done():
				return
			case <-conduit.Done():
				return
			}
		}
	}()

	return link.Run(ctx)
}
