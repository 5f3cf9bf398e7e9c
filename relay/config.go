// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML configuration for the relay service. Timer
// fields are whole seconds; zero selects the package default.
type FileConfig struct {
	// Listen is the HTTP listen address (e.g. ":8001").
	Listen string `yaml:"listen"`

	// JWTSecret must match the signaling service's secret or tokens
	// will not verify here. PORTICO_JWT_SECRET overrides.
	JWTSecret string `yaml:"jwt_secret"`

	// SessionTimeoutS is the half-open expiry.
	SessionTimeoutS int `yaml:"session_timeout"`

	// PingIntervalS and PingTimeoutS shape the heartbeat.
	PingIntervalS int `yaml:"ws_ping_interval"`
	PingTimeoutS  int `yaml:"ws_ping_timeout"`

	// MaxSessions caps concurrent sessions.
	MaxSessions int `yaml:"max_sessions"`

	// CORSOrigins lists allowed browser origins; "*" allows any.
	CORSOrigins []string `yaml:"cors_origins"`

	// MeterLog is an optional CBOR append-log path for metering
	// records.
	MeterLog string `yaml:"meter_log"`
}

// LoadConfig reads and validates a config file.
func LoadConfig(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("relay: reading config: %w", err)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("relay: parsing config: %w", err)
	}
	if secret := os.Getenv("PORTICO_JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8001"
	}
	if cfg.JWTSecret == "" {
		return FileConfig{}, fmt.Errorf("relay: jwt_secret is required (config or PORTICO_JWT_SECRET)")
	}
	return cfg, nil
}

// ServerConfig converts the file form to the runtime Config. The meter
// sink and logger are the caller's to supply.
func (c FileConfig) ServerConfig() Config {
	return Config{
		JWTSecret:         c.JWTSecret,
		HalfOpenTimeout:   time.Duration(c.SessionTimeoutS) * time.Second,
		HeartbeatInterval: time.Duration(c.PingIntervalS) * time.Second,
		HeartbeatTimeout:  time.Duration(c.PingTimeoutS) * time.Second,
		MaxSessions:       c.MaxSessions,
		CORSOrigins:       c.CORSOrigins,
	}
}
