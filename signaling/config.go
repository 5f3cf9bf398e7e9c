// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML configuration for the signaling service.
type FileConfig struct {
	// Listen is the HTTP listen address (e.g. ":8000").
	Listen string `yaml:"listen"`

	// Database is the SQLite file path.
	Database string `yaml:"database"`

	// JWTSecret signs access tokens. The PORTICO_JWT_SECRET
	// environment variable overrides it, keeping the secret out of
	// files where deployments prefer that.
	JWTSecret string `yaml:"jwt_secret"`

	// TokenTTLHours is the access token lifetime. Zero selects the
	// 24-hour default.
	TokenTTLHours int `yaml:"token_ttl_hours"`

	// CORSOrigins lists allowed browser origins; "*" allows any.
	CORSOrigins []string `yaml:"cors_origins"`

	// RelayURL is advertised to browsers for the fallback path
	// (e.g. "wss://relay.example").
	RelayURL string `yaml:"relay_url"`
}

// LoadConfig reads and validates a config file. Environment overrides
// are applied here so callers see the effective configuration.
func LoadConfig(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("signaling: reading config: %w", err)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("signaling: parsing config: %w", err)
	}
	if secret := os.Getenv("PORTICO_JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8000"
	}
	if cfg.Database == "" {
		cfg.Database = "signaling.db"
	}
	if cfg.JWTSecret == "" {
		return FileConfig{}, fmt.Errorf("signaling: jwt_secret is required (config or PORTICO_JWT_SECRET)")
	}
	return cfg, nil
}

// TokenTTL converts the configured hours to a duration.
func (c FileConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}
