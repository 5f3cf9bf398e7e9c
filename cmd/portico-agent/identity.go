// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/portico-net/portico/lib/netutil"
)

// agentState is the host's persistent identity: a stable device id
// (the "host-" prefix marks it as a long-lived host device) and a
// signing keypair whose public half is registered as the device
// pubkey. The key is registration material only in this revision;
// nothing verifies it yet.
type agentState struct {
	DeviceID   string `json:"device_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// loadOrCreateState reads the state file, minting a fresh identity on
// first run.
func loadOrCreateState(path string) (*agentState, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var state agentState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("parsing state file %s: %w", path, err)
		}
		if state.DeviceID == "" {
			return nil, fmt.Errorf("state file %s has no device id", path)
		}
		return &state, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating device key: %w", err)
	}
	state := &agentState{
		DeviceID:   "host-" + uuid.NewString(),
		PublicKey:  base64.StdEncoding.EncodeToString(publicKey),
		PrivateKey: base64.StdEncoding.EncodeToString(privateKey),
	}

	encoded, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return nil, fmt.Errorf("writing state file: %w", err)
	}
	return state, nil
}

// authenticate logs in (registering the account on first use) and
// upserts the device record, returning a fresh bearer token.
func authenticate(ctx context.Context, cfg agentConfig, state *agentState, logger *slog.Logger) (string, error) {
	base := httpBase(cfg.SignalingURL)
	client := &http.Client{Timeout: 15 * time.Second}

	token, status, err := postForToken(ctx, client, base+"/auth/login", map[string]string{
		"email":    cfg.Email,
		"password": cfg.Password,
	})
	if err != nil {
		return "", err
	}
	if status == http.StatusUnauthorized {
		// First run against a fresh service: create the account.
		logger.Info("login refused, registering account", "email", cfg.Email)
		token, status, err = postForToken(ctx, client, base+"/auth/register", map[string]string{
			"email":    cfg.Email,
			"password": cfg.Password,
		})
		if err != nil {
			return "", err
		}
	}
	if token == "" {
		return "", fmt.Errorf("authentication failed with status %d", status)
	}

	// Idempotent device upsert; refreshes pubkey and last_seen.
	body, _ := json.Marshal(map[string]string{
		"device_id": state.DeviceID,
		"pubkey":    state.PublicKey,
	})
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/devices/register", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := client.Do(request)
	if err != nil {
		return "", fmt.Errorf("registering device: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		detail, _ := netutil.ReadBody(response.Body)
		return "", fmt.Errorf("device registration failed: status %d: %s", response.StatusCode, detail)
	}

	logger.Info("authenticated", "device_id", state.DeviceID)
	return token, nil
}

// postForToken posts JSON credentials and extracts the access token.
// A 401 is reported through the status return, not as an error, so
// the caller can fall back to registration.
func postForToken(ctx context.Context, client *http.Client, url string, payload map[string]string) (string, int, error) {
	body, _ := json.Marshal(payload)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := client.Do(request)
	if err != nil {
		return "", 0, fmt.Errorf("calling %s: %w", url, err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized {
		return "", response.StatusCode, nil
	}
	if response.StatusCode >= 300 {
		detail, _ := netutil.ReadBody(response.Body)
		return "", response.StatusCode, fmt.Errorf("%s: status %d: %s", url, response.StatusCode, detail)
	}

	var result struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return "", response.StatusCode, fmt.Errorf("decoding token response: %w", err)
	}
	return result.AccessToken, response.StatusCode, nil
}

// httpBase converts a ws:// or wss:// service base to its HTTP form
// for the REST endpoints.
func httpBase(wsURL string) string {
	switch {
	case strings.HasPrefix(wsURL, "ws://"):
		return "http://" + strings.TrimPrefix(wsURL, "ws://")
	case strings.HasPrefix(wsURL, "wss://"):
		return "https://" + strings.TrimPrefix(wsURL, "wss://")
	default:
		return wsURL
	}
}
