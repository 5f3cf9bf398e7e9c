// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/portico-net/portico/lib/accesstoken"
)

// maxRequestBodySize bounds HTTP request bodies: registration and
// device payloads are tiny, so 64 KB is generous.
const maxRequestBodySize = 64 * 1024

// Config holds the server's runtime configuration.
type Config struct {
	// JWTSecret signs access tokens. Must match the relay's secret.
	JWTSecret string

	// TokenTTL is the access token lifetime. Zero selects the
	// accesstoken default (24 h).
	TokenTTL time.Duration

	// CORSOrigins lists allowed origins for browser calls. "*" allows
	// any origin. Empty disables CORS headers entirely.
	CORSOrigins []string

	// RelayURL is the relay base URL advertised to browsers in
	// connect-request-received frames (e.g. "wss://relay.example").
	RelayURL string

	// Logger receives operational messages. Nil uses slog.Default.
	Logger *slog.Logger
}

// Server is the signaling service: HTTP auth and device registration,
// plus the /signal WebSocket.
type Server struct {
	store     *Store
	tokens    *accesstoken.Issuer
	endpoints *EndpointMap
	relayURL  string
	cors      []string
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// NewServer creates a Server around a store.
func NewServer(store *Store, cfg Config) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("signaling: JWTSecret is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tokens, err := accesstoken.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	s := &Server{
		store:     store,
		tokens:    tokens,
		endpoints: NewEndpointMap(logger),
		relayURL:  cfg.RelayURL,
		cors:      cfg.CORSOrigins,
		logger:    logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}
	return s, nil
}

// Endpoints exposes the live session map (used by tests and metrics).
func (s *Server) Endpoints() *EndpointMap {
	return s.endpoints
}

// Handler returns the HTTP handler for the whole service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /devices/register", s.handleRegisterDevice)
	mux.HandleFunc("GET /devices/", s.handleListDevices)
	mux.HandleFunc("GET /signal", s.handleSignal)
	mux.HandleFunc("GET /health", s.handleHealth)
	return s.corsMiddleware(mux)
}

// originAllowed implements the upgrader's origin check using the same
// origin list as the CORS middleware. Requests without an Origin
// header (non-browser clients, e.g. the host agent) are always allowed.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cors) == 0 {
		return true
	}
	return slices.Contains(s.cors, "*") || slices.Contains(s.cors, origin)
}

// corsMiddleware sets CORS headers for allowed origins and answers
// preflight requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && len(s.cors) > 0 {
			if slices.Contains(s.cors, "*") {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if slices.Contains(s.cors, origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Email == "" || !strings.Contains(req.Email, "@") || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "hashing password")
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Email, string(hash))
	switch {
	case errors.Is(err, ErrDuplicateEmail):
		writeError(w, http.StatusConflict, "email already registered")
		return
	case err != nil:
		s.logger.Error("user creation failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	token, err := s.tokens.Issue(user.ID, user.Email)
	if err != nil {
		s.logger.Error("token issue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "issuing token")
		return
	}

	s.logger.Info("user registered", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := s.store.UserByEmail(r.Context(), req.Email)
	switch {
	case errors.Is(err, ErrNotFound):
		// Same response as a bad password: login must not reveal
		// which emails exist.
		writeError(w, http.StatusUnauthorized, "incorrect email or password")
		return
	case err != nil:
		s.logger.Error("user lookup failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "incorrect email or password")
		return
	}

	token, err := s.tokens.Issue(user.ID, user.Email)
	if err != nil {
		s.logger.Error("token issue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "issuing token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

// bearerClaims authenticates a request by its Authorization header.
// Writes a 401 and returns false on failure.
func (s *Server) bearerClaims(w http.ResponseWriter, r *http.Request) (accesstoken.Claims, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return accesstoken.Claims{}, false
	}
	claims, err := s.tokens.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return accesstoken.Claims{}, false
	}
	return claims, true
}

type deviceRegisterRequest struct {
	DeviceID string `json:"device_id"`
	Pubkey   string `json:"pubkey"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.bearerClaims(w, r)
	if !ok {
		return
	}
	var req deviceRegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	device, err := s.store.UpsertDevice(r.Context(), req.DeviceID, claims.UserID, req.Pubkey)
	switch {
	case errors.Is(err, ErrDeviceOwned):
		writeError(w, http.StatusConflict, "device id belongs to another user")
		return
	case err != nil:
		s.logger.Error("device upsert failed", "error", err, "device_id", req.DeviceID)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	s.logger.Info("device registered", "device_id", device.ID, "user_id", claims.UserID)
	writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.bearerClaims(w, r)
	if !ok {
		return
	}
	devices, err := s.store.DevicesByUser(r.Context(), claims.UserID)
	if err != nil {
		s.logger.Error("device listing failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"endpoints": s.endpoints.Len(),
	})
}
