// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"log/slog"
	"net/url"
	"strings"
	"sync"
)

// Router maps a tunneled request path to the local base URL it should
// be dispatched to. The default target serves everything; a request
// whose query carries ?client=<name> goes to the registered service of
// that name instead, letting one tunnel front several local UIs.
type Router struct {
	defaultBase string

	mu       sync.RWMutex
	services map[string]string
	logger   *slog.Logger
}

// NewRouter creates a router around the default base URL.
func NewRouter(defaultBase string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		defaultBase: strings.TrimRight(defaultBase, "/"),
		services:    make(map[string]string),
		logger:      logger,
	}
}

// RegisterService adds or replaces a named service target.
func (r *Router) RegisterService(name, baseURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = strings.TrimRight(baseURL, "/")
}

// UnregisterService removes a named service target.
func (r *Router) UnregisterService(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, name)
}

// Route returns the base URL for a path-with-query. Unknown service
// names fall back to the default target rather than failing — the
// default service can answer with its own error page.
func (r *Router) Route(pathWithQuery string) string {
	u, err := url.Parse(pathWithQuery)
	if err != nil {
		return r.defaultBase
	}
	name := u.Query().Get("client")
	if name == "" {
		return r.defaultBase
	}

	r.mu.RLock()
	target, ok := r.services[name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("unknown client service, using default target", "client", name)
		return r.defaultBase
	}
	return target
}
