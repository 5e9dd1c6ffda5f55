//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

// Package server exposes the runtime over HTTP: thread and run lifecycle,
// SSE run streaming, assistant lookup, the memory store, and session
// issuing for browser clients.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/zhezhiming/xpert/log"
	"github.com/zhezhiming/xpert/runner"
	"github.com/zhezhiming/xpert/store"
)

// Server is the HTTP surface over a Runner.
type Server struct {
	runner  *runner.Runner
	store   store.Store
	apiKeys map[string]bool
	secrets *secretIssuer
	origins []string

	// keepAliveInterval paces SSE comment lines; tests shorten it.
	keepAliveInterval time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithStore attaches the memory KV store endpoints.
func WithStore(st store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithAPIKeys enables auth with the accepted API keys. Without keys every
// request is allowed.
func WithAPIKeys(keys ...string) Option {
	return func(s *Server) {
		for _, k := range keys {
			if k != "" {
				s.apiKeys[k] = true
			}
		}
	}
}

// WithCORSOrigins sets the allowed CORS origins.
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithClientSecretTTL overrides the client secret lifetime.
func WithClientSecretTTL(ttl time.Duration) Option {
	return func(s *Server) { s.secrets = newSecretIssuer(ttl) }
}

// New creates a Server over the runner.
func New(rn *runner.Runner, opts ...Option) *Server {
	s := &Server{
		runner:            rn,
		apiKeys:           make(map[string]bool),
		secrets:           newSecretIssuer(0),
		keepAliveInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/threads", s.requireAuth(s.handleCreateThread)).Methods(http.MethodPost)
	r.HandleFunc("/threads/search", s.requireAuth(s.handleSearchThreads)).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}", s.requireAuth(s.handleGetThread)).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}", s.requireAuth(s.handleDeleteThread)).Methods(http.MethodDelete)
	r.HandleFunc("/threads/{id}/state", s.requireAuth(s.handleThreadState)).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}/runs", s.requireAuth(s.handleCreateRun)).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/runs/stream", s.requireAuth(s.handleStreamRun)).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/runs/wait", s.requireAuth(s.handleWaitRun)).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/runs/{run_id}", s.requireAuth(s.handleGetRun)).Methods(http.MethodGet)

	r.HandleFunc("/assistants/search", s.requireAuth(s.handleSearchAssistants)).Methods(http.MethodPost)
	r.HandleFunc("/assistants/{id}", s.requireAuth(s.handleGetAssistant)).Methods(http.MethodGet)

	r.HandleFunc("/store/items", s.requireAuth(s.handlePutStoreItem)).Methods(http.MethodPut, http.MethodPost)
	r.HandleFunc("/store/items", s.requireAuth(s.handleGetStoreItem)).Methods(http.MethodGet)
	r.HandleFunc("/store/items", s.requireAuth(s.handleDeleteStoreItem)).Methods(http.MethodDelete)
	r.HandleFunc("/store/items/search", s.requireAuth(s.handleSearchStoreItems)).Methods(http.MethodPost)

	r.HandleFunc("/chatkit/sessions", s.handleCreateSession).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type", "x-api-key", "x-client-secret"},
	})
	return c.Handler(r)
}

// ListenAndServe starts the server on the address.
func (s *Server) ListenAndServe(addr string) error {
	log.Infof("listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Warnf("encode response: %v", err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// handleCreateSession issues a short-lived client secret. Only API keys may
// mint sessions.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r, true) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	secret, expires := s.secrets.Issue()
	writeJSON(w, http.StatusOK, map[string]any{
		"client_secret": secret,
		"expires_at":    expires.UTC().Format(time.RFC3339),
	})
}
