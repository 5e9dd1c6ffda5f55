//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package server

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ClientSecretPrefix marks bearer tokens issued via /chatkit/sessions.
const ClientSecretPrefix = "cs-x-"

// defaultSecretTTL is the lifetime of an issued client secret.
const defaultSecretTTL = 15 * time.Minute

// secretIssuer issues and validates short-lived client secrets.
type secretIssuer struct {
	mu      sync.Mutex
	secrets map[string]time.Time
	ttl     time.Duration
}

func newSecretIssuer(ttl time.Duration) *secretIssuer {
	if ttl <= 0 {
		ttl = defaultSecretTTL
	}
	return &secretIssuer{
		secrets: make(map[string]time.Time),
		ttl:     ttl,
	}
}

// Issue creates a new client secret and returns it with its expiry.
func (s *secretIssuer) Issue() (string, time.Time) {
	buf := make([]byte, 24)
	rand.Read(buf)
	secret := ClientSecretPrefix + hex.EncodeToString(buf)
	expires := time.Now().Add(s.ttl)
	s.mu.Lock()
	s.secrets[secret] = expires
	s.prune()
	s.mu.Unlock()
	return secret, expires
}

// Valid reports whether the secret is known and unexpired.
func (s *secretIssuer) Valid(secret string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.secrets[secret]
	if !ok {
		return false
	}
	if time.Now().After(expires) {
		delete(s.secrets, secret)
		return false
	}
	return true
}

func (s *secretIssuer) prune() {
	now := time.Now()
	for secret, expires := range s.secrets {
		if now.After(expires) {
			delete(s.secrets, secret)
		}
	}
}

// authorize accepts either an API key (x-api-key or Authorization: Bearer)
// or an issued client secret (x-client-secret or a cs-x- bearer token).
// apiKeyOnly additionally rejects client secrets, used for the session
// issuing endpoint itself.
func (s *Server) authorize(r *http.Request, apiKeyOnly bool) bool {
	if len(s.apiKeys) == 0 {
		return true
	}
	bearer := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		bearer = strings.TrimPrefix(h, "Bearer ")
	}

	apiKey := r.Header.Get("x-api-key")
	if apiKey == "" && !strings.HasPrefix(bearer, ClientSecretPrefix) {
		apiKey = bearer
	}
	if apiKey != "" && s.apiKeys[apiKey] {
		return true
	}
	if apiKeyOnly {
		return false
	}

	secret := r.Header.Get("x-client-secret")
	if secret == "" && strings.HasPrefix(bearer, ClientSecretPrefix) {
		secret = bearer
	}
	return secret != "" && s.secrets.Valid(secret)
}

// requireAuth wraps a handler with the standard auth check.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r, false) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}
