// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the chat service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization header,
// checks it against the configured API key set, and stores the resulting
// client identity in the Gin context for downstream handlers.
//
//	Request
//	   │
//	   ▼
//	KeyAuthMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► Authenticator.Authenticate(token)
//	   │
//	   └─► Store client ID in context
//	           │
//	           ▼
//	       Handler (retrieves via GetClientID)
//
// A missing or malformed header yields 401; a well-formed token that does
// not match any configured key yields 403. The client ID is the stable
// identity used for rate limiting and session ownership, never the raw key.
package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Context Keys
// =============================================================================

// clientIDKey is the context key for storing the authenticated client ID.
// Using a namespaced key prevents collisions with other context values.
const clientIDKey = "aleutian_client_id"

// =============================================================================
// Context Helpers
// =============================================================================

// SetClientID stores the authenticated client identity in the Gin context.
//
// # Description
//
// Called by KeyAuthMiddleware after successful authentication. The stored
// ID can be retrieved by handlers via GetClientID.
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func SetClientID(c *gin.Context, clientID string) {
	c.Set(clientIDKey, clientID)
}

// GetClientID retrieves the authenticated client identity from the Gin
// context. Returns empty string when the request was not authenticated.
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func GetClientID(c *gin.Context) string {
	if v, exists := c.Get(clientIDKey); exists {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// =============================================================================
// Authenticator
// =============================================================================

// Authenticator maps bearer tokens to stable client identities.
//
// # Description
//
// Keys are held as SHA-256 digests so a heap dump or accidental log of the
// authenticator never exposes a raw credential. The derived client ID is
// the first 12 hex characters of the key digest: stable across restarts,
// meaningless to an attacker.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Authenticator struct {
	digests map[[sha256.Size]byte]string
}

// NewAuthenticator builds an Authenticator from the configured API keys.
// Empty keys are ignored. An authenticator with no keys rejects every
// request, which is the safe default for a misconfigured deployment.
func NewAuthenticator(keys []string) *Authenticator {
	a := &Authenticator{digests: make(map[[sha256.Size]byte]string, len(keys))}
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		sum := sha256.Sum256([]byte(key))
		a.digests[sum] = hex.EncodeToString(sum[:])[:12]
	}
	return a
}

// Authenticate checks a bearer token against the configured key set.
//
// # Outputs
//
//   - string: The stable client ID for the token, empty when rejected.
//   - bool: Whether the token matched a configured key.
func (a *Authenticator) Authenticate(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(token))
	for digest, clientID := range a.digests {
		if subtle.ConstantTimeCompare(digest[:], sum[:]) == 1 {
			return clientID, true
		}
	}
	return "", false
}

// =============================================================================
// Auth Middleware
// =============================================================================

// KeyAuthMiddleware creates a Gin middleware that authenticates requests
// against the configured API key set.
//
// # Description
//
// Extracts the bearer token from the Authorization header and resolves it
// to a client ID via the Authenticator. The client ID is stored in the
// context for downstream handlers (rate limiting, session ownership).
//
// # Token Extraction
//
// The middleware expects tokens in the Authorization header:
//
//	Authorization: Bearer <token>
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin.
//
// # Limitations
//
//   - Only supports Bearer token authentication.
//   - Does not support per-key scopes or roles.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func KeyAuthMiddleware(auth *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing bearer token",
			})
			return
		}

		clientID, ok := auth.Authenticate(token)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "invalid api key",
			})
			return
		}

		SetClientID(c, clientID)
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken extracts the token from the Authorization header.
//
// Parses the Authorization header expecting format: "Bearer <token>".
// Returns empty string if the header is missing or malformed. The "Bearer"
// prefix is case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
