// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the gin middleware in front of the tool
// server: trace ids, bearer authentication and rate limiting.
//
// # Request Flow
//
//	Request
//	   │
//	   ▼
//	TraceID         X-Trace-Id header, active span, or a fresh uuid
//	   │
//	   ▼
//	AuthMiddleware  "Authorization: Bearer <token>" against the enclave
//	   │
//	   ▼
//	RateLimit       shared token bucket, off when no rate is configured
//	   │
//	   ▼
//	Handler
//
// Rejections are written by a DenyFunc supplied by the route table, so
// /rpc can answer with a JSON-RPC error body while ops endpoints answer
// with a plain status document.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
)

// DenyFunc writes the rejection for a request and aborts it.
type DenyFunc func(c *gin.Context, status int)

// DenyStatus is the default DenyFunc: {"status": "unauthorized"} or
// {"status": "rate_limited"}.
func DenyStatus(c *gin.Context, status int) {
	label := "unauthorized"
	if status == http.StatusTooManyRequests {
		label = "rate_limited"
	}
	c.AbortWithStatusJSON(status, gin.H{"status": label, "trace_id": GetTraceID(c)})
}

// =============================================================================
// Token Verifier
// =============================================================================

// TokenVerifier holds the configured bearer token in a memguard enclave
// so the plaintext only exists in locked memory during a comparison.
//
// # Thread Safety
//
// Safe for concurrent use. Each Verify opens its own locked buffer.
type TokenVerifier struct {
	enclave *memguard.Enclave
}

// NewTokenVerifier seals token. An empty token returns nil, which
// disables authentication.
func NewTokenVerifier(token string) *TokenVerifier {
	if token == "" {
		return nil
	}
	// NewEnclave wipes the slice it is given.
	return &TokenVerifier{enclave: memguard.NewEnclave([]byte(token))}
}

// Enabled reports whether a token is configured.
func (v *TokenVerifier) Enabled() bool {
	return v != nil && v.enclave != nil
}

// Verify compares provided with the sealed token in constant time.
//
// # Outputs
//
//   - bool: True when auth is disabled or the token matches. False for
//     an empty token or when the enclave cannot be opened.
func (v *TokenVerifier) Verify(provided string) bool {
	if !v.Enabled() {
		return true
	}
	if provided == "" {
		return false
	}
	buf, err := v.enclave.Open()
	if err != nil {
		return false
	}
	defer buf.Destroy()
	return subtle.ConstantTimeCompare(buf.Bytes(), []byte(provided)) == 1
}

// =============================================================================
// Middleware
// =============================================================================

// AuthMiddleware rejects requests without the configured bearer token.
//
// # Description
//
// A nil or disabled verifier lets every request through. Otherwise the
// token from the Authorization header is checked with Verify and a
// mismatch is handed to deny with 401. deny must abort the request.
//
// # Inputs
//
//   - verifier: Result of NewTokenVerifier. May be nil.
//   - deny: Writes the rejection. nil selects DenyStatus.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AuthMiddleware(verifier *TokenVerifier, deny DenyFunc) gin.HandlerFunc {
	if deny == nil {
		deny = DenyStatus
	}
	return func(c *gin.Context) {
		if !verifier.Enabled() {
			c.Next()
			return
		}
		if !verifier.Verify(extractBearerToken(c)) {
			deny(c, http.StatusUnauthorized)
			if !c.IsAborted() {
				c.Abort()
			}
			return
		}
		c.Next()
	}
}

// extractBearerToken returns the token from "Authorization: Bearer <token>"
// or "" when the header is missing or uses another scheme. The scheme is
// matched case-insensitively.
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
