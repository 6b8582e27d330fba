// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the router service.
//
// Three credential kinds guard three different surfaces:
//
//   - User JWTs (Authorization: Bearer) protect the dashboard and
//     management API.
//   - API keys (X-API-Key, or Bearer for OpenAI-client compatibility)
//     protect the OpenAI-compatible inference endpoints.
//   - Agent tokens (X-Agent-Token) protect the node-facing endpoints
//     such as heartbeats and download-progress pings.
//
// Each middleware validates the credential, stores the resulting
// principal in the Gin context for downstream handlers, and aborts
// with a uniform 401 on any failure.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFleet/services/router/authn"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
)

// =============================================================================
// Context Keys
// =============================================================================

// Typed keys prevent collisions with other context values.
const (
	claimsKey  = "fleet_user_claims"
	apiKeyKey  = "fleet_api_key"
	agentIDKey = "fleet_agent_node_id"
)

// =============================================================================
// Context Helpers
// =============================================================================

// SetClaims stores the authenticated user's JWT claims in the Gin
// context. Called by UserAuth after successful verification.
func SetClaims(c *gin.Context, claims *authn.Claims) {
	c.Set(claimsKey, claims)
}

// GetClaims retrieves the authenticated user's JWT claims, or nil if
// the request did not pass UserAuth.
func GetClaims(c *gin.Context) *authn.Claims {
	if v, exists := c.Get(claimsKey); exists {
		if claims, ok := v.(*authn.Claims); ok {
			return claims
		}
	}
	return nil
}

// SetAPIKey stores the verified API key in the Gin context.
func SetAPIKey(c *gin.Context, key datatypes.APIKey) {
	c.Set(apiKeyKey, key)
}

// GetAPIKey retrieves the verified API key. The second return is false
// if the request did not pass APIKeyAuth.
func GetAPIKey(c *gin.Context) (datatypes.APIKey, bool) {
	if v, exists := c.Get(apiKeyKey); exists {
		if key, ok := v.(datatypes.APIKey); ok {
			return key, true
		}
	}
	return datatypes.APIKey{}, false
}

// SetAgentNodeID stores the node identity resolved from an agent token.
func SetAgentNodeID(c *gin.Context, nodeID uuid.UUID) {
	c.Set(agentIDKey, nodeID)
}

// GetAgentNodeID retrieves the node identity resolved from an agent
// token. The second return is false if the request did not pass
// AgentAuth.
func GetAgentNodeID(c *gin.Context) (uuid.UUID, bool) {
	if v, exists := c.Get(agentIDKey); exists {
		if id, ok := v.(uuid.UUID); ok {
			return id, true
		}
	}
	return uuid.Nil, false
}

// =============================================================================
// User Auth (JWT)
// =============================================================================

// UserAuth authenticates dashboard and management requests with a JWT
// bearer token.
//
// # Description
//
// Extracts the token from "Authorization: Bearer <token>", verifies
// the signature and expiry with the router's JWT secret, and stores
// the claims in the context. Missing, malformed, expired, and
// wrongly-signed tokens all produce the same 401 response.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func UserAuth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			abortUnauthorized(c)
			return
		}

		claims, err := authn.VerifyToken(token, jwtSecret)
		if err != nil {
			abortUnauthorized(c)
			return
		}

		SetClaims(c, claims)
		c.Next()
	}
}

// RequireAdmin rejects non-admin users with 403. Must run after
// UserAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			abortUnauthorized(c)
			return
		}
		if claims.Role != datatypes.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "admin role required",
			})
			return
		}
		c.Next()
	}
}

// =============================================================================
// API Key Auth
// =============================================================================

// APIKeyAuth authenticates OpenAI-compatible inference requests.
//
// # Description
//
// Accepts the key from the X-API-Key header, or from
// "Authorization: Bearer sk_..." so that stock OpenAI client
// libraries work unchanged. Expired and revoked keys fail with the
// same 401 as unknown keys.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func APIKeyAuth(store *authn.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		plaintext := c.GetHeader("X-API-Key")
		if plaintext == "" {
			plaintext = extractBearerToken(c)
		}
		if plaintext == "" {
			abortUnauthorized(c)
			return
		}

		key, err := store.VerifyAPIKey(plaintext)
		if err != nil {
			abortUnauthorized(c)
			return
		}

		SetAPIKey(c, key)
		c.Next()
	}
}

// =============================================================================
// Agent Auth
// =============================================================================

// AgentAuth authenticates worker-node requests with the token issued
// at registration.
//
// # Description
//
// Reads the X-Agent-Token header and resolves it to the node it was
// issued to. Re-registration rotates the token, so a node holding a
// stale token gets 401 and must register again.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AgentAuth(store *authn.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-Agent-Token")
		if token == "" {
			abortUnauthorized(c)
			return
		}

		nodeID, err := store.VerifyAgentToken(token)
		if err != nil {
			abortUnauthorized(c)
			return
		}

		SetAgentNodeID(c, nodeID)
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken parses "Authorization: Bearer <token>". The
// scheme is case-insensitive per RFC 7235. Returns "" when the header
// is missing or malformed.
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

// abortUnauthorized sends the uniform 401. The body never says which
// part of the credential failed.
func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": "unauthorized",
	})
}
