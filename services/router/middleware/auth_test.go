// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFleet/services/router/authn"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "middleware-test-secret"

func newAuthStore(t *testing.T) *authn.Store {
	t.Helper()
	db, err := authn.OpenDB("", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return authn.NewStore(db)
}

// protectedRouter mounts a probe handler behind the given middleware
// and reports what the handler observed.
func protectedRouter(mw gin.HandlerFunc, probe gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.GET("/probe", mw, probe)
	return r
}

func doGet(r *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// =============================================================================
// extractBearerToken Tests
// =============================================================================

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid", "Bearer abc123", "abc123"},
		{"case insensitive scheme", "bearer abc123", "abc123"},
		{"missing header", "", ""},
		{"no scheme", "abc123", ""},
		{"wrong scheme", "Basic abc123", ""},
		{"padded token", "Bearer   abc123  ", "abc123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, extractBearerToken(c))
		})
	}
}

// =============================================================================
// UserAuth Tests
// =============================================================================

// TestUserAuth_ValidToken verifies the claims reach the handler.
func TestUserAuth_ValidToken(t *testing.T) {
	userID := uuid.New()
	token, err := authn.CreateToken(userID, datatypes.RoleAdmin, testSecret)
	require.NoError(t, err)

	var seen *authn.Claims
	r := protectedRouter(UserAuth(testSecret), func(c *gin.Context) {
		seen = GetClaims(c)
		c.Status(http.StatusOK)
	})

	w := doGet(r, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, seen)
	assert.Equal(t, datatypes.RoleAdmin, seen.Role)

	parsed, err := seen.UserID()
	require.NoError(t, err)
	assert.Equal(t, userID, parsed)
}

// TestUserAuth_Rejections verifies missing, garbage, and wrongly
// signed tokens all fail identically.
func TestUserAuth_Rejections(t *testing.T) {
	other, err := authn.CreateToken(uuid.New(), datatypes.RoleAdmin, "other-secret")
	require.NoError(t, err)

	r := protectedRouter(UserAuth(testSecret), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for name, headers := range map[string]map[string]string{
		"no header":    nil,
		"garbage":      {"Authorization": "Bearer not-a-jwt"},
		"wrong secret": {"Authorization": "Bearer " + other},
	} {
		t.Run(name, func(t *testing.T) {
			w := doGet(r, headers)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())
		})
	}
}

// TestRequireAdmin verifies the role gate after UserAuth.
func TestRequireAdmin(t *testing.T) {
	r := gin.New()
	r.GET("/probe", UserAuth(testSecret), RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	adminToken, err := authn.CreateToken(uuid.New(), datatypes.RoleAdmin, testSecret)
	require.NoError(t, err)
	viewerToken, err := authn.CreateToken(uuid.New(), datatypes.RoleViewer, testSecret)
	require.NoError(t, err)

	w := doGet(r, map[string]string{"Authorization": "Bearer " + adminToken})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doGet(r, map[string]string{"Authorization": "Bearer " + viewerToken})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// =============================================================================
// APIKeyAuth Tests
// =============================================================================

// TestAPIKeyAuth verifies both header forms and rejection of unknown
// keys.
func TestAPIKeyAuth(t *testing.T) {
	store := newAuthStore(t)
	created, plaintext, err := store.CreateAPIKey(uuid.New(), "ci", nil)
	require.NoError(t, err)

	var seenID uuid.UUID
	r := protectedRouter(APIKeyAuth(store), func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		require.True(t, ok)
		seenID = key.ID
		c.Status(http.StatusOK)
	})

	w := doGet(r, map[string]string{"X-API-Key": plaintext})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, seenID)

	// OpenAI clients send the key as a bearer token.
	w = doGet(r, map[string]string{"Authorization": "Bearer " + plaintext})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doGet(r, map[string]string{"X-API-Key": "sk_00000000000000000000000000000000"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doGet(r, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// =============================================================================
// AgentAuth Tests
// =============================================================================

// TestAgentAuth verifies token resolution and rotation lockout.
func TestAgentAuth(t *testing.T) {
	store := newAuthStore(t)
	nodeID := uuid.New()
	token, err := store.IssueAgentToken(nodeID)
	require.NoError(t, err)

	var seen uuid.UUID
	r := protectedRouter(AgentAuth(store), func(c *gin.Context) {
		id, ok := GetAgentNodeID(c)
		require.True(t, ok)
		seen = id
		c.Status(http.StatusOK)
	})

	w := doGet(r, map[string]string{"X-Agent-Token": token})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, nodeID, seen)

	// Rotation invalidates the old token.
	_, err = store.IssueAgentToken(nodeID)
	require.NoError(t, err)
	w = doGet(r, map[string]string{"X-Agent-Token": token})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doGet(r, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// =============================================================================
// RateLimiter Tests
// =============================================================================

// TestRateLimiter_BurstThenReject verifies the bucket empties at the
// configured burst.
func TestRateLimiter_BurstThenReject(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	r := protectedRouter(rl.Middleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, doGet(r, nil).Code)
	assert.Equal(t, http.StatusOK, doGet(r, nil).Code)

	w := doGet(r, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, w.Body.String())
}

// TestRateLimiter_PerClientKeys verifies buckets are independent per
// API key identity.
func TestRateLimiter_PerClientKeys(t *testing.T) {
	store := newAuthStore(t)
	_, keyA, err := store.CreateAPIKey(uuid.New(), "a", nil)
	require.NoError(t, err)
	_, keyB, err := store.CreateAPIKey(uuid.New(), "b", nil)
	require.NoError(t, err)

	rl := NewRateLimiter(0.001, 1)
	r := gin.New()
	r.GET("/probe", APIKeyAuth(store), rl.Middleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, doGet(r, map[string]string{"X-API-Key": keyA}).Code)
	assert.Equal(t, http.StatusTooManyRequests, doGet(r, map[string]string{"X-API-Key": keyA}).Code)

	// A different key still has a full bucket.
	assert.Equal(t, http.StatusOK, doGet(r, map[string]string{"X-API-Key": keyB}).Code)
}

// TestRateLimiter_Cleanup verifies idle buckets are dropped.
func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	require.True(t, rl.allow("ip:10.0.0.1"))

	rl.mu.Lock()
	rl.clients["ip:10.0.0.1"].lastSeen = rl.clients["ip:10.0.0.1"].lastSeen.Add(-limiterIdleAfter - time.Minute)
	rl.mu.Unlock()

	rl.Cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.clients)
}
