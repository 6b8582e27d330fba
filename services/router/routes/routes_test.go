// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFleet/services/router/authn"
	"github.com/AleutianAI/AleutianFleet/services/router/balancer"
	"github.com/AleutianAI/AleutianFleet/services/router/catalog"
	"github.com/AleutianAI/AleutianFleet/services/router/config"
	"github.com/AleutianAI/AleutianFleet/services/router/handlers"
	"github.com/AleutianAI/AleutianFleet/services/router/journal"
	"github.com/AleutianAI/AleutianFleet/services/router/middleware"
	"github.com/AleutianAI/AleutianFleet/services/router/registry"
	"github.com/AleutianAI/AleutianFleet/services/router/tasks"
)

func init() { gin.SetMode(gin.TestMode) }

func newTestRouter(t *testing.T) (*gin.Engine, *handlers.Deps) {
	t.Helper()

	dir := t.TempDir()
	store := registry.NewStore(dir)
	require.NoError(t, store.Init())
	reg := registry.NewRegistry(store)
	require.NoError(t, reg.LoadFromStore())

	db, err := authn.OpenDB("", true)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	d := &handlers.Deps{
		Cfg: config.Config{
			DataDir:         dir,
			MaxWaiters:      balancer.DefaultMaxWaiters,
			SkipHealthCheck: true,
		},
		Registry:  reg,
		Load:      balancer.NewLoadManager(reg, balancer.ModeAuto),
		Journal:   journal.NewStore(dir),
		Tasks:     tasks.NewManager(),
		Auth:      authn.NewStore(db),
		Catalog:   catalog.New(""),
		JWTSecret: "routes-test-secret",
	}

	router := gin.New()
	SetupRoutes(router, d, middleware.NewRateLimiter(100, 100))
	return router, d
}

func get(router *gin.Engine, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRoutes_PublicSurface(t *testing.T) {
	router, _ := newTestRouter(t)

	assert.Equal(t, http.StatusOK, get(router, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, get(router, "/metrics", nil).Code)

	w := get(router, "/v1/models", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"object":"list"`)

	assert.Equal(t, http.StatusOK, get(router, "/api/nodes", nil).Code)
}

func TestRoutes_InferenceRequiresAPIKey(t *testing.T) {
	router, d := newTestRouter(t)

	body := `{"model":"qwen3:8b","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	_, plaintext, err := d.Auth.CreateAPIKey(uuid.Nil, "test", nil)
	require.NoError(t, err)

	// With a key the request clears auth; no nodes are registered, so
	// the proxy refuses with 503 instead of 401.
	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", plaintext)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRoutes_DashboardRequiresJWT(t *testing.T) {
	router, _ := newTestRouter(t)

	w := get(router, "/api/dashboard/overview", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRoutes_AgentCallbacksRequireToken(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/health",
		strings.NewReader(`{"node_id":"00000000-0000-0000-0000-000000000001"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
