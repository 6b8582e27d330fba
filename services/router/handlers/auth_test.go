// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
	"github.com/AleutianAI/AleutianFleet/services/router/middleware"
)

func authRouter(d *Deps) *gin.Engine {
	router := gin.New()
	router.POST("/api/auth/login", Login(d))
	router.POST("/api/auth/logout", Logout())

	user := router.Group("/", middleware.UserAuth(d.JWTSecret))
	user.GET("/api/auth/me", Me(d))

	admin := user.Group("/", middleware.RequireAdmin())
	admin.GET("/api/auth/users", ListUsers(d))
	admin.POST("/api/auth/users", CreateUser(d))
	admin.DELETE("/api/auth/users/:id", DeleteUser(d))
	admin.POST("/api/auth/keys", CreateAPIKey(d))
	admin.GET("/api/auth/keys", ListAPIKeys(d))
	admin.DELETE("/api/auth/keys/:id", DeleteAPIKey(d))
	return router
}

func login(t *testing.T, router *gin.Engine, username, password string) string {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/auth/login",
		gin.H{"username": username, "password": password})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestLoginAndMe(t *testing.T) {
	d := newTestDeps(t)
	_, err := d.Auth.CreateUser("admin", "correct horse battery", datatypes.RoleAdmin)
	require.NoError(t, err)

	router := authRouter(d)
	token := login(t, router, "admin", "correct horse battery")

	req := newAuthedRequest(t, http.MethodGet, "/api/auth/me", token, nil)
	w := serve(router, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var user datatypes.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &user))
	assert.Equal(t, "admin", user.Username)
	assert.Equal(t, datatypes.RoleAdmin, user.Role)
}

func TestLogin_WrongPassword(t *testing.T) {
	d := newTestDeps(t)
	_, err := d.Auth.CreateUser("admin", "correct horse battery", datatypes.RoleAdmin)
	require.NoError(t, err)

	router := authRouter(d)
	w := doJSON(t, router, http.MethodPost, "/api/auth/login",
		gin.H{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUserManagement_AdminOnly(t *testing.T) {
	d := newTestDeps(t)
	_, err := d.Auth.CreateUser("admin", "correct horse battery", datatypes.RoleAdmin)
	require.NoError(t, err)
	_, err = d.Auth.CreateUser("viewer", "viewer password", datatypes.RoleViewer)
	require.NoError(t, err)

	router := authRouter(d)
	adminToken := login(t, router, "admin", "correct horse battery")
	viewerToken := login(t, router, "viewer", "viewer password")

	// A viewer cannot manage users.
	req := newAuthedRequest(t, http.MethodGet, "/api/auth/users", viewerToken, nil)
	w := serve(router, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// The admin creates, lists, and deletes.
	req = newAuthedRequest(t, http.MethodPost, "/api/auth/users", adminToken,
		gin.H{"username": "operator", "password": "operator pass", "role": "viewer"})
	w = serve(router, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created datatypes.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	req = newAuthedRequest(t, http.MethodGet, "/api/auth/users", adminToken, nil)
	w = serve(router, req)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Users []datatypes.User `json:"users"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Users, 3)

	req = newAuthedRequest(t, http.MethodDelete, "/api/auth/users/"+created.ID.String(), adminToken, nil)
	w = serve(router, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestAPIKeyLifecycleOverHTTP(t *testing.T) {
	d := newTestDeps(t)
	_, err := d.Auth.CreateUser("admin", "correct horse battery", datatypes.RoleAdmin)
	require.NoError(t, err)

	router := authRouter(d)
	token := login(t, router, "admin", "correct horse battery")

	req := newAuthedRequest(t, http.MethodPost, "/api/auth/keys", token, gin.H{"name": "ci"})
	w := serve(router, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Key       datatypes.APIKey `json:"key"`
		Plaintext string           `json:"plaintext"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.Plaintext)

	// The plaintext authenticates against the store.
	verified, err := d.Auth.VerifyAPIKey(created.Plaintext)
	require.NoError(t, err)
	assert.Equal(t, created.Key.ID, verified.ID)

	// Listing never reveals secrets.
	req = newAuthedRequest(t, http.MethodGet, "/api/auth/keys", token, nil)
	w = serve(router, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), created.Plaintext)

	req = newAuthedRequest(t, http.MethodDelete, "/api/auth/keys/"+created.Key.ID.String(), token, nil)
	w = serve(router, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	_, err = d.Auth.VerifyAPIKey(created.Plaintext)
	assert.Error(t, err)
}
