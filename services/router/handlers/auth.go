// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
	"github.com/AleutianAI/AleutianFleet/services/router/authn"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
	"github.com/AleutianAI/AleutianFleet/services/router/middleware"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login handles POST /api/auth/login: credentials in, a signed JWT out.
func Login(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			renderError(c, apperr.Validation("Invalid login payload: %v", err))
			return
		}

		user, err := d.Auth.Authenticate(req.Username, req.Password)
		if err != nil {
			renderError(c, err)
			return
		}

		token, err := authn.CreateToken(user.ID, user.Role, d.JWTSecret)
		if err != nil {
			renderError(c, apperr.Wrap(apperr.KindInternal, err, "failed to sign token"))
			return
		}
		slog.Info("user logged in", "username", user.Username, "role", user.Role)
		c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
	}
}

// Me handles GET /api/auth/me: the account behind the presented token.
func Me(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := middleware.GetClaims(c)
		if claims == nil {
			renderError(c, apperr.New(apperr.KindAuthentication, "unauthorized"))
			return
		}
		id, err := claims.UserID()
		if err != nil {
			renderError(c, apperr.New(apperr.KindAuthentication, "unauthorized"))
			return
		}
		user, err := d.Auth.GetUser(id)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

// Logout handles POST /api/auth/logout. Tokens are stateless; the
// client discards its copy.
func Logout() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// ListUsers handles GET /api/auth/users (admin).
func ListUsers(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := d.Auth.ListUsers()
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"users": users})
	}
}

type createUserRequest struct {
	Username string         `json:"username" binding:"required,min=3,max=64"`
	Password string         `json:"password" binding:"required,min=8"`
	Role     datatypes.Role `json:"role" binding:"required,oneof=admin viewer"`
}

// CreateUser handles POST /api/auth/users (admin).
func CreateUser(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			renderError(c, apperr.Validation("Invalid user payload: %v", err))
			return
		}
		user, err := d.Auth.CreateUser(req.Username, req.Password, req.Role)
		if err != nil {
			renderError(c, err)
			return
		}
		slog.Info("user created", "username", user.Username, "role", user.Role)
		c.JSON(http.StatusCreated, user)
	}
}

type updateUserRequest struct {
	Password string `json:"password" binding:"required,min=8"`
}

// UpdateUser handles PUT /api/auth/users/:id (admin): password change.
func UpdateUser(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			renderError(c, apperr.Validation("Invalid user id: %s", c.Param("id")))
			return
		}
		var req updateUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			renderError(c, apperr.Validation("Invalid user payload: %v", err))
			return
		}
		if err := d.Auth.ChangePassword(id, req.Password); err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// DeleteUser handles DELETE /api/auth/users/:id (admin). Removing the
// last admin is refused by the store.
func DeleteUser(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			renderError(c, apperr.Validation("Invalid user id: %s", c.Param("id")))
			return
		}
		if err := d.Auth.DeleteUser(id); err != nil {
			renderError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// ListAPIKeys handles GET /api/auth/keys (admin). Hashes never leave
// the store.
func ListAPIKeys(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		keys, err := d.Auth.ListAPIKeys()
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"keys": keys})
	}
}

type createAPIKeyRequest struct {
	Name      string     `json:"name" binding:"required,min=1,max=128"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CreateAPIKey handles POST /api/auth/keys (admin). The plaintext key
// appears in this response and nowhere else.
func CreateAPIKey(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createAPIKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			renderError(c, apperr.Validation("Invalid key payload: %v", err))
			return
		}

		var createdBy uuid.UUID
		if claims := middleware.GetClaims(c); claims != nil {
			if id, err := claims.UserID(); err == nil {
				createdBy = id
			}
		}

		key, plaintext, err := d.Auth.CreateAPIKey(createdBy, req.Name, req.ExpiresAt)
		if err != nil {
			renderError(c, err)
			return
		}
		slog.Info("api key created", "name", key.Name, "key_id", key.ID)
		c.JSON(http.StatusCreated, gin.H{"key": key, "plaintext": plaintext})
	}
}

// DeleteAPIKey handles DELETE /api/auth/keys/:id (admin).
func DeleteAPIKey(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			renderError(c, apperr.Validation("Invalid key id: %s", c.Param("id")))
			return
		}
		if err := d.Auth.DeleteAPIKey(id); err != nil {
			renderError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
