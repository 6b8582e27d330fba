// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// Role is a user's authorization level.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

// User is an operator account. PasswordHash is a bcrypt hash and never
// serialized to API responses.
type User struct {
	ID           uuid.UUID  `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// APIKey authenticates OpenAI-compatible client calls. Only the bcrypt
// hash of the secret is stored; the plaintext sk_ key is shown once at
// issuance.
type APIKey struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	CreatedBy uuid.UUID  `json:"created_by"`
	KeyHash   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// AgentToken authenticates a worker's heartbeats and task callbacks.
// One token per node; re-registration rotates it.
type AgentToken struct {
	NodeID    uuid.UUID `json:"node_id"`
	TokenHash string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
