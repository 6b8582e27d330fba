// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package authn

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDB("", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

// TestCreateUserAndAuthenticate covers the login round trip and the
// uniform failure for wrong password and unknown user.
func TestCreateUserAndAuthenticate(t *testing.T) {
	s := newTestStore(t)

	created, err := s.CreateUser("operator", "hunter2hunter2", datatypes.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, "operator", created.Username)
	assert.Equal(t, datatypes.RoleAdmin, created.Role)
	assert.Nil(t, created.LastLogin)

	authed, err := s.Authenticate("operator", "hunter2hunter2")
	require.NoError(t, err)
	assert.Equal(t, created.ID, authed.ID)
	require.NotNil(t, authed.LastLogin)

	_, err = s.Authenticate("operator", "wrong")
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))

	_, err = s.Authenticate("nobody", "hunter2hunter2")
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err),
		"unknown user must fail the same way as a bad password")
}

// TestCreateUser_DuplicateUsername verifies the uniqueness constraint.
func TestCreateUser_DuplicateUsername(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateUser("operator", "first-password", datatypes.RoleAdmin)
	require.NoError(t, err)
	_, err = s.CreateUser("operator", "second-password", datatypes.RoleViewer)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

// TestDeleteUser_LastAdminRefused verifies the lockout guard.
func TestDeleteUser_LastAdminRefused(t *testing.T) {
	s := newTestStore(t)

	admin, err := s.CreateUser("root", "password-one", datatypes.RoleAdmin)
	require.NoError(t, err)
	viewer, err := s.CreateUser("watcher", "password-two", datatypes.RoleViewer)
	require.NoError(t, err)

	err = s.DeleteUser(admin.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "last admin")

	// A second admin unblocks deletion.
	second, err := s.CreateUser("root2", "password-three", datatypes.RoleAdmin)
	require.NoError(t, err)
	require.NoError(t, s.DeleteUser(admin.ID))
	require.NoError(t, s.DeleteUser(viewer.ID))

	users, err := s.ListUsers()
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, second.ID, users[0].ID)
}

// TestAPIKeyLifecycle verifies issuance, the one-time plaintext, and
// verification.
func TestAPIKeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	owner := uuid.New()

	key, plaintext, err := s.CreateAPIKey(owner, "ci", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plaintext, "sk_"))
	assert.Len(t, plaintext, 3+32)
	assert.Equal(t, owner, key.CreatedBy)

	verified, err := s.VerifyAPIKey(plaintext)
	require.NoError(t, err)
	assert.Equal(t, key.ID, verified.ID)

	_, err = s.VerifyAPIKey("sk_" + strings.Repeat("x", 32))
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))

	require.NoError(t, s.DeleteAPIKey(key.ID))
	_, err = s.VerifyAPIKey(plaintext)
	require.Error(t, err)
}

// TestVerifyAPIKey_Expired verifies expired keys never match.
func TestVerifyAPIKey_Expired(t *testing.T) {
	s := newTestStore(t)
	past := time.Now().UTC().Add(-time.Hour)

	_, plaintext, err := s.CreateAPIKey(uuid.New(), "stale", &past)
	require.NoError(t, err)

	_, err = s.VerifyAPIKey(plaintext)
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))
}

// TestAgentTokenLifecycle verifies issuance, rotation, and deletion.
func TestAgentTokenLifecycle(t *testing.T) {
	s := newTestStore(t)
	nodeID := uuid.New()

	first, err := s.IssueAgentToken(nodeID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "agt_"))

	resolved, err := s.VerifyAgentToken(first)
	require.NoError(t, err)
	assert.Equal(t, nodeID, resolved)

	// Re-registration rotates the token; the old one stops working.
	second, err := s.IssueAgentToken(nodeID)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	_, err = s.VerifyAgentToken(first)
	require.Error(t, err)
	resolved, err = s.VerifyAgentToken(second)
	require.NoError(t, err)
	assert.Equal(t, nodeID, resolved)

	require.NoError(t, s.DeleteAgentToken(nodeID))
	_, err = s.VerifyAgentToken(second)
	require.Error(t, err)
}

// TestEnsureAdmin verifies the first-boot bootstrap paths.
func TestEnsureAdmin(t *testing.T) {
	s := newTestStore(t)

	name, err := EnsureAdmin(s, "", "")
	require.NoError(t, err)
	assert.Empty(t, name, "no password means no bootstrap")

	name, err = EnsureAdmin(s, "", "bootstrap-password")
	require.NoError(t, err)
	assert.Equal(t, DefaultAdminUsername, name)

	// Second boot is idempotent.
	name, err = EnsureAdmin(s, "", "different-password")
	require.NoError(t, err)
	assert.Equal(t, DefaultAdminUsername, name)

	user, err := s.Authenticate(DefaultAdminUsername, "bootstrap-password")
	require.NoError(t, err)
	assert.Equal(t, datatypes.RoleAdmin, user.Role)
}
