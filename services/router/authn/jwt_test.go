// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package authn

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
)

// TestJWTRoundTrip verifies create/verify and the claim contents.
func TestJWTRoundTrip(t *testing.T) {
	userID := uuid.New()

	token, err := CreateToken(userID, datatypes.RoleAdmin, "test-secret")
	require.NoError(t, err)
	assert.Equal(t, 3, len(strings.Split(token, ".")))

	claims, err := VerifyToken(token, "test-secret")
	require.NoError(t, err)
	assert.Equal(t, datatypes.RoleAdmin, claims.Role)

	parsed, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, userID, parsed)
}

// TestVerifyToken_WrongSecret verifies signature enforcement.
func TestVerifyToken_WrongSecret(t *testing.T) {
	token, err := CreateToken(uuid.New(), datatypes.RoleViewer, "secret-a")
	require.NoError(t, err)

	_, err = VerifyToken(token, "secret-b")
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))

	_, err = VerifyToken("not-a-jwt", "secret-a")
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))
}

// TestLoadOrCreateJWTSecret verifies the env > file > generated
// priority and persistence across calls.
func TestLoadOrCreateJWTSecret(t *testing.T) {
	dir := t.TempDir()

	explicit, err := LoadOrCreateJWTSecret("from-env", dir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", explicit)
	assert.NoFileExists(t, filepath.Join(dir, "jwt_secret"))

	generated, err := LoadOrCreateJWTSecret("", dir)
	require.NoError(t, err)
	require.NotEmpty(t, generated)

	raw, err := os.ReadFile(filepath.Join(dir, "jwt_secret"))
	require.NoError(t, err)
	assert.Equal(t, generated, strings.TrimSpace(string(raw)))

	again, err := LoadOrCreateJWTSecret("", dir)
	require.NoError(t, err)
	assert.Equal(t, generated, again, "secret must be stable across restarts")
}

// TestGenerateAPIKey verifies the shape of issued secrets.
func TestGenerateAPIKey(t *testing.T) {
	key, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "sk_"))
	assert.Len(t, key, 35)
	for _, c := range key[3:] {
		assert.True(t, (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'),
			"key body must be alphanumeric, got %q", c)
	}

	other, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)

	token := GenerateAgentToken()
	assert.True(t, strings.HasPrefix(token, "agt_"))
	assert.Len(t, token, 4+36)
}
