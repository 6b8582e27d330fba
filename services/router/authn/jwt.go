// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package authn

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
)

const (
	// tokenLifetime is the JWT expiry horizon.
	tokenLifetime = 24 * time.Hour

	jwtSecretFileName = "jwt_secret"
)

// Claims is the JWT payload: subject is the user id, role gates the
// admin-only routes.
type Claims struct {
	Role datatypes.Role `json:"role"`
	jwt.RegisteredClaims
}

// CreateToken signs a 24-hour HS256 token for the user.
func CreateToken(userID uuid.UUID, role datatypes.Role, secret string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "sign JWT")
	}
	return signed, nil
}

// VerifyToken parses and validates a token, returning its claims.
// Expired, malformed, or wrongly-signed tokens all yield an
// authentication error.
func VerifyToken(tokenString, secret string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAuthentication, err, "invalid token")
	}
	return claims, nil
}

// UserID extracts the subject as a UUID.
func (c *Claims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.KindAuthentication, err, "invalid subject")
	}
	return id, nil
}

// LoadOrCreateJWTSecret resolves the signing secret.
//
// Priority: the explicit value (from the environment), then the
// persisted secret file in the data directory, then a freshly generated
// secret written to that file with mode 0600.
func LoadOrCreateJWTSecret(explicit, dataDir string) (string, error) {
	if strings.TrimSpace(explicit) != "" {
		slog.Info("using JWT secret from environment")
		return explicit, nil
	}

	path := filepath.Join(dataDir, jwtSecretFileName)
	if raw, err := os.ReadFile(path); err == nil {
		if secret := strings.TrimSpace(string(raw)); secret != "" {
			slog.Info("using JWT secret from file", "path", path)
			return secret, nil
		}
	}

	secret := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "create data directory")
	}
	if err := os.WriteFile(path, []byte(secret), 0o600); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "write JWT secret file")
	}
	slog.Info("generated new JWT secret", "path", path)
	return secret, nil
}
