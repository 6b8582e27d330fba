// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package authn is the trust boundary: password hashing, JWT issuance
// and verification, API-key and agent-token lifecycle, and the badger
// store that keeps only credential hashes. Plaintext secrets exist
// exactly once, in the issuance response.
package authn

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
)

// hashCost is the bcrypt work factor for every stored credential.
const hashCost = 12

// HashPassword derives a bcrypt hash for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), hashCost)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "hash password")
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches the stored hash.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
