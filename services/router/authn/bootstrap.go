// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package authn

import (
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
)

// DefaultAdminUsername is used when only the admin password is
// configured.
const DefaultAdminUsername = "admin"

// EnsureAdmin creates the first admin account from configuration.
//
// # Description
//
// With an empty password nothing happens; the operator has not opted
// into bootstrap and login stays impossible until a user is created by
// other means. An existing username is left untouched so restarts are
// idempotent.
//
// # Outputs
//
//   - string: the admin username, or "" when bootstrap was skipped.
//   - error: store failures; an already-existing user is not an error.
func EnsureAdmin(store *Store, username, password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		slog.Debug("admin password not configured, skipping admin bootstrap")
		return "", nil
	}
	if strings.TrimSpace(username) == "" {
		username = DefaultAdminUsername
	}

	user, err := store.CreateUser(username, password, datatypes.RoleAdmin)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindValidation {
			slog.Warn("admin user already exists, skipping bootstrap", "username", username)
			return username, nil
		}
		return "", err
	}

	slog.Info("created admin user from environment", "username", user.Username)
	return user.Username, nil
}
