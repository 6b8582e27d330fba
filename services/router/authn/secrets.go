// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package authn

import (
	"crypto/rand"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
)

const (
	apiKeyPrefix     = "sk_"
	agentTokenPrefix = "agt_"

	apiKeyRandomLen = 32
	alphanumeric    = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GenerateAPIKey produces a new plaintext API key: "sk_" followed by 32
// random alphanumeric characters.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, apiKeyRandomLen)
	if _, err := rand.Read(buf); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "generate API key")
	}
	for i, b := range buf {
		buf[i] = alphanumeric[int(b)%len(alphanumeric)]
	}
	return apiKeyPrefix + string(buf), nil
}

// GenerateAgentToken produces a new plaintext agent token: "agt_"
// followed by a random UUID.
func GenerateAgentToken() string {
	return agentTokenPrefix + uuid.NewString()
}
