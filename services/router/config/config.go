// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config reads the router's environment configuration.
//
// Every variable has a current name and, for a few that predate the
// rename, a deprecated fallback that still works but logs a warning.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the resolved runtime configuration of the router service.
type Config struct {
	// Port the HTTP server listens on.
	Port int `validate:"min=1,max=65535"`

	// DataDir holds nodes.json, request_history.json, the credential
	// store, and the generated JWT secret.
	DataDir string `validate:"required"`

	// MaxWaiters bounds the warm-up admission queue.
	MaxWaiters int `validate:"min=1"`

	// LoadBalancerMode selects the balancer policy: "auto" (layered
	// composite sort) or "metrics" (weighted usage score).
	LoadBalancerMode string `validate:"oneof=auto metrics"`

	// SkipHealthCheck bypasses the registration probe; used in tests.
	SkipHealthCheck bool

	// JWTSecret signs user tokens. Generated and persisted under
	// DataDir when unset.
	JWTSecret string

	// AdminUsername/AdminPassword provision the first-boot admin.
	AdminUsername string
	AdminPassword string

	// ModelCatalogPath optionally overlays the built-in model catalog
	// with a YAML file, hot-reloaded on change.
	ModelCatalogPath string

	// OfflineAfter is how long a node may go without a heartbeat before
	// the background sweep marks it offline.
	OfflineAfter time.Duration

	// ShutdownGrace bounds in-flight draining at shutdown.
	ShutdownGrace time.Duration
}

// Load resolves configuration from the environment.
func Load() Config {
	cfg := Config{
		Port:             envInt("FLEET_ROUTER_PORT", "ROUTER_PORT", 8100),
		DataDir:          envStr("FLEET_ROUTER_DATA_DIR", "ROUTER_DATA_DIR", defaultDataDir()),
		MaxWaiters:       envInt("ROUTER_MAX_WAITERS", "", 1024),
		LoadBalancerMode: envStr("LOAD_BALANCER_MODE", "", "auto"),
		SkipHealthCheck:  os.Getenv("FLEET_ROUTER_SKIP_HEALTH_CHECK") != "",
		JWTSecret:        os.Getenv("FLEET_ROUTER_JWT_SECRET"),
		AdminUsername:    envStr("FLEET_ROUTER_ADMIN_USERNAME", "", "admin"),
		AdminPassword:    os.Getenv("FLEET_ROUTER_ADMIN_PASSWORD"),
		ModelCatalogPath: os.Getenv("FLEET_ROUTER_MODEL_CATALOG"),
		OfflineAfter:     envDuration("FLEET_ROUTER_OFFLINE_AFTER", 90*time.Second),
		ShutdownGrace:    envDuration("FLEET_ROUTER_SHUTDOWN_GRACE", 15*time.Second),
	}
	return cfg
}

// Validate checks the resolved configuration before the server starts.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid router configuration: %w", err)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fleetrouter"
	}
	return filepath.Join(home, ".fleetrouter")
}

// envStr reads name, falling back to deprecated (warned) then def.
func envStr(name, deprecated, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	if deprecated != "" {
		if v := os.Getenv(deprecated); v != "" {
			slog.Warn("environment variable is deprecated",
				"deprecated", deprecated,
				"replacement", name,
			)
			return v
		}
	}
	return def
}

func envInt(name, deprecated string, def int) int {
	raw := envStr(name, deprecated, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("ignoring unparseable integer environment variable",
			"name", name, "value", raw)
		return def
	}
	return v
}

func envDuration(name string, def time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("ignoring unparseable duration environment variable",
			"name", name, "value", raw)
		return def
	}
	return v
}
