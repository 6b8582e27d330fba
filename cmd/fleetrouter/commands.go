// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFleet/services/router/server"
)

// version is stamped at build time with -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "fleetrouter",
	Short: "Coordinator for a fleet of LLM inference worker nodes",
	Long: `fleetrouter runs the fleet coordinator: worker registration and
heartbeats, load-balanced inference proxying with an OpenAI-compatible
surface, model distribution, and the dashboard API.

Configuration is environment-driven; see FLEET_ROUTER_* variables.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the router until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(),
			syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return server.Run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the fleetrouter version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stdout, "fleetrouter", version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
