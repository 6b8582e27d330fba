// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianFleet/services/router/handlers"
	"github.com/AleutianAI/AleutianFleet/services/router/middleware"
)

// SetupRoutes wires the full HTTP surface.
//
// # Description
//
// Three credential domains: operator JWTs guard the dashboard and
// administration, API keys guard the inference surface, and agent
// tokens guard worker callbacks. Registration itself is open because a
// worker has no token before its first registration.
func SetupRoutes(router *gin.Engine, d *handlers.Deps, limiter *middleware.RateLimiter) {
	router.Use(otelgin.Middleware("fleet-router"))
	router.Use(middleware.RequestLogger())

	router.GET("/health", handlers.Health())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The model catalog is part of the open OpenAI-compatible surface.
	router.GET("/v1/models", handlers.ListModels(d))
	router.GET("/v1/models/:id", handlers.GetModel(d))

	// OpenAI-shaped inference: API key + per-client rate limit.
	inference := router.Group("/", middleware.APIKeyAuth(d.Auth))
	if limiter != nil {
		inference.Use(limiter.Middleware())
	}
	{
		inference.POST("/v1/chat/completions", handlers.ChatCompletions(d))
		inference.POST("/v1/completions", handlers.Completions(d))
		inference.POST("/v1/embeddings", handlers.Embeddings(d))
	}

	// Native proxy endpoints are open but still rate limited.
	native := router.Group("/")
	if limiter != nil {
		native.Use(limiter.Middleware())
	}
	{
		native.POST("/api/chat", handlers.NativeChat(d))
		native.POST("/api/generate", handlers.NativeGenerate(d))
	}

	api := router.Group("/api")
	{
		api.POST("/nodes", handlers.RegisterNode(d))
		api.GET("/nodes", handlers.ListNodes(d))

		// Worker callbacks.
		agent := api.Group("/", middleware.AgentAuth(d.Auth))
		{
			agent.POST("/health", handlers.Heartbeat(d))
			agent.POST("/tasks/:id/progress", handlers.UpdateTaskProgress(d))
		}

		api.POST("/auth/login", handlers.Login(d))
		api.POST("/auth/logout", handlers.Logout())

		// Operator surface.
		user := api.Group("/", middleware.UserAuth(d.JWTSecret))
		{
			user.GET("/auth/me", handlers.Me(d))

			user.GET("/nodes/metrics", handlers.ListNodeMetrics(d))
			user.GET("/nodes/:id/models", handlers.NodeModels(d))
			user.GET("/metrics/summary", handlers.MetricsSummary(d))

			user.GET("/models/available", handlers.AvailableModels(d))
			user.GET("/models/loaded", handlers.LoadedModels(d))

			user.GET("/tasks", handlers.ListTasks(d))
			user.GET("/tasks/:id", handlers.GetTask(d))

			dashboard := user.Group("/dashboard")
			{
				dashboard.GET("/nodes", handlers.DashboardNodes(d))
				dashboard.GET("/nodes/:id/metrics", handlers.NodeMetricsHistory(d))
				dashboard.GET("/stats", handlers.DashboardStats(d))
				dashboard.GET("/overview", handlers.DashboardOverview(d))
				dashboard.GET("/requests", handlers.ListRequestRecords(d))
				dashboard.GET("/request-history", handlers.RequestHistory(d))
				dashboard.GET("/requests/export", handlers.ExportRequestRecords(d))
				dashboard.GET("/requests/:id", handlers.GetRequestRecord(d))
				dashboard.GET("/logs/coordinator", handlers.CoordinatorLogs(d))
				dashboard.GET("/ws", handlers.DashboardWS(d))
			}

			// Mutations require the admin role.
			admin := user.Group("/", middleware.RequireAdmin())
			{
				admin.PUT("/nodes/:id/settings", handlers.UpdateNodeSettings(d))
				admin.DELETE("/nodes/:id", handlers.DeleteNode(d))
				admin.POST("/nodes/:id/disconnect", handlers.DisconnectNode(d))
				admin.POST("/nodes/:id/models/pull", handlers.PullModel(d))

				admin.POST("/models/distribute", handlers.DistributeModel(d))

				admin.GET("/auth/users", handlers.ListUsers(d))
				admin.POST("/auth/users", handlers.CreateUser(d))
				admin.PUT("/auth/users/:id", handlers.UpdateUser(d))
				admin.DELETE("/auth/users/:id", handlers.DeleteUser(d))

				admin.GET("/auth/keys", handlers.ListAPIKeys(d))
				admin.POST("/auth/keys", handlers.CreateAPIKey(d))
				admin.DELETE("/auth/keys/:id", handlers.DeleteAPIKey(d))
			}
		}
	}
}
