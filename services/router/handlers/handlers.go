// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the router's HTTP surface: node
// registration and lifecycle, heartbeats, the inference proxy (native
// and OpenAI-compatible), model distribution, the dashboard read API,
// and credential management.
//
// Handlers are closures over a shared Deps bundle. Domain errors are
// typed (apperr) and rendered to JSON envelopes at the edge; handlers
// never write raw 500s for known failure modes.
package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianFleet/pkg/logging"
	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
	"github.com/AleutianAI/AleutianFleet/services/router/authn"
	"github.com/AleutianAI/AleutianFleet/services/router/balancer"
	"github.com/AleutianAI/AleutianFleet/services/router/catalog"
	"github.com/AleutianAI/AleutianFleet/services/router/config"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
	"github.com/AleutianAI/AleutianFleet/services/router/journal"
	"github.com/AleutianAI/AleutianFleet/services/router/observability"
	"github.com/AleutianAI/AleutianFleet/services/router/registry"
	"github.com/AleutianAI/AleutianFleet/services/router/tasks"
)

// Deps bundles every component a handler may need. One instance is
// built in main and shared by all handlers; every field is safe for
// concurrent use.
type Deps struct {
	Cfg      config.Config
	Registry *registry.Registry
	Load     *balancer.LoadManager
	Journal  *journal.Store
	Tasks    *tasks.Manager
	Auth     *authn.Store
	Catalog  *catalog.Catalog

	// Metrics may be nil in tests to avoid duplicate Prometheus
	// registration.
	Metrics *observability.RouterMetrics

	// Logs backs GET /api/dashboard/logs/coordinator. May be nil.
	Logs *logging.RingExporter

	// JWTSecret is the resolved signing secret (env, file, or
	// generated), not the raw config value.
	JWTSecret string

	// Client is used for all worker control-plane calls: the
	// registration probe, proxying, and pull fan-out.
	Client *http.Client
}

// workerClient returns the HTTP client for worker calls, defaulting
// when unset.
func (d *Deps) workerClient() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

// nodeBaseURL is the worker's control API base.
func nodeBaseURL(node datatypes.Node) string {
	return fmt.Sprintf("http://%s:%d", node.IPAddress, node.ControlPort())
}

// renderError translates a typed error into its JSON envelope.
func renderError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
}

// =============================================================================
// Metric helpers (nil-safe)
// =============================================================================

func (d *Deps) countProxied(endpoint, model, outcome string) {
	if d.Metrics != nil {
		d.Metrics.ProxiedRequestsTotal.WithLabelValues(endpoint, model, outcome).Inc()
	}
}

func (d *Deps) observeProxy(endpoint, outcome string, dur time.Duration) {
	if d.Metrics != nil {
		d.Metrics.ProxyDurationSeconds.WithLabelValues(endpoint, outcome).Observe(dur.Seconds())
	}
}

func (d *Deps) trackActive(endpoint string, delta float64) {
	if d.Metrics != nil {
		d.Metrics.ActiveProxyRequests.WithLabelValues(endpoint).Add(delta)
	}
}

func (d *Deps) countQueued() {
	if d.Metrics != nil {
		d.Metrics.QueuedRequestsTotal.Inc()
		d.Metrics.WaitingRequests.Set(float64(d.Load.Waiters()))
	}
}

func (d *Deps) countHeartbeat(machine string) {
	if d.Metrics != nil {
		d.Metrics.HeartbeatsTotal.WithLabelValues(machine).Inc()
	}
}

func (d *Deps) countDownloadTask(status string) {
	if d.Metrics != nil {
		d.Metrics.DownloadTasksTotal.WithLabelValues(status).Inc()
	}
}

// refreshNodeGauges recomputes the per-status node gauges. Called after
// any registry mutation that can change a node's status.
func (d *Deps) refreshNodeGauges() {
	if d.Metrics == nil {
		return
	}
	var online, offline float64
	for _, node := range d.Registry.List() {
		if node.Status == datatypes.NodeOnline {
			online++
		} else {
			offline++
		}
	}
	d.Metrics.NodesByStatus.WithLabelValues(string(datatypes.NodeOnline)).Set(online)
	d.Metrics.NodesByStatus.WithLabelValues(string(datatypes.NodeOffline)).Set(offline)
}

// Health is a trivial liveness probe.
func Health() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
