// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
	"github.com/AleutianAI/AleutianFleet/services/router/balancer"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
	"github.com/AleutianAI/AleutianFleet/services/router/middleware"
	"github.com/AleutianAI/AleutianFleet/services/router/registry"
)

// probeTimeout bounds the registration health check.
const probeTimeout = 5 * time.Second

// probeResult is what the worker's /v1/models endpoint tells us about
// its initial state.
type probeResult struct {
	loadedModels []string
	initializing bool
	readyModels  *datatypes.ReadyModels
}

// probeWorker queries the worker's control API before admitting it.
//
// # Description
//
// GET http://{ip}:{runtime_port+1}/v1/models. Parses data[].id for the
// loaded model list; ready_models when present, else derived from the
// model count; initializing when present, else ready < total.
func (d *Deps) probeWorker(ctx context.Context, req datatypes.RegisterRequest) (probeResult, error) {
	url := fmt.Sprintf("http://%s:%d/v1/models", req.IPAddress, req.RuntimePort+1)

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return probeResult{}, apperr.Wrap(apperr.KindInternal, err, "build health check request")
	}
	resp, err := d.workerClient().Do(httpReq)
	if err != nil {
		return probeResult{}, apperr.Wrap(apperr.KindInternal, err, "Node API not reachable at %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return probeResult{}, apperr.New(apperr.KindInternal,
			"Node API health check failed with HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
		Initializing *bool                  `json:"initializing"`
		ReadyModels  *datatypes.ReadyModels `json:"ready_models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return probeResult{}, apperr.Wrap(apperr.KindInternal, err, "parse health check response")
	}

	models := make([]string, 0, len(payload.Data))
	for _, m := range payload.Data {
		if m.ID != "" {
			models = append(models, m.ID)
		}
	}

	ready := payload.ReadyModels
	if ready == nil && len(models) > 0 {
		ready = &datatypes.ReadyModels{Ready: len(models), Total: len(models)}
	}

	initializing := false
	if payload.Initializing != nil {
		initializing = *payload.Initializing
	} else if ready != nil {
		initializing = ready.Ready < ready.Total
	}

	return probeResult{loadedModels: models, initializing: initializing, readyModels: ready}, nil
}

// RegisterNode handles POST /api/nodes.
//
// # Description
//
// Validates the GPU requirement, probes the worker's control API (or
// skips with defaults under FLEET_ROUTER_SKIP_HEALTH_CHECK), registers
// the node, issues a fresh agent token (rotating any prior one), seeds
// the balancer's warm-up state, and kicks off auto-distribution of the
// catalog models. 201 for a new node, 200 for a refresh.
func RegisterNode(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			renderError(c, apperr.Validation("Invalid registration request: %v", err))
			return
		}

		slog.Info("node registration request",
			"machine", req.MachineName, "ip", req.IPAddress, "gpu_available", req.GPUAvailable)

		// GPU invariants are checked before the health probe so a
		// GPU-less host is refused even when it is unreachable.
		if err := registry.ValidateGPU(req); err != nil {
			renderError(c, err)
			return
		}

		probe := probeResult{
			loadedModels: []string{"gpt-oss:20b"},
			readyModels:  &datatypes.ReadyModels{Ready: 1, Total: 1},
		}
		if !d.Cfg.SkipHealthCheck {
			var err error
			probe, err = d.probeWorker(c.Request.Context(), req)
			if err != nil {
				slog.Error("registration health check failed",
					"machine", req.MachineName, "error", err)
				renderError(c, err)
				return
			}
		}

		node, status, err := d.Registry.Register(req)
		if err != nil {
			renderError(c, err)
			return
		}

		token, err := d.Auth.IssueAgentToken(node.ID)
		if err != nil {
			renderError(c, apperr.Wrap(apperr.KindDatabase, err, "Failed to create agent token"))
			return
		}

		if err := d.Registry.UpdateLastSeen(node.ID, registry.HeartbeatFacts{
			LoadedModels: probe.loadedModels,
			Initializing: &probe.initializing,
			ReadyModels:  probe.readyModels,
		}); err != nil {
			slog.Warn("failed to seed node state", "node_id", node.ID, "error", err)
		}
		d.Load.UpsertInitialState(node.ID, probe.initializing, probe.readyModels)
		d.refreshNodeGauges()

		resp := datatypes.RegisterResponse{
			NodeID:       node.ID,
			Status:       status,
			AgentAPIPort: node.ControlPort(),
			AgentToken:   &token,
		}

		code := http.StatusOK
		if status == datatypes.StatusRegistered {
			code = http.StatusCreated
		}

		// Auto-distribution is skipped alongside the health check so
		// tests get a deterministic response.
		if d.Cfg.SkipHealthCheck {
			c.JSON(code, resp)
			return
		}

		if first := d.autoDistribute(node); first != nil {
			resp.AutoDistributedModel = &first.Model
			resp.DownloadTaskID = &first.ID
		}

		c.JSON(code, resp)
	}
}

// autoDistribute creates one download task per catalog model and fans
// out pull RPCs in the background. Returns the first created task.
func (d *Deps) autoDistribute(node datatypes.Node) *datatypes.DownloadTask {
	var first *datatypes.DownloadTask
	for _, model := range d.Catalog.List() {
		task := d.Tasks.Create(node.ID, model.Name)
		if first == nil {
			t := task
			first = &t
		}
		slog.Info("auto-distribution started",
			"node_id", node.ID, "model", model.Name, "task_id", task.ID)
		go d.sendPullRequest(node, model.Name, task.ID, model.DownloadURL, model.Path)
	}
	return first
}

// sendPullRequest posts a pull order to the worker's control API.
// Dispatch failures are logged only; the authoritative progress comes
// from the worker calling back into the task progress endpoint.
func (d *Deps) sendPullRequest(node datatypes.Node, model string, taskID uuid.UUID, downloadURL, path *string) {
	url := nodeBaseURL(node) + "/pull"
	payload, err := json.Marshal(gin.H{
		"model":        model,
		"task_id":      taskID,
		"path":         path,
		"download_url": downloadURL,
	})
	if err != nil {
		slog.Error("failed to encode pull request", "node_id", node.ID, "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		slog.Error("failed to build pull request", "node_id", node.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.workerClient().Do(req)
	if err != nil {
		slog.Error("failed to send pull request", "node_id", node.ID, "model", model, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Error("node rejected pull request",
			"node_id", node.ID, "model", model, "status", resp.StatusCode)
		return
	}
	slog.Info("pull request dispatched", "node_id", node.ID, "model", model, "task_id", taskID)
}

// ListNodes handles GET /api/nodes.
func ListNodes(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, d.Registry.List())
	}
}

// UpdateNodeSettings handles PUT /api/nodes/:id/settings.
func UpdateNodeSettings(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			renderError(c, apperr.Validation("Invalid node id: %s", c.Param("id")))
			return
		}

		var update datatypes.NodeSettingsUpdate
		if err := c.ShouldBindJSON(&update); err != nil {
			renderError(c, apperr.Validation("Invalid settings payload: %v", err))
			return
		}

		node, err := d.Registry.UpdateSettings(id, update)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, node)
	}
}

// DeleteNode handles DELETE /api/nodes/:id. The balancer state and the
// agent token go with the node.
func DeleteNode(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			renderError(c, apperr.Validation("Invalid node id: %s", c.Param("id")))
			return
		}

		if err := d.Registry.Delete(id); err != nil {
			renderError(c, err)
			return
		}
		d.Load.Forget(id)
		if err := d.Auth.DeleteAgentToken(id); err != nil {
			slog.Warn("failed to delete agent token", "node_id", id, "error", err)
		}
		d.refreshNodeGauges()
		c.Status(http.StatusNoContent)
	}
}

// DisconnectNode handles POST /api/nodes/:id/disconnect.
func DisconnectNode(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			renderError(c, apperr.Validation("Invalid node id: %s", c.Param("id")))
			return
		}

		if err := d.Registry.MarkOffline(id); err != nil {
			renderError(c, err)
			return
		}
		d.refreshNodeGauges()
		c.Status(http.StatusAccepted)
	}
}

// ListNodeMetrics handles GET /api/nodes/metrics: one load snapshot
// per known node.
func ListNodeMetrics(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, d.Load.Snapshots())
	}
}

// MetricsSummary handles GET /api/metrics/summary.
func MetricsSummary(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, d.Load.Summary())
	}
}

// Heartbeat handles POST /api/health.
//
// # Description
//
// The agent token resolved by the middleware must match the node_id in
// the body; a mismatch is an authorization failure, not a validation
// one. On success the registry freshness and the balancer metrics are
// both updated.
func Heartbeat(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.HeartbeatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			renderError(c, apperr.Validation("Invalid heartbeat payload: %v", err))
			return
		}

		if principal, ok := middleware.GetAgentNodeID(c); ok && principal != req.NodeID {
			renderError(c, apperr.New(apperr.KindAuthorization,
				"agent token does not match node_id"))
			return
		}

		// An empty model list means "no report", not "unload all".
		models := req.LoadedModels
		if len(models) == 0 {
			models = nil
		}

		err := d.Load.RecordMetrics(balancer.MetricsUpdate{
			NodeID:                req.NodeID,
			CPUUsage:              req.CPUUsage,
			MemoryUsage:           req.MemoryUsage,
			GPUUsage:              req.GPUUsage,
			GPUMemoryUsage:        req.GPUMemoryUsage,
			GPUMemoryTotalMB:      req.GPUMemoryTotalMB,
			GPUMemoryUsedMB:       req.GPUMemoryUsedMB,
			GPUTemperature:        req.GPUTemperature,
			GPUModelName:          req.GPUModelName,
			GPUComputeCapability:  req.GPUComputeCapability,
			GPUCapabilityScore:    req.GPUCapabilityScore,
			ActiveRequests:        req.ActiveRequests,
			AverageResponseTimeMS: req.AverageResponseTimeMS,
			LoadedModels:          models,
			Initializing:          req.Initializing,
			ReadyModels:           req.ReadyModels,
		})
		if err != nil {
			renderError(c, err)
			return
		}

		if node, err := d.Registry.Get(req.NodeID); err == nil {
			d.countHeartbeat(node.MachineName)
		}
		d.refreshNodeGauges()
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
