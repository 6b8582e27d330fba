// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
	"github.com/AleutianAI/AleutianFleet/services/router/balancer"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
	"github.com/AleutianAI/AleutianFleet/services/router/journal"
)

// dashboardNode is one row of the fleet table: node identity joined
// with its live load snapshot.
type dashboardNode struct {
	ID            uuid.UUID            `json:"id"`
	MachineName   string               `json:"machine_name"`
	CustomName    *string              `json:"custom_name,omitempty"`
	IPAddress     string               `json:"ip_address"`
	Version       string               `json:"version"`
	Port          int                  `json:"port"`
	Status        datatypes.NodeStatus `json:"status"`
	RegisteredAt  time.Time            `json:"registered_at"`
	LastSeen      time.Time            `json:"last_seen"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	LoadedModels  []string             `json:"loaded_models"`
	Initializing  bool                 `json:"initializing"`

	CPUUsage              *float64 `json:"cpu_usage"`
	MemoryUsage           *float64 `json:"memory_usage"`
	GPUUsage              *float64 `json:"gpu_usage"`
	GPUMemoryUsage        *float64 `json:"gpu_memory_usage"`
	GPUMemoryTotalMB      *uint64  `json:"gpu_memory_total_mb,omitempty"`
	GPUMemoryUsedMB       *uint64  `json:"gpu_memory_used_mb,omitempty"`
	GPUTemperature        *float64 `json:"gpu_temperature,omitempty"`
	ActiveRequests        int      `json:"active_requests"`
	TotalRequests         uint64   `json:"total_requests"`
	SuccessfulRequests    uint64   `json:"successful_requests"`
	FailedRequests        uint64   `json:"failed_requests"`
	AverageResponseTimeMS *float64 `json:"average_response_time_ms"`
	MetricsStale          bool     `json:"metrics_stale"`

	GPUAvailable bool    `json:"gpu_available"`
	GPUModel     *string `json:"gpu_model,omitempty"`
	GPUCount     *int    `json:"gpu_count,omitempty"`
}

// dashboardStats is the fleet header: the balancer summary plus
// registry recency and which cloud keys the router holds.
type dashboardStats struct {
	balancer.SystemSummary

	LastRegisteredAt *time.Time `json:"last_registered_at"`
	LastSeenAt       *time.Time `json:"last_seen_at"`

	OpenAIKeyPresent    bool `json:"openai_key_present"`
	GoogleKeyPresent    bool `json:"google_key_present"`
	AnthropicKeyPresent bool `json:"anthropic_key_present"`
}

// dashboardOverview is the single-fetch payload the dashboard polls.
type dashboardOverview struct {
	Nodes            []dashboardNode                `json:"nodes"`
	Stats            dashboardStats                 `json:"stats"`
	History          []balancer.RequestHistoryPoint `json:"history"`
	GeneratedAt      time.Time                      `json:"generated_at"`
	GenerationTimeMS int64                          `json:"generation_time_ms"`
}

// uptimeSeconds is how long the node has been online. Offline nodes
// report the span of their last online stretch, floored at zero.
func uptimeSeconds(node datatypes.Node, now time.Time) int64 {
	if node.OnlineSince == nil {
		return 0
	}
	end := node.LastSeen
	if node.Status == datatypes.NodeOnline {
		end = now
	}
	secs := int64(end.Sub(*node.OnlineSince).Seconds())
	if secs < 0 {
		return 0
	}
	return secs
}

// collectNodes builds the dashboard rows from the registry and the
// balancer snapshots.
func (d *Deps) collectNodes() []dashboardNode {
	nodes := d.Registry.List()
	snaps := d.Load.Snapshots()
	byID := make(map[uuid.UUID]balancer.AgentLoadSnapshot, len(snaps))
	for _, s := range snaps {
		byID[s.NodeID] = s
	}

	now := time.Now().UTC()
	rows := make([]dashboardNode, 0, len(nodes))
	for _, node := range nodes {
		row := dashboardNode{
			ID:            node.ID,
			MachineName:   node.MachineName,
			CustomName:    node.CustomName,
			IPAddress:     node.IPAddress,
			Version:       node.RuntimeVersion,
			Port:          node.RuntimePort,
			Status:        node.Status,
			RegisteredAt:  node.RegisteredAt,
			LastSeen:      node.LastSeen,
			UptimeSeconds: uptimeSeconds(node, now),
			LoadedModels:  node.LoadedModels,
			Initializing:  node.Initializing,
			MetricsStale:  true,
			GPUAvailable:  node.GPUAvailable,
			GPUModel:      node.GPUModel,
			GPUCount:      node.GPUCount,
		}
		if snap, ok := byID[node.ID]; ok {
			row.CPUUsage = snap.CPUUsage
			row.MemoryUsage = snap.MemoryUsage
			row.GPUUsage = snap.GPUUsage
			row.GPUMemoryUsage = snap.GPUMemoryUsage
			row.GPUMemoryTotalMB = snap.GPUMemoryTotalMB
			row.GPUMemoryUsedMB = snap.GPUMemoryUsedMB
			row.GPUTemperature = snap.GPUTemperature
			row.ActiveRequests = snap.ActiveRequests
			row.TotalRequests = snap.TotalRequests
			row.SuccessfulRequests = snap.SuccessfulRequests
			row.FailedRequests = snap.FailedRequests
			row.AverageResponseTimeMS = snap.AverageResponseTimeMS
			row.MetricsStale = snap.IsStale
		}
		rows = append(rows, row)
	}
	return rows
}

func (d *Deps) collectStats() dashboardStats {
	stats := dashboardStats{
		SystemSummary:       d.Load.Summary(),
		OpenAIKeyPresent:    os.Getenv("OPENAI_API_KEY") != "",
		GoogleKeyPresent:    os.Getenv("GOOGLE_API_KEY") != "",
		AnthropicKeyPresent: os.Getenv("ANTHROPIC_API_KEY") != "",
	}
	for _, node := range d.Registry.List() {
		reg, seen := node.RegisteredAt, node.LastSeen
		if stats.LastRegisteredAt == nil || reg.After(*stats.LastRegisteredAt) {
			stats.LastRegisteredAt = &reg
		}
		if stats.LastSeenAt == nil || seen.After(*stats.LastSeenAt) {
			stats.LastSeenAt = &seen
		}
	}
	return stats
}

func (d *Deps) buildOverview() dashboardOverview {
	start := time.Now()
	overview := dashboardOverview{
		Nodes:       d.collectNodes(),
		Stats:       d.collectStats(),
		History:     d.Load.RequestHistory(),
		GeneratedAt: time.Now().UTC(),
	}
	overview.GenerationTimeMS = time.Since(start).Milliseconds()
	return overview
}

// DashboardNodes handles GET /api/dashboard/nodes.
func DashboardNodes(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"nodes": d.collectNodes()})
	}
}

// DashboardStats handles GET /api/dashboard/stats.
func DashboardStats(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, d.collectStats())
	}
}

// DashboardOverview handles GET /api/dashboard/overview: nodes, stats,
// and request history in one fetch.
func DashboardOverview(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, d.buildOverview())
	}
}

// RequestHistory handles GET /api/dashboard/request-history: the
// per-minute success/error buckets over the last hour.
func RequestHistory(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"history": d.Load.RequestHistory()})
	}
}

// NodeMetricsHistory handles GET /api/dashboard/nodes/:id/metrics.
func NodeMetricsHistory(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			renderError(c, apperr.Validation("Invalid node id: %s", c.Param("id")))
			return
		}
		history, err := d.Load.MetricsHistory(id)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"node_id": id, "metrics": history})
	}
}

// ListRequestRecords handles GET /api/dashboard/requests with optional
// model, node_id, status, page, and per_page query params.
func ListRequestRecords(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := journal.Filter{Model: c.Query("model")}

		if raw := c.Query("node_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				renderError(c, apperr.Validation("Invalid node_id filter: %s", raw))
				return
			}
			filter.NodeID = &id
		}
		if raw := c.Query("status"); raw != "" {
			status := datatypes.RecordStatus(raw)
			if status != datatypes.RecordSuccess && status != datatypes.RecordError {
				renderError(c, apperr.Validation("Invalid status filter: %s", raw))
				return
			}
			filter.Status = &status
		}

		page := queryInt(c, "page", 1)
		perPage := queryInt(c, "per_page", journal.DefaultPageSize)

		result, err := d.Journal.FilterAndPaginate(filter, page, perPage)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// GetRequestRecord handles GET /api/dashboard/requests/:id.
func GetRequestRecord(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			renderError(c, apperr.Validation("Invalid record id: %s", c.Param("id")))
			return
		}
		record, err := d.Journal.Get(id)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

// ExportRequestRecords handles GET /api/dashboard/requests/export as a
// CSV attachment.
func ExportRequestRecords(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		filename := "requests_" + time.Now().UTC().Format("20060102_150405") + ".csv"
		c.Header("Content-Type", "text/csv")
		c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
		if err := d.Journal.ExportCSV(c.Writer); err != nil {
			slog.Error("request export failed", "error", err)
		}
	}
}

// maxLogEntries caps one coordinator-logs response.
const maxLogEntries = 1000

// CoordinatorLogs handles GET /api/dashboard/logs/coordinator: the
// newest in-memory log entries, optionally filtered by level.
func CoordinatorLogs(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d.Logs == nil {
			c.JSON(http.StatusOK, gin.H{"entries": []any{}})
			return
		}

		limit := queryInt(c, "limit", 100)
		if limit > maxLogEntries {
			limit = maxLogEntries
		}

		entries := d.Logs.Recent(limit)
		if level := c.Query("level"); level != "" {
			filtered := entries[:0]
			for _, e := range entries {
				if e.LevelName == level {
					filtered = append(filtered, e)
				}
			}
			entries = filtered
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}

// wsUpgrader accepts any origin; the dashboard runs on a different
// port than the API.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// overviewPushInterval is how often the websocket pushes a fresh
// overview.
const overviewPushInterval = 5 * time.Second

// DashboardWS handles GET /api/dashboard/ws: an immediate overview
// followed by one push per interval until the client goes away.
func DashboardWS(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		// Drain client frames so pings and close frames are processed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(overviewPushInterval)
		defer ticker.Stop()

		for {
			if err := conn.WriteJSON(d.buildOverview()); err != nil {
				return
			}
			select {
			case <-ticker.C:
			case <-c.Request.Context().Done():
				return
			}
		}
	}
}

// queryInt parses a positive integer query param with a default.
func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return def
	}
	return v
}
