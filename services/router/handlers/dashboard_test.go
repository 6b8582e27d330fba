// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFleet/pkg/logging"
	"github.com/AleutianAI/AleutianFleet/services/router/balancer"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
)

func TestUptimeSeconds(t *testing.T) {
	now := time.Now().UTC()
	since := now.Add(-90 * time.Second)

	online := datatypes.Node{
		Status:      datatypes.NodeOnline,
		OnlineSince: &since,
		LastSeen:    now.Add(-time.Hour), // ignored while online
	}
	assert.InDelta(t, 90, uptimeSeconds(online, now), 1)

	offline := datatypes.Node{
		Status:      datatypes.NodeOffline,
		OnlineSince: &since,
		LastSeen:    now.Add(-30 * time.Second),
	}
	assert.InDelta(t, 60, uptimeSeconds(offline, now), 1)

	never := datatypes.Node{Status: datatypes.NodeOffline}
	assert.Zero(t, uptimeSeconds(never, now))

	// Clock skew must not yield negative uptime.
	future := now.Add(time.Minute)
	skewed := datatypes.Node{
		Status:      datatypes.NodeOffline,
		OnlineSince: &future,
		LastSeen:    now,
	}
	assert.Zero(t, uptimeSeconds(skewed, now))
}

func TestDashboardOverview_Shape(t *testing.T) {
	d := newTestDeps(t)
	router := gin.New()
	router.POST("/api/nodes", RegisterNode(d))
	router.GET("/api/dashboard/overview", DashboardOverview(d))

	w := doJSON(t, router, http.MethodPost, "/api/nodes", validRegistration("worker-1"))
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/dashboard/overview", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var overview dashboardOverview
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &overview))
	require.Len(t, overview.Nodes, 1)
	assert.Equal(t, "worker-1", overview.Nodes[0].MachineName)
	assert.Equal(t, datatypes.NodeOnline, overview.Nodes[0].Status)
	assert.True(t, overview.Nodes[0].GPUAvailable)
	assert.Equal(t, 1, overview.Stats.TotalAgents)
	assert.Equal(t, 1, overview.Stats.OnlineAgents)
	assert.NotNil(t, overview.Stats.LastRegisteredAt)
	assert.False(t, overview.GeneratedAt.IsZero())
	assert.Len(t, overview.History, 60)
}

func TestRequestHistory_SixtyBuckets(t *testing.T) {
	d := newTestDeps(t)
	d.Load.RecordQueued()

	router := gin.New()
	router.GET("/api/dashboard/request-history", RequestHistory(d))

	w := doJSON(t, router, http.MethodGet, "/api/dashboard/request-history", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		History []balancer.RequestHistoryPoint `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.History, 60)

	// Minute-aligned, strictly ascending, ending at the current minute.
	for i := 1; i < len(resp.History); i++ {
		assert.Equal(t, time.Minute,
			resp.History[i].Minute.Sub(resp.History[i-1].Minute))
	}
	last := resp.History[len(resp.History)-1].Minute
	assert.WithinDuration(t, time.Now().UTC().Truncate(time.Minute), last, time.Minute)
}

func TestListRequestRecords_FilterAndPaging(t *testing.T) {
	d := newTestDeps(t)
	nodeID := uuid.New()

	for i := 0; i < 3; i++ {
		status := datatypes.RecordSuccess
		if i == 2 {
			status = datatypes.RecordError
		}
		require.NoError(t, d.Journal.Append(datatypes.RequestRecord{
			ID:          uuid.New(),
			Timestamp:   time.Now().UTC(),
			RequestType: datatypes.RequestChat,
			Model:       "qwen3:8b",
			NodeID:      nodeID,
			Status:      status,
		}))
	}

	router := gin.New()
	router.GET("/api/dashboard/requests", ListRequestRecords(d))

	w := doJSON(t, router, http.MethodGet, "/api/dashboard/requests?status=error", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Records    []datatypes.RequestRecord `json:"records"`
		TotalCount int                       `json:"total_count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 1, page.TotalCount)

	w = doJSON(t, router, http.MethodGet, "/api/dashboard/requests?per_page=2&page=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 3, page.TotalCount)
	assert.Len(t, page.Records, 1)

	w = doJSON(t, router, http.MethodGet, "/api/dashboard/requests?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportRequestRecords_CSVAttachment(t *testing.T) {
	d := newTestDeps(t)
	require.NoError(t, d.Journal.Append(datatypes.RequestRecord{
		ID:          uuid.New(),
		Timestamp:   time.Now().UTC(),
		RequestType: datatypes.RequestChat,
		Model:       "qwen3:8b",
		Status:      datatypes.RecordSuccess,
	}))

	router := gin.New()
	router.GET("/api/dashboard/requests/export", ExportRequestRecords(d))

	w := doJSON(t, router, http.MethodGet, "/api/dashboard/requests/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, w.Body.String(), "qwen3:8b")
}

func TestCoordinatorLogs(t *testing.T) {
	d := newTestDeps(t)
	ring := logging.NewRingExporter(16)
	d.Logs = ring

	ctx := context.Background()
	require.NoError(t, ring.Export(ctx, logging.LogEntry{LevelName: "INFO", Message: "first"}))
	require.NoError(t, ring.Export(ctx, logging.LogEntry{LevelName: "ERROR", Message: "second"}))
	require.NoError(t, ring.Export(ctx, logging.LogEntry{LevelName: "INFO", Message: "third"}))

	router := gin.New()
	router.GET("/api/dashboard/logs/coordinator", CoordinatorLogs(d))

	w := doJSON(t, router, http.MethodGet, "/api/dashboard/logs/coordinator?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Entries []logging.LogEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, "third", resp.Entries[0].Message)

	w = doJSON(t, router, http.MethodGet, "/api/dashboard/logs/coordinator?level=ERROR", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "second", resp.Entries[0].Message)

	// Nil exporter degrades to an empty list.
	d.Logs = nil
	w = doJSON(t, router, http.MethodGet, "/api/dashboard/logs/coordinator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"entries":[]}`, w.Body.String())
}

func TestDashboardStats_KeyPresence(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	d := newTestDeps(t)
	router := gin.New()
	router.GET("/api/dashboard/stats", DashboardStats(d))

	w := doJSON(t, router, http.MethodGet, "/api/dashboard/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats dashboardStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.True(t, stats.OpenAIKeyPresent)
	assert.False(t, stats.GoogleKeyPresent)
	assert.False(t, stats.AnthropicKeyPresent)
}
