// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package balancer

import (
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
)

// AgentLoadSnapshot joins a node's identity with its live load view for
// the dashboard.
type AgentLoadSnapshot struct {
	NodeID               uuid.UUID            `json:"node_id"`
	MachineName          string               `json:"machine_name"`
	Status               datatypes.NodeStatus `json:"status"`
	CPUUsage             *float64             `json:"cpu_usage"`
	MemoryUsage          *float64             `json:"memory_usage"`
	GPUUsage             *float64             `json:"gpu_usage"`
	GPUMemoryUsage       *float64             `json:"gpu_memory_usage"`
	GPUMemoryTotalMB     *uint64              `json:"gpu_memory_total_mb,omitempty"`
	GPUMemoryUsedMB      *uint64              `json:"gpu_memory_used_mb,omitempty"`
	GPUTemperature       *float64             `json:"gpu_temperature,omitempty"`
	GPUModelName         *string              `json:"gpu_model_name,omitempty"`
	GPUComputeCapability *string              `json:"gpu_compute_capability,omitempty"`
	GPUCapabilityScore   *uint32              `json:"gpu_capability_score,omitempty"`

	ActiveRequests        int        `json:"active_requests"`
	TotalRequests         uint64     `json:"total_requests"`
	SuccessfulRequests    uint64     `json:"successful_requests"`
	FailedRequests        uint64     `json:"failed_requests"`
	AverageResponseTimeMS *float64   `json:"average_response_time_ms"`
	LastUpdated           *time.Time `json:"last_updated"`
	IsStale               bool       `json:"is_stale"`
}

// SystemSummary is the fleet-wide aggregate for the dashboard header.
type SystemSummary struct {
	TotalAgents           int        `json:"total_agents"`
	OnlineAgents          int        `json:"online_agents"`
	OfflineAgents         int        `json:"offline_agents"`
	TotalRequests         uint64     `json:"total_requests"`
	SuccessfulRequests    uint64     `json:"successful_requests"`
	FailedRequests        uint64     `json:"failed_requests"`
	AverageResponseTimeMS *float64   `json:"average_response_time_ms"`
	AverageGPUUsage       *float64   `json:"average_gpu_usage"`
	AverageGPUMemoryUsage *float64   `json:"average_gpu_memory_usage"`
	TotalActiveRequests   int        `json:"total_active_requests"`
	LastMetricsUpdatedAt  *time.Time `json:"last_metrics_updated_at"`
}

// Snapshot materializes one node's load view. Absent state yields zero
// counters and is_stale = true.
func (m *LoadManager) Snapshot(id uuid.UUID) (AgentLoadSnapshot, error) {
	node, err := m.reg.Get(id)
	if err != nil {
		return AgentLoadSnapshot{}, err
	}

	now := time.Now().UTC()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return buildSnapshot(node, m.states[id], now), nil
}

// Snapshots materializes every registered node's load view in
// registration order.
func (m *LoadManager) Snapshots() []AgentLoadSnapshot {
	nodes := m.reg.List()
	now := time.Now().UTC()

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AgentLoadSnapshot, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, buildSnapshot(node, m.states[node.ID], now))
	}
	return out
}

// Summary aggregates the fleet.
//
// Request totals span all nodes, but concurrency, latency, and GPU
// averages only count fresh entries so a node that stopped reporting
// does not inflate them. The latency figure is a weighted average of
// effective averages (weight = total assigned, min 1), falling back to
// overall sum/completed when no fresh entry reports an average.
func (m *LoadManager) Summary() SystemSummary {
	nodes := m.reg.List()
	now := time.Now().UTC()

	summary := SystemSummary{TotalAgents: len(nodes)}
	for _, n := range nodes {
		switch n.Status {
		case datatypes.NodeOnline:
			summary.OnlineAgents++
		case datatypes.NodeOffline:
			summary.OfflineAgents++
		}
	}

	var (
		totalLatencyMS  uint64
		latencySamples  uint64
		weightedSum     float64
		weightedWeight  float64
		latest          *time.Time
		latestStale     *time.Time
		gpuUsageSum     float64
		gpuUsageCount   uint64
		gpuMemSum       float64
		gpuMemCount     uint64
	)

	m.mu.RLock()
	for _, node := range nodes {
		state, ok := m.states[node.ID]
		if !ok {
			continue
		}

		summary.TotalRequests += state.totalAssigned
		summary.SuccessfulRequests += state.successCount
		summary.FailedRequests += state.errorCount

		if completed := state.successCount + state.errorCount; completed > 0 {
			totalLatencyMS += state.totalLatencyMS
			latencySamples += completed
		}

		if state.isStale(now) {
			if state.lastMetrics != nil {
				ts := state.lastMetrics.Timestamp
				if latestStale == nil || ts.After(*latestStale) {
					latestStale = &ts
				}
			}
			continue
		}

		summary.TotalActiveRequests += state.combinedActive()

		ts := state.lastMetrics.Timestamp
		if latest == nil || ts.After(*latest) {
			t := ts
			latest = &t
		}
		if avg := state.effectiveAverageMS(); avg != nil {
			weight := float64(state.totalAssigned)
			if weight < 1 {
				weight = 1
			}
			weightedSum += *avg * weight
			weightedWeight += weight
		}
		if state.lastMetrics.GPUUsage != nil {
			gpuUsageSum += *state.lastMetrics.GPUUsage
			gpuUsageCount++
		}
		if state.lastMetrics.GPUMemoryUsage != nil {
			gpuMemSum += *state.lastMetrics.GPUMemoryUsage
			gpuMemCount++
		}
	}
	m.mu.RUnlock()

	switch {
	case weightedWeight > 0:
		avg := weightedSum / weightedWeight
		summary.AverageResponseTimeMS = &avg
	case latencySamples > 0:
		avg := float64(totalLatencyMS) / float64(latencySamples)
		summary.AverageResponseTimeMS = &avg
	}
	if gpuUsageCount > 0 {
		avg := gpuUsageSum / float64(gpuUsageCount)
		summary.AverageGPUUsage = &avg
	}
	if gpuMemCount > 0 {
		avg := gpuMemSum / float64(gpuMemCount)
		summary.AverageGPUMemoryUsage = &avg
	}

	if latest != nil {
		summary.LastMetricsUpdatedAt = latest
	} else {
		summary.LastMetricsUpdatedAt = latestStale
	}
	return summary
}

// buildSnapshot projects one node and its optional state into the
// dashboard shape. Caller holds at least a read lock when state came
// from the live map.
func buildSnapshot(node datatypes.Node, state *agentLoadState, now time.Time) AgentLoadSnapshot {
	snap := AgentLoadSnapshot{
		NodeID:      node.ID,
		MachineName: node.MachineName,
		Status:      node.Status,
		IsStale:     true,
	}
	if state == nil {
		return snap
	}

	snap.ActiveRequests = state.combinedActive()
	snap.TotalRequests = state.totalAssigned
	snap.SuccessfulRequests = state.successCount
	snap.FailedRequests = state.errorCount
	snap.AverageResponseTimeMS = state.effectiveAverageMS()
	snap.IsStale = state.isStale(now)

	if metrics := state.lastMetrics; metrics != nil {
		cpu, mem := metrics.CPUUsage, metrics.MemoryUsage
		snap.CPUUsage = &cpu
		snap.MemoryUsage = &mem
		snap.GPUUsage = metrics.GPUUsage
		snap.GPUMemoryUsage = metrics.GPUMemoryUsage
		snap.GPUMemoryTotalMB = metrics.GPUMemoryTotalMB
		snap.GPUMemoryUsedMB = metrics.GPUMemoryUsedMB
		snap.GPUTemperature = metrics.GPUTemperature
		snap.GPUModelName = metrics.GPUModelName
		snap.GPUComputeCapability = metrics.GPUComputeCapability
		snap.GPUCapabilityScore = metrics.GPUCapabilityScore
		ts := metrics.Timestamp
		snap.LastUpdated = &ts
	}
	return snap
}
