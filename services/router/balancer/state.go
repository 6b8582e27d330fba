// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package balancer is the load manager: per-node live telemetry,
// in-flight accounting, the worker selection policy, the warm-up
// admission queue, and the per-minute request histogram.
package balancer

import (
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
)

const (
	// staleAfter is how old a metrics sample may be before the node is
	// treated as telemetry-blind by the selection policy.
	staleAfter = 120 * time.Second

	// metricsHistoryCap bounds the per-node metrics ring.
	metricsHistoryCap = 360

	// historyWindow is the span of the per-minute request histogram.
	historyWindow = 60 * time.Minute

	// cpuThreshold is the busy cutoff for the preferred selection path.
	cpuThreshold = 80.0

	// loadScoreEpsilon is the tie window for metrics-mode scores.
	loadScoreEpsilon = 0.0001
)

// RequestOutcome is how a proxied request ended, for accounting.
type RequestOutcome int

const (
	// OutcomeSuccess is a completed upstream round trip.
	OutcomeSuccess RequestOutcome = iota

	// OutcomeError is a failed upstream call or bad response.
	OutcomeError

	// OutcomeQueued marks a request parked in the warm-up admission
	// queue. It touches the histogram but never the per-node counters.
	OutcomeQueued
)

// MetricsUpdate is one heartbeat's telemetry as seen by the balancer.
type MetricsUpdate struct {
	NodeID               uuid.UUID
	CPUUsage             float64
	MemoryUsage          float64
	GPUUsage             *float64
	GPUMemoryUsage       *float64
	GPUMemoryTotalMB     *uint64
	GPUMemoryUsedMB      *uint64
	GPUTemperature       *float64
	GPUModelName         *string
	GPUComputeCapability *string
	GPUCapabilityScore   *uint32

	ActiveRequests        int
	AverageResponseTimeMS *float64

	LoadedModels []string
	Initializing bool
	ReadyModels  *datatypes.ReadyModels
}

// RequestHistoryPoint is one minute-aligned bucket of request outcomes.
type RequestHistoryPoint struct {
	Minute  time.Time `json:"minute"`
	Success uint64    `json:"success"`
	Error   uint64    `json:"error"`
}

// agentLoadState is the balancer's live view of one node. Not persisted;
// rebuilt from heartbeats after a restart.
type agentLoadState struct {
	lastMetrics    *datatypes.HealthMetrics
	assignedActive int
	totalAssigned  uint64
	successCount   uint64
	errorCount     uint64
	totalLatencyMS uint64
	metricsHistory []datatypes.HealthMetrics
	initializing   bool
	readyModels    *datatypes.ReadyModels
}

// combinedActive is the node's selection budget: worker-reported
// in-flight plus requests this router has assigned but not finished.
func (s *agentLoadState) combinedActive() int {
	active := s.assignedActive
	if s.lastMetrics != nil {
		active += s.lastMetrics.ActiveRequests
	}
	return active
}

// averageLatencyMS derives the mean completed-request latency, or nil
// when nothing has completed yet.
func (s *agentLoadState) averageLatencyMS() *float64 {
	completed := s.successCount + s.errorCount
	if completed == 0 {
		return nil
	}
	avg := float64(s.totalLatencyMS) / float64(completed)
	return &avg
}

// effectiveAverageMS prefers the worker-reported average, falling back
// to the derived one.
func (s *agentLoadState) effectiveAverageMS() *float64 {
	if s.lastMetrics != nil && s.lastMetrics.AverageResponseTimeMS != nil {
		return s.lastMetrics.AverageResponseTimeMS
	}
	return s.averageLatencyMS()
}

// isStale reports whether the last sample is missing or older than the
// freshness window.
func (s *agentLoadState) isStale(now time.Time) bool {
	if s.lastMetrics == nil {
		return true
	}
	return now.Sub(s.lastMetrics.Timestamp) > staleAfter
}

// pushMetrics appends a sample, evicting the oldest past the cap.
func (s *agentLoadState) pushMetrics(m datatypes.HealthMetrics) {
	s.metricsHistory = append(s.metricsHistory, m)
	if len(s.metricsHistory) > metricsHistoryCap {
		s.metricsHistory = s.metricsHistory[1:]
	}
}
