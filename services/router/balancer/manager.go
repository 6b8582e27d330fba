// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package balancer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
	"github.com/AleutianAI/AleutianFleet/services/router/registry"
)

// Mode selects the balancer policy.
type Mode string

const (
	// ModeAuto is the layered composite-sort policy.
	ModeAuto Mode = "auto"

	// ModeMetrics is the weighted usage-score policy.
	ModeMetrics Mode = "metrics"
)

// LoadManager tracks per-node live state and picks a worker for each
// request.
//
// # Description
//
// One state entry per node, keyed by node id, guarded by a single
// reader-writer lock. Selection takes the lock briefly and releases it
// before any network I/O. The round-robin cursor and the admission
// queue's waiter counter are atomics; waiters park on a broadcast
// channel that is closed and replaced on every readiness transition.
//
// # Thread Safety
//
// Safe for concurrent use from many request handlers.
type LoadManager struct {
	reg  *registry.Registry
	mode Mode

	mu     sync.RWMutex
	states map[uuid.UUID]*agentLoadState

	rrCursor atomic.Uint64

	histMu  sync.Mutex
	history []RequestHistoryPoint

	waiters  atomic.Int64
	notifyMu sync.Mutex
	notifyCh chan struct{}
}

// NewLoadManager creates a manager over the given registry.
func NewLoadManager(reg *registry.Registry, mode Mode) *LoadManager {
	if mode != ModeMetrics {
		mode = ModeAuto
	}
	return &LoadManager{
		reg:      reg,
		mode:     mode,
		states:   make(map[uuid.UUID]*agentLoadState),
		notifyCh: make(chan struct{}),
	}
}

// UpsertInitialState seeds a node's state at registration time so the
// warm-up gate sees it before the first heartbeat.
func (m *LoadManager) UpsertInitialState(id uuid.UUID, initializing bool, ready *datatypes.ReadyModels) {
	m.mu.Lock()
	state := m.stateLocked(id)
	state.initializing = initializing
	state.readyModels = ready
	m.mu.Unlock()

	if !initializing {
		m.notifyWaiters()
	}
}

// RecordMetrics ingests one heartbeat.
//
// # Description
//
// Validates the node exists, forwards freshness and warm-up facts to the
// registry, then writes a new metrics sample carrying the router's
// cumulative assigned total and the worker-reported average (or the
// derived one when absent). The sample is appended to the bounded
// history. If the node has just become ready, every parked waiter is
// woken.
//
// # Outputs
//
//   - error: not-found when the node id is unknown.
func (m *LoadManager) RecordMetrics(update MetricsUpdate) error {
	if _, err := m.reg.Get(update.NodeID); err != nil {
		return err
	}

	initializing := update.Initializing
	facts := registry.HeartbeatFacts{
		LoadedModels:         update.LoadedModels,
		GPUModelName:         update.GPUModelName,
		GPUComputeCapability: update.GPUComputeCapability,
		GPUCapabilityScore:   update.GPUCapabilityScore,
		Initializing:         &initializing,
		ReadyModels:          update.ReadyModels,
	}
	if err := m.reg.UpdateLastSeen(update.NodeID, facts); err != nil {
		return err
	}

	now := time.Now().UTC()

	m.mu.Lock()
	state := m.stateLocked(update.NodeID)

	average := update.AverageResponseTimeMS
	if average == nil {
		average = state.averageLatencyMS()
	}

	sample := datatypes.HealthMetrics{
		NodeID:                update.NodeID,
		CPUUsage:              update.CPUUsage,
		MemoryUsage:           update.MemoryUsage,
		GPUUsage:              update.GPUUsage,
		GPUMemoryUsage:        update.GPUMemoryUsage,
		GPUMemoryTotalMB:      update.GPUMemoryTotalMB,
		GPUMemoryUsedMB:       update.GPUMemoryUsedMB,
		GPUTemperature:        update.GPUTemperature,
		GPUModelName:          update.GPUModelName,
		GPUComputeCapability:  update.GPUComputeCapability,
		GPUCapabilityScore:    update.GPUCapabilityScore,
		ActiveRequests:        update.ActiveRequests,
		TotalRequests:         state.totalAssigned,
		AverageResponseTimeMS: average,
		Timestamp:             now,
	}
	state.lastMetrics = &sample
	state.pushMetrics(sample)
	state.initializing = update.Initializing
	state.readyModels = update.ReadyModels
	m.mu.Unlock()

	if !update.Initializing {
		m.notifyWaiters()
	}
	return nil
}

// BeginRequest accounts an assignment before the upstream call.
func (m *LoadManager) BeginRequest(id uuid.UUID) error {
	if _, err := m.reg.Get(id); err != nil {
		return err
	}

	m.mu.Lock()
	state := m.stateLocked(id)
	state.assignedActive++
	state.totalAssigned++
	m.mu.Unlock()
	return nil
}

// FinishRequest closes the accounting opened by BeginRequest.
//
// OutcomeQueued is histogram-only: it never touches the per-node
// counters. The active counter floor-clamps at zero so a missed begin
// (or a double finish after cancellation) cannot underflow.
func (m *LoadManager) FinishRequest(id uuid.UUID, outcome RequestOutcome, duration time.Duration) error {
	if outcome != OutcomeQueued {
		m.mu.Lock()
		state, ok := m.states[id]
		if !ok {
			m.mu.Unlock()
			return apperr.NotFound("Node not found: %s", id)
		}

		if state.assignedActive > 0 {
			state.assignedActive--
		}
		ms := uint64(duration.Milliseconds())
		switch outcome {
		case OutcomeSuccess:
			state.successCount++
		case OutcomeError:
			state.errorCount++
		}
		state.totalLatencyMS += ms

		// Keep the last sample and the history tail consistent with the
		// new totals so snapshots reflect completed work immediately.
		if state.lastMetrics != nil {
			state.lastMetrics.TotalRequests = state.totalAssigned
			state.lastMetrics.AverageResponseTimeMS = state.effectiveAverageMS()
			if n := len(state.metricsHistory); n > 0 {
				tail := &state.metricsHistory[n-1]
				tail.TotalRequests = state.lastMetrics.TotalRequests
				tail.AverageResponseTimeMS = state.lastMetrics.AverageResponseTimeMS
				tail.GPUUsage = state.lastMetrics.GPUUsage
				tail.GPUMemoryUsage = state.lastMetrics.GPUMemoryUsage
			}
		}
		m.mu.Unlock()
	}

	m.recordRequestHistory(outcome, time.Now().UTC())
	return nil
}

// RecordQueued marks a request parked in the admission queue.
func (m *LoadManager) RecordQueued() {
	m.recordRequestHistory(OutcomeQueued, time.Now().UTC())
}

// MetricsHistory returns the node's bounded metrics samples, oldest
// first.
func (m *LoadManager) MetricsHistory(id uuid.UUID) ([]datatypes.HealthMetrics, error) {
	if _, err := m.reg.Get(id); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[id]
	if !ok {
		return []datatypes.HealthMetrics{}, nil
	}
	out := make([]datatypes.HealthMetrics, len(state.metricsHistory))
	copy(out, state.metricsHistory)
	return out, nil
}

// Forget drops the node's live state, for use after node deletion.
func (m *LoadManager) Forget(id uuid.UUID) {
	m.mu.Lock()
	delete(m.states, id)
	m.mu.Unlock()
}

// stateLocked returns the entry for id, creating it if absent. Caller
// holds the write lock.
func (m *LoadManager) stateLocked(id uuid.UUID) *agentLoadState {
	state, ok := m.states[id]
	if !ok {
		state = &agentLoadState{}
		m.states[id] = state
	}
	return state
}

// =============================================================================
// Request Histogram
// =============================================================================

// alignToMinute zeroes the sub-minute part of ts.
func alignToMinute(ts time.Time) time.Time {
	return ts.Truncate(time.Minute)
}

// recordRequestHistory updates the minute bucket for ts. A Queued
// outcome touches the bucket without incrementing either counter.
func (m *LoadManager) recordRequestHistory(outcome RequestOutcome, ts time.Time) {
	minute := alignToMinute(ts)

	m.histMu.Lock()
	defer m.histMu.Unlock()

	n := len(m.history)
	if n > 0 && m.history[n-1].Minute.Equal(minute) {
		switch outcome {
		case OutcomeSuccess:
			m.history[n-1].Success++
		case OutcomeError:
			m.history[n-1].Error++
		}
	} else {
		point := RequestHistoryPoint{Minute: minute}
		switch outcome {
		case OutcomeSuccess:
			point.Success = 1
		case OutcomeError:
			point.Error = 1
		}
		m.history = append(m.history, point)
	}

	// Prune everything older than the window, measured from the newest
	// bucket so a quiet period does not erase recent data.
	newest := m.history[len(m.history)-1].Minute
	cutoff := newest.Add(-(historyWindow - time.Minute))
	firstKept := 0
	for firstKept < len(m.history) && m.history[firstKept].Minute.Before(cutoff) {
		firstKept++
	}
	if firstKept > 0 {
		m.history = append([]RequestHistoryPoint(nil), m.history[firstKept:]...)
	}
}

// RequestHistory returns exactly 60 consecutive minute buckets ending at
// the current minute, zero-filling gaps.
func (m *LoadManager) RequestHistory() []RequestHistoryPoint {
	now := alignToMinute(time.Now().UTC())
	start := now.Add(-(historyWindow - time.Minute))

	m.histMu.Lock()
	recorded := make(map[time.Time]RequestHistoryPoint, len(m.history))
	for _, p := range m.history {
		recorded[p.Minute] = p
	}
	m.histMu.Unlock()

	out := make([]RequestHistoryPoint, 0, 60)
	for minute := start; !minute.After(now); minute = minute.Add(time.Minute) {
		if p, ok := recorded[minute]; ok {
			out = append(out, p)
		} else {
			out = append(out, RequestHistoryPoint{Minute: minute})
		}
	}
	return out
}
