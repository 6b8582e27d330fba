// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package balancer

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
	"github.com/AleutianAI/AleutianFleet/services/router/registry"
)

func newTestManager(t *testing.T, mode Mode) (*LoadManager, *registry.Registry) {
	t.Helper()
	store := registry.NewStore(t.TempDir())
	require.NoError(t, store.Init())
	reg := registry.NewRegistry(store)
	require.NoError(t, reg.LoadFromStore())
	return NewLoadManager(reg, mode), reg
}

func registerNode(t *testing.T, reg *registry.Registry, machine string, port int) datatypes.Node {
	t.Helper()
	node, _, err := reg.Register(datatypes.RegisterRequest{
		MachineName:    machine,
		IPAddress:      "192.168.10.5",
		RuntimeVersion: "0.6.2",
		RuntimePort:    port,
		GPUAvailable:   true,
		GPUDevices:     []datatypes.GPUDevice{{Model: "RTX 4090", Count: 1}},
	})
	require.NoError(t, err)
	return node
}

func f64ptr(v float64) *float64 { return &v }
func u32ptr(v uint32) *uint32   { return &v }

func heartbeat(t *testing.T, m *LoadManager, id uuid.UUID, cpu, mem float64, avg *float64) {
	t.Helper()
	require.NoError(t, m.RecordMetrics(MetricsUpdate{
		NodeID:                id,
		CPUUsage:              cpu,
		MemoryUsage:           mem,
		AverageResponseTimeMS: avg,
		LoadedModels:          []string{},
	}))
}

// TestSelectAgent_NoOnlineNodes verifies the empty fleet yields
// ErrNoAgents.
func TestSelectAgent_NoOnlineNodes(t *testing.T) {
	m, _ := newTestManager(t, ModeAuto)

	_, err := m.SelectAgent()
	require.Error(t, err)
	assert.Equal(t, apperr.KindNoAgents, apperr.KindOf(err))
}

// TestSelectAgent_PrefersLowerLatencyAtEqualActive pins the composite
// tiebreak: equal active count and usage, lower effective average wins.
func TestSelectAgent_PrefersLowerLatencyAtEqualActive(t *testing.T) {
	m, reg := newTestManager(t, ModeAuto)
	slow := registerNode(t, reg, "slow", 11434)
	fast := registerNode(t, reg, "fast", 11434)

	heartbeat(t, m, slow.ID, 20, 30, f64ptr(240))
	heartbeat(t, m, fast.ID, 20, 30, f64ptr(120))
	require.NoError(t, m.BeginRequest(slow.ID))
	require.NoError(t, m.BeginRequest(fast.ID))

	for i := 0; i < 5; i++ {
		chosen, err := m.SelectAgent()
		require.NoError(t, err)
		assert.Equal(t, fast.ID, chosen.ID, "lower latency node should win every round")
	}
}

// TestSelectAgent_PrefersFewerActive verifies the first composite key.
func TestSelectAgent_PrefersFewerActive(t *testing.T) {
	m, reg := newTestManager(t, ModeAuto)
	busy := registerNode(t, reg, "busy", 11434)
	idle := registerNode(t, reg, "idle", 11434)

	heartbeat(t, m, busy.ID, 10, 10, nil)
	heartbeat(t, m, idle.ID, 50, 50, nil)
	require.NoError(t, m.BeginRequest(busy.ID))
	require.NoError(t, m.BeginRequest(busy.ID))

	chosen, err := m.SelectAgent()
	require.NoError(t, err)
	assert.Equal(t, idle.ID, chosen.ID)
}

// TestSelectAgent_AllBusyFallsBackToUsage verifies the all-hot path
// ranks by the usage vector alone.
func TestSelectAgent_AllBusyFallsBackToUsage(t *testing.T) {
	m, reg := newTestManager(t, ModeAuto)
	hot := registerNode(t, reg, "hot", 11434)
	hotter := registerNode(t, reg, "hotter", 11434)

	heartbeat(t, m, hot.ID, 85, 40, nil)
	heartbeat(t, m, hotter.ID, 95, 40, nil)
	// The hotter node is less loaded by activity but loses on CPU.
	require.NoError(t, m.BeginRequest(hot.ID))

	chosen, err := m.SelectAgent()
	require.NoError(t, err)
	assert.Equal(t, hot.ID, chosen.ID)
}

// TestSelectAgent_PartialTelemetryPrefersSpecScore verifies the
// spec-priority path when not every node has a fresh sample.
func TestSelectAgent_PartialTelemetryPrefersSpecScore(t *testing.T) {
	m, reg := newTestManager(t, ModeAuto)
	plain := registerNode(t, reg, "plain", 11434)
	capable := registerNode(t, reg, "capable", 11434)
	registerNode(t, reg, "silent", 11434)

	require.NoError(t, m.RecordMetrics(MetricsUpdate{
		NodeID:             capable.ID,
		CPUUsage:           10,
		MemoryUsage:        10,
		GPUCapabilityScore: u32ptr(500),
	}))

	chosen, err := m.SelectAgent()
	require.NoError(t, err)
	assert.Equal(t, capable.ID, chosen.ID)
	assert.NotEqual(t, plain.ID, chosen.ID)
}

// TestSelectAgentByMetrics_PicksLowestScore verifies the weighted score
// cpu + mem + gpu + gpu_mem + 10*active.
func TestSelectAgentByMetrics_PicksLowestScore(t *testing.T) {
	m, reg := newTestManager(t, ModeMetrics)
	loaded := registerNode(t, reg, "loaded", 11434)
	light := registerNode(t, reg, "light", 11434)

	require.NoError(t, m.RecordMetrics(MetricsUpdate{
		NodeID: loaded.ID, CPUUsage: 30, MemoryUsage: 30,
		GPUUsage: f64ptr(50), GPUMemoryUsage: f64ptr(40),
	}))
	require.NoError(t, m.RecordMetrics(MetricsUpdate{
		NodeID: light.ID, CPUUsage: 20, MemoryUsage: 20,
		GPUUsage: f64ptr(10), GPUMemoryUsage: f64ptr(10),
	}))

	chosen, err := m.SelectAgentByMetrics()
	require.NoError(t, err)
	assert.Equal(t, light.ID, chosen.ID)
}

// TestSelectAgentByMetrics_AllHighCPUFallsBackToRoundRobin verifies the
// round-robin fallback when every fresh node exceeds the CPU threshold.
func TestSelectAgentByMetrics_AllHighCPUFallsBackToRoundRobin(t *testing.T) {
	m, reg := newTestManager(t, ModeMetrics)
	a := registerNode(t, reg, "a", 11434)
	b := registerNode(t, reg, "b", 11434)

	heartbeat(t, m, a.ID, 95, 50, nil)
	heartbeat(t, m, b.ID, 91, 50, nil)

	seen := map[uuid.UUID]int{}
	for i := 0; i < 4; i++ {
		chosen, err := m.SelectAgentByMetrics()
		require.NoError(t, err)
		seen[chosen.ID]++
	}
	assert.Equal(t, 2, seen[a.ID], "round robin should alternate")
	assert.Equal(t, 2, seen[b.ID], "round robin should alternate")
}

// TestSelectForModel_PrefersNodeWithModelLoaded verifies model locality
// beats the load policy.
func TestSelectForModel_PrefersNodeWithModelLoaded(t *testing.T) {
	m, reg := newTestManager(t, ModeAuto)
	empty := registerNode(t, reg, "empty", 11434)
	host := registerNode(t, reg, "host", 11434)

	heartbeat(t, m, empty.ID, 5, 5, nil)
	require.NoError(t, m.RecordMetrics(MetricsUpdate{
		NodeID: host.ID, CPUUsage: 70, MemoryUsage: 70,
		LoadedModels: []string{"gpt-oss:20b"},
	}))

	chosen, err := m.SelectForModel("  GPT-OSS:20B ")
	require.NoError(t, err)
	assert.Equal(t, host.ID, chosen.ID)

	// Unknown model falls through to the load policy.
	chosen, err = m.SelectForModel("gpt-oss:120b")
	require.NoError(t, err)
	assert.Equal(t, empty.ID, chosen.ID)
}

// TestRecordMetrics_UnknownNode verifies the not-found guard.
func TestRecordMetrics_UnknownNode(t *testing.T) {
	m, _ := newTestManager(t, ModeAuto)

	err := m.RecordMetrics(MetricsUpdate{NodeID: uuid.New(), CPUUsage: 1, MemoryUsage: 1})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

// TestRecordMetrics_HistoryBounded verifies the 360-sample FIFO cap.
func TestRecordMetrics_HistoryBounded(t *testing.T) {
	m, reg := newTestManager(t, ModeAuto)
	node := registerNode(t, reg, "ring", 11434)

	for i := 0; i < metricsHistoryCap+25; i++ {
		heartbeat(t, m, node.ID, float64(i%100), 10, nil)
	}

	history, err := m.MetricsHistory(node.ID)
	require.NoError(t, err)
	require.Len(t, history, metricsHistoryCap)
	// Oldest 25 samples evicted from the front.
	assert.Equal(t, float64(25%100), history[0].CPUUsage)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].Timestamp.Before(history[i-1].Timestamp),
			"timestamps must be monotonic non-decreasing")
	}
}

// TestFinishRequest_Accounting verifies counters, latency, and the
// floor clamp on the active count.
func TestFinishRequest_Accounting(t *testing.T) {
	m, reg := newTestManager(t, ModeAuto)
	node := registerNode(t, reg, "acct", 11434)

	require.NoError(t, m.BeginRequest(node.ID))
	require.NoError(t, m.FinishRequest(node.ID, OutcomeSuccess, 120*time.Millisecond))
	require.NoError(t, m.BeginRequest(node.ID))
	require.NoError(t, m.FinishRequest(node.ID, OutcomeError, 80*time.Millisecond))
	// Double finish must not underflow the active counter.
	require.NoError(t, m.FinishRequest(node.ID, OutcomeError, 10*time.Millisecond))

	snap, err := m.Snapshot(node.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.ActiveRequests)
	assert.Equal(t, uint64(2), snap.TotalRequests)
	assert.Equal(t, uint64(1), snap.SuccessfulRequests)
	assert.Equal(t, uint64(2), snap.FailedRequests)
	require.NotNil(t, snap.AverageResponseTimeMS)
	assert.InDelta(t, 70.0, *snap.AverageResponseTimeMS, 0.001)
}

// TestRequestHistory_Window verifies exactly 60 consecutive buckets with
// the finished outcomes in the newest one.
func TestRequestHistory_Window(t *testing.T) {
	m, reg := newTestManager(t, ModeAuto)
	node := registerNode(t, reg, "hist", 11434)

	require.NoError(t, m.BeginRequest(node.ID))
	require.NoError(t, m.FinishRequest(node.ID, OutcomeSuccess, 50*time.Millisecond))
	require.NoError(t, m.BeginRequest(node.ID))
	require.NoError(t, m.FinishRequest(node.ID, OutcomeError, 50*time.Millisecond))
	m.RecordQueued()

	history := m.RequestHistory()
	require.Len(t, history, 60)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, time.Minute, history[i].Minute.Sub(history[i-1].Minute),
			"buckets must be consecutive whole minutes")
	}

	last := history[len(history)-1]
	assert.GreaterOrEqual(t, last.Success, uint64(1))
	assert.GreaterOrEqual(t, last.Error, uint64(1))
}

// TestRecordQueued_DoesNotCountAsOutcome verifies a queued point touches
// the histogram without incrementing either counter.
func TestRecordQueued_DoesNotCountAsOutcome(t *testing.T) {
	m, _ := newTestManager(t, ModeAuto)

	m.RecordQueued()

	history := m.RequestHistory()
	last := history[len(history)-1]
	assert.Equal(t, uint64(0), last.Success)
	assert.Equal(t, uint64(0), last.Error)
}

// TestWaitForReady_UnblocksOnHeartbeat verifies the warm-up gate wakes
// parked waiters when a node reports initializing=false.
func TestWaitForReady_UnblocksOnHeartbeat(t *testing.T) {
	m, reg := newTestManager(t, ModeAuto)
	node := registerNode(t, reg, "warmup", 11434)
	m.UpsertInitialState(node.ID, true, &datatypes.ReadyModels{})
	require.True(t, m.AllInitializing())

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- m.WaitForReady(ctx, 10)
	}()

	// Give the waiter time to park before the readiness transition.
	require.Eventually(t, func() bool { return m.Waiters() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, m.RecordMetrics(MetricsUpdate{
		NodeID: node.ID, CPUUsage: 10, MemoryUsage: 10,
		Initializing: false,
		ReadyModels:  &datatypes.ReadyModels{Ready: 1, Total: 1},
	}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken by the readiness transition")
	}
	assert.False(t, m.AllInitializing())
	assert.True(t, m.HasReadyAgents())
}

// TestWaitForReady_RefusesOverLimit verifies the bounded queue rejects
// the waiter beyond the cap with an unavailable error.
func TestWaitForReady_RefusesOverLimit(t *testing.T) {
	m, reg := newTestManager(t, ModeAuto)
	node := registerNode(t, reg, "full", 11434)
	m.UpsertInitialState(node.ID, true, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- m.WaitForReady(ctx, 2) }()
	}
	require.Eventually(t, func() bool { return m.Waiters() == 2 },
		time.Second, 5*time.Millisecond)

	err := m.WaitForReady(ctx, 2)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))

	cancel()
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-errs, context.Canceled)
	}
}

// TestWaitForReady_ImmediateWhenReady verifies no parking happens when a
// ready node already exists.
func TestWaitForReady_ImmediateWhenReady(t *testing.T) {
	m, reg := newTestManager(t, ModeAuto)
	node := registerNode(t, reg, "ready", 11434)
	heartbeat(t, m, node.ID, 10, 10, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, m.WaitForReady(ctx, 1))
}

// TestSummary_FreshOnlyConcurrency verifies stale entries are excluded
// from the active-request sum but still counted in totals.
func TestSummary_FreshOnlyConcurrency(t *testing.T) {
	m, reg := newTestManager(t, ModeAuto)
	fresh := registerNode(t, reg, "fresh", 11434)
	silent := registerNode(t, reg, "silent", 11434)

	heartbeat(t, m, fresh.ID, 10, 10, f64ptr(100))
	require.NoError(t, m.BeginRequest(fresh.ID))

	// The silent node has accounting but no metrics sample, so it is
	// stale and its active count must not leak into the summary.
	require.NoError(t, m.BeginRequest(silent.ID))

	summary := m.Summary()
	assert.Equal(t, 2, summary.TotalAgents)
	assert.Equal(t, 2, summary.OnlineAgents)
	assert.Equal(t, 1, summary.TotalActiveRequests)
	assert.Equal(t, uint64(2), summary.TotalRequests)
	require.NotNil(t, summary.AverageResponseTimeMS)
	assert.InDelta(t, 100.0, *summary.AverageResponseTimeMS, 0.001)
	require.NotNil(t, summary.LastMetricsUpdatedAt)
}

// TestSnapshot_AbsentStateIsStale verifies zeros and is_stale for a node
// that never heartbeated.
func TestSnapshot_AbsentStateIsStale(t *testing.T) {
	m, reg := newTestManager(t, ModeAuto)
	node := registerNode(t, reg, "quiet", 11434)

	snap, err := m.Snapshot(node.ID)
	require.NoError(t, err)
	assert.True(t, snap.IsStale)
	assert.Equal(t, uint64(0), snap.TotalRequests)
	assert.Nil(t, snap.CPUUsage)
	assert.Nil(t, snap.LastUpdated)
}

// TestForget_DropsState verifies deletion cleanup.
func TestForget_DropsState(t *testing.T) {
	m, reg := newTestManager(t, ModeAuto)
	node := registerNode(t, reg, "gone", 11434)
	heartbeat(t, m, node.ID, 10, 10, nil)

	m.Forget(node.ID)

	history, err := m.MetricsHistory(node.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}
