// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package balancer

import (
	"context"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
)

// DefaultMaxWaiters bounds the warm-up admission queue when the
// operator does not configure a limit.
const DefaultMaxWaiters = 1024

// AllInitializing reports whether every tracked node is still warming
// up. With no tracked nodes it returns false; that case is a capacity
// problem, not a warm-up one.
func (m *LoadManager) AllInitializing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.states) == 0 {
		return false
	}
	for _, s := range m.states {
		if !s.initializing {
			return false
		}
	}
	return true
}

// HasReadyAgents reports whether at least one tracked node has finished
// warming up.
func (m *LoadManager) HasReadyAgents() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.states {
		if !s.initializing {
			return true
		}
	}
	return false
}

// Waiters is the number of requests currently parked in the admission
// queue.
func (m *LoadManager) Waiters() int64 {
	return m.waiters.Load()
}

// WaitForReady parks the caller until some node finishes warming up.
//
// # Description
//
// The waiter count is bounded by maxWaiters (DefaultMaxWaiters when
// non-positive); a full queue is refused immediately with an
// unavailable error so overload cannot pile up goroutines. Admission is
// re-checked after reserving a slot, then the caller blocks on the
// broadcast channel. Each readiness transition closes and replaces the
// channel, waking every parked waiter at once; waiters loop because a
// wake-up only means "state changed", not "a node is ready for you".
//
// # Outputs
//
//   - error: nil once a ready node exists, ctx.Err() on cancellation or
//     deadline, unavailable when the queue is full.
func (m *LoadManager) WaitForReady(ctx context.Context, maxWaiters int64) error {
	if maxWaiters <= 0 {
		maxWaiters = DefaultMaxWaiters
	}

	if m.waiters.Add(1) > maxWaiters {
		m.waiters.Add(-1)
		return apperr.New(apperr.KindUnavailable,
			"Too many requests waiting for nodes to initialize")
	}
	defer m.waiters.Add(-1)

	for {
		m.notifyMu.Lock()
		ch := m.notifyCh
		m.notifyMu.Unlock()

		// Check after capturing the channel: a transition between the
		// check and the park would have closed this channel already.
		if m.HasReadyAgents() {
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// notifyWaiters wakes every parked waiter by closing the broadcast
// channel and installing a fresh one.
func (m *LoadManager) notifyWaiters() {
	m.notifyMu.Lock()
	close(m.notifyCh)
	m.notifyCh = make(chan struct{})
	m.notifyMu.Unlock()
}
