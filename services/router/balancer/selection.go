// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package balancer

import (
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
)

// candidate pairs a node snapshot with its live state for ranking.
// state is nil when the node has never heartbeated or begun a request.
type candidate struct {
	node       datatypes.Node
	state      *agentLoadState
	rrPriority int
}

func (c *candidate) combinedActive() int {
	if c.state == nil {
		return 0
	}
	return c.state.combinedActive()
}

func (c *candidate) specScore() uint32 {
	if c.node.GPUCapabilityScore != nil {
		return *c.node.GPUCapabilityScore
	}
	return 0
}

// SelectAgent picks a worker under the layered policy.
//
// # Description
//
// Filters the registry to Online nodes; an empty set is ErrNoAgents. A
// round-robin cursor yields a cyclic priority so ties rotate fairly.
//
// When every online node has a fresh metrics sample (younger than 120 s)
// the preferred path applies: nodes at or below 80% CPU are ranked by
// the composite key (combined active, cpu, mem, gpu, gpu-mem, spec score
// desc, effective average latency, total assigned, rr priority) and the
// head wins. If every node is above the CPU threshold the ranking drops
// the activity keys and orders by the usage vector alone. Optional
// usage values sort after reported ones, so a node that reports GPU data
// beats one that does not on that key.
//
// With partial telemetry the spec-priority path applies instead:
// (combined active asc, spec score desc, rr priority asc). This keeps
// traffic moving when agents have not heartbeated yet while still
// preferring idle, capable nodes.
//
// # Outputs
//
//   - datatypes.Node: the chosen worker. Callers must still treat an
//     initializing node as a warm-up condition.
//   - error: apperr.ErrNoAgents when no node is Online.
func (m *LoadManager) SelectAgent() (datatypes.Node, error) {
	online := m.onlineNodes()
	if len(online) == 0 {
		return datatypes.Node{}, apperr.ErrNoAgents
	}

	now := time.Now().UTC()
	candidates := m.buildCandidates(online)

	fresh := make([]*candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.state != nil && !c.state.isStale(now) {
			fresh = append(fresh, c)
		}
	}

	if len(fresh) == len(candidates) {
		// Preferred path: full telemetry coverage.
		belowThreshold := make([]*candidate, 0, len(fresh))
		for _, c := range fresh {
			if c.state.lastMetrics.CPUUsage <= cpuThreshold {
				belowThreshold = append(belowThreshold, c)
			}
		}

		if len(belowThreshold) > 0 {
			sort.SliceStable(belowThreshold, func(i, j int) bool {
				return lessComposite(belowThreshold[i], belowThreshold[j])
			})
			return belowThreshold[0].node, nil
		}

		// Every node is hot; least-loaded by usage vector alone.
		sort.SliceStable(fresh, func(i, j int) bool {
			return lessUsage(fresh[i], fresh[j])
		})
		return fresh[0].node, nil
	}

	// Spec-priority path: partial telemetry.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.combinedActive() != b.combinedActive() {
			return a.combinedActive() < b.combinedActive()
		}
		if a.specScore() != b.specScore() {
			return a.specScore() > b.specScore()
		}
		return a.rrPriority < b.rrPriority
	})
	return candidates[0].node, nil
}

// SelectAgentByMetrics is the operator-selectable alternative policy.
//
// Each fresh node scores cpu + mem + gpu + gpu_mem + 10*active (missing
// GPU terms count zero). If no node is fresh, or every fresh node is
// above the CPU threshold, the round-robin fallback picks the online
// node at the cursor. Otherwise the minimum score wins; scores within
// epsilon tie-break by spec score descending then rr priority.
func (m *LoadManager) SelectAgentByMetrics() (datatypes.Node, error) {
	online := m.onlineNodes()
	if len(online) == 0 {
		return datatypes.Node{}, apperr.ErrNoAgents
	}

	now := time.Now().UTC()
	candidates := m.buildCandidates(online)
	rrStart := candidates[0]
	for _, c := range candidates {
		if c.rrPriority == 0 {
			rrStart = c
			break
		}
	}

	type scored struct {
		c     *candidate
		score float64
	}
	var pool []scored
	allHot := true
	for _, c := range candidates {
		if c.state == nil || c.state.isStale(now) {
			continue
		}
		metrics := c.state.lastMetrics
		if metrics.CPUUsage <= cpuThreshold {
			allHot = false
		}
		score := metrics.CPUUsage + metrics.MemoryUsage
		if metrics.GPUUsage != nil {
			score += *metrics.GPUUsage
		}
		if metrics.GPUMemoryUsage != nil {
			score += *metrics.GPUMemoryUsage
		}
		score += 10 * float64(c.state.combinedActive())
		pool = append(pool, scored{c: c, score: score})
	}

	if len(pool) == 0 || allHot {
		return rrStart.node, nil
	}

	best := pool[0]
	for _, s := range pool[1:] {
		switch {
		case s.score < best.score-loadScoreEpsilon:
			best = s
		case s.score <= best.score+loadScoreEpsilon:
			// Tie window: higher spec wins, then rr order.
			if s.c.specScore() > best.c.specScore() {
				best = s
			} else if s.c.specScore() == best.c.specScore() && s.c.rrPriority < best.c.rrPriority {
				best = s
			}
		}
	}
	return best.c.node, nil
}

// SelectForModel prefers a node that already hosts the model.
//
// The match is exact on the lowercase-trimmed identifier against each
// online node's loaded set; among matches the most recently seen node
// wins. With no match, selection falls through to the configured policy.
func (m *LoadManager) SelectForModel(model string) (datatypes.Node, error) {
	wanted := strings.ToLower(strings.TrimSpace(model))
	if wanted != "" {
		var best *datatypes.Node
		for _, node := range m.onlineNodes() {
			for _, loaded := range node.LoadedModels {
				if strings.ToLower(strings.TrimSpace(loaded)) != wanted {
					continue
				}
				if best == nil || node.LastSeen.After(best.LastSeen) {
					n := node
					best = &n
				}
				break
			}
		}
		if best != nil {
			return *best, nil
		}
	}

	if m.mode == ModeMetrics {
		return m.SelectAgentByMetrics()
	}
	return m.SelectAgent()
}

// onlineNodes lists Online registry nodes in registration order.
func (m *LoadManager) onlineNodes() []datatypes.Node {
	all := m.reg.List()
	online := all[:0]
	for _, n := range all {
		if n.Status == datatypes.NodeOnline {
			online = append(online, n)
		}
	}
	return online
}

// buildCandidates joins nodes with live state and assigns the cyclic
// round-robin priority starting at the cursor.
func (m *LoadManager) buildCandidates(online []datatypes.Node) []*candidate {
	cursor := m.rrCursor.Add(1) - 1
	start := int(cursor % uint64(len(online)))

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*candidate, len(online))
	for i, node := range online {
		out[i] = &candidate{
			node:       node,
			state:      m.states[node.ID],
			rrPriority: (i - start + len(online)) % len(online),
		}
	}
	return out
}

// =============================================================================
// Composite Ordering
// =============================================================================

// cmpOptFloat orders optional usage values: nil sorts after any
// reported value. Returns -1, 0, or 1.
func cmpOptFloat(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	default:
		return 0
	}
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// lessComposite is the preferred-path ranking. Both candidates must be
// fresh.
func lessComposite(a, b *candidate) bool {
	if c := a.combinedActive() - b.combinedActive(); c != 0 {
		return c < 0
	}
	am, bm := a.state.lastMetrics, b.state.lastMetrics
	if c := cmpFloat(am.CPUUsage, bm.CPUUsage); c != 0 {
		return c < 0
	}
	if c := cmpFloat(am.MemoryUsage, bm.MemoryUsage); c != 0 {
		return c < 0
	}
	if c := cmpOptFloat(am.GPUUsage, bm.GPUUsage); c != 0 {
		return c < 0
	}
	if c := cmpOptFloat(am.GPUMemoryUsage, bm.GPUMemoryUsage); c != 0 {
		return c < 0
	}
	if a.specScore() != b.specScore() {
		return a.specScore() > b.specScore()
	}
	if c := cmpOptFloat(a.state.effectiveAverageMS(), b.state.effectiveAverageMS()); c != 0 {
		return c < 0
	}
	if a.state.totalAssigned != b.state.totalAssigned {
		return a.state.totalAssigned < b.state.totalAssigned
	}
	return a.rrPriority < b.rrPriority
}

// lessUsage is the all-hot ranking: usage vector, spec, rr.
func lessUsage(a, b *candidate) bool {
	am, bm := a.state.lastMetrics, b.state.lastMetrics
	if c := cmpFloat(am.CPUUsage, bm.CPUUsage); c != 0 {
		return c < 0
	}
	if c := cmpFloat(am.MemoryUsage, bm.MemoryUsage); c != 0 {
		return c < 0
	}
	if c := cmpOptFloat(am.GPUUsage, bm.GPUUsage); c != 0 {
		return c < 0
	}
	if c := cmpOptFloat(am.GPUMemoryUsage, bm.GPUMemoryUsage); c != 0 {
		return c < 0
	}
	if a.specScore() != b.specScore() {
		return a.specScore() > b.specScore()
	}
	return a.rrPriority < b.rrPriority
}
