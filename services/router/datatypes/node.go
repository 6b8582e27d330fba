// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the wire and domain types shared by the fleet
// router: worker nodes, heartbeat metrics, the request journal, download
// tasks, and credential records.
//
// Types here are plain data. Behavior lives in the owning components
// (registry, balancer, journal, tasks, authn); cross-component references
// are by UUID only.
package datatypes

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Node Status
// =============================================================================

// NodeStatus is the lifecycle state of a registered worker node.
type NodeStatus string

const (
	// NodeOnline means the node is registered and heartbeating.
	NodeOnline NodeStatus = "online"

	// NodeOffline means the node missed heartbeats or was disconnected
	// by an operator.
	NodeOffline NodeStatus = "offline"
)

// =============================================================================
// GPU Descriptors
// =============================================================================

// GPUDevice describes one GPU model installed on a worker node.
//
// A node reports one entry per distinct GPU model; Count is how many of
// that model are installed. Memory is per-device bytes when the agent
// could probe it.
type GPUDevice struct {
	Model  string  `json:"model"`
	Count  int     `json:"count"`
	Memory *uint64 `json:"memory,omitempty"`
}

// Valid reports whether the device satisfies the registration invariant:
// a non-empty trimmed model name and a positive count.
func (d GPUDevice) Valid() bool {
	return d.Count > 0 && strings.TrimSpace(d.Model) != ""
}

// ReadyModels is a worker's self-reported (ready, total) model warm-up
// progress, serialized as a two-element JSON array.
type ReadyModels struct {
	Ready int
	Total int
}

// MarshalJSON encodes as [ready, total].
func (r ReadyModels) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{r.Ready, r.Total})
}

// UnmarshalJSON decodes a two-element array.
func (r *ReadyModels) UnmarshalJSON(data []byte) error {
	var arr []int
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 2 {
		return fmt.Errorf("ready_models: expected 2 elements, got %d", len(arr))
	}
	r.Ready, r.Total = arr[0], arr[1]
	return nil
}

// =============================================================================
// Node
// =============================================================================

// Node is a registered worker in the fleet.
//
// # Description
//
// Identity is a server-generated UUID that is stable across
// re-registrations from the same (machine_name, runtime_port) pair.
// RuntimePort is the worker's native LLM-runtime HTTP port; the router
// talks to the worker's control API at RuntimePort + 1.
//
// # Invariants
//
//   - GPUAvailable implies GPUDevices is non-empty and every device is Valid.
//   - Status == NodeOnline implies OnlineSince is non-nil.
//   - LoadedModels is a duplicate-free sorted set of trimmed non-empty names.
//
// # Thread Safety
//
// Node values are snapshots. The registry owns the authoritative copy and
// hands out clones; callers must not share mutable Node pointers.
type Node struct {
	ID             uuid.UUID  `json:"id"`
	MachineName    string     `json:"machine_name"`
	IPAddress      string     `json:"ip_address"`
	RuntimeVersion string     `json:"runtime_version"`
	RuntimePort    int        `json:"runtime_port"`
	AgentAPIPort   int        `json:"agent_api_port,omitempty"`
	Status         NodeStatus `json:"status"`
	RegisteredAt   time.Time  `json:"registered_at"`
	LastSeen       time.Time  `json:"last_seen"`
	OnlineSince    *time.Time `json:"online_since,omitempty"`

	CustomName *string  `json:"custom_name,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Notes      *string  `json:"notes,omitempty"`

	LoadedModels []string `json:"loaded_models"`

	GPUAvailable bool        `json:"gpu_available"`
	GPUDevices   []GPUDevice `json:"gpu_devices"`
	GPUCount     *int        `json:"gpu_count,omitempty"`
	GPUModel     *string     `json:"gpu_model,omitempty"`

	GPUModelName         *string `json:"gpu_model_name,omitempty"`
	GPUComputeCapability *string `json:"gpu_compute_capability,omitempty"`
	GPUCapabilityScore   *uint32 `json:"gpu_capability_score,omitempty"`

	Initializing bool         `json:"initializing"`
	ReadyModels  *ReadyModels `json:"ready_models,omitempty"`
}

// ControlPort returns the port of the worker's control API.
func (n *Node) ControlPort() int {
	if n.AgentAPIPort != 0 {
		return n.AgentAPIPort
	}
	return n.RuntimePort + 1
}

// Clone returns a deep copy safe to hand to callers.
func (n *Node) Clone() Node {
	out := *n
	out.Tags = append([]string(nil), n.Tags...)
	out.LoadedModels = append([]string(nil), n.LoadedModels...)
	out.GPUDevices = append([]GPUDevice(nil), n.GPUDevices...)
	if n.OnlineSince != nil {
		t := *n.OnlineSince
		out.OnlineSince = &t
	}
	if n.CustomName != nil {
		s := *n.CustomName
		out.CustomName = &s
	}
	if n.Notes != nil {
		s := *n.Notes
		out.Notes = &s
	}
	if n.GPUCount != nil {
		v := *n.GPUCount
		out.GPUCount = &v
	}
	if n.GPUModel != nil {
		s := *n.GPUModel
		out.GPUModel = &s
	}
	if n.GPUModelName != nil {
		s := *n.GPUModelName
		out.GPUModelName = &s
	}
	if n.GPUComputeCapability != nil {
		s := *n.GPUComputeCapability
		out.GPUComputeCapability = &s
	}
	if n.GPUCapabilityScore != nil {
		v := *n.GPUCapabilityScore
		out.GPUCapabilityScore = &v
	}
	if n.ReadyModels != nil {
		r := *n.ReadyModels
		out.ReadyModels = &r
	}
	return out
}

// NormalizeModels trims entries, drops empties, and dedupes while
// preserving first-seen order.
func NormalizeModels(models []string) []string {
	seen := make(map[string]struct{}, len(models))
	out := make([]string, 0, len(models))
	for _, m := range models {
		trimmed := strings.TrimSpace(m)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
