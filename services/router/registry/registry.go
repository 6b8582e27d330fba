// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry owns the lifecycle of worker nodes: GPU-validated
// registration, freshness tracking, online/offline transitions, and a
// durable JSON mirror that self-heals on startup.
package registry

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
)

// HeartbeatFacts are the optional registry-facing fields of a heartbeat.
// Nil fields leave the current value unchanged.
type HeartbeatFacts struct {
	LoadedModels         []string
	GPUModelName         *string
	GPUComputeCapability *string
	GPUCapabilityScore   *uint32
	Initializing         *bool
	ReadyModels          *datatypes.ReadyModels
}

// Registry is the in-memory node table plus its durable mirror.
//
// # Description
//
// All mutations take the write lock, update memory, then persist after
// the lock is released. Callers observe the new in-memory state before
// persistence completes; persistence failures are logged and do not roll
// back memory (write-through, memory-authoritative).
//
// # Thread Safety
//
// Safe for concurrent use. Reads clone nodes out under the read lock.
type Registry struct {
	mu    sync.RWMutex
	nodes map[uuid.UUID]*datatypes.Node
	store *Store
}

// NewRegistry creates an empty registry backed by store. Call
// LoadFromStore before serving traffic.
func NewRegistry(store *Store) *Registry {
	return &Registry{
		nodes: make(map[uuid.UUID]*datatypes.Node),
		store: store,
	}
}

// LoadFromStore restores persisted nodes and applies the startup cleanup
// pass.
//
// # Description
//
// Invalid entries are deleted rather than served: anything with
// gpu_available=false, or devices violating the model/count invariant.
// Entries with an empty device list but a recorded gpu_model are
// sanitized by reconstructing one device from the aggregates, then
// re-persisted. One log line is emitted per action.
func (r *Registry) LoadFromStore() error {
	persisted, err := r.store.Load()
	if err != nil {
		return err
	}

	var toDelete []uuid.UUID
	var toPersist []datatypes.Node

	r.mu.Lock()
	for i := range persisted {
		node := persisted[i]

		if !node.GPUAvailable {
			slog.Info("removing persisted node without GPU",
				"node_id", node.ID, "machine", node.MachineName)
			toDelete = append(toDelete, node.ID)
			continue
		}

		if len(node.GPUDevices) == 0 {
			if node.GPUModel != nil && strings.TrimSpace(*node.GPUModel) != "" {
				count := 1
				if node.GPUCount != nil && *node.GPUCount > 1 {
					count = *node.GPUCount
				}
				node.GPUDevices = []datatypes.GPUDevice{{Model: *node.GPUModel, Count: count}}
				slog.Info("sanitized persisted node with empty GPU device list",
					"node_id", node.ID, "machine", node.MachineName, "gpu_model", *node.GPUModel)
				toPersist = append(toPersist, node.Clone())
			} else {
				slog.Info("removing persisted node with no GPU devices",
					"node_id", node.ID, "machine", node.MachineName)
				toDelete = append(toDelete, node.ID)
				continue
			}
		}

		valid := true
		for _, d := range node.GPUDevices {
			if !d.Valid() {
				valid = false
				break
			}
		}
		if !valid {
			slog.Info("removing persisted node with invalid GPU device info",
				"node_id", node.ID, "machine", node.MachineName)
			toDelete = append(toDelete, node.ID)
			continue
		}

		stored := node.Clone()
		r.nodes[node.ID] = &stored
	}
	r.mu.Unlock()

	for _, id := range toDelete {
		if err := r.store.Delete(id); err != nil {
			slog.Error("failed to delete invalid persisted node", "node_id", id, "error", err)
		}
	}
	for _, n := range toPersist {
		if err := r.store.Save(n); err != nil {
			slog.Error("failed to re-persist sanitized node", "node_id", n.ID, "error", err)
		}
	}
	return nil
}

// Register creates or refreshes a node from a registration request.
//
// # Description
//
// Rejects requests violating the GPU invariants with a validation error
// whose message names the exact failure. Matches an existing node by
// (machine_name, runtime_port): on match, IP, version, and GPU facts are
// refreshed, the node goes Online with initializing=true and
// ready_models=(0,0), and registered_at is preserved. Otherwise a new
// UUID is allocated. Aggregate gpu_count and gpu_model are derived from
// the device list when the caller omitted them.
//
// # Outputs
//
//   - datatypes.Node: snapshot of the stored node.
//   - datatypes.RegisterStatus: StatusRegistered or StatusUpdated.
//   - error: validation failure; persistence failures are logged only.
func (r *Registry) Register(req datatypes.RegisterRequest) (datatypes.Node, datatypes.RegisterStatus, error) {
	if err := ValidateGPU(req); err != nil {
		return datatypes.Node{}, "", err
	}

	if req.GPUCount == nil {
		total := 0
		for _, d := range req.GPUDevices {
			total += d.Count
		}
		req.GPUCount = &total
	}
	if req.GPUModel == nil && len(req.GPUDevices) > 0 {
		model := req.GPUDevices[0].Model
		req.GPUModel = &model
	}

	now := time.Now().UTC()
	var snapshot datatypes.Node
	var status datatypes.RegisterStatus

	r.mu.Lock()
	var existing *datatypes.Node
	for _, n := range r.nodes {
		if n.MachineName == req.MachineName && n.RuntimePort == req.RuntimePort {
			existing = n
			break
		}
	}

	if existing != nil {
		wasOnline := existing.Status == datatypes.NodeOnline
		existing.IPAddress = req.IPAddress
		existing.RuntimeVersion = req.RuntimeVersion
		existing.GPUAvailable = req.GPUAvailable
		existing.GPUDevices = append([]datatypes.GPUDevice(nil), req.GPUDevices...)
		existing.GPUCount = req.GPUCount
		existing.GPUModel = req.GPUModel
		existing.Status = datatypes.NodeOnline
		existing.LastSeen = now
		if !wasOnline {
			existing.OnlineSince = &now
		}
		existing.AgentAPIPort = req.RuntimePort + 1
		existing.Initializing = true
		existing.ReadyModels = &datatypes.ReadyModels{}
		snapshot = existing.Clone()
		status = datatypes.StatusUpdated
	} else {
		node := datatypes.Node{
			ID:             uuid.New(),
			MachineName:    req.MachineName,
			IPAddress:      req.IPAddress,
			RuntimeVersion: req.RuntimeVersion,
			RuntimePort:    req.RuntimePort,
			AgentAPIPort:   req.RuntimePort + 1,
			Status:         datatypes.NodeOnline,
			RegisteredAt:   now,
			LastSeen:       now,
			OnlineSince:    &now,
			LoadedModels:   []string{},
			GPUAvailable:   req.GPUAvailable,
			GPUDevices:     append([]datatypes.GPUDevice(nil), req.GPUDevices...),
			GPUCount:       req.GPUCount,
			GPUModel:       req.GPUModel,
			Initializing:   true,
			ReadyModels:    &datatypes.ReadyModels{},
		}
		stored := node.Clone()
		r.nodes[node.ID] = &stored
		snapshot = node
		status = datatypes.StatusRegistered
	}
	r.mu.Unlock()

	if err := r.store.Save(snapshot); err != nil {
		slog.Error("failed to persist registered node", "node_id", snapshot.ID, "error", err)
	}
	return snapshot, status, nil
}

// Get returns a snapshot of the node or a not-found error.
func (r *Registry) Get(id uuid.UUID) (datatypes.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[id]
	if !ok {
		return datatypes.Node{}, apperr.NotFound("Node not found: %s", id)
	}
	return node.Clone(), nil
}

// List returns all nodes sorted by registration time ascending.
func (r *Registry) List() []datatypes.Node {
	r.mu.RLock()
	out := make([]datatypes.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// UpdateLastSeen refreshes freshness from a heartbeat.
//
// Transitions the node to Online (setting online_since on an
// offline-to-online edge), normalizes and sorts the loaded-model list,
// and applies any optional GPU or warm-up facts.
func (r *Registry) UpdateLastSeen(id uuid.UUID, facts HeartbeatFacts) error {
	now := time.Now().UTC()

	r.mu.Lock()
	node, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return apperr.NotFound("Node not found: %s", id)
	}

	if node.Status != datatypes.NodeOnline {
		node.OnlineSince = &now
	}
	node.Status = datatypes.NodeOnline
	node.LastSeen = now

	if facts.LoadedModels != nil {
		models := datatypes.NormalizeModels(facts.LoadedModels)
		sort.Strings(models)
		node.LoadedModels = models
	}
	if facts.GPUModelName != nil {
		node.GPUModelName = facts.GPUModelName
	}
	if facts.GPUComputeCapability != nil {
		node.GPUComputeCapability = facts.GPUComputeCapability
	}
	if facts.GPUCapabilityScore != nil {
		node.GPUCapabilityScore = facts.GPUCapabilityScore
	}
	if facts.Initializing != nil {
		node.Initializing = *facts.Initializing
	}
	if facts.ReadyModels != nil {
		node.ReadyModels = facts.ReadyModels
	}
	snapshot := node.Clone()
	r.mu.Unlock()

	if err := r.store.Save(snapshot); err != nil {
		slog.Error("failed to persist heartbeat update", "node_id", id, "error", err)
	}
	return nil
}

// MarkModelLoaded inserts model into the node's loaded set, keeping the
// sorted duplicate-free invariant. Persistence failures are logged only.
func (r *Registry) MarkModelLoaded(id uuid.UUID, model string) error {
	trimmed := strings.TrimSpace(model)
	if trimmed == "" {
		return apperr.Validation("model name must not be empty")
	}

	r.mu.Lock()
	node, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return apperr.NotFound("Node not found: %s", id)
	}
	for _, m := range node.LoadedModels {
		if m == trimmed {
			r.mu.Unlock()
			return nil
		}
	}
	node.LoadedModels = append(node.LoadedModels, trimmed)
	sort.Strings(node.LoadedModels)
	snapshot := node.Clone()
	r.mu.Unlock()

	if err := r.store.Save(snapshot); err != nil {
		slog.Warn("failed to persist loaded model", "node_id", id, "model", trimmed, "error", err)
	}
	return nil
}

// MarkOffline forces the node offline and clears online_since.
func (r *Registry) MarkOffline(id uuid.UUID) error {
	r.mu.Lock()
	node, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return apperr.NotFound("Node not found: %s", id)
	}
	node.Status = datatypes.NodeOffline
	node.OnlineSince = nil
	snapshot := node.Clone()
	r.mu.Unlock()

	if err := r.store.Save(snapshot); err != nil {
		slog.Error("failed to persist offline transition", "node_id", id, "error", err)
	}
	return nil
}

// Delete removes the node from memory and the durable mirror.
func (r *Registry) Delete(id uuid.UUID) error {
	r.mu.Lock()
	_, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return apperr.NotFound("Node not found: %s", id)
	}
	delete(r.nodes, id)
	r.mu.Unlock()

	return r.store.Delete(id)
}

// UpdateSettings applies a partial operator update. Values are trimmed;
// an explicit null or empty string resets the field.
func (r *Registry) UpdateSettings(id uuid.UUID, update datatypes.NodeSettingsUpdate) (datatypes.Node, error) {
	r.mu.Lock()
	node, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return datatypes.Node{}, apperr.NotFound("Node not found: %s", id)
	}

	if update.CustomName.Set {
		node.CustomName = cleanOptional(update.CustomName.Value)
	}
	if update.Tags != nil {
		tags := make([]string, 0, len(*update.Tags))
		for _, t := range *update.Tags {
			if trimmed := strings.TrimSpace(t); trimmed != "" {
				tags = append(tags, trimmed)
			}
		}
		node.Tags = tags
	}
	if update.Notes.Set {
		node.Notes = cleanOptional(update.Notes.Value)
	}
	snapshot := node.Clone()
	r.mu.Unlock()

	if err := r.store.Save(snapshot); err != nil {
		slog.Error("failed to persist node settings", "node_id", id, "error", err)
	}
	return snapshot, nil
}

// SweepOffline marks nodes offline whose last heartbeat is older than
// maxAge, returning the affected ids. Used by the background detector.
func (r *Registry) SweepOffline(maxAge time.Duration) []uuid.UUID {
	cutoff := time.Now().UTC().Add(-maxAge)
	var swept []uuid.UUID
	var snapshots []datatypes.Node

	r.mu.Lock()
	for _, node := range r.nodes {
		if node.Status == datatypes.NodeOnline && node.LastSeen.Before(cutoff) {
			node.Status = datatypes.NodeOffline
			node.OnlineSince = nil
			swept = append(swept, node.ID)
			snapshots = append(snapshots, node.Clone())
		}
	}
	r.mu.Unlock()

	for _, snapshot := range snapshots {
		if err := r.store.Save(snapshot); err != nil {
			slog.Error("failed to persist swept node", "node_id", snapshot.ID, "error", err)
		}
	}
	return swept
}

func cleanOptional(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// ValidateGPU enforces the GPU hardware requirement on a registration
// payload. Handlers call it before any network probe so a GPU-less
// request is rejected without waiting on the worker.
func ValidateGPU(req datatypes.RegisterRequest) error {
	if !req.GPUAvailable {
		return apperr.Validation(
			"GPU hardware is required for agent registration. gpu_available must be true.")
	}
	if len(req.GPUDevices) == 0 {
		return apperr.Validation(
			"GPU hardware is required for agent registration. No GPU devices detected in gpu_devices array.")
	}
	for _, d := range req.GPUDevices {
		if !d.Valid() {
			return apperr.Validation(
				"GPU hardware is required for agent registration. Invalid GPU device information (empty model or zero count).")
		}
	}
	return nil
}
