// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tasks tracks model download tasks: one entry per (node,
// model) distribution, updated by progress pings from the worker's
// control API. Tasks are in-memory only; a restart loses them, and the
// worker simply re-reports against an unknown id.
package tasks

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
)

// Manager owns the download task table.
//
// # Thread Safety
//
// All operations take the internal mutex; RPC fan-out to workers is the
// caller's job and must happen outside any call into the manager.
type Manager struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*datatypes.DownloadTask
}

// NewManager creates an empty task table.
func NewManager() *Manager {
	return &Manager{tasks: make(map[uuid.UUID]*datatypes.DownloadTask)}
}

// Create registers a new pending task for the node and model.
func (m *Manager) Create(nodeID uuid.UUID, model string) datatypes.DownloadTask {
	task := datatypes.DownloadTask{
		ID:        uuid.New(),
		NodeID:    nodeID,
		Model:     model,
		Status:    datatypes.DownloadPending,
		StartedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	stored := task
	m.tasks[task.ID] = &stored
	m.mu.Unlock()
	return task
}

// Get returns a copy of the task or a not-found error.
func (m *Manager) Get(id uuid.UUID) (datatypes.DownloadTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return datatypes.DownloadTask{}, apperr.NotFound("Task not found: %s", id)
	}
	return *task, nil
}

// List returns every task in the table.
func (m *Manager) List() []datatypes.DownloadTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]datatypes.DownloadTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	return out
}

// ListByNode returns the node's tasks.
func (m *Manager) ListByNode(nodeID uuid.UUID) []datatypes.DownloadTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []datatypes.DownloadTask
	for _, t := range m.tasks {
		if t.NodeID == nodeID {
			out = append(out, *t)
		}
	}
	return out
}

// ListActive returns tasks that have not reached a terminal status.
func (m *Manager) ListActive() []datatypes.DownloadTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []datatypes.DownloadTask
	for _, t := range m.tasks {
		if !t.Status.Terminal() {
			out = append(out, *t)
		}
	}
	return out
}

// UpdateProgress applies a worker progress ping.
//
// # Description
//
// Progress is clamped to [0, 1]. The first non-zero ping moves a
// pending task to in-progress; a ping at or past 1.0 completes it.
// Completion by ping and completion by MarkCompleted are the same
// transition and both are idempotent: a task already terminal keeps its
// status and timestamps.
//
// # Outputs
//
//   - datatypes.DownloadTask: the task after the update.
//   - error: not-found for an unknown id.
func (m *Manager) UpdateProgress(id uuid.UUID, progress float64, speedBPS *float64) (datatypes.DownloadTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return datatypes.DownloadTask{}, apperr.NotFound("Task not found: %s", id)
	}
	if task.Status.Terminal() {
		return *task, nil
	}

	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	task.Progress = progress
	task.SpeedBPS = speedBPS

	if task.Status == datatypes.DownloadPending && progress > 0 {
		task.Status = datatypes.DownloadInProgress
	}
	if progress >= 1 {
		completeLocked(task)
	}
	return *task, nil
}

// MarkCompleted transitions the task to completed. Idempotent on
// terminal tasks.
func (m *Manager) MarkCompleted(id uuid.UUID) (datatypes.DownloadTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return datatypes.DownloadTask{}, apperr.NotFound("Task not found: %s", id)
	}
	if !task.Status.Terminal() {
		completeLocked(task)
	}
	return *task, nil
}

// MarkFailed transitions the task to failed with the given message.
// Idempotent on terminal tasks.
func (m *Manager) MarkFailed(id uuid.UUID, message string) (datatypes.DownloadTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return datatypes.DownloadTask{}, apperr.NotFound("Task not found: %s", id)
	}
	if !task.Status.Terminal() {
		now := time.Now().UTC()
		task.Status = datatypes.DownloadFailed
		task.CompletedAt = &now
		task.Error = &message
	}
	return *task, nil
}

// CleanupFinished drops terminal tasks, returning how many were removed.
func (m *Manager) CleanupFinished() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, t := range m.tasks {
		if t.Status.Terminal() {
			delete(m.tasks, id)
			removed++
		}
	}
	return removed
}

func completeLocked(task *datatypes.DownloadTask) {
	now := time.Now().UTC()
	task.Status = datatypes.DownloadCompleted
	task.Progress = 1
	task.CompletedAt = &now
}
