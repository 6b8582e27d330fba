// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
)

const nodesFileName = "nodes.json"

// Store is the durable mirror of the node registry: one JSON array in
// the data directory, written whole on every mutation.
//
// # Thread Safety
//
// All operations serialize on an internal mutex. The registry is the
// only writer; the mutex guards against concurrent persistence from
// overlapping handler goroutines.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store rooted at dataDir.
func NewStore(dataDir string) *Store {
	return &Store{path: filepath.Join(dataDir, nodesFileName)}
}

// Init creates the data directory and an empty snapshot if absent.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return apperr.Wrap(apperr.KindDatabase, err, "create data directory")
	}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		if err := os.WriteFile(s.path, []byte("[]"), 0o640); err != nil {
			return apperr.Wrap(apperr.KindDatabase, err, "initialize nodes file")
		}
	}
	return nil
}

// Load reads all persisted nodes.
//
// A missing or empty file yields an empty slice. A file that fails to
// parse is moved aside to a timestamped .corrupted- backup and replaced
// with an empty array so startup can continue with zero nodes.
func (s *Store) Load() ([]datatypes.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// SaveAll atomically replaces the snapshot with the given nodes.
func (s *Store) SaveAll(nodes []datatypes.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(nodes)
}

// Save upserts a single node by id.
func (s *Store) Save(node datatypes.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes, err := s.loadLocked()
	if err != nil {
		return err
	}
	replaced := false
	for i := range nodes {
		if nodes[i].ID == node.ID {
			nodes[i] = node
			replaced = true
			break
		}
	}
	if !replaced {
		nodes = append(nodes, node)
	}
	return s.saveLocked(nodes)
}

// Delete removes a node by id. Deleting an absent id is a no-op.
func (s *Store) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes, err := s.loadLocked()
	if err != nil {
		return err
	}
	kept := nodes[:0]
	for _, n := range nodes {
		if n.ID != id {
			kept = append(kept, n)
		}
	}
	return s.saveLocked(kept)
}

func (s *Store) loadLocked() ([]datatypes.Node, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDatabase, err, "read nodes file")
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var nodes []datatypes.Node
	if err := json.Unmarshal(raw, &nodes); err != nil {
		slog.Warn("nodes file is corrupted, recovering with empty snapshot",
			"path", s.path, "error", err)
		if err := s.recoverCorruptedLocked(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return nodes, nil
}

// saveLocked writes via a temp file and rename so a crash mid-write
// cannot leave a torn snapshot.
func (s *Store) saveLocked(nodes []datatypes.Node) error {
	if nodes == nil {
		nodes = []datatypes.Node{}
	}
	data, err := json.MarshalIndent(nodes, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.KindDatabase, err, "serialize nodes")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return apperr.Wrap(apperr.KindDatabase, err, "write nodes temp file")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return apperr.Wrap(apperr.KindDatabase, err, "rename nodes temp file")
	}
	return nil
}

func (s *Store) recoverCorruptedLocked() error {
	backup := fmt.Sprintf("%s.corrupted-%s", s.path, time.Now().UTC().Format("20060102150405"))
	if err := os.Rename(s.path, backup); err != nil {
		slog.Warn("failed to move corrupted nodes file, overwriting in place",
			"path", s.path, "error", err)
	} else {
		slog.Info("moved corrupted nodes file to backup", "backup", backup)
	}
	if err := os.WriteFile(s.path, []byte("[]"), 0o640); err != nil {
		return apperr.Wrap(apperr.KindDatabase, err, "reset nodes file")
	}
	return nil
}
