// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package journal persists one record per proxied request, including
// request and response bodies, for the operator's audit view. The store
// is a single JSON file guarded by a process-wide mutex; appends are
// issued fire-and-forget from the proxy path.
package journal

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
)

const (
	historyFileName = "request_history.json"

	// RetentionPeriod is how long records are kept before the cleanup
	// loop drops them.
	RetentionPeriod = 7 * 24 * time.Hour

	// CleanupInterval is how often the background cleanup runs.
	CleanupInterval = time.Hour

	// DefaultPageSize caps one page of the listing API.
	DefaultPageSize = 100
)

// Store is the durable request journal.
//
// # Thread Safety
//
// Every operation serializes on a process-wide mutex; the file is
// rewritten whole via temp-and-rename on each mutation.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a journal rooted at dataDir.
func NewStore(dataDir string) *Store {
	return &Store{path: filepath.Join(dataDir, historyFileName)}
}

// Append adds one record to the journal.
func (s *Store) Append(record datatypes.RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadLocked()
	if err != nil {
		return err
	}
	records = append(records, record)
	return s.saveLocked(records)
}

// List returns every stored record, oldest first.
func (s *Store) List() ([]datatypes.RequestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Get returns the record with the given id.
func (s *Store) Get(id uuid.UUID) (datatypes.RequestRecord, error) {
	records, err := s.List()
	if err != nil {
		return datatypes.RequestRecord{}, err
	}
	for _, r := range records {
		if r.ID == id {
			return r, nil
		}
	}
	return datatypes.RequestRecord{}, apperr.NotFound("Record not found: %s", id)
}

// Filter narrows a listing. Zero values match everything; Model is a
// substring match.
type Filter struct {
	Model     string
	NodeID    *uuid.UUID
	Status    *datatypes.RecordStatus
	StartTime *time.Time
	EndTime   *time.Time
}

func (f Filter) matches(r datatypes.RequestRecord) bool {
	if f.Model != "" && !strings.Contains(r.Model, f.Model) {
		return false
	}
	if f.NodeID != nil && r.NodeID != *f.NodeID {
		return false
	}
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	if f.StartTime != nil && r.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && r.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// Page is one page of filtered records.
type Page struct {
	Records    []datatypes.RequestRecord `json:"records"`
	TotalCount int                       `json:"total_count"`
	Page       int                       `json:"page"`
	PerPage    int                       `json:"per_page"`
}

// FilterAndPaginate applies the filter then returns the 1-based page.
func (s *Store) FilterAndPaginate(filter Filter, page, perPage int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPageSize
	}

	records, err := s.List()
	if err != nil {
		return Page{}, err
	}

	filtered := make([]datatypes.RequestRecord, 0, len(records))
	for _, r := range records {
		if filter.matches(r) {
			filtered = append(filtered, r)
		}
	}

	start := (page - 1) * perPage
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + perPage
	if end > len(filtered) {
		end = len(filtered)
	}

	return Page{
		Records:    filtered[start:end],
		TotalCount: len(filtered),
		Page:       page,
		PerPage:    perPage,
	}, nil
}

// CleanupOld drops records older than maxAge.
func (s *Store) CleanupOld(maxAge time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadLocked()
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	kept := records[:0]
	for _, r := range records {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(records) {
		return nil
	}
	return s.saveLocked(kept)
}

// RunCleanup prunes on startup and then hourly until ctx is cancelled.
func (s *Store) RunCleanup(ctx context.Context) {
	if err := s.CleanupOld(RetentionPeriod); err != nil {
		slog.Error("initial journal cleanup failed", "error", err)
	}

	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.CleanupOld(RetentionPeriod); err != nil {
				slog.Error("periodic journal cleanup failed", "error", err)
			} else {
				slog.Info("periodic journal cleanup completed")
			}
		}
	}
}

// ExportCSV writes every record as CSV, bodies excluded.
func (s *Store) ExportCSV(w io.Writer) error {
	records, err := s.List()
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := []string{
		"id", "timestamp", "request_type", "model", "node_id",
		"agent_machine_name", "agent_ip", "client_ip", "duration_ms",
		"status", "completed_at",
	}
	if err := cw.Write(header); err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "write CSV header")
	}

	for _, r := range records {
		status := string(r.Status)
		if r.Status == datatypes.RecordError && r.ErrorMessage != "" {
			status = "error: " + r.ErrorMessage
		}
		row := []string{
			r.ID.String(),
			r.Timestamp.Format(time.RFC3339),
			string(r.RequestType),
			r.Model,
			r.NodeID.String(),
			r.MachineName,
			r.NodeIP,
			r.ClientIP,
			strconv.FormatInt(r.DurationMS, 10),
			status,
			r.CompletedAt.Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return apperr.Wrap(apperr.KindInternal, err, "write CSV row")
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "flush CSV")
	}
	return nil
}

func (s *Store) loadLocked() ([]datatypes.RequestRecord, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDatabase, err, "read journal file")
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}

	var records []datatypes.RequestRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, apperr.Wrap(apperr.KindDatabase, err, "parse journal file")
	}
	return records, nil
}

func (s *Store) saveLocked(records []datatypes.RequestRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return apperr.Wrap(apperr.KindDatabase, err, "create journal directory")
	}
	if records == nil {
		records = []datatypes.RequestRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.KindDatabase, err, "serialize journal")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return apperr.Wrap(apperr.KindDatabase, err, "write journal temp file")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return apperr.Wrap(apperr.KindDatabase, err, "rename journal temp file")
	}
	return nil
}
