// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// DownloadStatus is the lifecycle state of a model download task.
// Completed and Failed are terminal; later updates are ignored.
type DownloadStatus string

const (
	DownloadPending    DownloadStatus = "pending"
	DownloadInProgress DownloadStatus = "in_progress"
	DownloadCompleted  DownloadStatus = "completed"
	DownloadFailed     DownloadStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s DownloadStatus) Terminal() bool {
	return s == DownloadCompleted || s == DownloadFailed
}

// DownloadTask tracks one model pull on one node. Progress is in [0, 1];
// reaching 1.0 implies Completed.
type DownloadTask struct {
	ID          uuid.UUID      `json:"id"`
	NodeID      uuid.UUID      `json:"node_id"`
	Model       string         `json:"model"`
	Status      DownloadStatus `json:"status"`
	Progress    float64        `json:"progress"`
	SpeedBPS    *float64       `json:"speed_bps,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       *string        `json:"error,omitempty"`
}
