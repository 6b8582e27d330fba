// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RequestType classifies a proxied inference request.
type RequestType string

const (
	RequestChat       RequestType = "chat"
	RequestGenerate   RequestType = "generate"
	RequestEmbeddings RequestType = "embeddings"
)

// RecordStatus is the terminal outcome of a journaled request.
type RecordStatus string

const (
	RecordSuccess RecordStatus = "success"
	RecordError   RecordStatus = "error"
)

// RequestRecord is one entry in the request/response journal.
//
// ResponseBody is nil for streamed responses (streams are not captured)
// and for errors. ErrorMessage is set only when Status is RecordError.
type RequestRecord struct {
	ID           uuid.UUID       `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	RequestType  RequestType     `json:"request_type"`
	Model        string          `json:"model"`
	NodeID       uuid.UUID       `json:"node_id"`
	MachineName  string          `json:"machine_name"`
	NodeIP       string          `json:"node_ip"`
	ClientIP     string          `json:"client_ip,omitempty"`
	RequestBody  json.RawMessage `json:"request_body,omitempty"`
	ResponseBody json.RawMessage `json:"response_body,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
	Status       RecordStatus    `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CompletedAt  time.Time       `json:"completed_at"`
}
