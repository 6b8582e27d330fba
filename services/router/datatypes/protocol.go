// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"

	"github.com/google/uuid"
)

// =============================================================================
// Registration
// =============================================================================

// RegisterRequest is the payload a worker posts to POST /api/nodes.
type RegisterRequest struct {
	MachineName    string      `json:"machine_name" binding:"required"`
	IPAddress      string      `json:"ip_address" binding:"required,ip"`
	RuntimeVersion string      `json:"runtime_version" binding:"required"`
	RuntimePort    int         `json:"runtime_port" binding:"required,min=1,max=65535"`
	GPUAvailable   bool        `json:"gpu_available"`
	GPUDevices     []GPUDevice `json:"gpu_devices"`
	GPUCount       *int        `json:"gpu_count,omitempty"`
	GPUModel       *string     `json:"gpu_model,omitempty"`
}

// RegisterStatus distinguishes a first registration from a refresh of an
// existing (machine_name, runtime_port) pair.
type RegisterStatus string

const (
	// StatusRegistered means a new node identity was allocated.
	StatusRegistered RegisterStatus = "registered"

	// StatusUpdated means an existing node was refreshed in place.
	StatusUpdated RegisterStatus = "updated"
)

// RegisterResponse is returned from POST /api/nodes.
//
// AgentToken is the plaintext issued for this registration; every
// registration rotates it and invalidates the previous one.
// AutoDistributedModel/DownloadTaskID describe the first catalog model
// queued for distribution, when auto-distribution ran.
type RegisterResponse struct {
	NodeID               uuid.UUID      `json:"node_id"`
	Status               RegisterStatus `json:"status"`
	AgentAPIPort         int            `json:"agent_api_port"`
	AgentToken           *string        `json:"agent_token,omitempty"`
	AutoDistributedModel *string        `json:"auto_distributed_model,omitempty"`
	DownloadTaskID       *uuid.UUID     `json:"download_task_id,omitempty"`
}

// =============================================================================
// Proxy
// =============================================================================

// ProxyEnvelope is the subset of an inference request body the router
// inspects before forwarding. The full raw body is forwarded untouched.
type ProxyEnvelope struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// OptString is a tri-state string field for partial updates: absent
// (Set=false, leave unchanged), explicit null or empty (Set=true,
// Value=nil, reset), or a value (Set=true, Value non-nil).
type OptString struct {
	Set   bool
	Value *string
}

// UnmarshalJSON records presence; json.Unmarshal never calls this for
// absent fields, so Set=true means the key appeared in the payload.
func (o *OptString) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	o.Value = &s
	return nil
}

// NodeSettingsUpdate is a partial update for operator-editable node
// fields. Absent fields are left unchanged; explicit null or an empty
// string resets the field.
type NodeSettingsUpdate struct {
	CustomName OptString `json:"custom_name"`
	Tags       *[]string `json:"tags,omitempty"`
	Notes      OptString `json:"notes"`
}
