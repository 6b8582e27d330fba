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

// HealthMetrics is one heartbeat telemetry sample for a node.
//
// Usage percentages are 0-100. GPU fields are nil when the agent could
// not probe the GPU; consumers must treat nil as "worse than any
// reported value" when ranking nodes.
type HealthMetrics struct {
	NodeID               uuid.UUID `json:"node_id"`
	CPUUsage             float64   `json:"cpu_usage"`
	MemoryUsage          float64   `json:"memory_usage"`
	GPUUsage             *float64  `json:"gpu_usage,omitempty"`
	GPUMemoryUsage       *float64  `json:"gpu_memory_usage,omitempty"`
	GPUMemoryTotalMB     *uint64   `json:"gpu_memory_total_mb,omitempty"`
	GPUMemoryUsedMB      *uint64   `json:"gpu_memory_used_mb,omitempty"`
	GPUTemperature       *float64  `json:"gpu_temperature,omitempty"`
	GPUModelName         *string   `json:"gpu_model_name,omitempty"`
	GPUComputeCapability *string   `json:"gpu_compute_capability,omitempty"`
	GPUCapabilityScore   *uint32   `json:"gpu_capability_score,omitempty"`

	// ActiveRequests is the worker-side in-flight count at sample time.
	ActiveRequests int `json:"active_requests"`

	// TotalRequests mirrors the router-assigned cumulative total at the
	// time the sample was recorded.
	TotalRequests uint64 `json:"total_requests"`

	AverageResponseTimeMS *float64  `json:"average_response_time_ms,omitempty"`
	Timestamp             time.Time `json:"timestamp"`
}

// HeartbeatRequest is the payload a worker posts to /api/health.
type HeartbeatRequest struct {
	NodeID               uuid.UUID `json:"node_id" binding:"required"`
	CPUUsage             float64   `json:"cpu_usage"`
	MemoryUsage          float64   `json:"memory_usage"`
	GPUUsage             *float64  `json:"gpu_usage,omitempty"`
	GPUMemoryUsage       *float64  `json:"gpu_memory_usage,omitempty"`
	GPUMemoryTotalMB     *uint64   `json:"gpu_memory_total_mb,omitempty"`
	GPUMemoryUsedMB      *uint64   `json:"gpu_memory_used_mb,omitempty"`
	GPUTemperature       *float64  `json:"gpu_temperature,omitempty"`
	GPUModelName         *string   `json:"gpu_model_name,omitempty"`
	GPUComputeCapability *string   `json:"gpu_compute_capability,omitempty"`
	GPUCapabilityScore   *uint32   `json:"gpu_capability_score,omitempty"`

	ActiveRequests        int      `json:"active_requests"`
	AverageResponseTimeMS *float64 `json:"average_response_time_ms,omitempty"`

	LoadedModels []string     `json:"loaded_models"`
	Initializing bool         `json:"initializing"`
	ReadyModels  *ReadyModels `json:"ready_models,omitempty"`
}
