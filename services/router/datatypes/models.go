// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// ModelSource identifies where a catalog model comes from.
type ModelSource string

const (
	// SourceBuiltin is a model from the fixed built-in catalog.
	SourceBuiltin ModelSource = "builtin"

	// SourceGGUF is an external GGUF file fetched from a URL.
	SourceGGUF ModelSource = "gguf"

	// SourcePendingConversion is a model awaiting format conversion
	// before it can be distributed.
	SourcePendingConversion ModelSource = "pending_conversion"
)

// ModelInfo is one catalog entry the router can distribute to nodes.
type ModelInfo struct {
	Name           string      `json:"name" yaml:"name"`
	Size           uint64      `json:"size" yaml:"size"`
	Description    string      `json:"description" yaml:"description"`
	RequiredMemory uint64      `json:"required_memory" yaml:"required_memory"`
	Tags           []string    `json:"tags,omitempty" yaml:"tags"`
	Source         ModelSource `json:"source" yaml:"source"`
	DownloadURL    *string     `json:"download_url,omitempty" yaml:"download_url"`
	Path           *string     `json:"path,omitempty" yaml:"path"`
	ChatTemplate   *string     `json:"chat_template,omitempty" yaml:"chat_template"`
}
