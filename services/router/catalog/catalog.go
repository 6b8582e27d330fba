// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package catalog is the model catalog: a fixed built-in set plus an
// optional YAML overlay the operator can edit at runtime. The overlay
// file is watched and reloaded on change.
package catalog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
)

// builtinModels is the fixed catalog every router ships with.
func builtinModels() []datatypes.ModelInfo {
	return []datatypes.ModelInfo{
		{
			Name:           "gpt-oss:20b",
			Size:           14_500_000_000,
			Description:    "GPT-OSS 20B parameter model",
			RequiredMemory: 16_000_000_000,
			Tags:           []string{"llm", "text", "code", "cot"},
			Source:         datatypes.SourceBuiltin,
		},
		{
			Name:           "gpt-oss-safeguard:20b",
			Size:           14_000_000_000,
			Description:    "GPT-OSS Safeguard 20B safety classifier",
			RequiredMemory: 16_000_000_000,
			Tags:           []string{"safety", "moderation"},
			Source:         datatypes.SourceBuiltin,
		},
		{
			Name:           "gpt-oss:120b",
			Size:           65_000_000_000,
			Description:    "GPT-OSS 120B flagship model (high accuracy)",
			RequiredMemory: 80_000_000_000,
			Tags:           []string{"llm", "text", "analysis"},
			Source:         datatypes.SourceBuiltin,
		},
		{
			Name:           "qwen3-coder:30b",
			Size:           17_000_000_000,
			Description:    "Qwen3-Coder 30B Instruct",
			RequiredMemory: 22_000_000_000,
			Tags:           []string{"code", "llm", "text"},
			Source:         datatypes.SourceBuiltin,
		},
	}
}

// Catalog merges the built-in set with the overlay file. Overlay
// entries shadow built-ins with the same name.
//
// # Thread Safety
//
// Safe for concurrent use; reloads swap the overlay slice under the
// write lock.
type Catalog struct {
	overlayPath string

	mu      sync.RWMutex
	overlay []datatypes.ModelInfo
}

// New creates a catalog. overlayPath may be empty for built-ins only;
// a configured but missing file is not an error, it simply contributes
// nothing until created.
func New(overlayPath string) *Catalog {
	c := &Catalog{overlayPath: overlayPath}
	if overlayPath != "" {
		if err := c.Reload(); err != nil {
			slog.Warn("model catalog overlay not loaded", "path", overlayPath, "error", err)
		}
	}
	return c
}

// overlayFile is the YAML document shape.
type overlayFile struct {
	Models []datatypes.ModelInfo `yaml:"models"`
}

// Reload re-reads the overlay file.
func (c *Catalog) Reload() error {
	if c.overlayPath == "" {
		return nil
	}

	raw, err := os.ReadFile(c.overlayPath)
	if os.IsNotExist(err) {
		c.mu.Lock()
		c.overlay = nil
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "read model catalog")
	}

	var doc overlayFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "parse model catalog")
	}

	models := make([]datatypes.ModelInfo, 0, len(doc.Models))
	for _, m := range doc.Models {
		if strings.TrimSpace(m.Name) == "" {
			continue
		}
		if m.Source == "" {
			m.Source = datatypes.SourceGGUF
		}
		models = append(models, m)
	}

	c.mu.Lock()
	c.overlay = models
	c.mu.Unlock()
	slog.Info("model catalog overlay loaded", "path", c.overlayPath, "models", len(models))
	return nil
}

// List returns the merged catalog sorted by name.
func (c *Catalog) List() []datatypes.ModelInfo {
	c.mu.RLock()
	overlay := c.overlay
	c.mu.RUnlock()

	merged := make(map[string]datatypes.ModelInfo)
	for _, m := range builtinModels() {
		merged[m.Name] = m
	}
	for _, m := range overlay {
		merged[m.Name] = m
	}

	out := make([]datatypes.ModelInfo, 0, len(merged))
	for _, m := range merged {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the entry with the exact name.
func (c *Catalog) Get(name string) (datatypes.ModelInfo, error) {
	for _, m := range c.List() {
		if m.Name == name {
			return m, nil
		}
	}
	return datatypes.ModelInfo{}, apperr.NotFound("Model not found: %s", name)
}

// Has reports whether the catalog knows the model.
func (c *Catalog) Has(name string) bool {
	_, err := c.Get(name)
	return err == nil
}

// Watch reloads the overlay whenever the file changes, until ctx is
// cancelled. Editors that replace the file (write to temp, rename)
// produce Create events, so both are handled.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.overlayPath == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "create catalog watcher")
	}
	defer watcher.Close()

	// Watch the directory, not the file: renames would otherwise drop
	// the watch.
	dir := filepath.Dir(c.overlayPath)
	if err := watcher.Add(dir); err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "watch catalog directory")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != c.overlayPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := c.Reload(); err != nil {
				slog.Warn("model catalog reload failed", "path", c.overlayPath, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("model catalog watcher error", "error", err)
		}
	}
}
