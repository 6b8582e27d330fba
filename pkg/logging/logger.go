// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for fleet components.
//
// The logger is built on slog with multi-destination output:
//
//   - stderr (text or JSON, default on)
//   - a daily log file under Config.LogDir (always JSON)
//   - an optional LogExporter for in-process consumers
//
// The router wires a RingExporter as the exporter so the dashboard
// can serve recent log lines without touching the filesystem.
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.fleetrouter/logs",
//	    Service: "router",
//	    JSON:    true,
//	})
//	defer logger.Close()
//	logger.InstallDefault()
//
// InstallDefault routes package-level slog calls through this logger,
// so libraries that log via slog.Warn land in the same destinations.
//
// # Security Considerations
//
// Nothing here redacts sensitive data. Callers must not log tokens,
// API keys, or request bodies.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity, ordered Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// levelFromSlog maps slog levels back to ours; anything between two
// levels rounds down.
func levelFromSlog(l slog.Level) Level {
	switch {
	case l >= slog.LevelError:
		return LevelError
	case l >= slog.LevelWarn:
		return LevelWarn
	case l >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures the Logger. The zero value writes Info+ text to
// stderr.
type Config struct {
	// Level is the minimum severity kept. Default: LevelInfo.
	Level Level

	// LogDir enables file logging. The file is named
	// "{Service}_{YYYY-MM-DD}.log" and is always JSON. Supports ~
	// expansion. Default: "" (disabled).
	LogDir string

	// Service is attached to every record as the "service" attribute.
	Service string

	// JSON switches stderr output from text to JSON. File output is
	// JSON regardless.
	JSON bool

	// Quiet disables stderr output. Useful for daemons whose stderr
	// is not monitored.
	Quiet bool

	// Exporter receives a copy of every kept record. The router uses
	// a RingExporter here to feed the dashboard logs endpoint.
	Exporter LogExporter
}

// =============================================================================
// Exporter Interface
// =============================================================================

// LogExporter receives structured log entries alongside the normal
// destinations. Implementations must be safe for concurrent use and
// must not block; export failures are dropped, never propagated to
// the log call site.
type LogExporter interface {
	Export(ctx context.Context, entry LogEntry) error

	// Flush sends anything buffered. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources. Called after Flush.
	Close() error
}

// LogEntry is the exporter-facing form of a log record.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"-"`
	LevelName string         `json:"level"`
	Message   string         `json:"message"`
	Service   string         `json:"service,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// =============================================================================
// Logger
// =============================================================================

// Logger wraps slog.Logger with multi-destination output and an
// exporter hook.
//
// # Thread Safety
//
// Safe for concurrent use. Call Close exactly once when done.
type Logger struct {
	slog     *slog.Logger
	config   Config
	file     *os.File
	exporter LogExporter

	mu sync.Mutex
}

// New creates a Logger from the config. Always pair with Close when
// file logging or an exporter is configured.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}

	var handlers []slog.Handler
	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	logger := &Logger{config: config, exporter: config.Exporter}

	if config.LogDir != "" {
		logDir := expandPath(config.LogDir)
		if err := os.MkdirAll(logDir, 0750); err == nil {
			service := config.Service
			if service == "" {
				service = "fleet"
			}
			name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
			file, err := os.OpenFile(filepath.Join(logDir, name),
				os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
			if err == nil {
				logger.file = file
				handlers = append(handlers, slog.NewJSONHandler(file, opts))
			}
		}
	}

	if config.Exporter != nil {
		handlers = append(handlers, &exportHandler{
			exporter: config.Exporter,
			service:  config.Service,
			min:      config.Level.toSlogLevel(),
		})
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default returns an Info-level stderr logger for CLI use.
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "fleet"})
}

// Debug logs at Debug level with key-value attributes.
func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }

// Info logs at Info level with key-value attributes.
func (l *Logger) Info(msg string, args ...any) { l.slog.Info(msg, args...) }

// Warn logs at Warn level with key-value attributes.
func (l *Logger) Warn(msg string, args ...any) { l.slog.Warn(msg, args...) }

// Error logs at Error level with key-value attributes.
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a child logger carrying additional attributes. The
// parent is unmodified; file handle and exporter are shared.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:     l.slog.With(args...),
		config:   l.config,
		file:     l.file,
		exporter: l.exporter,
	}
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// InstallDefault makes this logger the process-wide slog default, so
// package-level slog calls share its destinations.
func (l *Logger) InstallDefault() {
	slog.SetDefault(l.slog)
}

// Close flushes the exporter and syncs and closes the log file.
// Returns the first error encountered.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.exporter.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush exporter: %w", err))
		}
		if err := l.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
	}

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// =============================================================================
// Export Handler (Internal)
// =============================================================================

// exportHandler adapts a LogExporter into a slog.Handler so exported
// entries see the same records as the other destinations, including
// attributes added via With.
type exportHandler struct {
	exporter LogExporter
	service  string
	min      slog.Level
	attrs    []slog.Attr
}

func (h *exportHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

func (h *exportHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	level := levelFromSlog(r.Level)
	entry := LogEntry{
		Timestamp: r.Time,
		Level:     level,
		LevelName: level.String(),
		Message:   r.Message,
		Service:   h.service,
		Attrs:     attrs,
	}
	_ = h.exporter.Export(ctx, entry)
	return nil
}

func (h *exportHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &exportHandler{exporter: h.exporter, service: h.service, min: h.min, attrs: merged}
}

func (h *exportHandler) WithGroup(string) slog.Handler {
	// Groups are flattened; the dashboard consumer only needs flat
	// key-value pairs.
	return h
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans out records to every destination handler.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// =============================================================================
// Helper Functions
// =============================================================================

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// =============================================================================
// Built-in Exporters
// =============================================================================

// NopExporter discards all entries. Useful in tests.
type NopExporter struct{}

func (NopExporter) Export(context.Context, LogEntry) error { return nil }
func (NopExporter) Flush(context.Context) error            { return nil }
func (NopExporter) Close() error                           { return nil }

var _ LogExporter = NopExporter{}

// RingExporter keeps the most recent entries in a fixed-size ring.
// The router mounts one of these behind the dashboard logs endpoint,
// so serving recent logs is an O(capacity) memory cost with no disk
// reads.
//
// # Thread Safety
//
// Safe for concurrent use.
type RingExporter struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

// NewRingExporter creates a ring holding up to capacity entries.
// Capacity values below 1 are treated as 1.
func NewRingExporter(capacity int) *RingExporter {
	if capacity < 1 {
		capacity = 1
	}
	return &RingExporter{entries: make([]LogEntry, capacity)}
}

// Export stores the entry, evicting the oldest once full.
func (e *RingExporter) Export(_ context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries[e.next] = entry
	e.next++
	if e.next == len(e.entries) {
		e.next = 0
		e.full = true
	}
	return nil
}

// Flush is a no-op; entries are already in memory.
func (e *RingExporter) Flush(context.Context) error { return nil }

// Close is a no-op.
func (e *RingExporter) Close() error { return nil }

// Recent returns up to limit entries, newest first. limit <= 0 means
// all retained entries.
func (e *RingExporter) Recent(limit int) []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	size := e.next
	if e.full {
		size = len(e.entries)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]LogEntry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (e.next - i + len(e.entries)) % len(e.entries)
		out = append(out, e.entries[idx])
	}
	return out
}

var _ LogExporter = (*RingExporter)(nil)
