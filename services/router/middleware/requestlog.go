// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianFleet/pkg/logging"
)

// RequestLogger emits one structured log line per completed request.
//
// # Description
//
// Runs after the handler chain and logs method, route, status, and
// latency. When tracing middleware ran earlier in the chain, the line
// carries trace_id and span_id so it correlates with the span. Server
// errors log at error level, client errors at warn, the rest at info.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger := logging.WithTrace(c.Request.Context(), slog.Default())
		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
			slog.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.Error("request", attrs...)
		case status >= 400:
			logger.Warn("request", attrs...)
		default:
			logger.Info("request", attrs...)
		}
	}
}
