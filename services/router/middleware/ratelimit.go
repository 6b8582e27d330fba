// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdleAfter is how long an idle client's limiter survives
// before the janitor drops it.
const limiterIdleAfter = 10 * time.Minute

// RateLimiter applies a per-client token bucket to the inference
// endpoints.
//
// # Description
//
// Clients are keyed by API key when APIKeyAuth ran earlier in the
// chain, otherwise by remote IP. Each key gets its own bucket of
// burst tokens refilled at rps per second; requests that find the
// bucket empty get 429 immediately rather than queueing.
//
// # Thread Safety
//
// Safe for concurrent use.
type RateLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rps sustained requests per
// second with the given burst per client.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*clientLimiter),
	}
}

// Middleware returns the Gin handler enforcing the limit.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.allow(clientKey(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// allow checks and refreshes the bucket for the given client key.
func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	cl, ok := rl.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[key] = cl
	}
	cl.lastSeen = time.Now()
	rl.mu.Unlock()

	return cl.limiter.Allow()
}

// Cleanup drops limiters for clients idle longer than
// limiterIdleAfter. Call periodically from a background loop.
func (rl *RateLimiter) Cleanup() {
	cutoff := time.Now().Add(-limiterIdleAfter)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, cl := range rl.clients {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.clients, key)
		}
	}
}

// clientKey prefers the authenticated API key identity over the
// network address.
func clientKey(c *gin.Context) string {
	if key, ok := GetAPIKey(c); ok {
		return "key:" + key.ID.String()
	}
	return "ip:" + c.ClientIP()
}
