// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// NewLimiter returns a token bucket refilled at rps. rps <= 0 returns nil,
// meaning unlimited. burst <= 0 defaults to ceil(rps).
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(math.Ceil(rps))
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// RateLimit rejects requests with 429 once limiter is exhausted. The bucket
// is shared by every client. A nil limiter disables the check.
func RateLimit(limiter *rate.Limiter, deny DenyFunc) gin.HandlerFunc {
	if deny == nil {
		deny = DenyStatus
	}
	return func(c *gin.Context) {
		if limiter != nil && !limiter.Allow() {
			deny(c, http.StatusTooManyRequests)
			if !c.IsAborted() {
				c.Abort()
			}
			return
		}
		c.Next()
	}
}
