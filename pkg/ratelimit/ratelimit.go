// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-vtpm.
//
// go-vtpm is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package ratelimit provides keyed token buckets used to throttle repeated
// events, such as the same TPM failure being logged on every guest reset.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per key. Keys are expected to come from a
// small bounded set (command codes, operation names), so buckets are never
// evicted.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	dropped  map[string]uint64
	rate     rate.Limit
	burst    int
	enabled  bool
}

// Config holds rate limiter configuration.
type Config struct {
	// Enabled controls whether rate limiting is active.
	Enabled bool

	// EventsPerMinute sets the sustained rate per key.
	EventsPerMinute int

	// Burst allows short bursts above the sustained rate.
	// If not set, defaults to EventsPerMinute.
	Burst int
}

// New creates a new rate limiter with the given configuration.
func New(config *Config) *Limiter {
	if config == nil {
		config = &Config{Enabled: false}
	}

	burst := config.Burst
	if burst == 0 {
		burst = config.EventsPerMinute
	}

	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		dropped:  make(map[string]uint64),
		rate:     rate.Limit(float64(config.EventsPerMinute) / 60.0),
		burst:    burst,
		enabled:  config.Enabled && config.EventsPerMinute > 0,
	}
}

// Allow reports whether an event for key is within its rate. Suppressed
// events are counted and can be collected with Dropped.
func (l *Limiter) Allow(key string) bool {
	if l == nil || !l.enabled {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = limiter
	}
	if limiter.Allow() {
		return true
	}
	l.dropped[key]++
	return false
}

// Dropped returns and resets the number of events suppressed for key.
func (l *Limiter) Dropped(key string) uint64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.dropped[key]
	delete(l.dropped, key)
	return n
}
