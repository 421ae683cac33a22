// Package ratelimit implements the backpressure limits from spec.md §5:
// "per-session send queue + per-(room,channel) fan-out queue + global
// ingress rate limit. Exceeding any limit surfaces structured errors to
// the client (RATE_LIMITED, SLOW_CONSUMER) rather than silent drops."
// The per-session send queue and fan-out queue limits live in
// internal/gatewaysession.Session.Send and internal/routing.Fanout
// respectively; this package is the global and per-session ingress rate
// limiter, grounded on the teacher's internal/middleware.RateLimiter
// fixed-window algorithm, generalized from an HTTP middleware keyed on
// X-Agent-ID/X-Tenant-ID headers to a (tenant_id, session_id) key
// checked inline on every inbound frame.
package ratelimit

import (
	"sync"
	"time"
)

// Config mirrors internal/config.RateLimitConfig.
type Config struct {
	MaxCallsPerMinute int
	BurstSize         int
}

type window struct {
	count       int
	windowStart time.Time
}

// Limiter enforces a fixed one-minute-window rate limit per key (tenant_id:session_id
// for per-session ingress, or a fixed "global" key for the process-wide
// ingress limit). One Limiter instance is used for each scope.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	cfg     Config

	stopCleanup chan struct{}
}

// New constructs a Limiter and starts its background window-eviction
// loop. Call Stop to halt it on shutdown.
func New(cfg Config) *Limiter {
	if cfg.MaxCallsPerMinute <= 0 {
		cfg.MaxCallsPerMinute = 600
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}
	l := &Limiter{
		windows:     make(map[string]*window),
		cfg:         cfg,
		stopCleanup: make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a call under key is within the configured
// per-minute rate and burst size. The read-first pattern only takes the
// write lock when a window must be created or has expired, matching the
// teacher's P3 FIX #16 contention reduction.
func (l *Limiter) Allow(key string) bool {
	now := time.Now()

	l.mu.RLock()
	w, exists := l.windows[key]
	if exists && now.Sub(w.windowStart) <= time.Minute {
		w.count++
		count := w.count
		l.mu.RUnlock()
		return count <= l.cfg.BurstSize && count <= l.cfg.MaxCallsPerMinute
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists = l.windows[key]
	if exists && now.Sub(w.windowStart) <= time.Minute {
		w.count++
		return w.count <= l.cfg.BurstSize && w.count <= l.cfg.MaxCallsPerMinute
	}

	l.windows[key] = &window{count: 1, windowStart: now}
	return true
}

// Stats returns the number of active windows and the configured limits.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return map[string]interface{}{
		"active_windows":    len(l.windows),
		"max_calls_per_min": l.cfg.MaxCallsPerMinute,
		"burst_size":        l.cfg.BurstSize,
	}
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			now := time.Now()
			for key, w := range l.windows {
				if now.Sub(w.windowStart) > 2*time.Minute {
					delete(l.windows, key)
				}
			}
			l.mu.Unlock()
		case <-l.stopCleanup:
			return
		}
	}
}

// Stop halts the cleanup loop.
func (l *Limiter) Stop() { close(l.stopCleanup) }

// Key builds the per-session ingress rate-limit key.
func Key(tenantID, sessionID string) string {
	return tenantID + ":" + sessionID
}

// GlobalKey is the single key used by the process-wide ingress limiter.
const GlobalKey = "__global__"
