package sip

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ReinviteLimiterConfig configures per-call re-INVITE rate limiting.
type ReinviteLimiterConfig struct {
	// Rate is the number of re-INVITEs allowed per second per call.
	Rate rate.Limit
	// Burst is the maximum burst size per call.
	Burst int
	// CleanupInterval is how often stale entries are removed.
	CleanupInterval time.Duration
	// MaxAge is how long an idle limiter is kept before eviction.
	MaxAge time.Duration
}

// DefaultReinviteLimiterConfig returns the default limit: 4 re-INVITEs per
// second per call with a burst of 8, enough for hold/unhold flurries but
// low enough to stop renegotiation loops from misbehaving endpoints.
func DefaultReinviteLimiterConfig() ReinviteLimiterConfig {
	return ReinviteLimiterConfig{
		Rate:            rate.Limit(4),
		Burst:           8,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// reinviteEntry tracks a per-call limiter and when it was last used.
type reinviteEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ReinviteLimiter rate limits incoming renegotiation requests per Call-ID.
type ReinviteLimiter struct {
	mu      sync.Mutex
	entries map[string]*reinviteEntry
	cfg     ReinviteLimiterConfig
	stopCh  chan struct{}
}

// NewReinviteLimiter creates a limiter and starts background cleanup.
func NewReinviteLimiter(cfg ReinviteLimiterConfig) *ReinviteLimiter {
	rl := &ReinviteLimiter{
		entries: make(map[string]*reinviteEntry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow checks whether a renegotiation request for the given call is
// allowed.
func (rl *ReinviteLimiter) Allow(callID string) bool {
	rl.mu.Lock()
	entry, ok := rl.entries[callID]
	if !ok {
		entry = &reinviteEntry{
			limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst),
		}
		rl.entries[callID] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// Forget drops a call's limiter entry, e.g. when the call ends.
func (rl *ReinviteLimiter) Forget(callID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.entries, callID)
}

// Stop terminates the background cleanup goroutine.
func (rl *ReinviteLimiter) Stop() {
	close(rl.stopCh)
}

// cleanupLoop periodically removes stale limiter entries.
func (rl *ReinviteLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup removes entries that haven't been seen within MaxAge.
func (rl *ReinviteLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cfg.MaxAge)
	removed := 0
	for callID, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, callID)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("re-invite limiter cleanup", "removed", removed, "remaining", len(rl.entries))
	}
}
