package sip

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig caps SIP requests per source IP, independent of
// authentication outcomes.
type RateLimiterConfig struct {
	// MaxRequests per Window per source IP.
	MaxRequests int
	Window      time.Duration
	// CleanupInterval is how often stale entries are evicted.
	CleanupInterval time.Duration
	// MaxAge is how long an idle limiter is kept before eviction.
	MaxAge time.Duration
	// Whitelist lists IPs that bypass limiting.
	Whitelist []string
}

// rateLimitEntry tracks a per-IP token bucket and when it was last used.
type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter provides per-source-IP request limiting for the SIP
// listener using token buckets.
type RateLimiter struct {
	mu        sync.Mutex
	entries   map[string]*rateLimitEntry
	cfg       RateLimiterConfig
	whitelist map[string]struct{}
	limit     rate.Limit
	stopCh    chan struct{}
	stopOnce  sync.Once
	logger    *slog.Logger
}

// NewRateLimiter creates a limiter and starts background cleanup.
func NewRateLimiter(cfg RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 10 * time.Minute
	}

	wl := make(map[string]struct{}, len(cfg.Whitelist))
	for _, ip := range cfg.Whitelist {
		wl[ip] = struct{}{}
	}

	rl := &RateLimiter{
		entries:   make(map[string]*rateLimitEntry),
		cfg:       cfg,
		whitelist: wl,
		limit:     rate.Limit(float64(cfg.MaxRequests) / cfg.Window.Seconds()),
		stopCh:    make(chan struct{}),
		logger:    logger.With("subsystem", "ratelimit"),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from the given source ("ip:port" or
// bare IP) fits within the rate limit.
func (rl *RateLimiter) Allow(source string) bool {
	ip := extractIP(source)
	if ip == "" {
		return true
	}
	if _, ok := rl.whitelist[ip]; ok {
		return true
	}

	rl.mu.Lock()
	entry, ok := rl.entries[ip]
	if !ok {
		entry = &rateLimitEntry{
			limiter: rate.NewLimiter(rl.limit, rl.cfg.MaxRequests),
		}
		rl.entries[ip] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// cleanupLoop periodically removes stale limiter entries.
func (rl *RateLimiter) cleanupLoop() {
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

// cleanup removes entries that have not been seen within MaxAge.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cfg.MaxAge)
	removed := 0
	for ip, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.entries))
	}
}
