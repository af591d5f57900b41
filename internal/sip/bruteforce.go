package sip

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

// BruteForceConfig tunes the per-IP auth failure guard.
type BruteForceConfig struct {
	// MaxFailures within Window locks the source out.
	MaxFailures int
	// Window is the sliding window in which failures are counted.
	Window time.Duration
	// Lockout is how long an IP stays locked after reaching the threshold.
	Lockout time.Duration
	// Whitelist lists IPs that bypass the guard entirely.
	Whitelist []string
}

// DefaultBruteForceConfig mirrors common fail2ban-style settings.
func DefaultBruteForceConfig() BruteForceConfig {
	return BruteForceConfig{
		MaxFailures: 5,
		Window:      5 * time.Minute,
		Lockout:     15 * time.Minute,
	}
}

// ipRecord tracks per-IP authentication failure state.
type ipRecord struct {
	failures []time.Time // recent failures within the window
	lockedAt time.Time   // zero when not locked
}

// BruteForceGuard tracks failed SIP authentication attempts per source
// IP and locks out IPs that exceed the failure threshold within the
// sliding window. A successful authentication clears the counter.
type BruteForceGuard struct {
	mu        sync.Mutex
	records   map[string]*ipRecord
	cfg       BruteForceConfig
	whitelist map[string]struct{}
	logger    *slog.Logger
}

// NewBruteForceGuard creates a guard with empty state.
func NewBruteForceGuard(cfg BruteForceConfig, logger *slog.Logger) *BruteForceGuard {
	wl := make(map[string]struct{}, len(cfg.Whitelist))
	for _, ip := range cfg.Whitelist {
		wl[ip] = struct{}{}
	}
	return &BruteForceGuard{
		records:   make(map[string]*ipRecord),
		cfg:       cfg,
		whitelist: wl,
		logger:    logger.With("subsystem", "bruteforce"),
	}
}

// IsBlocked returns true if the given source address is currently locked
// out. The source may be "ip:port" or a bare IP.
func (g *BruteForceGuard) IsBlocked(source string) bool {
	ip := extractIP(source)
	if ip == "" {
		return false
	}
	if _, ok := g.whitelist[ip]; ok {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok || rec.lockedAt.IsZero() {
		return false
	}

	if time.Since(rec.lockedAt) > g.cfg.Lockout {
		rec.lockedAt = time.Time{}
		rec.failures = nil
		return false
	}
	return true
}

// RecordFailure records a failed authentication attempt from the given
// source. Reaching the threshold within the window locks the IP out.
func (g *BruteForceGuard) RecordFailure(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}
	if _, ok := g.whitelist[ip]; ok {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok {
		rec = &ipRecord{}
		g.records[ip] = rec
	}

	if !rec.lockedAt.IsZero() {
		return
	}

	now := time.Now()
	rec.failures = pruneOldFailures(rec.failures, now, g.cfg.Window)
	rec.failures = append(rec.failures, now)

	if len(rec.failures) >= g.cfg.MaxFailures {
		rec.lockedAt = now
		rec.failures = nil

		g.logger.Warn("ip locked out after repeated auth failures",
			"ip", ip,
			"lockout", g.cfg.Lockout.String(),
		)
	}
}

// RecordSuccess clears the failure counter for a source IP.
func (g *BruteForceGuard) RecordSuccess(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.records[ip]; ok {
		rec.failures = nil
	}
}

// Cleanup removes expired lockouts and stale records. Called
// periodically alongside nonce cleanup.
func (g *BruteForceGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for ip, rec := range g.records {
		if !rec.lockedAt.IsZero() && now.Sub(rec.lockedAt) > g.cfg.Lockout {
			rec.lockedAt = time.Time{}
			rec.failures = nil
		}
		rec.failures = pruneOldFailures(rec.failures, now, g.cfg.Window)
		if rec.lockedAt.IsZero() && len(rec.failures) == 0 {
			delete(g.records, ip)
		}
	}
}

// LockedIPEntry describes one locked-out IP for admin surfaces.
type LockedIPEntry struct {
	IP        string    `json:"ip"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LockedIPs returns a snapshot of currently locked IPs.
func (g *BruteForceGuard) LockedIPs() []LockedIPEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	var entries []LockedIPEntry
	for ip, rec := range g.records {
		if !rec.lockedAt.IsZero() && now.Sub(rec.lockedAt) <= g.cfg.Lockout {
			entries = append(entries, LockedIPEntry{
				IP:        ip,
				LockedAt:  rec.lockedAt,
				ExpiresAt: rec.lockedAt.Add(g.cfg.Lockout),
			})
		}
	}
	return entries
}

// Unlock manually clears a lockout. Returns true if the IP was locked.
func (g *BruteForceGuard) Unlock(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok || rec.lockedAt.IsZero() {
		return false
	}
	rec.lockedAt = time.Time{}
	rec.failures = nil
	g.logger.Info("ip manually unlocked", "ip", ip)
	return true
}

// extractIP parses the IP from a "host:port" string or returns the raw
// string if it is already an IP.
func extractIP(source string) string {
	if source == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		if net.ParseIP(source) != nil {
			return source
		}
		return ""
	}
	return host
}

// pruneOldFailures returns only failures within the given window.
func pruneOldFailures(failures []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	var pruned []time.Time
	for _, t := range failures {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	return pruned
}
