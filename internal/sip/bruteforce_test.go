package sip

import (
	"testing"
	"time"
)

func testGuard(maxFailures int) *BruteForceGuard {
	return NewBruteForceGuard(BruteForceConfig{
		MaxFailures: maxFailures,
		Window:      time.Minute,
		Lockout:     time.Hour,
	}, testLogger())
}

func TestGuardNotBlockedInitially(t *testing.T) {
	g := testGuard(3)
	if g.IsBlocked("192.168.1.1:5060") {
		t.Fatal("new IP should not be blocked")
	}
}

func TestGuardBlocksAfterThreshold(t *testing.T) {
	g := testGuard(3)
	source := "10.0.0.1:5060"

	g.RecordFailure(source)
	g.RecordFailure(source)
	if g.IsBlocked(source) {
		t.Fatal("should not be blocked below threshold")
	}

	g.RecordFailure(source)
	if !g.IsBlocked(source) {
		t.Fatal("should be blocked at threshold")
	}
}

func TestGuardIPsIndependent(t *testing.T) {
	g := testGuard(3)

	for i := 0; i < 3; i++ {
		g.RecordFailure("10.0.0.1:5060")
	}

	if !g.IsBlocked("10.0.0.1:5060") {
		t.Fatal("10.0.0.1 should be blocked")
	}
	if g.IsBlocked("10.0.0.2:5060") {
		t.Fatal("10.0.0.2 should not be blocked")
	}
}

func TestGuardSuccessResetsCounter(t *testing.T) {
	g := testGuard(3)
	source := "10.0.0.1:5060"

	g.RecordFailure(source)
	g.RecordFailure(source)
	g.RecordSuccess(source)

	g.RecordFailure(source)
	g.RecordFailure(source)
	if g.IsBlocked(source) {
		t.Fatal("counter should have been reset by success")
	}
}

func TestGuardWindowForgetsOldFailures(t *testing.T) {
	g := NewBruteForceGuard(BruteForceConfig{
		MaxFailures: 3,
		Window:      50 * time.Millisecond,
		Lockout:     time.Hour,
	}, testLogger())
	source := "10.0.0.1:5060"

	g.RecordFailure(source)
	g.RecordFailure(source)
	time.Sleep(80 * time.Millisecond)

	// The earlier failures have slid out of the window.
	g.RecordFailure(source)
	if g.IsBlocked(source) {
		t.Fatal("failures outside the window should not count")
	}
}

func TestGuardLockoutExpires(t *testing.T) {
	g := NewBruteForceGuard(BruteForceConfig{
		MaxFailures: 1,
		Window:      time.Minute,
		Lockout:     30 * time.Millisecond,
	}, testLogger())
	source := "10.0.0.1:5060"

	g.RecordFailure(source)
	if !g.IsBlocked(source) {
		t.Fatal("should be blocked")
	}

	time.Sleep(50 * time.Millisecond)
	if g.IsBlocked(source) {
		t.Fatal("lockout should have expired")
	}
}

func TestGuardWhitelistBypasses(t *testing.T) {
	g := NewBruteForceGuard(BruteForceConfig{
		MaxFailures: 1,
		Window:      time.Minute,
		Lockout:     time.Hour,
		Whitelist:   []string{"10.0.0.9"},
	}, testLogger())

	for i := 0; i < 10; i++ {
		g.RecordFailure("10.0.0.9:5060")
	}
	if g.IsBlocked("10.0.0.9:5060") {
		t.Fatal("whitelisted IP must never be blocked")
	}
}

func TestGuardCleanupDropsStaleRecords(t *testing.T) {
	g := NewBruteForceGuard(BruteForceConfig{
		MaxFailures: 5,
		Window:      time.Millisecond,
		Lockout:     time.Millisecond,
	}, testLogger())

	g.RecordFailure("10.0.0.1:5060")
	time.Sleep(5 * time.Millisecond)
	g.Cleanup()

	g.mu.Lock()
	n := len(g.records)
	g.mu.Unlock()
	if n != 0 {
		t.Errorf("records = %d, want 0 after cleanup", n)
	}
}

func TestGuardManualUnlock(t *testing.T) {
	g := testGuard(1)
	g.RecordFailure("10.0.0.1:5060")

	if !g.IsBlocked("10.0.0.1:5060") {
		t.Fatal("should be blocked")
	}

	locked := g.LockedIPs()
	if len(locked) != 1 || locked[0].IP != "10.0.0.1" {
		t.Fatalf("locked = %+v", locked)
	}

	if !g.Unlock("10.0.0.1") {
		t.Fatal("unlock should succeed")
	}
	if g.IsBlocked("10.0.0.1:5060") {
		t.Fatal("should be unlocked")
	}
	if g.Unlock("10.0.0.1") {
		t.Fatal("second unlock should report not locked")
	}
}

func TestExtractIP(t *testing.T) {
	cases := map[string]string{
		"10.0.0.1:5060": "10.0.0.1",
		"10.0.0.1":      "10.0.0.1",
		"[::1]:5060":    "::1",
		"not an ip":     "",
		"":              "",
	}
	for in, want := range cases {
		if got := extractIP(in); got != want {
			t.Errorf("extractIP(%q) = %q, want %q", in, got, want)
		}
	}
}
