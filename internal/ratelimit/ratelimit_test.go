package ratelimit

import (
	"fmt"
	"testing"
	"time"

	tunnel "github.com/eugener/palantir/internal"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TierPerMinute = map[tunnel.Tier]int64{
		tunnel.TierFree:       3,
		tunnel.TierPremium:    5,
		tunnel.TierEnterprise: 10,
	}
	cfg.IPPerMinute = 100
	return cfg
}

func TestCheck_ConsumesUserBucket(t *testing.T) {
	t.Parallel()
	l := New(testConfig())

	for i := range 3 {
		res := l.Check("u1", tunnel.TierFree, "1.1.1.1")
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	res := l.Check("u1", tunnel.TierFree, "1.1.1.1")
	if res.Allowed {
		t.Error("4th request should be denied")
	}
	if res.Code != tunnel.CodeRateLimitExceeded {
		t.Errorf("code = %s", res.Code)
	}
	if res.RetryAfterSeconds <= 0 {
		t.Error("RetryAfterSeconds should be positive")
	}

	// The very next request in the same window must also be rejected.
	if l.Check("u1", tunnel.TierFree, "1.1.1.1").Allowed {
		t.Error("subsequent request in the same window must stay rejected")
	}
}

func TestCheck_RefillAfterTime(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.TierPerMinute[tunnel.TierFree] = 1
	l := New(cfg)

	if !l.Check("u1", tunnel.TierFree, "1.1.1.1").Allowed {
		t.Fatal("first request should be allowed")
	}
	if l.Check("u1", tunnel.TierFree, "1.1.1.1").Allowed {
		t.Fatal("second request should be denied")
	}

	// Manually advance the bucket's last fill time.
	l.mu.RLock()
	e := l.users["u1"]
	l.mu.RUnlock()
	e.mu.Lock()
	e.bucket.lastFill = time.Now().Add(-61 * time.Second)
	e.mu.Unlock()

	if !l.Check("u1", tunnel.TierFree, "1.1.1.1").Allowed {
		t.Error("request should be allowed after refill")
	}
}

func TestCheck_TiersIndependent(t *testing.T) {
	t.Parallel()
	l := New(testConfig())

	// Exhaust the free user.
	for range 4 {
		l.Check("free-user", tunnel.TierFree, "2.2.2.2")
	}
	if l.Check("free-user", tunnel.TierFree, "2.2.2.2").Allowed {
		t.Error("free user should be exhausted")
	}

	// A premium user on the same IP still has budget.
	if !l.Check("prem-user", tunnel.TierPremium, "2.2.2.2").Allowed {
		t.Error("premium user must not be affected by the free user's bucket")
	}
}

func TestCheck_IPBucket(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.IPPerMinute = 2
	l := New(cfg)

	// Different users, same IP: the IP bucket is the binding constraint.
	if !l.Check("u1", tunnel.TierEnterprise, "3.3.3.3").Allowed {
		t.Fatal("first should pass")
	}
	if !l.Check("u2", tunnel.TierEnterprise, "3.3.3.3").Allowed {
		t.Fatal("second should pass")
	}
	if l.Check("u3", tunnel.TierEnterprise, "3.3.3.3").Allowed {
		t.Error("third should hit the IP cap")
	}
}

func TestViolations_BlockIP(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.TierPerMinute[tunnel.TierFree] = 1
	cfg.BlockThreshold = 3
	cfg.BanDuration = time.Minute
	l := New(cfg)

	l.Check("u1", tunnel.TierFree, "4.4.4.4") // consumes the only token

	// Three violations trip the auto-block.
	for range 3 {
		l.Check("u1", tunnel.TierFree, "4.4.4.4")
	}

	res := l.Check("u1", tunnel.TierFree, "4.4.4.4")
	if res.Allowed {
		t.Fatal("blocked IP must be denied")
	}
	if res.Code != tunnel.CodeIPBlocked {
		t.Errorf("code = %s, want ip_blocked", res.Code)
	}

	snap := l.Snapshot()
	if len(snap.BlockedIPs) != 1 || snap.BlockedIPs[0] != "4.4.4.4" {
		t.Errorf("blocked ips = %v", snap.BlockedIPs)
	}
}

func TestDDoSMode(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.TierPerMinute[tunnel.TierFree] = 1
	cfg.SuspiciousThreshold = 2
	cfg.BlockThreshold = 100 // keep IPs unblocked so they stay suspicious
	cfg.DDoSSuspiciousIPs = 3
	l := New(cfg)

	// Three distinct IPs each rack up violations past the suspicious mark.
	for i := range 3 {
		ip := fmt.Sprintf("5.5.5.%d", i)
		user := fmt.Sprintf("u%d", i)
		l.Check(user, tunnel.TierFree, ip)
		for range 3 {
			l.Check(user, tunnel.TierFree, ip)
		}
	}

	snap := l.Snapshot()
	if !snap.DDoSActive {
		t.Fatal("ddos mode should be active")
	}
	if len(snap.SuspiciousIP) < 3 {
		t.Errorf("suspicious ips = %v", snap.SuspiciousIP)
	}

	l.mu.RLock()
	global := l.global
	l.mu.RUnlock()
	if global == nil {
		t.Error("global cap should be installed in ddos mode")
	}
}

func TestTokenBucket_WindowProperty(t *testing.T) {
	t.Parallel()
	// Over any window W, admitted <= capacity + rate*W.
	cfg := testConfig()
	cfg.TierPerMinute[tunnel.TierFree] = 6 // capacity 6, 0.1/s
	l := New(cfg)

	admitted := 0
	for range 100 {
		if l.Check("u1", tunnel.TierFree, "6.6.6.6").Allowed {
			admitted++
		}
	}
	// Effectively zero elapsed time: the cap is the capacity.
	if admitted > 6 {
		t.Errorf("admitted %d > capacity 6", admitted)
	}
}

func TestEvictStale(t *testing.T) {
	t.Parallel()
	l := New(testConfig())
	l.Check("u1", tunnel.TierFree, "7.7.7.7")

	if n := l.EvictStale(time.Now().Add(-time.Minute)); n != 0 {
		t.Errorf("fresh entries evicted: %d", n)
	}
	if n := l.EvictStale(time.Now().Add(time.Minute)); n != 2 {
		t.Errorf("evicted = %d, want 2 (user + ip)", n)
	}
}
