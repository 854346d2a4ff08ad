// Package ratelimit implements per-user and per-IP rate limiting with
// lazy-refill token buckets, a rolling violation log, and DDoS detection.
package ratelimit

import (
	"sync"
	"time"

	tunnel "github.com/eugener/palantir/internal"
)

// Config holds limiter parameters. Zero-valued fields take defaults.
type Config struct {
	TierPerMinute map[tunnel.Tier]int64 // per-user requests per minute by tier
	IPPerMinute   int64                 // per-source-IP requests per minute

	ViolationWindow     time.Duration // rolling window for counting violations
	SuspiciousThreshold int           // violations in window marking an IP suspicious
	BlockThreshold      int           // violations in window auto-blocking an IP
	BanDuration         time.Duration // how long a blocked IP stays blocked

	DDoSSuspiciousIPs int           // distinct suspicious IPs that trip DDoS mode
	DDoSWindow        time.Duration // window for the distinct-IP count
	DDoSGlobalPerMin  int64         // global request cap applied in DDoS mode
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TierPerMinute: map[tunnel.Tier]int64{
			tunnel.TierFree:       60,
			tunnel.TierPremium:    300,
			tunnel.TierEnterprise: 1000,
		},
		IPPerMinute:         200,
		ViolationWindow:     5 * time.Minute,
		SuspiciousThreshold: 5,
		BlockThreshold:      10,
		BanDuration:         15 * time.Minute,
		DDoSSuspiciousIPs:   20,
		DDoSWindow:          5 * time.Minute,
		DDoSGlobalPerMin:    5000,
	}
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Code              tunnel.Code // rate_limit_exceeded or ip_blocked when denied
	Limit             int64
	Remaining         int64
	RetryAfterSeconds float64
	ResetAt           time.Time
}

// bucket is a token bucket with lazy refill (no background goroutine).
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(perMinute int64, now time.Time) *bucket {
	return &bucket{
		tokens:   float64(perMinute),
		max:      float64(perMinute),
		rate:     float64(perMinute) / 60.0,
		lastFill: now,
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

func (b *bucket) tryConsume(now time.Time) (remaining int64, allowed bool) {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return int64(b.tokens), true
	}
	return 0, false
}

func (b *bucket) refund() {
	b.tokens = min(b.max, b.tokens+1)
}

func (b *bucket) retryAfter() float64 {
	if b.tokens >= 1 {
		return 0
	}
	return (1 - b.tokens) / b.rate
}

// setScale resizes the bucket to scale times its configured rate: 0.5 in
// DDoS mode, 1 to restore it.
func (b *bucket) setScale(scale float64, perMinute int64) {
	b.max = float64(perMinute) * scale
	b.rate = float64(perMinute) * scale / 60.0
	b.tokens = min(b.tokens, b.max)
}

// entry pairs a bucket with its configured rate and last-use time for eviction.
type entry struct {
	mu        sync.Mutex
	bucket    *bucket
	perMinute int64
	lastUsed  time.Time
}

// violation is one denied request, kept in the rolling log.
type violation struct {
	IP     string
	UserID string
	At     time.Time
}

const violationLogCap = 1000

// Limiter is the process-wide rate limiter.
type Limiter struct {
	cfg Config

	mu      sync.RWMutex
	users   map[string]*entry
	ips     map[string]*entry
	global  *bucket // non-nil only in DDoS mode
	blocked map[string]time.Time

	vmu        sync.Mutex
	violations []violation // ring, newest last
	ddosUntil  time.Time
}

// New creates a Limiter with cfg, filling zero fields from DefaultConfig.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.TierPerMinute == nil {
		cfg.TierPerMinute = def.TierPerMinute
	}
	if cfg.IPPerMinute == 0 {
		cfg.IPPerMinute = def.IPPerMinute
	}
	if cfg.ViolationWindow == 0 {
		cfg.ViolationWindow = def.ViolationWindow
	}
	if cfg.SuspiciousThreshold == 0 {
		cfg.SuspiciousThreshold = def.SuspiciousThreshold
	}
	if cfg.BlockThreshold == 0 {
		cfg.BlockThreshold = def.BlockThreshold
	}
	if cfg.BanDuration == 0 {
		cfg.BanDuration = def.BanDuration
	}
	if cfg.DDoSSuspiciousIPs == 0 {
		cfg.DDoSSuspiciousIPs = def.DDoSSuspiciousIPs
	}
	if cfg.DDoSWindow == 0 {
		cfg.DDoSWindow = def.DDoSWindow
	}
	if cfg.DDoSGlobalPerMin == 0 {
		cfg.DDoSGlobalPerMin = def.DDoSGlobalPerMin
	}
	return &Limiter{
		cfg:     cfg,
		users:   make(map[string]*entry),
		ips:     make(map[string]*entry),
		blocked: make(map[string]time.Time),
	}
}

// SetLimits swaps the per-tier and per-IP rates at runtime. Existing user
// buckets are recreated lazily on next use (userEntry compares rates);
// existing IP buckets keep the old rate until evicted.
func (l *Limiter) SetLimits(tiers map[tunnel.Tier]int64, ipPerMinute int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tiers != nil {
		l.cfg.TierPerMinute = tiers
	}
	if ipPerMinute > 0 {
		l.cfg.IPPerMinute = ipPerMinute
	}
}

// Check consumes one token from the user and IP buckets iff both allow.
// A denial is recorded in the violation log and may escalate the IP to
// suspicious or blocked per the configured thresholds.
func (l *Limiter) Check(userID string, tier tunnel.Tier, ip string) Result {
	now := time.Now()

	if until, ok := l.blockedUntil(ip, now); ok {
		return Result{
			Allowed:           false,
			Code:              tunnel.CodeIPBlocked,
			RetryAfterSeconds: until.Sub(now).Seconds(),
			ResetAt:           until,
		}
	}

	// Global cap applies only in DDoS mode.
	if !l.globalAllow(now) {
		l.recordViolation(userID, ip, now)
		return Result{
			Allowed:           false,
			Code:              tunnel.CodeRateLimitExceeded,
			RetryAfterSeconds: 1,
			ResetAt:           now.Add(time.Second),
		}
	}

	ipEntry := l.ipEntry(ip, now)
	ipEntry.mu.Lock()
	ipEntry.lastUsed = now
	_, ipOK := ipEntry.bucket.tryConsume(now)
	ipRetry := ipEntry.bucket.retryAfter()
	ipEntry.mu.Unlock()
	if !ipOK {
		l.recordViolation(userID, ip, now)
		return Result{
			Allowed:           false,
			Code:              tunnel.CodeRateLimitExceeded,
			Limit:             ipEntry.perMinute,
			RetryAfterSeconds: ipRetry,
			ResetAt:           now.Add(time.Duration(ipRetry * float64(time.Second))),
		}
	}

	l.mu.RLock()
	perMinute := l.cfg.TierPerMinute[tier]
	if perMinute == 0 {
		perMinute = l.cfg.TierPerMinute[tunnel.TierFree]
	}
	l.mu.RUnlock()
	userEntry := l.userEntry(userID, perMinute, now)
	userEntry.mu.Lock()
	userEntry.lastUsed = now
	remaining, userOK := userEntry.bucket.tryConsume(now)
	retry := userEntry.bucket.retryAfter()
	userEntry.mu.Unlock()
	if !userOK {
		// Refund the IP token so a saturated user does not starve the IP.
		ipEntry.mu.Lock()
		ipEntry.bucket.refund()
		ipEntry.mu.Unlock()
		l.recordViolation(userID, ip, now)
		return Result{
			Allowed:           false,
			Code:              tunnel.CodeRateLimitExceeded,
			Limit:             perMinute,
			Remaining:         0,
			RetryAfterSeconds: retry,
			ResetAt:           now.Add(time.Duration(retry * float64(time.Second))),
		}
	}

	return Result{
		Allowed:   true,
		Limit:     perMinute,
		Remaining: remaining,
		ResetAt:   now.Add(time.Duration(retry * float64(time.Second))),
	}
}

func (l *Limiter) blockedUntil(ip string, now time.Time) (time.Time, bool) {
	l.mu.RLock()
	until, ok := l.blocked[ip]
	l.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	if now.After(until) {
		l.mu.Lock()
		delete(l.blocked, ip)
		l.mu.Unlock()
		return time.Time{}, false
	}
	return until, true
}

func (l *Limiter) globalAllow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.global == nil {
		return true
	}
	_, ok := l.global.tryConsume(now)
	return ok
}

func (l *Limiter) ipEntry(ip string, now time.Time) *entry {
	l.mu.RLock()
	e, ok := l.ips[ip]
	l.mu.RUnlock()
	if ok {
		return e
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.ips[ip]; ok {
		return e
	}
	perMinute := l.cfg.IPPerMinute
	e = &entry{bucket: newBucket(perMinute, now), perMinute: perMinute, lastUsed: now}
	if l.ddosActive(now) {
		e.bucket.setScale(0.5, perMinute)
	}
	l.ips[ip] = e
	return e
}

func (l *Limiter) userEntry(userID string, perMinute int64, now time.Time) *entry {
	l.mu.RLock()
	e, ok := l.users[userID]
	l.mu.RUnlock()
	if ok && e.perMinute == perMinute {
		return e
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.users[userID]; ok && e.perMinute == perMinute {
		return e
	}
	e = &entry{bucket: newBucket(perMinute, now), perMinute: perMinute, lastUsed: now}
	l.users[userID] = e
	return e
}

// EvictStale removes buckets not used since cutoff and expired blocks.
func (l *Limiter) EvictStale(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for _, m := range []map[string]*entry{l.users, l.ips} {
		for k, e := range m {
			e.mu.Lock()
			stale := e.lastUsed.Before(cutoff)
			e.mu.Unlock()
			if stale {
				delete(m, k)
				evicted++
			}
		}
	}
	now := time.Now()
	for ip, until := range l.blocked {
		if now.After(until) {
			delete(l.blocked, ip)
		}
	}
	return evicted
}
