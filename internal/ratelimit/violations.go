package ratelimit

import (
	"log/slog"
	"time"
)

// recordViolation appends to the rolling log, escalates the IP when it
// crosses the suspicious or block thresholds, and re-evaluates DDoS mode.
func (l *Limiter) recordViolation(userID, ip string, now time.Time) {
	l.vmu.Lock()
	l.violations = append(l.violations, violation{IP: ip, UserID: userID, At: now})
	if len(l.violations) > violationLogCap {
		l.violations = l.violations[len(l.violations)-violationLogCap:]
	}

	cutoff := now.Add(-l.cfg.ViolationWindow)
	count := 0
	for i := len(l.violations) - 1; i >= 0; i-- {
		v := l.violations[i]
		if v.At.Before(cutoff) {
			break
		}
		if v.IP == ip {
			count++
		}
	}

	suspicious := l.suspiciousIPs(cutoff)
	ddos := len(suspicious) >= l.cfg.DDoSSuspiciousIPs
	if ddos {
		l.ddosUntil = now.Add(l.cfg.DDoSWindow)
	}
	l.vmu.Unlock()

	if count >= l.cfg.BlockThreshold {
		until := now.Add(l.cfg.BanDuration)
		l.mu.Lock()
		l.blocked[ip] = until
		l.mu.Unlock()
		slog.Warn("ip blocked", "ip", ip, "violations", count, "until", until)
	} else if count == l.cfg.SuspiciousThreshold {
		slog.Warn("ip suspicious", "ip", ip, "violations", count)
	}

	if ddos {
		l.enterDDoSMode(now)
	}
}

// suspiciousIPs returns the distinct IPs at or above the suspicious
// threshold within the window. Caller holds vmu.
func (l *Limiter) suspiciousIPs(cutoff time.Time) map[string]int {
	perIP := make(map[string]int)
	for i := len(l.violations) - 1; i >= 0; i-- {
		v := l.violations[i]
		if v.At.Before(cutoff) {
			break
		}
		perIP[v.IP]++
	}
	for ip, n := range perIP {
		if n < l.cfg.SuspiciousThreshold {
			delete(perIP, ip)
		}
	}
	return perIP
}

// enterDDoSMode halves every per-IP bucket and installs the global cap.
// Idempotent while the mode is already active.
func (l *Limiter) enterDDoSMode(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.global != nil {
		return
	}
	l.global = newBucket(l.cfg.DDoSGlobalPerMin, now)
	for _, e := range l.ips {
		e.mu.Lock()
		e.bucket.setScale(0.5, e.perMinute)
		e.mu.Unlock()
	}
	slog.Warn("ddos mode engaged", "global_per_min", l.cfg.DDoSGlobalPerMin)
}

// maybeExitDDoSMode restores normal limits once the window has passed.
// Called from the periodic cleaner.
func (l *Limiter) maybeExitDDoSMode(now time.Time) {
	l.vmu.Lock()
	expired := !l.ddosUntil.IsZero() && now.After(l.ddosUntil)
	if expired {
		l.ddosUntil = time.Time{}
	}
	l.vmu.Unlock()
	if !expired {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.global == nil {
		return
	}
	l.global = nil
	for _, e := range l.ips {
		e.mu.Lock()
		e.bucket.setScale(1, e.perMinute)
		e.mu.Unlock()
	}
	slog.Info("ddos mode cleared")
}

// ddosActive reports whether DDoS mode is engaged. Caller holds mu.
func (l *Limiter) ddosActive(now time.Time) bool {
	l.vmu.Lock()
	active := !l.ddosUntil.IsZero() && now.Before(l.ddosUntil)
	l.vmu.Unlock()
	return active
}

// Sweep runs periodic maintenance: stale bucket eviction, expired blocks,
// and DDoS mode expiry.
func (l *Limiter) Sweep(cutoff time.Time) int {
	l.maybeExitDDoSMode(time.Now())
	return l.EvictStale(cutoff)
}

// ViolationSnapshot is a read-only view for the diagnostics endpoint.
type ViolationSnapshot struct {
	Total        int            `json:"total"`
	SuspiciousIP map[string]int `json:"suspicious_ips"`
	BlockedIPs   []string       `json:"blocked_ips"`
	DDoSActive   bool           `json:"ddos_active"`
}

// Snapshot returns the current violation state.
func (l *Limiter) Snapshot() ViolationSnapshot {
	now := time.Now()
	l.vmu.Lock()
	total := len(l.violations)
	suspicious := l.suspiciousIPs(now.Add(-l.cfg.ViolationWindow))
	ddos := !l.ddosUntil.IsZero() && now.Before(l.ddosUntil)
	l.vmu.Unlock()

	l.mu.RLock()
	blocked := make([]string, 0, len(l.blocked))
	for ip, until := range l.blocked {
		if now.Before(until) {
			blocked = append(blocked, ip)
		}
	}
	l.mu.RUnlock()

	return ViolationSnapshot{
		Total:        total,
		SuspiciousIP: suspicious,
		BlockedIPs:   blocked,
		DDoSActive:   ddos,
	}
}
