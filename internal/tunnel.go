// Package tunnel defines domain types shared by the Palantir broker and agent.
// This package has no project imports -- it is the dependency root.
package tunnel

import (
	"context"
	"time"
)

// Tier is the subscription level derived from the bearer token. It governs
// the per-user session cap and request rate.
type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// ParseTier normalizes a tier claim value, defaulting unknown values to free.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierPremium:
		return TierPremium
	case TierEnterprise:
		return TierEnterprise
	default:
		return TierFree
	}
}

// SessionCap returns the maximum concurrent agent sessions for the tier.
func (t Tier) SessionCap() int {
	switch t {
	case TierEnterprise:
		return 10
	case TierPremium:
		return 3
	default:
		return 1
	}
}

// Identity is the authenticated caller derived once per connection or request.
type Identity struct {
	UserID    string    `json:"user_id"`
	Subject   string    `json:"subject"`
	Tier      Tier      `json:"tier"`
	Admin     bool      `json:"admin"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UsageRecord is one tunneled request as persisted by the usage store.
type UsageRecord struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Tier          Tier      `json:"tier"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	StatusCode    int       `json:"status_code"`
	Outcome       string    `json:"outcome"` // "ok" or an error code
	BytesIn       int64     `json:"bytes_in"`
	BytesOut      int64     `json:"bytes_out"`
	DurationMs    int64     `json:"duration_ms"`
	CorrelationID string    `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	CorrelationID string
	Identity      *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// CorrelationIDFromContext extracts the correlation ID from context.
func CorrelationIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.CorrelationID
	}
	return ""
}

// ContextWithCorrelationID returns a context carrying the given correlation ID.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{CorrelationID: id})
}
