// Package auth validates bearer tokens for the Palantir broker.
// Validation results are cached in a W-TinyLFU cache keyed by token hash.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maypok86/otter/v2"

	tunnel "github.com/eugener/palantir/internal"
)

const (
	cacheMaxLen = 10_000
	// maxCacheTTL bounds how long a validation result may be reused even for
	// long-lived tokens; revocations must surface within this window.
	maxCacheTTL = 5 * time.Minute
)

// Claims are the token claims the broker cares about. Tier and the admin
// flag live under the claim namespace configured at construction.
type Claims struct {
	Tier  string `json:"-"`
	Admin bool   `json:"-"`
	jwt.RegisteredClaims
}

// Config configures a Validator.
type Config struct {
	// Secret is the HMAC secret for HS256 tokens.
	Secret []byte
	// Issuer, when set, must match the iss claim.
	Issuer string
	// Audience, when set, must be present in the aud claim.
	Audience string
	// TierClaim is the namespaced claim carrying the tier, e.g.
	// "https://palantir.dev/tier". Defaults to "tier".
	TierClaim string
	// AdminClaim is the namespaced claim marking admin callers.
	AdminClaim string
}

// cached is one validation result with its own expiry (half the remaining
// token lifetime, bounded by maxCacheTTL).
type cached struct {
	identity  tunnel.Identity
	expiresAt time.Time
}

// Validator verifies bearer tokens and yields identities.
type Validator struct {
	cfg   Config
	cache *otter.Cache[string, cached]
}

// New creates a Validator with the given config.
func New(cfg Config) (*Validator, error) {
	if len(cfg.Secret) == 0 {
		return nil, tunnel.E(tunnel.CodeConfiguration, "auth: empty token secret")
	}
	if cfg.TierClaim == "" {
		cfg.TierClaim = "tier"
	}
	c, err := otter.New(&otter.Options[string, cached]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, cached](maxCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &Validator{cfg: cfg, cache: c}, nil
}

// HashToken returns the SHA-256 hex of a raw token, used as the cache key
// so raw token material never sits in the cache.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ExtractBearer pulls the token out of an Authorization header value.
// Returns token_missing when the header is absent or not a Bearer scheme.
func ExtractBearer(header string) (string, error) {
	const prefix = "Bearer "
	if header == "" {
		return "", tunnel.E(tunnel.CodeTokenMissing, "authorization header missing")
	}
	if !strings.HasPrefix(header, prefix) {
		return "", tunnel.E(tunnel.CodeTokenMissing, "authorization header is not a bearer token")
	}
	return strings.TrimPrefix(header, prefix), nil
}

// Validate verifies the raw bearer token and returns the caller identity.
// Expired tokens fail with token_expired (retryable after refresh); every
// other verification failure is token_invalid.
func (v *Validator) Validate(ctx context.Context, raw string) (*tunnel.Identity, error) {
	if raw == "" {
		return nil, tunnel.E(tunnel.CodeTokenMissing, "empty bearer token")
	}

	hash := HashToken(raw)
	if entry, ok := v.cache.GetIfPresent(hash); ok {
		if time.Now().Before(entry.expiresAt) {
			id := entry.identity
			return &id, nil
		}
		v.cache.Invalidate(hash)
	}

	claims := &Claims{}
	parser := v.parserOptions()
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.cfg.Secret, nil
	}, parser...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, tunnel.E(tunnel.CodeTokenExpired, "token expired")
		}
		return nil, tunnel.Wrap(tunnel.CodeTokenInvalid, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, tunnel.E(tunnel.CodeTokenInvalid, "token has no subject")
	}

	// Namespaced claims are not part of RegisteredClaims; re-read them from
	// the raw claim map.
	tier, admin := v.namespacedClaims(raw)

	id := tunnel.Identity{
		UserID:  claims.Subject,
		Subject: claims.Subject,
		Tier:    tunnel.ParseTier(tier),
		Admin:   admin,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}

	v.cache.Set(hash, cached{identity: id, expiresAt: cacheDeadline(id.ExpiresAt)})
	return &id, nil
}

// parserOptions builds the jwt parser options from config.
func (v *Validator) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	return opts
}

// namespacedClaims extracts the tier and admin claims from the token payload.
// Signature and standard claims were already verified; a second unverified
// parse of the payload is safe here.
func (v *Validator) namespacedClaims(raw string) (tier string, admin bool) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return "", false
	}
	if t, ok := claims[v.cfg.TierClaim].(string); ok {
		tier = t
	}
	if v.cfg.AdminClaim != "" {
		if a, ok := claims[v.cfg.AdminClaim].(bool); ok {
			admin = a
		}
	}
	return tier, admin
}

// cacheDeadline is half the remaining token lifetime, bounded by maxCacheTTL.
func cacheDeadline(expiresAt time.Time) time.Time {
	now := time.Now()
	if expiresAt.IsZero() || !expiresAt.After(now) {
		return now.Add(maxCacheTTL)
	}
	half := expiresAt.Sub(now) / 2
	if half > maxCacheTTL {
		half = maxCacheTTL
	}
	return now.Add(half)
}

// InvalidateToken drops a cached validation result (used by tests).
func (v *Validator) InvalidateToken(raw string) {
	v.cache.Invalidate(HashToken(raw))
}
