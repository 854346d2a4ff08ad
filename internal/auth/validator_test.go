package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	tunnel "github.com/eugener/palantir/internal"
)

var testSecret = []byte("test-secret-0123456789")

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New(Config{
		Secret:     testSecret,
		Issuer:     "palantir-test",
		TierClaim:  "tier",
		AdminClaim: "admin",
	})
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	return v
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = "palantir-test"
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestValidate_HappyPath(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)
	raw := signToken(t, jwt.MapClaims{
		"sub":  "u1",
		"exp":  time.Now().Add(time.Hour).Unix(),
		"tier": "premium",
	})

	id, err := v.Validate(context.Background(), raw)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if id.UserID != "u1" {
		t.Errorf("user = %q, want u1", id.UserID)
	}
	if id.Tier != tunnel.TierPremium {
		t.Errorf("tier = %s, want premium", id.Tier)
	}
	if id.Admin {
		t.Error("admin should default to false")
	}
}

func TestValidate_AdminClaim(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)
	raw := signToken(t, jwt.MapClaims{
		"sub":   "ops",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"admin": true,
	})

	id, err := v.Validate(context.Background(), raw)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !id.Admin {
		t.Error("admin claim not honored")
	}
	if id.Tier != tunnel.TierFree {
		t.Errorf("missing tier claim should default to free, got %s", id.Tier)
	}
}

func TestValidate_Expired(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)
	raw := signToken(t, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})

	_, err := v.Validate(context.Background(), raw)
	if !tunnel.IsCode(err, tunnel.CodeTokenExpired) {
		t.Errorf("err = %v, want token_expired", err)
	}
}

func TestValidate_Invalid(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)

	tests := []struct {
		name string
		raw  string
		code tunnel.Code
	}{
		{"garbage", "not.a.token", tunnel.CodeTokenInvalid},
		{"empty", "", tunnel.CodeTokenMissing},
		{"wrong secret", func() string {
			tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
				"sub": "u1", "iss": "palantir-test", "exp": time.Now().Add(time.Hour).Unix(),
			})
			s, _ := tok.SignedString([]byte("other-secret"))
			return s
		}(), tunnel.CodeTokenInvalid},
		{"wrong issuer", signToken(t, jwt.MapClaims{
			"sub": "u1", "iss": "impostor", "exp": time.Now().Add(time.Hour).Unix(),
		}), tunnel.CodeTokenInvalid},
		{"no subject", signToken(t, jwt.MapClaims{
			"exp": time.Now().Add(time.Hour).Unix(),
		}), tunnel.CodeTokenInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := v.Validate(context.Background(), tt.raw)
			if !tunnel.IsCode(err, tt.code) {
				t.Errorf("err = %v, want %s", err, tt.code)
			}
		})
	}
}

func TestValidate_CacheHit(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)
	raw := signToken(t, jwt.MapClaims{
		"sub":  "u1",
		"exp":  time.Now().Add(time.Hour).Unix(),
		"tier": "enterprise",
	})

	first, err := v.Validate(context.Background(), raw)
	if err != nil {
		t.Fatalf("first validate: %v", err)
	}
	second, err := v.Validate(context.Background(), raw)
	if err != nil {
		t.Fatalf("cached validate: %v", err)
	}
	if first.UserID != second.UserID || first.Tier != second.Tier {
		t.Error("cached identity differs from the first")
	}

	v.InvalidateToken(raw)
	if _, err := v.Validate(context.Background(), raw); err != nil {
		t.Errorf("re-validate after invalidation: %v", err)
	}
}

func TestExtractBearer(t *testing.T) {
	t.Parallel()
	if _, err := ExtractBearer(""); !tunnel.IsCode(err, tunnel.CodeTokenMissing) {
		t.Error("missing header must be token_missing")
	}
	if _, err := ExtractBearer("Basic abc"); !tunnel.IsCode(err, tunnel.CodeTokenMissing) {
		t.Error("non-bearer scheme must be token_missing")
	}
	tok, err := ExtractBearer("Bearer abc123")
	if err != nil || tok != "abc123" {
		t.Errorf("got %q, %v", tok, err)
	}
}

func TestCacheDeadline(t *testing.T) {
	t.Parallel()
	now := time.Now()

	// Short-lived token: cached for about half its remaining life.
	d := cacheDeadline(now.Add(2 * time.Minute))
	if got := time.Until(d); got < 50*time.Second || got > 70*time.Second {
		t.Errorf("half-life deadline = %s from now", got)
	}

	// Long-lived token: bounded by the max TTL.
	d = cacheDeadline(now.Add(24 * time.Hour))
	if got := time.Until(d); got > maxCacheTTL+time.Second {
		t.Errorf("deadline %s exceeds max TTL", got)
	}
}
