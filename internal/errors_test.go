package tunnel

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeCategories(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code Code
		want Category
	}{
		{CodeConnectionRefused, CategoryNetwork},
		{CodeTokenExpired, CategoryAuth},
		{CodeQueueFull, CategoryRateLimit},
		{CodeSessionLost, CategoryServer},
		{CodeCrossSessionResponse, CategoryProtocol},
		{CodeUpstreamTimeout, CategoryUpstream},
		{CodeConfiguration, CategoryConfiguration},
		{Code("made_up"), CategoryServer},
	}
	for _, tt := range tests {
		if got := tt.code.Category(); got != tt.want {
			t.Errorf("%s category = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestRetryability(t *testing.T) {
	t.Parallel()
	for _, code := range []Code{CodeConfiguration, CodeTokenInvalid, CodeForbidden,
		CodeBadFrame, CodePathTraversal, CodeCrossSessionResponse} {
		if code.Retryable() {
			t.Errorf("%s must not be retryable", code)
		}
	}
	for _, code := range []Code{CodeTokenExpired, CodeRateLimitExceeded, CodeQueueFull,
		CodeSessionLost, CodeUpstreamTimeout, CodeConnectionRefused} {
		if !code.Retryable() {
			t.Errorf("%s must be retryable", code)
		}
	}
}

func TestErrorWrapping(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection reset")
	wrapped := Wrap(CodeSessionLost, cause)

	if !errors.Is(wrapped, cause) {
		t.Error("Wrap must preserve the cause chain")
	}

	outer := fmt.Errorf("dispatch: %w", wrapped)
	if CodeOf(outer) != CodeSessionLost {
		t.Errorf("CodeOf = %s, want session_lost", CodeOf(outer))
	}
	if !IsCode(outer, CodeSessionLost) {
		t.Error("IsCode must see through fmt.Errorf wrapping")
	}
	if CodeOf(errors.New("plain")) != CodeInternalError {
		t.Error("plain errors map to internal_error")
	}
}

func TestTier(t *testing.T) {
	t.Parallel()
	if ParseTier("premium") != TierPremium || ParseTier("enterprise") != TierEnterprise {
		t.Error("known tiers must parse")
	}
	if ParseTier("") != TierFree || ParseTier("gold") != TierFree {
		t.Error("unknown tiers default to free")
	}
	if TierFree.SessionCap() != 1 || TierPremium.SessionCap() != 3 || TierEnterprise.SessionCap() != 10 {
		t.Error("session caps must be 1/3/10")
	}
}
