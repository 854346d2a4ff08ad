package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"os"

	tunnel "github.com/eugener/palantir/internal"
)

// CountsAsFailure reports whether err should count against the protected
// upstream. Caller-caused failures (auth, rate limit, protocol violations by
// the caller) do not indict the upstream and leave the breaker untouched.
func CountsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	// A caller giving up is not an upstream fault.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var te *tunnel.Error
	if errors.As(err, &te) {
		switch te.Code.Category() {
		case tunnel.CategoryNetwork, tunnel.CategoryUpstream, tunnel.CategoryServer:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return true
}
