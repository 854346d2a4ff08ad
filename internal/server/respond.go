package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	tunnel "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/ratelimit"
)

// jsonCT avoids the []string{v} alloc from Header.Set on every response.
var jsonCT = []string{"application/json"}

// errorBody is the JSON error envelope on every failed response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Suggestion    string `json:"suggestion,omitempty"`
	RetryAfter    int64  `json:"retry_after,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// httpStatus maps a tunnel error code to the public HTTP status.
func httpStatus(code tunnel.Code) int {
	switch code {
	case tunnel.CodeTokenMissing, tunnel.CodeTokenInvalid, tunnel.CodeTokenExpired:
		return http.StatusUnauthorized
	case tunnel.CodeForbidden:
		return http.StatusForbidden
	case tunnel.CodeRateLimitExceeded, tunnel.CodeIPBlocked:
		return http.StatusTooManyRequests
	case tunnel.CodeAgentOffline, tunnel.CodeSessionLost, tunnel.CodeQueueFull, tunnel.CodeServerUnavailable:
		return http.StatusServiceUnavailable
	case tunnel.CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case tunnel.CodePathTraversal, tunnel.CodeBadFrame, tunnel.CodeFrameTooLarge:
		return http.StatusBadRequest
	case tunnel.CodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

// suggestions gives the caller a next step for the common failures.
var suggestions = map[tunnel.Code]string{
	tunnel.CodeAgentOffline:      "start the desktop agent and retry",
	tunnel.CodeTokenExpired:      "refresh the token and retry",
	tunnel.CodeRateLimitExceeded: "wait for the Retry-After interval before retrying",
	tunnel.CodeQueueFull:         "retry after a short delay",
	tunnel.CodeUpstreamTimeout:   "the local service did not answer in time; check it is responsive",
}

// writeTunnelError maps err to its HTTP status and writes the JSON error
// envelope with the correlation id.
func writeTunnelError(w http.ResponseWriter, ctx context.Context, err error) {
	var te *tunnel.Error
	if !errors.As(err, &te) {
		te = tunnel.E(tunnel.CodeInternalError, "internal server error")
	}

	status := httpStatus(te.Code)
	retryAfter := te.RetryAfter
	if retryAfter == 0 {
		switch te.Code {
		case tunnel.CodeAgentOffline:
			retryAfter = 5 * time.Second
		case tunnel.CodeQueueFull, tunnel.CodeServerUnavailable:
			retryAfter = 2 * time.Second
		}
	}
	if retryAfter > 0 {
		w.Header()[hdrRetryAfter] = []string{strconv.FormatInt(int64((retryAfter+time.Second-1)/time.Second), 10)}
	}

	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:          string(te.Code),
		Message:       te.Message,
		Suggestion:    suggestions[te.Code],
		RetryAfter:    int64((retryAfter + time.Second - 1) / time.Second),
		CorrelationID: tunnel.CorrelationIDFromContext(ctx),
	}})
}

// setRateLimitHeaders attaches the rate-limit response headers.
func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	h := w.Header()
	if res.Limit > 0 {
		h[hdrRateLimitLimit] = []string{strconv.FormatInt(res.Limit, 10)}
	}
	h[hdrRateLimitRemaining] = []string{strconv.FormatInt(res.Remaining, 10)}
	if !res.ResetAt.IsZero() {
		h[hdrRateLimitReset] = []string{strconv.FormatInt(res.ResetAt.Unix(), 10)}
	}
	if !res.Allowed && res.RetryAfterSeconds > 0 {
		h[hdrRetryAfter] = []string{strconv.Itoa(int(res.RetryAfterSeconds) + 1)}
	}
}
