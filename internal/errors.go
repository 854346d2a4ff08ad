package tunnel

import (
	"errors"
	"fmt"
	"time"
)

// Category groups error codes by origin. Categories are wire-exposed and
// drive the HTTP status mapping at the proxy front.
type Category string

const (
	CategoryNetwork       Category = "network"
	CategoryAuth          Category = "authentication"
	CategoryRateLimit     Category = "rate_limit"
	CategoryServer        Category = "server"
	CategoryProtocol      Category = "protocol"
	CategoryUpstream      Category = "upstream"
	CategoryConfiguration Category = "configuration"
)

// Code is a stable wire-exposed error identifier.
type Code string

const (
	CodeConnectionRefused  Code = "connection_refused"
	CodeDNSFailure         Code = "dns_failure"
	CodeNetworkUnreachable Code = "network_unreachable"

	CodeTokenMissing Code = "token_missing"
	CodeTokenInvalid Code = "token_invalid"
	CodeTokenExpired Code = "token_expired"
	CodeForbidden    Code = "forbidden"

	CodeRateLimitExceeded Code = "rate_limit_exceeded"
	CodeQueueFull         Code = "queue_full"
	CodeIPBlocked         Code = "ip_blocked"

	CodeAgentOffline      Code = "agent_offline"
	CodeSessionLost       Code = "session_lost"
	CodeHeartbeatTimeout  Code = "heartbeat_timeout"
	CodeInternalError     Code = "internal_error"
	CodeServerUnavailable Code = "server_unavailable"

	CodeBadFrame             Code = "bad_frame"
	CodeFrameTooLarge        Code = "frame_too_large"
	CodeUnknownType          Code = "unknown_type"
	CodeCrossSessionResponse Code = "cross_session_response"
	CodePathTraversal        Code = "path_traversal"

	CodeUpstreamTimeout Code = "upstream_timeout"
	CodeUpstreamError   Code = "upstream_error"

	CodeConfiguration Code = "configuration_error"
)

// codeCategories maps every code to its category.
var codeCategories = map[Code]Category{
	CodeConnectionRefused:  CategoryNetwork,
	CodeDNSFailure:         CategoryNetwork,
	CodeNetworkUnreachable: CategoryNetwork,

	CodeTokenMissing: CategoryAuth,
	CodeTokenInvalid: CategoryAuth,
	CodeTokenExpired: CategoryAuth,
	CodeForbidden:    CategoryAuth,

	CodeRateLimitExceeded: CategoryRateLimit,
	CodeQueueFull:         CategoryRateLimit,
	CodeIPBlocked:         CategoryRateLimit,

	CodeAgentOffline:      CategoryServer,
	CodeSessionLost:       CategoryServer,
	CodeHeartbeatTimeout:  CategoryServer,
	CodeInternalError:     CategoryServer,
	CodeServerUnavailable: CategoryServer,

	CodeBadFrame:             CategoryProtocol,
	CodeFrameTooLarge:        CategoryProtocol,
	CodeUnknownType:          CategoryProtocol,
	CodeCrossSessionResponse: CategoryProtocol,
	CodePathTraversal:        CategoryProtocol,

	CodeUpstreamTimeout: CategoryUpstream,
	CodeUpstreamError:   CategoryUpstream,

	CodeConfiguration: CategoryConfiguration,
}

// Category returns the category for the code, or CategoryServer when unknown.
func (c Code) Category() Category {
	if cat, ok := codeCategories[c]; ok {
		return cat
	}
	return CategoryServer
}

// nonRetryable lists codes the caller must not retry.
var nonRetryable = map[Code]bool{
	CodeConfiguration:        true,
	CodeTokenInvalid:         true,
	CodeForbidden:            true,
	CodeBadFrame:             true,
	CodePathTraversal:        true,
	CodeCrossSessionResponse: true,
}

// Retryable reports whether a failure with this code may be retried.
func (c Code) Retryable() bool { return !nonRetryable[c] }

// Error is the tagged tunnel error carried on the wire and across packages.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration // zero when not applicable
	Suggestion string
	cause      error
}

// E constructs an Error with the given code and message.
func E(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Ef constructs an Error with a formatted message.
func Ef(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error that wraps cause.
func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, Message: cause.Error(), cause: cause}
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Category returns the category of the error's code.
func (e *Error) Category() Category { return e.Code.Category() }

// Retryable reports whether the error may be retried.
func (e *Error) Retryable() bool { return e.Code.Retryable() }

// CodeOf extracts the Code from err, or CodeInternalError when err carries none.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternalError
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var te *Error
	return errors.As(err, &te) && te.Code == code
}
