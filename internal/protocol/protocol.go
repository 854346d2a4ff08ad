// Package protocol defines the JSON wire frames exchanged between the
// Palantir broker and agent, one JSON object per WebSocket message.
package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	tunnel "github.com/eugener/palantir/internal"
)

// Frame type identifiers.
const (
	TypeHTTPRequest  = "http_request"
	TypeHTTPResponse = "http_response"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// DefaultMaxFrameBytes caps a single encoded frame at 1 MiB.
const DefaultMaxFrameBytes = 1 << 20

// HTTPRequest is a broker -> agent tunneled request.
// Body travels base64-encoded inside the JSON text frame ([]byte marshaling);
// an absent body means empty.
type HTTPRequest struct {
	Type    string            `json:"type"`
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	// DeadlineMs is the remaining budget in milliseconds at dispatch time.
	DeadlineMs int64 `json:"deadline_ms,omitempty"`
}

// HTTPResponse is an agent -> broker response to a tunneled request.
type HTTPResponse struct {
	Type    string            `json:"type"`
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Ping is a heartbeat probe; the peer must answer with a Pong echoing ID.
type Ping struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// Pong answers a Ping.
type Pong struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// Error reports a failure. ID is set when the error answers a specific
// request; Code is a stable identifier from the tunnel taxonomy.
type Error struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	Code       string `json:"code"`
	Category   string `json:"category"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after,omitempty"` // seconds
}

// NewPing returns a Ping frame stamped with the current time.
func NewPing(id string) *Ping {
	return &Ping{Type: TypePing, ID: id, Timestamp: time.Now().UnixMilli()}
}

// NewPong answers the given ping.
func NewPong(p *Ping) *Pong {
	return &Pong{Type: TypePong, ID: p.ID, Timestamp: time.Now().UnixMilli()}
}

// NewError builds an Error frame from a tunnel error for the given request id.
func NewError(id string, te *tunnel.Error) *Error {
	return &Error{
		Type:       TypeError,
		ID:         id,
		Code:       string(te.Code),
		Category:   string(te.Code.Category()),
		Message:    te.Message,
		RetryAfter: int64(te.RetryAfter / time.Second),
	}
}

// AsTunnelError converts a received Error frame back to a tunnel error.
func (e *Error) AsTunnelError() *tunnel.Error {
	te := tunnel.E(tunnel.Code(e.Code), e.Message)
	te.RetryAfter = time.Duration(e.RetryAfter) * time.Second
	return te
}

// Encode marshals a frame, enforcing the max frame size.
func Encode(frame any, maxBytes int) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, tunnel.Wrap(tunnel.CodeBadFrame, err)
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, tunnel.Ef(tunnel.CodeFrameTooLarge, "frame is %d bytes, limit %d", len(data), maxBytes)
	}
	return data, nil
}

// PeekType returns the top-level "type" field without a full decode.
// Malformed JSON yields bad_frame; a missing or unknown type yields
// unknown_type so the caller can log and skip per the protocol rules.
func PeekType(data []byte, maxBytes int) (string, error) {
	if maxBytes > 0 && len(data) > maxBytes {
		return "", tunnel.Ef(tunnel.CodeFrameTooLarge, "frame is %d bytes, limit %d", len(data), maxBytes)
	}
	if !gjson.ValidBytes(data) {
		return "", tunnel.E(tunnel.CodeBadFrame, "malformed frame")
	}
	t := gjson.GetBytes(data, "type")
	if !t.Exists() {
		return "", tunnel.E(tunnel.CodeUnknownType, "frame has no type")
	}
	switch t.String() {
	case TypeHTTPRequest, TypeHTTPResponse, TypePing, TypePong, TypeError:
		return t.String(), nil
	}
	return "", tunnel.Ef(tunnel.CodeUnknownType, "unknown frame type %q", t.String())
}

// Decode unmarshals data into dst after the type has been peeked.
func Decode(data []byte, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return tunnel.Wrap(tunnel.CodeBadFrame, err)
	}
	return nil
}

// hopByHop lists connection-scoped headers that never cross the tunnel,
// plus inbound security-sensitive headers stripped before forwarding.
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"authorization":       true,
	"cookie":              true,
}

// responseStrip is the subset removed from responses: every hop-by-hop
// header, including proxy auth in case the local origin sits behind a proxy
// of its own. Set-Cookie stays; origins may set cookies for their callers.
var responseStrip = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// SanitizeRequestHeaders lowercases keys and drops hop-by-hop and
// security-sensitive headers. Multi-valued headers are joined with ", "
// before the tunnel, matching RFC 9110 list syntax.
func SanitizeRequestHeaders(h map[string][]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		lk := strings.ToLower(k)
		if hopByHop[lk] || len(vs) == 0 {
			continue
		}
		out[lk] = strings.Join(vs, ", ")
	}
	return out
}

// SanitizeResponseHeaders drops hop-by-hop headers from a tunneled response.
func SanitizeResponseHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if responseStrip[strings.ToLower(k)] {
			continue
		}
		out[strings.ToLower(k)] = v
	}
	return out
}
