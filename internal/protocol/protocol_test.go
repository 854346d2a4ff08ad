package protocol

import (
	"bytes"
	"strings"
	"testing"

	tunnel "github.com/eugener/palantir/internal"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()
	req := &HTTPRequest{
		Type:    TypeHTTPRequest,
		ID:      "r1",
		Method:  "POST",
		Path:    "/v1/generate?stream=true",
		Headers: map[string]string{"content-type": "application/json"},
		Body:    []byte{0x00, 0x01, 0xFF, 'h', 'i'},
	}

	data, err := Encode(req, DefaultMaxFrameBytes)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	frameType, err := PeekType(data, DefaultMaxFrameBytes)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if frameType != TypeHTTPRequest {
		t.Fatalf("type = %q, want %q", frameType, TypeHTTPRequest)
	}

	var got HTTPRequest
	if err := Decode(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != req.ID || got.Method != req.Method || got.Path != req.Path {
		t.Errorf("fields differ: %+v vs %+v", got, *req)
	}
	if !bytes.Equal(got.Body, req.Body) {
		t.Errorf("body = %v, want %v", got.Body, req.Body)
	}
	if got.Headers["content-type"] != "application/json" {
		t.Errorf("headers lost: %v", got.Headers)
	}
}

func TestEncode_FrameSizeBoundary(t *testing.T) {
	t.Parallel()
	// Find the envelope overhead, then test the exact boundary.
	probe, err := Encode(&HTTPResponse{Type: TypeHTTPResponse, ID: "x", Status: 200}, 0)
	if err != nil {
		t.Fatalf("probe encode: %v", err)
	}
	limit := len(probe)

	if _, err := Encode(&HTTPResponse{Type: TypeHTTPResponse, ID: "x", Status: 200}, limit); err != nil {
		t.Errorf("frame exactly at limit should pass: %v", err)
	}
	_, err = Encode(&HTTPResponse{Type: TypeHTTPResponse, ID: "xx", Status: 200}, limit)
	if !tunnel.IsCode(err, tunnel.CodeFrameTooLarge) {
		t.Errorf("one byte over limit: err = %v, want frame_too_large", err)
	}
}

func TestPeekType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		data     string
		wantType string
		wantCode tunnel.Code
	}{
		{"ping", `{"type":"ping","id":"p1","timestamp":1}`, TypePing, ""},
		{"unknown type", `{"type":"telemetry"}`, "", tunnel.CodeUnknownType},
		{"missing type", `{"id":"x"}`, "", tunnel.CodeUnknownType},
		{"malformed", `{"type":`, "", tunnel.CodeBadFrame},
		{"not json", `hello`, "", tunnel.CodeBadFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := PeekType([]byte(tt.data), DefaultMaxFrameBytes)
			if tt.wantCode != "" {
				if !tunnel.IsCode(err, tt.wantCode) {
					t.Fatalf("err = %v, want code %s", err, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.wantType {
				t.Errorf("type = %q, want %q", got, tt.wantType)
			}
		})
	}
}

func TestPeekType_Oversize(t *testing.T) {
	t.Parallel()
	big := `{"type":"ping","pad":"` + strings.Repeat("a", 64) + `"}`
	_, err := PeekType([]byte(big), 16)
	if !tunnel.IsCode(err, tunnel.CodeFrameTooLarge) {
		t.Errorf("err = %v, want frame_too_large", err)
	}
}

func TestSanitizeRequestHeaders(t *testing.T) {
	t.Parallel()
	in := map[string][]string{
		"Content-Type":      {"text/plain"},
		"Connection":        {"keep-alive"},
		"Keep-Alive":        {"timeout=5"},
		"Transfer-Encoding": {"chunked"},
		"Upgrade":           {"websocket"},
		"TE":                {"trailers"},
		"Trailers":          {"X-Checksum"},
		"Proxy-Authenticate":  {"Basic"},
		"Proxy-Authorization": {"Basic xyz"},
		"Authorization":     {"Bearer secret"},
		"Cookie":            {"session=abc"},
		"Accept":            {"text/html", "application/json"},
	}

	got := SanitizeRequestHeaders(in)

	if got["content-type"] != "text/plain" {
		t.Errorf("content-type = %q", got["content-type"])
	}
	if got["accept"] != "text/html, application/json" {
		t.Errorf("accept = %q, want joined values", got["accept"])
	}
	for _, banned := range []string{"connection", "keep-alive", "transfer-encoding", "upgrade",
		"te", "trailers", "proxy-authenticate", "proxy-authorization", "authorization", "cookie"} {
		if _, ok := got[banned]; ok {
			t.Errorf("%s must be stripped", banned)
		}
	}
}

func TestSanitizeResponseHeaders(t *testing.T) {
	t.Parallel()
	got := SanitizeResponseHeaders(map[string]string{
		"Content-Type":        "application/json",
		"Transfer-Encoding":   "chunked",
		"Connection":          "close",
		"Keep-Alive":          "timeout=5",
		"Proxy-Authenticate":  "Basic",
		"Proxy-Authorization": "Basic xyz",
		"Upgrade":             "h2c",
		"TE":                  "trailers",
		"Trailers":            "X-Checksum",
		"Set-Cookie":          "origin=1",
	})
	if got["content-type"] != "application/json" {
		t.Errorf("content-type lost: %v", got)
	}
	for _, banned := range []string{"transfer-encoding", "connection", "keep-alive",
		"proxy-authenticate", "proxy-authorization", "upgrade", "te", "trailers"} {
		if _, ok := got[banned]; ok {
			t.Errorf("%s must be stripped from responses", banned)
		}
	}
	if got["set-cookie"] != "origin=1" {
		t.Error("set-cookie from the origin should pass through")
	}
}

func TestErrorFrame_RoundTrip(t *testing.T) {
	t.Parallel()
	te := tunnel.E(tunnel.CodeUpstreamTimeout, "origin did not answer")
	te.RetryAfter = 0

	frame := NewError("r9", te)
	if frame.Category != string(tunnel.CategoryUpstream) {
		t.Errorf("category = %q", frame.Category)
	}

	data, err := Encode(frame, DefaultMaxFrameBytes)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded Error
	if err := Decode(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	back := decoded.AsTunnelError()
	if back.Code != tunnel.CodeUpstreamTimeout {
		t.Errorf("code = %s", back.Code)
	}
	if back.Message != "origin did not answer" {
		t.Errorf("message = %q", back.Message)
	}
}
