package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/rs/dnscache"

	tunnel "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/protocol"
)

// localDispatcher forwards tunneled requests to the configured local origin.
type localDispatcher struct {
	origin  string
	client  *http.Client
	timeout time.Duration
}

// newLocalDispatcher builds the origin HTTP client. DNS results are cached:
// the origin is usually loopback, but a LAN hostname must not pay a lookup
// per request.
func newLocalDispatcher(origin string, timeout time.Duration) *localDispatcher {
	resolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			resolver.Refresh(true)
		}
	}()

	transport := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		},
	}

	return &localDispatcher{
		origin:  strings.TrimSuffix(origin, "/"),
		client:  &http.Client{Transport: transport},
		timeout: timeout,
	}
}

// Do performs the local HTTP call for one tunneled request and encodes the
// response frame. Failures map to tunnel error codes per the taxonomy.
func (d *localDispatcher) Do(ctx context.Context, req *protocol.HTTPRequest) (*protocol.HTTPResponse, error) {
	timeout := d.timeout
	if req.DeadlineMs > 0 {
		if remaining := time.Duration(req.DeadlineMs) * time.Millisecond; remaining < timeout {
			timeout = remaining
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, d.origin+req.Path, body)
	if err != nil {
		return nil, tunnel.Wrap(tunnel.CodeUpstreamError, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, tunnel.Wrap(tunnel.CodeUpstreamError, err)
	}

	headers := make(map[string]string, len(httpResp.Header))
	for k, vs := range httpResp.Header {
		if len(vs) > 0 {
			headers[strings.ToLower(k)] = strings.Join(vs, ", ")
		}
	}

	return &protocol.HTTPResponse{
		Type:    protocol.TypeHTTPResponse,
		ID:      req.ID,
		Status:  httpResp.StatusCode,
		Headers: headers,
		Body:    respBody,
	}, nil
}

// classifyNetErr maps transport errors to the wire taxonomy.
func classifyNetErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return tunnel.Wrap(tunnel.CodeUpstreamTimeout, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return tunnel.Wrap(tunnel.CodeConnectionRefused, err)
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return tunnel.Wrap(tunnel.CodeNetworkUnreachable, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return tunnel.Wrap(tunnel.CodeDNSFailure, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return tunnel.Wrap(tunnel.CodeUpstreamTimeout, err)
	}
	return tunnel.Wrap(tunnel.CodeUpstreamError, err)
}
