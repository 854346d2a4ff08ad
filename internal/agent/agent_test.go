package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	tunnel "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// mockBroker runs an httptest server that upgrades and hands the connection
// to handler.
func mockBroker(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func brokerWSURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testAgentConfig(t *testing.T, brokerURL, originURL string) *config.AgentConfig {
	t.Helper()
	cfg := config.DefaultAgent()
	cfg.BrokerURL = brokerURL
	cfg.LocalOrigin = originURL
	cfg.Token.Bearer = "test-token"
	cfg.Queue.SnapshotPath = filepath.Join(t.TempDir(), "queue.json")
	cfg.Queue.Limit = 50
	cfg.Reconnect = config.ReconnectConfig{
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		MaxAttempts: 3,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func TestAgent_ProxiesRequestToLocalOrigin(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"path": r.URL.Path, "method": r.Method})
	}))
	t.Cleanup(origin.Close)

	gotResp := make(chan protocol.HTTPResponse, 1)
	broker := mockBroker(t, func(conn *websocket.Conn) {
		// Send one tunneled request.
		req := &protocol.HTTPRequest{
			Type:   protocol.TypeHTTPRequest,
			ID:     "r1",
			Method: "GET",
			Path:   "/v1/models",
		}
		data, _ := protocol.Encode(req, 0)
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Logf("write: %v", err)
			return
		}

		// Await the response, skipping heartbeat frames.
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frameType, _ := protocol.PeekType(data, 0)
			if frameType != protocol.TypeHTTPResponse {
				continue
			}
			var resp protocol.HTTPResponse
			if protocol.Decode(data, &resp) == nil {
				select {
				case gotResp <- resp:
				default:
				}
				return
			}
		}
	})

	a, err := New(testAgentConfig(t, brokerWSURL(broker), origin.URL), nil)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	select {
	case resp := <-gotResp:
		if resp.ID != "r1" {
			t.Errorf("id = %q", resp.ID)
		}
		if resp.Status != 200 {
			t.Errorf("status = %d", resp.Status)
		}
		var body map[string]string
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			t.Fatalf("body: %v", err)
		}
		if body["path"] != "/v1/models" {
			t.Errorf("origin saw path %q", body["path"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no response from agent")
	}
}

func TestAgent_ReportsOriginFailureAsErrorFrame(t *testing.T) {
	t.Parallel()

	gotErr := make(chan protocol.Error, 1)
	broker := mockBroker(t, func(conn *websocket.Conn) {
		req := &protocol.HTTPRequest{Type: protocol.TypeHTTPRequest, ID: "r2", Method: "GET", Path: "/x"}
		data, _ := protocol.Encode(req, 0)
		conn.WriteMessage(websocket.TextMessage, data)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frameType, _ := protocol.PeekType(data, 0)
			if frameType != protocol.TypeError {
				continue
			}
			var ef protocol.Error
			if protocol.Decode(data, &ef) == nil {
				select {
				case gotErr <- ef:
				default:
				}
				return
			}
		}
	})

	// Point the agent at a port nothing listens on.
	a, err := New(testAgentConfig(t, brokerWSURL(broker), "http://127.0.0.1:1"), nil)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	select {
	case ef := <-gotErr:
		if ef.ID != "r2" {
			t.Errorf("id = %q", ef.ID)
		}
		if ef.Code != string(tunnel.CodeConnectionRefused) {
			t.Errorf("code = %q, want connection_refused", ef.Code)
		}
		if ef.Category != string(tunnel.CategoryNetwork) {
			t.Errorf("category = %q", ef.Category)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no error frame from agent")
	}
}

func TestAgent_ReconnectsWithBackoff(t *testing.T) {
	t.Parallel()

	var connects atomic.Int32
	broker := mockBroker(t, func(conn *websocket.Conn) {
		n := connects.Add(1)
		if n == 1 {
			// Drop the first connection immediately.
			return
		}
		// Hold the second one open.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	a, err := New(testAgentConfig(t, brokerWSURL(broker), "http://127.0.0.1:1"), nil)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for a.State() != StateConnected || connects.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("agent did not reconnect: state=%s connects=%d", a.State(), connects.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAgent_AnswersBrokerPing(t *testing.T) {
	t.Parallel()

	gotPong := make(chan protocol.Pong, 1)
	broker := mockBroker(t, func(conn *websocket.Conn) {
		ping := protocol.NewPing("hb-1")
		data, _ := protocol.Encode(ping, 0)
		conn.WriteMessage(websocket.TextMessage, data)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frameType, _ := protocol.PeekType(data, 0)
			if frameType != protocol.TypePong {
				continue
			}
			var pong protocol.Pong
			if protocol.Decode(data, &pong) == nil {
				select {
				case gotPong <- pong:
				default:
				}
				return
			}
		}
	})

	a, err := New(testAgentConfig(t, brokerWSURL(broker), "http://127.0.0.1:1"), nil)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	select {
	case pong := <-gotPong:
		if pong.ID != "hb-1" {
			t.Errorf("pong id = %q, want hb-1", pong.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no pong from agent")
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	base := time.Second
	max := 30 * time.Second

	// Expected ladder 1s, 2s, 4s with +-30% jitter.
	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second} {
		for range 20 {
			d := backoffDelay(base, max, attempt)
			lo := time.Duration(float64(want) * 0.69)
			hi := time.Duration(float64(want) * 1.31)
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %s outside [%s, %s]", attempt, d, lo, hi)
			}
		}
	}

	// The ladder is capped at max.
	for range 20 {
		if d := backoffDelay(base, max, 40); d > time.Duration(float64(max)*1.31) {
			t.Fatalf("delay %s exceeds jittered max", d)
		}
	}
}

func TestTokenSource_StaticRefreshFails(t *testing.T) {
	t.Parallel()
	ts, err := newTokenSource(config.TokenConfig{Bearer: "static"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tok, err := ts.Token(context.Background())
	if err != nil || tok != "static" {
		t.Fatalf("token = %q, %v", tok, err)
	}
	if err := ts.Refresh(context.Background()); !tunnel.IsCode(err, tunnel.CodeTokenExpired) {
		t.Errorf("refresh of static token: %v", err)
	}
}

func TestTokenSource_ClientCredentials(t *testing.T) {
	t.Parallel()
	var minted atomic.Int32
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		minted.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "minted-token",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(idp.Close)

	ts, err := newTokenSource(config.TokenConfig{
		TokenURL:     idp.URL + "/token",
		ClientID:     "agent",
		ClientSecret: "s3cret",
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	tok, err := ts.Token(context.Background())
	if err != nil || tok != "minted-token" {
		t.Fatalf("token = %q, %v", tok, err)
	}
	if err := ts.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := ts.Token(context.Background()); err != nil {
		t.Fatalf("token after refresh: %v", err)
	}
	if minted.Load() < 2 {
		t.Errorf("refresh must mint a new token, minted = %d", minted.Load())
	}
}

func TestTokenSource_MissingCredentials(t *testing.T) {
	t.Parallel()
	_, err := newTokenSource(config.TokenConfig{TokenURL: "https://idp/token"})
	if !tunnel.IsCode(err, tunnel.CodeConfiguration) {
		t.Errorf("err = %v, want configuration_error", err)
	}
}

func TestAgent_InvalidTokenStopsRetrying(t *testing.T) {
	t.Parallel()

	var handshakes atomic.Int32
	// A broker that rejects every handshake with the JSON error envelope.
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handshakes.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "token_invalid", "message": "signature mismatch"},
		})
	}))
	t.Cleanup(rejecting.Close)

	a, err := New(testAgentConfig(t, brokerWSURL(rejecting), "http://127.0.0.1:1"), nil)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		if !tunnel.IsCode(err, tunnel.CodeTokenInvalid) {
			t.Errorf("err = %v, want token_invalid", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("agent kept retrying an invalid token")
	}
	if n := handshakes.Load(); n != 1 {
		t.Errorf("handshakes = %d, want 1 (no auto-retry on token_invalid)", n)
	}
}

func TestAgent_ExpiredTokenIsRetried(t *testing.T) {
	t.Parallel()

	var handshakes atomic.Int32
	// First handshake: token_expired. Later ones: accept and hold.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handshakes.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": "token_expired", "message": "token expired"},
			})
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	a, err := New(testAgentConfig(t, brokerWSURL(srv), "http://127.0.0.1:1"), nil)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for a.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatalf("agent did not retry after token_expired: state=%s handshakes=%d",
				a.State(), handshakes.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
