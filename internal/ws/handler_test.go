package ws

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/feedrelay/internal/admission"
	"github.com/dgnsrekt/feedrelay/internal/event"
	"github.com/dgnsrekt/feedrelay/internal/session"
)

const testOrigin = "http://localhost:5173"

type staticResolver struct{ user string }

func (s staticResolver) Resolve(_ context.Context, credential string) (session.Identity, bool) {
	if credential != "valid" {
		return session.Identity{}, false
	}
	return session.Identity{UserID: s.user}, true
}

type testServer struct {
	hub     *Hub
	limiter *admission.Limiter
	srv     *httptest.Server
	url     string
}

func newTestServer(t *testing.T, limiter *admission.Limiter, cfg HandlerConfig) *testServer {
	t.Helper()
	if cfg.AllowedOrigins == nil {
		cfg.AllowedOrigins = []string{testOrigin}
	}
	hub := NewHub(limiter, 16, zap.NewNop())
	h := NewHandler(hub, limiter, staticResolver{user: "user-7"}, cfg, zap.NewNop())
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hub.Shutdown(ctx)
		srv.Close()
	})
	return &testServer{
		hub:     hub,
		limiter: limiter,
		srv:     srv,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (ts *testServer) dial(t *testing.T, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, resp, err := dialer.Dial(ts.url, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func originHeader(origin string) http.Header {
	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	return h
}

func TestHandlerRejectsBadOrigin(t *testing.T) {
	ts := newTestServer(t, admission.New(10, 10), HandlerConfig{})

	for name, origin := range map[string]string{
		"missing":     "",
		"not listed":  "https://evil.example.com",
		"prefix only": "http://localhost:51730",
	} {
		t.Run(name, func(t *testing.T) {
			_, resp, err := ts.dial(t, originHeader(origin))
			if err == nil {
				t.Fatal("expected handshake failure")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Fatalf("expected 403, got %v", resp)
			}
		})
	}
	if got := ts.limiter.Stats().Global; got != 0 {
		t.Errorf("rejected origins must not take admission slots, global = %d", got)
	}
}

func TestHandlerAdmissionRejection(t *testing.T) {
	ts := newTestServer(t, admission.New(1, 0), HandlerConfig{})

	if _, _, err := ts.dial(t, originHeader(testOrigin)); err != nil {
		t.Fatalf("first dial: %v", err)
	}

	_, resp, err := ts.dial(t, originHeader(testOrigin))
	if err == nil {
		t.Fatal("expected second connection to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", resp)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "too many connections") {
		t.Errorf("body = %q", body)
	}
}

func TestHandlerUpgradeRateLimit(t *testing.T) {
	ts := newTestServer(t, admission.New(0, 0), HandlerConfig{UpgradeRate: 0.001, UpgradeBurst: 1})

	if _, _, err := ts.dial(t, originHeader(testOrigin)); err != nil {
		t.Fatalf("first dial: %v", err)
	}
	_, resp, err := ts.dial(t, originHeader(testOrigin))
	if err == nil || resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for burst overflow, got resp=%v err=%v", resp, err)
	}
}

func TestHandlerDeliversEventsAndReleasesOnClose(t *testing.T) {
	ts := newTestServer(t, admission.New(10, 10), HandlerConfig{SessionCookie: "session"})

	header := originHeader(testOrigin)
	header.Set("Cookie", "session=valid")
	conn, _, err := ts.dial(t, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	eventually(t, "client registered", func() bool { return ts.hub.Count() == 1 })

	clients := ts.hub.snapshot()
	if clients[0].identity == nil || clients[0].identity.UserID != "user-7" {
		t.Errorf("identity = %+v, want user-7", clients[0].identity)
	}

	ts.hub.PublishLocal(event.PostDeleted{ID: "p1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Errorf("message type = %d, want text", msgType)
	}
	if string(raw) != `{"type":"post_deleted","postId":"p1"}` {
		t.Errorf("frame = %s", raw)
	}

	conn.Close()
	eventually(t, "client torn down", func() bool {
		return ts.hub.Count() == 0 && ts.limiter.Stats().Global == 0
	})
}

func TestHandlerAnonymousWithInvalidCredential(t *testing.T) {
	ts := newTestServer(t, admission.New(10, 10), HandlerConfig{SessionCookie: "session"})

	header := originHeader(testOrigin)
	header.Set("Cookie", "session=forged")
	if _, _, err := ts.dial(t, header); err != nil {
		t.Fatalf("invalid credential must not fail the connection: %v", err)
	}
	eventually(t, "client registered", func() bool { return ts.hub.Count() == 1 })
	if id := ts.hub.snapshot()[0].identity; id != nil {
		t.Errorf("identity = %+v, want anonymous", id)
	}
}

func TestHandlerShutdownSendsGoingAway(t *testing.T) {
	ts := newTestServer(t, admission.New(10, 10), HandlerConfig{})
	conn, _, err := ts.dial(t, originHeader(testOrigin))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	eventually(t, "client registered", func() bool { return ts.hub.Count() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ts.hub.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}
