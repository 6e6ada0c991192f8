package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/live-gateway/pkg/gateway/config"
	"github.com/vango-go/live-gateway/pkg/gateway/lifecycle"
	"github.com/vango-go/live-gateway/pkg/gateway/live/sessions"
	"github.com/vango-go/live-gateway/pkg/gateway/metrics"
	"github.com/vango-go/live-gateway/pkg/gateway/ratelimit"
	"github.com/vango-go/live-gateway/pkg/gateway/signedtoken"
)

type liveTestOptions struct {
	oidcEnabled bool
	origins     map[string]struct{}
	maxConns    int
}

type liveTestHarness struct {
	url       string
	agent     *echoAgent
	codec     *signedtoken.Codec
	lifecycle *lifecycle.Lifecycle
	tracker   *sessions.Tracker
}

func newLiveTestServer(t *testing.T, opts liveTestOptions) *liveTestHarness {
	t.Helper()
	authn, codec := newAuthenticator(opts.oidcEnabled)
	cfg := config.Config{
		LiveDebounceInterval:  2 * time.Second,
		LiveMaxMessageBytes:   1 << 20,
		LiveWSPingInterval:    time.Minute,
		LiveWSWriteTimeout:    time.Second,
		LiveOutboundQueueSize: 64,
		CORSAllowedOrigins:    opts.origins,
		CORSAllowAll:          len(opts.origins) == 0,
	}
	h := &liveTestHarness{
		agent:     &echoAgent{},
		codec:     codec,
		lifecycle: &lifecycle.Lifecycle{},
		tracker:   sessions.NewTracker(),
	}
	handler := LiveHandler{
		Config:       cfg,
		Logger:       discardLogger(),
		Auth:         authn,
		Agent:        h.agent,
		Transcriber:  idleSpeech{},
		Synthesizer:  idleSpeech{},
		Limiter:      ratelimit.New(ratelimit.Config{MaxConcurrentConnections: opts.maxConns}),
		Lifecycle:    h.lifecycle,
		LiveSessions: h.tracker,
		Metrics:      metrics.New(""),
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	h.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return h
}

func dialLive(t *testing.T, url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func mustDialWS(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := dialLive(t, url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func mustReadJSON(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func mustWriteJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func cookieHeader(c *http.Cookie) http.Header {
	return http.Header{"Cookie": []string{c.String()}}
}

func TestLiveHandler_AnonymousWhenAuthDisabled(t *testing.T) {
	h := newLiveTestServer(t, liveTestOptions{})
	conn := mustDialWS(t, h.url, nil)

	mustWriteJSON(t, conn, map[string]any{"type": "ping"})
	if msg := mustReadJSON(t, conn, 2*time.Second); msg["type"] != "pong" {
		t.Fatalf("msg=%v", msg)
	}

	mustWriteJSON(t, conn, map[string]any{"type": "user_text", "text": "hi"})
	if msg := mustReadJSON(t, conn, 2*time.Second); msg["type"] != "agent_activity" {
		t.Fatalf("msg=%v", msg)
	}
	resp := mustReadJSON(t, conn, 2*time.Second)
	if resp["type"] != "agent_response" || resp["text"] != "echo: hi" {
		t.Fatalf("resp=%v", resp)
	}

	users := h.agent.userIDs()
	if len(users) != 1 || !strings.HasPrefix(users[0], "live_gateway:anonymous:") || len(users[0]) != len("live_gateway:anonymous:")+10 {
		t.Fatalf("user ids=%q", users)
	}
}

func TestLiveHandler_UnauthorizedClose4401(t *testing.T) {
	h := newLiveTestServer(t, liveTestOptions{oidcEnabled: true})
	conn := mustDialWS(t, h.url, nil)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, 4401) {
		t.Fatalf("err=%v, want close 4401", err)
	}
	if ce, ok := err.(*websocket.CloseError); !ok || ce.Text != "Unauthorized" {
		t.Fatalf("close=%v", err)
	}
}

func TestLiveHandler_SessionCookieScopesUserID(t *testing.T) {
	h := newLiveTestServer(t, liveTestOptions{oidcEnabled: true})
	conn := mustDialWS(t, h.url, cookieHeader(sessionCookie(t, h.codec, "sub-9")))

	mustWriteJSON(t, conn, map[string]any{"type": "user_text", "text": "hello"})
	for i := 0; i < 2; i++ {
		mustReadJSON(t, conn, 2*time.Second)
	}
	users := h.agent.userIDs()
	if len(users) != 1 || !strings.HasPrefix(users[0], "live_gateway:sub-9:") {
		t.Fatalf("user ids=%q", users)
	}
}

func TestLiveHandler_DrainingRefuses(t *testing.T) {
	h := newLiveTestServer(t, liveTestOptions{})
	h.lifecycle.SetDraining(true)

	_, resp, err := dialLive(t, h.url, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp=%v", resp)
	}
}

func TestLiveHandler_OriginCheck(t *testing.T) {
	h := newLiveTestServer(t, liveTestOptions{origins: map[string]struct{}{"https://app.example.com": {}}})

	_, resp, err := dialLive(t, h.url, http.Header{"Origin": []string{"https://evil.example.com"}})
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("err=%v resp=%v", err, resp)
	}

	conn := mustDialWS(t, h.url, http.Header{"Origin": []string{"https://app.example.com"}})
	mustWriteJSON(t, conn, map[string]any{"type": "ping"})
	if msg := mustReadJSON(t, conn, 2*time.Second); msg["type"] != "pong" {
		t.Fatalf("msg=%v", msg)
	}
}

func TestLiveHandler_ConnectionCapPerPrincipal(t *testing.T) {
	h := newLiveTestServer(t, liveTestOptions{oidcEnabled: true, maxConns: 1})
	cookie := cookieHeader(sessionCookie(t, h.codec, "sub-1"))

	first := mustDialWS(t, h.url, cookie)
	mustWriteJSON(t, first, map[string]any{"type": "ping"})
	mustReadJSON(t, first, 2*time.Second)

	_, resp, err := dialLive(t, h.url, cookie)
	if err == nil || resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("err=%v resp=%v", err, resp)
	}

	other := mustDialWS(t, h.url, cookieHeader(sessionCookie(t, h.codec, "sub-2")))
	mustWriteJSON(t, other, map[string]any{"type": "ping"})
	if msg := mustReadJSON(t, other, 2*time.Second); msg["type"] != "pong" {
		t.Fatalf("msg=%v", msg)
	}
}

func TestLiveHandler_DrainNotifiesAndCancels(t *testing.T) {
	h := newLiveTestServer(t, liveTestOptions{})
	conn := mustDialWS(t, h.url, nil)
	mustWriteJSON(t, conn, map[string]any{"type": "ping"})
	mustReadJSON(t, conn, 2*time.Second)

	if n := h.tracker.Count(); n != 1 {
		t.Fatalf("tracked=%d, want 1", n)
	}
	if sent := h.tracker.NotifyAll("Server is shutting down"); sent != 1 {
		t.Fatalf("notified=%d", sent)
	}
	msg := mustReadJSON(t, conn, 2*time.Second)
	if msg["type"] != "error" || msg["message"] != "Server is shutting down" {
		t.Fatalf("msg=%v", msg)
	}

	h.tracker.CancelAll()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("err=%v, want normal close", err)
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !h.tracker.Wait(waitCtx) {
		t.Fatalf("connection did not unregister")
	}
}
