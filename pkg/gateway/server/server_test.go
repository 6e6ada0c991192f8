package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/live-gateway/pkg/gateway/agent"
	"github.com/vango-go/live-gateway/pkg/gateway/config"
	"github.com/vango-go/live-gateway/pkg/gateway/live/speech"
)

type stubAgent struct{}

func (stubAgent) Run(ctx context.Context, userID, message string, emit func(agent.Activity) error) (agent.Response, error) {
	return agent.Response{RequestID: "req-1", Text: "ok"}, nil
}

type stubSpeech struct{}

func (stubSpeech) Transcribe(ctx context.Context, src speech.AudioSource, emit func(string) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stubSpeech) Synthesize(ctx context.Context, text string, emit func(speech.Output) error) error {
	return nil
}

func testConfig() config.Config {
	return config.Config{
		CORSAllowedOrigins:     map[string]struct{}{},
		CORSAllowAll:           true,
		LiveDebounceInterval:   2 * time.Second,
		LiveMaxMessageBytes:    1 << 20,
		LiveWSPingInterval:     20 * time.Second,
		LiveWSWriteTimeout:     5 * time.Second,
		LiveOutboundQueueSize:  64,
		LimitRPS:               10,
		LimitBurst:             20,
		WSMaxConnsPerPrincipal: 2,
		UpstreamConnectTimeout: time.Second,
		UpstreamHeaderTimeout:  time.Second,
		OIDC: config.OIDCConfig{
			SessionCookieName: config.DefaultSessionCookie,
			StateCookieName:   config.DefaultStateCookie,
			DiscoveryTTL:      time.Hour,
		},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), slog.New(slog.NewJSONHandler(io.Discard, nil)), Backends{
		Agent:       stubAgent{},
		Transcriber: stubSpeech{},
		Synthesizer: stubSpeech{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNew_RequiresBackends(t *testing.T) {
	if _, err := New(testConfig(), nil, Backends{}); err == nil {
		t.Fatalf("expected error without backends")
	}
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"status":"error"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID on every response")
	}
}

func TestServer_ProbeRoutes(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	for _, path := range []string{"/healthz", "/healthz/", "/health", "/health/", "/ping", "/readyz"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d body=%q", path, rr.Code, rr.Body.String())
		}
	}
}

func TestServer_AuthRoutes(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/me", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"sub":"anonymous"`) {
		t.Fatalf("me status=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/logout", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET logout status=%d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
	if rr.Code != http.StatusFound {
		t.Fatalf("POST logout status=%d", rr.Code)
	}
}

func TestServer_MetricsRoute(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "live_gateway_http_requests_total") {
		t.Fatalf("metrics body missing request counter: %q", rr.Body.String())
	}
}

func TestServer_DrainLifecycle(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var msg map[string]any
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil || msg["type"] != "pong" {
		t.Fatalf("msg=%v err=%v", msg, err)
	}

	s.SetDraining()
	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz status=%d", resp.StatusCode)
	}

	if n := s.WarnLiveSessionsDraining(); n != 1 {
		t.Fatalf("warned=%d", n)
	}
	if err := conn.ReadJSON(&msg); err != nil || msg["message"] != "Server is shutting down" {
		t.Fatalf("msg=%v err=%v", msg, err)
	}

	s.CancelLiveSessions()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !s.WaitLiveSessions(ctx) {
		t.Fatalf("live sessions did not finish")
	}
}
