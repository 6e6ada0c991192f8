package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordRequest("/healthz", http.MethodGet, 200, time.Millisecond)
	m.RecordConnection("accepted")()
	m.RecordFrame("in", "ping")
	m.RecordLiveSessionStart()
	m.RecordLiveSessionEnd("stopped", time.Second)
	m.RecordLiveAudio("in", 10)
	m.RecordResponseTriggered("debounce")
	m.RecordBargeIn()
	m.RecordAgentQuery("text", "ok", time.Second)
	m.RecordError("protocol")
	m.RecordRateLimitHit("requests")
	if m.Registry() != nil {
		t.Fatalf("nil metrics returned a registry")
	}

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestRecordConnection_TracksActiveGauge(t *testing.T) {
	m := New("test")
	done := m.RecordConnection("accepted")
	m.RecordConnection("unauthorized")()

	if got := gaugeValue(t, m, "test_ws_connections_active"); got != 1 {
		t.Fatalf("active=%v, want 1", got)
	}
	done()
	if got := gaugeValue(t, m, "test_ws_connections_active"); got != 0 {
		t.Fatalf("active=%v, want 0", got)
	}
}

func TestHandler_ExposesCollectors(t *testing.T) {
	m := New("")
	m.RecordAgentQuery("voice", "ok", 2*time.Second)
	m.RecordLiveAudio("in", 320)
	m.RecordLiveAudio("out", 0)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`live_gateway_agent_queries_total{outcome="ok",source="voice"} 1`,
		`live_gateway_live_audio_bytes_total{direction="in"} 320`,
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
	if strings.Contains(text, `direction="out"`) {
		t.Fatalf("zero-byte audio should not create a series")
	}
}

func gaugeValue(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			return metric.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
