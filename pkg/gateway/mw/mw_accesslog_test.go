package mw

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type testBaseWriter struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newTestBaseWriter() *testBaseWriter {
	return &testBaseWriter{header: make(http.Header)}
}

func (w *testBaseWriter) Header() http.Header {
	return w.header
}

func (w *testBaseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
}

func (w *testBaseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.Write(p)
}

type testFlusherWriter struct {
	*testBaseWriter
	flushed bool
}

func (w *testFlusherWriter) Flush() {
	w.flushed = true
}

type testHijackerWriter struct {
	*testBaseWriter
	hijacked bool
}

func (w *testHijackerWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

type testFlusherHijackerWriter struct {
	*testBaseWriter
	flushed  bool
	hijacked bool
}

func (w *testFlusherHijackerWriter) Flush() {
	w.flushed = true
}

func (w *testFlusherHijackerWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func parseSingleLogRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	return rec
}

func withReqID(r *http.Request) *http.Request {
	return r.WithContext(WithRequestID(context.Background(), "req_test"))
}

func TestAccessLog_WriterInterfaces(t *testing.T) {
	cases := []struct {
		name                string
		writer              http.ResponseWriter
		wantFlush, wantHjck bool
	}{
		{"plain", newTestBaseWriter(), false, false},
		{"flusher", &testFlusherWriter{testBaseWriter: newTestBaseWriter()}, true, false},
		{"hijacker", &testHijackerWriter{testBaseWriter: newTestBaseWriter()}, false, true},
		{"both", &testFlusherHijackerWriter{testBaseWriter: newTestBaseWriter()}, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := AccessLog(newTestLogger(&bytes.Buffer{}), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				f, canFlush := w.(http.Flusher)
				hj, canHijack := w.(http.Hijacker)
				if canFlush != tc.wantFlush || canHijack != tc.wantHjck {
					t.Fatalf("flusher=%v hijacker=%v, want %v/%v", canFlush, canHijack, tc.wantFlush, tc.wantHjck)
				}
				if canFlush {
					f.Flush()
				}
				if canHijack {
					if _, _, err := hj.Hijack(); err != nil {
						t.Fatalf("hijack: %v", err)
					}
				}
			}))
			h.ServeHTTP(tc.writer, withReqID(httptest.NewRequest(http.MethodGet, "/ws", nil)))

			switch w := tc.writer.(type) {
			case *testFlusherWriter:
				if !w.flushed {
					t.Fatalf("flush not delegated")
				}
			case *testHijackerWriter:
				if !w.hijacked {
					t.Fatalf("hijack not delegated")
				}
			case *testFlusherHijackerWriter:
				if !w.flushed || !w.hijacked {
					t.Fatalf("flushed=%v hijacked=%v", w.flushed, w.hijacked)
				}
			}
		})
	}
}

func TestAccessLog_LoggedStatus(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		want    int
	}{
		{"explicit", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusCreated) }, http.StatusCreated},
		{"implicit write", func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "ok") }, http.StatusOK},
		{"json error", func(w http.ResponseWriter, r *http.Request) { WriteJSONError(w, http.StatusForbidden, "nope") }, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			AccessLog(newTestLogger(out), tc.handler).ServeHTTP(newTestBaseWriter(), withReqID(httptest.NewRequest(http.MethodGet, "/auth/me", nil)))
			rec := parseSingleLogRecord(t, out)
			if got, ok := rec["status"].(float64); !ok || int(got) != tc.want {
				t.Fatalf("logged status=%v, want %d", rec["status"], tc.want)
			}
		})
	}
}

func TestAccessLog_HijackLogsSwitchingProtocols(t *testing.T) {
	writer := &testHijackerWriter{testBaseWriter: newTestBaseWriter()}
	loggerOut := &bytes.Buffer{}

	h := AccessLog(newTestLogger(loggerOut), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, _ = w.(http.Hijacker).Hijack()
	}))
	h.ServeHTTP(writer, withReqID(httptest.NewRequest(http.MethodGet, "/ws", nil)))

	rec := parseSingleLogRecord(t, loggerOut)
	if got, ok := rec["status"].(float64); !ok || int(got) != http.StatusSwitchingProtocols {
		t.Fatalf("logged status=%v, want 101", rec["status"])
	}
	if rec["request_id"] != "req_test" || rec["path"] != "/ws" {
		t.Fatalf("record=%v", rec)
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/healthz/":      "/healthz",
		"/health":        "/health",
		"/auth/callback": "/auth/callback",
		"/ws":            "/ws",
		"/":              "/",
		"/wp-admin.php":  "other",
	}
	for in, want := range cases {
		if got := RouteLabel(in); got != want {
			t.Fatalf("RouteLabel(%q)=%q, want %q", in, got, want)
		}
	}
}
