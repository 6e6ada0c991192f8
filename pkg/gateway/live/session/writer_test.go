package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWSWriter struct {
	mu     sync.Mutex
	writes []recordedWrite
	closed bool
}

func (f *fakeWSWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSWriter) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSWriter) WriteControl(messageType int, data []byte, deadline time.Time) error {
	_ = deadline
	return f.WriteMessage(messageType, data)
}

func (f *fakeWSWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWSWriter) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func TestOutboundWriter_PriorityBeatsNormal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priority := make(chan outboundFrame, 1)
	normal := make(chan outboundFrame, 1)

	normal <- outboundFrame{payload: []byte(`{"type":"live_text","text":"hi"}`)}
	priority <- outboundFrame{payload: []byte(`{"type":"pong"}`)}
	close(priority)
	close(normal)

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: priority,
		normal:   normal,
	}

	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("writes=%+v", writes)
	}
	if !strings.Contains(writes[0].data, `"type":"pong"`) {
		t.Fatalf("first write was not pong: %q", writes[0].data)
	}
}

func TestOutboundWriter_NormalFramesKeepOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priority := make(chan outboundFrame)
	normal := make(chan outboundFrame, 16)
	for i := 0; i < 10; i++ {
		normal <- outboundFrame{payload: []byte{byte('a' + i)}}
	}
	close(priority)
	close(normal)

	ws := &fakeWSWriter{}
	w := outboundWriter{ws: ws, ctx: ctx, cfg: Config{PingInterval: time.Hour}, priority: priority, normal: normal}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	var got strings.Builder
	for _, wr := range ws.snapshot() {
		if wr.messageType != websocket.TextMessage {
			t.Fatalf("message type=%d", wr.messageType)
		}
		got.WriteString(wr.data)
	}
	if got.String() != "abcdefghij" {
		t.Fatalf("order=%q", got.String())
	}
}

func TestOutboundWriter_StaleAudioDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priority := make(chan outboundFrame, 1)
	normal := make(chan outboundFrame, 8)

	normal <- outboundFrame{isAudio: true, epoch: 1, payload: []byte(`{"type":"live_audio","audio":"AA=="}`)}
	normal <- outboundFrame{payload: []byte(`{"type":"live_status","status":"barge_in"}`)}
	normal <- outboundFrame{isAudio: true, epoch: 2, payload: []byte(`{"type":"live_audio","audio":"AQ=="}`)}

	close(priority)
	close(normal)

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: priority,
		normal:   normal,
		isStale:  func(epoch int64) bool { return epoch < 2 },
	}

	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("expected two writes, got %d: %+v", len(writes), writes)
	}
	if !strings.Contains(writes[0].data, "barge_in") || !strings.Contains(writes[1].data, "AQ==") {
		t.Fatalf("writes=%+v", writes)
	}
}

func TestOutboundWriter_FlushesAndClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	priority := make(chan outboundFrame, 1)
	normal := make(chan outboundFrame, 4)
	normal <- outboundFrame{payload: []byte(`{"type":"live_status","status":"stopped"}`)}
	cancel()

	ws := &fakeWSWriter{}
	w := outboundWriter{ws: ws, ctx: ctx, cfg: Config{PingInterval: time.Hour, WriteTimeout: time.Second}, priority: priority, normal: normal}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("writes=%+v", writes)
	}
	if !strings.Contains(writes[0].data, "stopped") {
		t.Fatalf("queued frame not flushed: %+v", writes)
	}
	if writes[1].messageType != websocket.CloseMessage {
		t.Fatalf("last write type=%d, want close", writes[1].messageType)
	}
	ws.mu.Lock()
	closed := ws.closed
	ws.mu.Unlock()
	if !closed {
		t.Fatalf("socket not closed")
	}
}

func TestOutboundWriter_SendsPings(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: 5 * time.Millisecond, WriteTimeout: time.Second},
		priority: make(chan outboundFrame),
		normal:   make(chan outboundFrame),
	}
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run() }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pings := 0
		for _, wr := range ws.snapshot() {
			if wr.messageType == websocket.PingMessage {
				pings++
			}
		}
		if pings >= 2 {
			cancel()
			if err := <-errCh; err != nil {
				t.Fatalf("Run() error: %v", err)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no pings written")
}
