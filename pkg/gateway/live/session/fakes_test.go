package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/live-gateway/pkg/gateway/agent"
	"github.com/vango-go/live-gateway/pkg/gateway/live/speech"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeTranscriber records every chunk it reads and emits whatever text the
// test pushes on texts.
type fakeTranscriber struct {
	texts chan string
	fail  chan error

	starts atomic.Int32
	active atomic.Int32

	mu     sync.Mutex
	chunks [][]byte
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{texts: make(chan string), fail: make(chan error)}
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, src speech.AudioSource, emit func(string) error) error {
	f.starts.Add(1)
	f.active.Add(1)
	defer f.active.Add(-1)

	audioDone := make(chan error, 1)
	readCtx, stopReading := context.WithCancel(ctx)
	defer func() {
		stopReading()
		<-audioDone
	}()
	go func() {
		for {
			c, err := src.Recv(readCtx)
			if err != nil {
				audioDone <- err
				return
			}
			f.mu.Lock()
			f.chunks = append(f.chunks, c.Data)
			f.mu.Unlock()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-audioDone:
			audioDone <- err
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case text := <-f.texts:
			if err := emit(text); err != nil {
				return err
			}
		case err := <-f.fail:
			return err
		}
	}
}

func (f *fakeTranscriber) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.chunks))
	copy(out, f.chunks)
	return out
}

// say hands text to the running transcription task.
func (f *fakeTranscriber) say(t *testing.T, text string) {
	t.Helper()
	select {
	case f.texts <- text:
	case <-time.After(2 * time.Second):
		t.Fatalf("transcriber did not accept %q", text)
	}
}

type fakeAgent struct {
	// block, when non-nil, holds every query until it is closed or the
	// query is cancelled.
	block chan struct{}
	err   error

	calls     atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
	canceled  atomic.Int32

	mu       sync.Mutex
	messages []string
	users    []string
}

func (f *fakeAgent) Run(ctx context.Context, userID, message string, emit func(agent.Activity) error) (agent.Response, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.messages = append(f.messages, message)
	f.users = append(f.users, userID)
	f.mu.Unlock()

	const requestID = "req-test"
	if err := emit(agent.Activity{RequestID: requestID, Activity: agent.ActivityThinking, Message: "Analyzing request..."}); err != nil {
		return agent.Response{RequestID: requestID}, err
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			f.canceled.Add(1)
			return agent.Response{RequestID: requestID}, ctx.Err()
		}
	}
	if f.err != nil {
		return agent.Response{RequestID: requestID}, f.err
	}
	if err := emit(agent.Activity{RequestID: requestID, Activity: agent.ActivityDone, Message: "Analysis complete"}); err != nil {
		return agent.Response{RequestID: requestID}, err
	}
	return agent.Response{RequestID: requestID, Text: "answer: " + message}, nil
}

func (f *fakeAgent) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

type fakeSynthesizer struct {
	audio [][]byte
	err   error
	// block holds synthesis until ctx is cancelled, after emitting audio.
	block bool

	active   atomic.Int32
	canceled atomic.Int32

	mu    sync.Mutex
	texts []string
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string, emit func(speech.Output) error) error {
	f.active.Add(1)
	defer f.active.Add(-1)

	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()

	for _, a := range f.audio {
		if err := emit(speech.Output{Audio: a}); err != nil {
			return err
		}
	}
	if f.block {
		<-ctx.Done()
		f.canceled.Add(1)
		return ctx.Err()
	}
	return f.err
}

func (f *fakeSynthesizer) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type sentFrame struct {
	fields map[string]any
	audio  bool
	epoch  int64
}

// frameRecorder stands in for the connection's outbound queue.
type frameRecorder struct {
	mu     sync.Mutex
	frames []sentFrame
}

func (r *frameRecorder) send(ctx context.Context, v any) error {
	return r.record(ctx, v, false, 0)
}

func (r *frameRecorder) sendAudio(ctx context.Context, v any, epoch int64) error {
	return r.record(ctx, v, true, epoch)
}

func (r *frameRecorder) record(ctx context.Context, v any, audio bool, epoch int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	r.mu.Lock()
	r.frames = append(r.frames, sentFrame{fields: fields, audio: audio, epoch: epoch})
	r.mu.Unlock()
	return nil
}

func (r *frameRecorder) snapshot() []sentFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentFrame(nil), r.frames...)
}

func (r *frameRecorder) types() []string {
	var out []string
	for _, f := range r.snapshot() {
		typ, _ := f.fields["type"].(string)
		if s, ok := f.fields["status"].(string); ok {
			typ += ":" + s
		}
		out = append(out, typ)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
