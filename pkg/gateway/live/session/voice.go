package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/live-gateway/pkg/gateway/agent"
	"github.com/vango-go/live-gateway/pkg/gateway/live/audio"
	"github.com/vango-go/live-gateway/pkg/gateway/live/protocol"
	"github.com/vango-go/live-gateway/pkg/gateway/live/speech"
	"github.com/vango-go/live-gateway/pkg/gateway/metrics"
)

var errNotLive = errors.New("live session not started")

// Response triggers, used as metric labels.
const (
	triggerDebounce    = "debounce"
	triggerSpeechPause = "speech_pause"
)

// voiceSession is the live voice state machine of one connection.
//
// Listening means the transcription task runs; Responding means a response
// task exists. At most one response task exists at a time, and
// lastIndex only moves forward. Start, Stop and BargeIn are called from the
// connection's read loop only; the tasks call back into the session under
// mu, which is never held across a send or a wait.
type voiceSession struct {
	cfg       Config
	logger    *slog.Logger
	agent     Agent
	stt       speech.Transcriber
	tts       speech.Synthesizer
	metrics   *metrics.Metrics
	now       func() time.Time
	userID    string
	parent    context.Context
	send      func(ctx context.Context, v any) error
	sendAudio func(ctx context.Context, v any, epoch int64) error
	// failed reports a transcription failure of generation gen to the
	// connection, which tears the session down.
	failed func(ctx context.Context, gen uint64)

	// epoch advances on every interruption; queued audio from older epochs
	// is dropped by the writer.
	epoch atomic.Int64

	mu             sync.Mutex
	live           bool
	gen            uint64
	startedAt      time.Time
	pipe           *audio.Pipe
	transcript     []string
	lastIndex      int
	lastResponseAt time.Time
	transcription  *task
	greeting       *task
	response       *task
	synth          *task
}

// Active reports whether a live session is running.
func (v *voiceSession) Active() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.live
}

// Start begins a live session. It is a no-op while one is already running.
func (v *voiceSession) Start() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.live {
		return
	}

	v.live = true
	v.gen++
	v.startedAt = v.now()
	v.pipe = audio.NewPipe()
	v.transcript = nil
	v.lastIndex = 0
	v.lastResponseAt = time.Time{}

	gen, pipe := v.gen, v.pipe
	v.transcription = startTask(v.parent, v.logger, "transcription", func(ctx context.Context) {
		v.runTranscription(ctx, gen, pipe)
	})
	if strings.TrimSpace(v.cfg.GreetingText) != "" {
		v.greeting = startTask(v.parent, v.logger, "greeting", v.runGreeting)
	}
	v.metrics.RecordLiveSessionStart()
	v.logger.Info("live session started", "generation", gen)
}

// Push relays one inbound audio chunk to the transcription task.
func (v *voiceSession) Push(c audio.Chunk) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.live || v.pipe == nil {
		return errNotLive
	}
	if err := v.pipe.Push(c); err != nil {
		return err
	}
	v.metrics.RecordLiveAudio("in", len(c.Data))
	return nil
}

// Stop ends the live session: it closes the audio stream, cancels every
// task and waits for all of them. It reports whether a session was running.
func (v *voiceSession) Stop(status string) bool {
	v.mu.Lock()
	if !v.live {
		v.mu.Unlock()
		return false
	}
	v.live = false
	v.epoch.Add(1)
	pipe := v.pipe
	tasks := []*task{v.transcription, v.greeting, v.response, v.synth}
	startedAt := v.startedAt
	v.mu.Unlock()

	if pipe != nil {
		pipe.Close()
	}
	cancelAndWait(tasks...)

	v.mu.Lock()
	v.pipe = nil
	v.transcription, v.greeting, v.response, v.synth = nil, nil, nil, nil
	v.mu.Unlock()

	v.metrics.RecordLiveSessionEnd(status, v.now().Sub(startedAt))
	v.logger.Info("live session stopped", "status", status)
	return true
}

// StopGeneration stops the session only if it is still generation gen.
func (v *voiceSession) StopGeneration(gen uint64, status string) bool {
	v.mu.Lock()
	current := v.live && v.gen == gen
	v.mu.Unlock()
	if !current {
		return false
	}
	return v.Stop(status)
}

// BargeIn interrupts the greeting and any response in progress. The
// transcription task keeps running.
func (v *voiceSession) BargeIn() {
	v.mu.Lock()
	v.epoch.Add(1)
	greeting, response, synth := v.greeting, v.response, v.synth
	v.mu.Unlock()

	cancelAndWait(greeting, response, synth)

	v.mu.Lock()
	if v.greeting == greeting {
		v.greeting = nil
	}
	if v.response == response {
		v.response = nil
	}
	if v.synth == synth {
		v.synth = nil
	}
	v.mu.Unlock()
	v.metrics.RecordBargeIn()
}

// SpeechPause starts a response right away unless one is already running.
func (v *voiceSession) SpeechPause() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.startResponseLocked(triggerSpeechPause)
}

func (v *voiceSession) isStale(epoch int64) bool {
	return epoch < v.epoch.Load()
}

func (v *voiceSession) startResponseLocked(trigger string) bool {
	if !v.live || v.response != nil {
		return false
	}
	var self *task
	ready := make(chan struct{})
	self = startTask(v.parent, v.logger, "response", func(ctx context.Context) {
		<-ready
		defer func() {
			v.mu.Lock()
			if v.response == self {
				v.response = nil
			}
			v.mu.Unlock()
		}()
		v.runResponse(ctx)
	})
	v.response = self
	close(ready)
	v.metrics.RecordResponseTriggered(trigger)
	return true
}

func (v *voiceSession) runTranscription(ctx context.Context, gen uint64, pipe *audio.Pipe) {
	err := v.stt.Transcribe(ctx, pipe, func(text string) error {
		return v.onTranscript(ctx, text)
	})
	if err == nil || ctx.Err() != nil {
		return
	}
	v.logger.Error("live transcription failed", "error", err)
	v.metrics.RecordError("transcription")
	_ = v.send(ctx, protocol.Error(protocol.MsgTranscriptionFailed))
	if v.failed != nil {
		v.failed(ctx, gen)
	}
}

func (v *voiceSession) onTranscript(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	v.mu.Lock()
	v.transcript = append(v.transcript, text)
	joined := strings.TrimSpace(strings.Join(v.transcript, " "))
	v.mu.Unlock()

	if err := v.send(ctx, protocol.LiveUserText(joined)); err != nil {
		return err
	}

	v.mu.Lock()
	if v.response == nil && v.now().Sub(v.lastResponseAt) > v.cfg.DebounceInterval {
		v.startResponseLocked(triggerDebounce)
	}
	v.mu.Unlock()
	return nil
}

// runResponse consumes the transcript not yet answered, queries the agent
// once and speaks the answer.
func (v *voiceSession) runResponse(ctx context.Context) {
	v.mu.Lock()
	pending := strings.TrimSpace(strings.Join(v.transcript[v.lastIndex:], " "))
	if pending == "" {
		v.mu.Unlock()
		return
	}
	v.lastIndex = len(v.transcript)
	v.mu.Unlock()

	start := v.now()
	resp, err := v.agent.Run(ctx, v.userID, pending, func(a agent.Activity) error {
		return v.send(ctx, protocol.AgentActivity(a))
	})
	if ctx.Err() != nil {
		v.metrics.RecordAgentQuery("voice", "canceled", v.now().Sub(start))
		return
	}
	if err != nil {
		v.metrics.RecordAgentQuery("voice", "error", v.now().Sub(start))
		v.metrics.RecordError("agent")
		v.logger.Error("voice agent query failed", "request_id", resp.RequestID, "error", err)
		_ = v.send(ctx, protocol.Error(protocol.MsgAgentFailed))
		return
	}
	v.metrics.RecordAgentQuery("voice", "ok", v.now().Sub(start))

	if err := v.send(ctx, protocol.AgentResponse(resp)); err != nil {
		return
	}
	if resp.Text != "" {
		if err := v.send(ctx, protocol.LiveText(resp.Text)); err != nil {
			return
		}
		if !v.speak(ctx, resp.Text) {
			return
		}
	}

	v.mu.Lock()
	v.lastResponseAt = v.now()
	v.mu.Unlock()
}

// speak runs synthesis as the session's synthesis task and waits for it.
// It reports whether playback finished without interruption or error.
func (v *voiceSession) speak(ctx context.Context, text string) bool {
	epoch := v.epoch.Load()
	var ok atomic.Bool

	v.mu.Lock()
	if !v.live || ctx.Err() != nil {
		v.mu.Unlock()
		return false
	}
	synth := startTask(ctx, v.logger, "synthesis", func(sctx context.Context) {
		_, err := v.synthesize(sctx, text, epoch)
		if sctx.Err() != nil {
			return
		}
		if err != nil {
			v.logger.Error("speech synthesis failed", "error", err)
			v.metrics.RecordError("synthesis")
			_ = v.send(sctx, protocol.Error(protocol.MsgSynthesisFailed))
			return
		}
		ok.Store(true)
	})
	v.synth = synth
	v.mu.Unlock()

	synth.Wait()

	v.mu.Lock()
	if v.synth == synth {
		v.synth = nil
	}
	v.mu.Unlock()
	return ok.Load() && ctx.Err() == nil
}

// synthesize streams audio for text to the client and reports whether any
// audio was produced.
func (v *voiceSession) synthesize(ctx context.Context, text string, epoch int64) (bool, error) {
	var gotAudio bool
	err := v.tts.Synthesize(ctx, text, func(out speech.Output) error {
		if len(out.Audio) == 0 {
			return nil
		}
		gotAudio = true
		v.metrics.RecordLiveAudio("out", len(out.Audio))
		return v.sendAudio(ctx, protocol.LiveAudio(out.Audio, out.MIMEType), epoch)
	})
	return gotAudio, err
}

func (v *voiceSession) runGreeting(ctx context.Context) {
	text := v.cfg.GreetingText
	if err := v.send(ctx, protocol.LiveText(text)); err != nil {
		return
	}
	gotAudio, err := v.synthesize(ctx, text, v.epoch.Load())
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		v.logger.Warn("greeting synthesis failed", "error", err)
		_ = v.send(ctx, protocol.LiveText(text))
		_ = v.send(ctx, protocol.LiveStatus(protocol.LiveStatusGreetingError, text))
		return
	}
	if !gotAudio {
		_ = v.send(ctx, protocol.LiveStatus(protocol.LiveStatusGreetingNoAudio, text))
	}
}
