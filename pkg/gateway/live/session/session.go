// Package session runs one live gateway WebSocket connection: the inbound
// read loop, the outbound writer and the live voice state machine.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/vango-go/live-gateway/pkg/gateway/agent"
	"github.com/vango-go/live-gateway/pkg/gateway/live/protocol"
	"github.com/vango-go/live-gateway/pkg/gateway/live/speech"
	"github.com/vango-go/live-gateway/pkg/gateway/metrics"
)

var errConnClosed = errors.New("live connection closed")

// Agent runs one agent query; *agent.Proxy implements it.
type Agent interface {
	Run(ctx context.Context, userID, message string, emit func(agent.Activity) error) (agent.Response, error)
}

type Config struct {
	DebounceInterval  time.Duration
	GreetingText      string
	MaxMessageBytes   int64
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	OutboundQueueSize int

	// Inbound audio_chunk limits; zero disables a limit.
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	AudioBurstSeconds      int
}

type Dependencies struct {
	Conn        *websocket.Conn
	Logger      *slog.Logger
	Agent       Agent
	Transcriber speech.Transcriber
	Synthesizer speech.Synthesizer
	Metrics     *metrics.Metrics
	// UserID scopes the upstream agent conversation to this connection.
	UserID string
	Config Config
	Now    func() time.Time
}

// Connection coordinates one accepted WebSocket.
type Connection struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	agent   Agent
	metrics *metrics.Metrics
	userID  string
	cfg     Config
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
	writerDone       chan struct{}

	voice        *voiceSession
	voiceFailed  chan uint64
	audioLimiter *inboundAudioLimiter

	textMu sync.Mutex
	text   *task
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*Connection, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if deps.Transcriber == nil {
		return nil, fmt.Errorf("transcriber is required")
	}
	if deps.Synthesizer == nil {
		return nil, fmt.Errorf("synthesizer is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 256
	}
	if deps.Config.DebounceInterval <= 0 {
		deps.Config.DebounceInterval = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:             deps.Conn,
		logger:           deps.Logger,
		agent:            deps.Agent,
		metrics:          deps.Metrics,
		userID:           deps.UserID,
		cfg:              deps.Config,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, 16),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		writerDone:       make(chan struct{}),
		voiceFailed:      make(chan uint64),
		audioLimiter:     newInboundAudioLimiter(deps.Now, deps.Config.MaxAudioFPS, deps.Config.MaxAudioBytesPerSecond, deps.Config.AudioBurstSeconds),
	}
	c.voice = &voiceSession{
		cfg:       deps.Config,
		logger:    deps.Logger,
		agent:     deps.Agent,
		stt:       deps.Transcriber,
		tts:       deps.Synthesizer,
		metrics:   deps.Metrics,
		now:       deps.Now,
		userID:    deps.UserID,
		parent:    ctx,
		send:      c.send,
		sendAudio: c.sendAudio,
		failed:    c.reportVoiceFailure,
	}
	return c, nil
}

// Run serves the connection until the client disconnects, Cancel is called
// or a fatal error occurs. Every task the connection started has exited
// when Run returns.
func (c *Connection) Run() error {
	defer c.cancel()

	if c.cfg.MaxMessageBytes > 0 {
		c.conn.SetReadLimit(c.cfg.MaxMessageBytes)
	}
	if c.cfg.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 16)
	writerErrCh := make(chan error, 1)
	go c.readLoop(readCh)
	go func() {
		defer close(c.writerDone)
		w := outboundWriter{
			ws:       c.conn,
			ctx:      c.ctx,
			cfg:      c.cfg,
			priority: c.outboundPriority,
			normal:   c.outboundNormal,
			isStale:  c.voice.isStale,
		}
		writerErrCh <- w.Run()
	}()

	err := c.serve(readCh, writerErrCh)
	c.teardown()
	return err
}

func (c *Connection) serve(readCh <-chan inboundFrame, writerErrCh <-chan error) error {
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case err := <-writerErrCh:
			if err != nil {
				c.logger.Debug("live writer stopped", "error", err)
			}
			return nil
		case gen := <-c.voiceFailed:
			if c.voice.StopGeneration(gen, "failed") {
				if err := c.send(c.ctx, protocol.LiveStatus(protocol.LiveStatusStopped, "")); err != nil {
					return nil
				}
			}
		case frame, ok := <-readCh:
			if !ok {
				return nil
			}
			if frame.err != nil {
				if !websocket.IsCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					c.logger.Debug("live read ended", "error", frame.err)
				}
				return nil
			}
			err := c.dispatch(frame)
			if err == nil {
				continue
			}
			if errors.Is(err, errConnClosed) {
				return nil
			}
			c.logger.Error("live connection failed", "error", err)
			c.metrics.RecordError("internal")
			_ = c.sendPriority(protocol.Error(protocol.MsgInternalError))
			return err
		}
	}
}

func (c *Connection) dispatch(frame inboundFrame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("live dispatch panic: %v", r)
		}
	}()

	if frame.messageType != websocket.TextMessage {
		c.metrics.RecordFrame("in", "binary")
		return c.reject(protocol.MsgInvalidJSON)
	}
	msg, decodeErr := protocol.DecodeClientMessage(frame.data)
	if decodeErr != nil {
		c.metrics.RecordFrame("in", "invalid")
		return c.reject(protocol.ClientMessage(decodeErr))
	}

	switch m := msg.(type) {
	case protocol.ClientPing:
		c.metrics.RecordFrame("in", "ping")
		return c.sendPriority(protocol.Pong())
	case protocol.ClientUserText:
		c.metrics.RecordFrame("in", "user_text")
		return c.startTextQuery(m.Text)
	case protocol.ClientLiveStart:
		c.metrics.RecordFrame("in", "live_start")
		c.voice.Start()
		return c.send(c.ctx, protocol.LiveStatus(protocol.LiveStatusStarted, ""))
	case protocol.ClientLiveStop:
		c.metrics.RecordFrame("in", "live_stop")
		c.voice.Stop("stopped")
		return c.send(c.ctx, protocol.LiveStatus(protocol.LiveStatusStopped, ""))
	case protocol.ClientAudioChunk:
		c.metrics.RecordFrame("in", "audio_chunk")
		if !c.voice.Active() {
			return c.reject(protocol.MsgLiveNotStarted)
		}
		chunk, err := m.Chunk()
		if err != nil {
			return c.reject(protocol.ClientMessage(err))
		}
		if !c.audioLimiter.Allow(len(chunk.Data)) {
			c.metrics.RecordRateLimitHit("audio")
			return c.reject(protocol.MsgAudioRateLimited)
		}
		if err := c.voice.Push(chunk); err != nil {
			return c.reject(protocol.MsgLiveNotStarted)
		}
		return nil
	case protocol.ClientSpeechPause:
		c.metrics.RecordFrame("in", "speech_pause")
		c.voice.SpeechPause()
		return c.send(c.ctx, protocol.LiveStatus(protocol.LiveStatusSpeechPause, ""))
	case protocol.ClientBargeIn:
		c.metrics.RecordFrame("in", "barge_in")
		c.voice.BargeIn()
		return c.send(c.ctx, protocol.LiveStatus(protocol.LiveStatusBargeIn, ""))
	default:
		return fmt.Errorf("unhandled client message %T", msg)
	}
}

// reject reports a protocol error; the connection stays open.
func (c *Connection) reject(message string) error {
	c.metrics.RecordError("protocol")
	return c.send(c.ctx, protocol.Error(message))
}

func (c *Connection) startTextQuery(text string) error {
	c.textMu.Lock()
	if c.text.Running() {
		c.textMu.Unlock()
		return c.reject(protocol.MsgQueryInProgress)
	}
	c.text = startTask(c.ctx, c.logger, "user_text", func(ctx context.Context) {
		c.runTextQuery(ctx, text)
	})
	c.textMu.Unlock()
	return nil
}

func (c *Connection) runTextQuery(ctx context.Context, text string) {
	start := c.now()
	resp, err := c.agent.Run(ctx, c.userID, text, func(a agent.Activity) error {
		return c.send(ctx, protocol.AgentActivity(a))
	})
	if ctx.Err() != nil {
		c.metrics.RecordAgentQuery("text", "canceled", c.now().Sub(start))
		return
	}
	if err != nil {
		c.metrics.RecordAgentQuery("text", "error", c.now().Sub(start))
		c.metrics.RecordError("agent")
		c.logger.Error("agent query failed", "request_id", resp.RequestID, "error", err)
		_ = c.send(ctx, protocol.Error(protocol.MsgAgentFailed))
		return
	}
	c.metrics.RecordAgentQuery("text", "ok", c.now().Sub(start))
	_ = c.send(ctx, protocol.AgentResponse(resp))
}

func (c *Connection) reportVoiceFailure(ctx context.Context, gen uint64) {
	select {
	case c.voiceFailed <- gen:
	case <-ctx.Done():
	case <-c.ctx.Done():
	}
}

// teardown stops the live session and the text query, then lets the writer
// flush and close the socket.
func (c *Connection) teardown() {
	c.voice.Stop("disconnected")

	c.textMu.Lock()
	text := c.text
	c.textMu.Unlock()
	cancelAndWait(text)

	c.cancel()
	wait := 250 * time.Millisecond
	if c.cfg.WriteTimeout > 0 && c.cfg.WriteTimeout < wait {
		wait = c.cfg.WriteTimeout
	}
	timer := time.NewTimer(2 * wait)
	defer timer.Stop()
	select {
	case <-c.writerDone:
	case <-timer.C:
	}
}

// Cancel asks Run to tear the connection down.
func (c *Connection) Cancel() {
	if c == nil || c.cancel == nil {
		return
	}
	c.cancel()
}

// Notify sends an error frame outside the normal flow, e.g. when the
// gateway starts draining.
func (c *Connection) Notify(message string) error {
	if c == nil {
		return nil
	}
	return c.sendPriority(protocol.Error(message))
}

func (c *Connection) send(ctx context.Context, v any) error {
	return c.enqueue(ctx, c.outboundNormal, v, false, 0)
}

func (c *Connection) sendAudio(ctx context.Context, v any, epoch int64) error {
	return c.enqueue(ctx, c.outboundNormal, v, true, epoch)
}

func (c *Connection) sendPriority(v any) error {
	return c.enqueue(c.ctx, c.outboundPriority, v, false, 0)
}

func (c *Connection) enqueue(ctx context.Context, ch chan<- outboundFrame, v any, isAudio bool, epoch int64) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	frame := outboundFrame{payload: payload, isAudio: isAudio, epoch: epoch}
	select {
	case ch <- frame:
		c.metrics.RecordFrame("out", gjson.GetBytes(payload, "type").String())
		return nil
	case <-ctx.Done():
		return errConnClosed
	case <-c.ctx.Done():
		return errConnClosed
	case <-c.writerDone:
		return errConnClosed
	}
}

func (c *Connection) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-c.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-c.ctx.Done():
			return
		}
	}
}
