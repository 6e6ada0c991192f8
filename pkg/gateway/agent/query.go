// Package agent forwards one user message to the managed conversational
// agent and turns its event stream into progress activity plus a final
// answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

type ActivityKind string

const (
	ActivityThinking   ActivityKind = "thinking"
	ActivityToolCall   ActivityKind = "tool_call"
	ActivityToolResult ActivityKind = "tool_result"
	ActivityDone       ActivityKind = "done"
)

const (
	thinkingMessage = "Analyzing request..."
	doneMessage     = "Analysis complete"
	thinkingIcon    = "brain"
	doneIcon        = "check-circle-2"
)

type Progress struct {
	TotalToolCalls     int `json:"total_tool_calls"`
	CompletedToolCalls int `json:"completed_tool_calls"`
}

// Activity is one progress event of a query. Tool is nil for thinking and done.
type Activity struct {
	RequestID string       `json:"request_id"`
	Activity  ActivityKind `json:"activity"`
	Tool      *string      `json:"tool"`
	Icon      string       `json:"icon,omitempty"`
	Status    string       `json:"status,omitempty"`
	Message   string       `json:"message"`
	Detail    string       `json:"detail,omitempty"`
	Progress  Progress     `json:"progress"`
}

type Response struct {
	RequestID string
	Text      string
}

type Proxy struct {
	upstream Upstream
	logger   *slog.Logger
	newID    func() string
}

func NewProxy(upstream Upstream, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{upstream: upstream, logger: logger, newID: NewRequestID}
}

// NewRequestID returns "req-" followed by 10 hex characters.
func NewRequestID() string {
	return "req-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// UserID scopes upstream conversation memory to a principal and a connection.
func UserID(sub, conversationID string) string {
	return "live_gateway:" + sub + ":" + conversationID
}

// Query starts a lazy query. Nothing is sent upstream until the first call
// to Next after the initial thinking activity.
func (p *Proxy) Query(ctx context.Context, userID, message string) *Query {
	return &Query{
		ctx:       ctx,
		proxy:     p,
		userID:    userID,
		message:   message,
		requestID: p.newID(),
	}
}

// Run drives a query to completion, passing each activity to emit.
func (p *Proxy) Run(ctx context.Context, userID, message string, emit func(Activity) error) (Response, error) {
	q := p.Query(ctx, userID, message)
	defer q.Close()
	for {
		a, err := q.Next()
		if errors.Is(err, io.EOF) {
			return Response{RequestID: q.RequestID(), Text: q.Answer()}, nil
		}
		if err != nil {
			return Response{RequestID: q.RequestID()}, err
		}
		if emit != nil {
			if err := emit(a); err != nil {
				return Response{RequestID: q.RequestID()}, err
			}
		}
	}
}

type queryStage int

const (
	stageStart queryStage = iota
	stageStreaming
	stageFinished
)

// Query is a single-use activity stream. It is not safe for concurrent use.
type Query struct {
	ctx       context.Context
	proxy     *Proxy
	userID    string
	message   string
	requestID string

	stage    queryStage
	stream   EventStream
	pending  []Activity
	progress Progress
	answer   strings.Builder
	err      error
}

func (q *Query) RequestID() string { return q.requestID }

// Answer is the concatenated text of every text part seen so far, trimmed.
func (q *Query) Answer() string { return strings.TrimSpace(q.answer.String()) }

// Next returns the next activity, io.EOF after done, or the upstream error.
func (q *Query) Next() (Activity, error) {
	if q.err != nil {
		return Activity{}, q.err
	}
	switch q.stage {
	case stageStart:
		q.stage = stageStreaming
		return q.activity(ActivityThinking, nil, thinkingIcon, "", thinkingMessage, ""), nil
	case stageFinished:
		return Activity{}, io.EOF
	}

	for len(q.pending) == 0 {
		if q.stream == nil {
			stream, err := q.proxy.upstream.StreamQuery(q.ctx, q.userID, q.message)
			if err != nil {
				return Activity{}, q.fail(fmt.Errorf("open agent stream: %w", err))
			}
			q.stream = stream
		}
		event, err := q.stream.Next()
		if errors.Is(err, io.EOF) {
			q.closeStream()
			q.stage = stageFinished
			return q.activity(ActivityDone, nil, doneIcon, "", doneMessage, ""), nil
		}
		if err != nil {
			return Activity{}, q.fail(fmt.Errorf("read agent stream: %w", err))
		}
		if err := q.ctx.Err(); err != nil {
			return Activity{}, q.fail(err)
		}
		q.consume(Normalize(event))
	}

	a := q.pending[0]
	q.pending = q.pending[1:]
	return a, nil
}

func (q *Query) consume(parts []Part) {
	for _, p := range parts {
		switch p.Kind {
		case PartText:
			q.answer.WriteString(p.Text)
		case PartToolCall:
			q.progress.TotalToolCalls++
			d := DisplayFor(p.Tool)
			tool := p.Tool
			q.pending = append(q.pending, q.activity(ActivityToolCall, &tool, d.Icon, "", d.Label, ""))
		case PartToolResult:
			q.progress.CompletedToolCalls++
			d := DisplayFor(p.Tool)
			tool := p.Tool
			status := ToolStatus(p.Response)
			msg, detail := d.Label+" - done", ""
			if status == "error" {
				msg, detail = d.Label+" - failed", ErrorDetail(p.Response)
			}
			q.pending = append(q.pending, q.activity(ActivityToolResult, &tool, d.Icon, status, msg, detail))
		default:
			q.proxy.logger.Debug("agent event part skipped", "request_id", q.requestID)
		}
	}
}

func (q *Query) activity(kind ActivityKind, tool *string, icon, status, msg, detail string) Activity {
	return Activity{
		RequestID: q.requestID,
		Activity:  kind,
		Tool:      tool,
		Icon:      icon,
		Status:    status,
		Message:   msg,
		Detail:    detail,
		Progress:  q.progress,
	}
}

func (q *Query) fail(err error) error {
	q.err = err
	q.closeStream()
	return err
}

func (q *Query) closeStream() {
	if q.stream != nil {
		_ = q.stream.Close()
		q.stream = nil
	}
}

// Close releases the upstream stream. Safe to call more than once.
func (q *Query) Close() error {
	q.closeStream()
	return nil
}
