package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vango-go/live-gateway/pkg/gateway/agent"
	"github.com/vango-go/live-gateway/pkg/gateway/live/audio"
)

// DefaultSampleRate applies to audio_chunk frames that omit sample_rate.
const DefaultSampleRate = 16000

// Client-facing error messages.
const (
	MsgInvalidJSON       = "Invalid JSON payload"
	MsgNotObject         = "Payload must be a JSON object"
	MsgInvalidText       = "Invalid text payload"
	MsgEmptyMessage      = "Empty message"
	MsgLiveNotStarted    = "Live session not started"
	MsgInvalidAudio      = "Invalid audio payload"
	MsgMissingAudio      = "Missing audio payload"
	MsgInvalidSampleRate = "Invalid sample_rate"
	MsgUnsupportedType   = "Unsupported payload type"
	MsgQueryInProgress   = "Agent query already in progress"
	MsgUnauthorized      = "Unauthorized"

	MsgAgentFailed         = "Agent query failed"
	MsgTranscriptionFailed = "Live transcription failed"
	MsgSynthesisFailed     = "Speech synthesis failed"
	MsgInternalError       = "Internal server error"
	MsgShuttingDown        = "Server is shutting down"
	MsgAudioRateLimited    = "Audio rate limit exceeded"
)

// CloseUnauthorized is the close code for upgrades without a valid session.
const CloseUnauthorized = 4401

const (
	LiveStatusStarted         = "started"
	LiveStatusStopped         = "stopped"
	LiveStatusSpeechPause     = "speech_pause"
	LiveStatusBargeIn         = "barge_in"
	LiveStatusGreetingNoAudio = "greeting_no_audio"
	LiveStatusGreetingError   = "greeting_error"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// ClientMessage returns the text sent back to the client for err.
func ClientMessage(err error) string {
	var de *DecodeError
	if errors.As(err, &de) && de != nil {
		return de.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

type ClientPing struct{}

type ClientUserText struct {
	// Text is trimmed and non-empty.
	Text string
}

type ClientLiveStart struct{}

type ClientLiveStop struct{}

type ClientSpeechPause struct{}

type ClientBargeIn struct{}

// ClientAudioChunk keeps the raw audio fields. They are validated by Chunk,
// which the session only calls once a live session is known to exist.
type ClientAudioChunk struct {
	Audio      json.RawMessage
	SampleRate json.RawMessage
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type audioChunkFields struct {
	Audio      string `validate:"required,base64"`
	SampleRate int    `validate:"gt=0"`
}

// Chunk validates the frame and decodes its audio. Checks run in a fixed
// order so that the first failing one decides the reported message.
func (m ClientAudioChunk) Chunk() (audio.Chunk, error) {
	b64, ok := rawString(m.Audio)
	if !ok {
		return audio.Chunk{}, badRequest(MsgInvalidAudio, "audio")
	}
	rate, ok := parseSampleRate(m.SampleRate)
	if !ok {
		return audio.Chunk{}, badRequest(MsgInvalidSampleRate, "sample_rate")
	}

	err := validate.Struct(audioChunkFields{Audio: b64, SampleRate: rate})
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return audio.Chunk{}, audioFieldError(verrs)
	}
	if err != nil {
		return audio.Chunk{}, badRequest(MsgInvalidAudio, "audio")
	}

	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return audio.Chunk{}, badRequest(MsgInvalidAudio, "audio")
	}
	return audio.Chunk{Data: data, SampleRate: rate}, nil
}

func audioFieldError(verrs validator.ValidationErrors) *DecodeError {
	var audioErr *DecodeError
	for _, fe := range verrs {
		switch fe.Field() {
		case "SampleRate":
			return badRequest(MsgInvalidSampleRate, "sample_rate")
		case "Audio":
			if fe.Tag() == "required" {
				audioErr = badRequest(MsgMissingAudio, "audio")
			} else if audioErr == nil {
				audioErr = badRequest(MsgInvalidAudio, "audio")
			}
		}
	}
	if audioErr == nil {
		audioErr = badRequest(MsgInvalidAudio, "audio")
	}
	return audioErr
}

// parseSampleRate accepts an integral JSON number or a decimal string. An
// absent field means DefaultSampleRate.
func parseSampleRate(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return DefaultSampleRate, true
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return clampInt(i)
		}
		f, err := n.Float64()
		if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return clampInt(int64(f))
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return clampInt(i)
	default:
		return 0, false
	}
}

// rawString decodes raw only when it is a JSON string; null is not a string.
func rawString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func clampInt(i int64) (int, bool) {
	if i > math.MaxInt32 || i < math.MinInt32 {
		return 0, false
	}
	return int(i), true
}

// DecodeClientMessage parses one inbound text frame. Errors are always
// *DecodeError and never close the connection.
func DecodeClientMessage(data []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, badRequest(MsgInvalidJSON, "")
	}
	if _, ok := raw.(map[string]any); !ok {
		return nil, badRequest(MsgNotObject, "")
	}

	var envelope struct {
		Type       json.RawMessage `json:"type"`
		Text       json.RawMessage `json:"text"`
		Audio      json.RawMessage `json:"audio"`
		SampleRate json.RawMessage `json:"sample_rate"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest(MsgInvalidJSON, "")
	}
	var typ string
	_ = json.Unmarshal(envelope.Type, &typ)

	switch typ {
	case "ping":
		return ClientPing{}, nil
	case "user_text":
		text := ""
		if len(envelope.Text) > 0 {
			s, ok := rawString(envelope.Text)
			if !ok {
				return nil, badRequest(MsgInvalidText, "text")
			}
			text = s
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, badRequest(MsgEmptyMessage, "text")
		}
		return ClientUserText{Text: text}, nil
	case "live_start":
		return ClientLiveStart{}, nil
	case "live_stop":
		return ClientLiveStop{}, nil
	case "audio_chunk":
		return ClientAudioChunk{Audio: envelope.Audio, SampleRate: envelope.SampleRate}, nil
	case "speech_pause":
		return ClientSpeechPause{}, nil
	case "barge_in":
		return ClientBargeIn{}, nil
	default:
		return nil, unsupported(MsgUnsupportedType, "type")
	}
}

type ServerPong struct {
	Type string `json:"type"`
}

type ServerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ServerAgentResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
}

type ServerAgentActivity struct {
	Type string `json:"type"`
	agent.Activity
}

type ServerLiveStatus struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Text   string `json:"text,omitempty"`
}

type ServerLiveUserText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerLiveText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerLiveAudio struct {
	Type     string `json:"type"`
	Audio    string `json:"audio"`
	MIMEType string `json:"mime_type"`
}

func Pong() ServerPong { return ServerPong{Type: "pong"} }

func Error(message string) ServerError {
	return ServerError{Type: "error", Message: message}
}

func AgentResponse(resp agent.Response) ServerAgentResponse {
	return ServerAgentResponse{Type: "agent_response", RequestID: resp.RequestID, Text: resp.Text}
}

func AgentActivity(a agent.Activity) ServerAgentActivity {
	return ServerAgentActivity{Type: "agent_activity", Activity: a}
}

func LiveStatus(status, text string) ServerLiveStatus {
	return ServerLiveStatus{Type: "live_status", Status: status, Text: text}
}

func LiveUserText(text string) ServerLiveUserText {
	return ServerLiveUserText{Type: "live_user_text", Text: text}
}

func LiveText(text string) ServerLiveText {
	return ServerLiveText{Type: "live_text", Text: text}
}

// LiveAudio encodes synthesized audio; an empty mimeType becomes audio/pcm.
func LiveAudio(data []byte, mimeType string) ServerLiveAudio {
	if strings.TrimSpace(mimeType) == "" {
		mimeType = "audio/pcm"
	}
	return ServerLiveAudio{Type: "live_audio", Audio: base64.StdEncoding.EncodeToString(data), MIMEType: mimeType}
}
