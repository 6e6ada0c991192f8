// Package speech provides streaming transcription and synthesis for live
// voice sessions.
package speech

import (
	"context"

	"github.com/vango-go/live-gateway/pkg/gateway/live/audio"
)

// DefaultAudioMIMEType is reported for synthesized audio that carries no type.
const DefaultAudioMIMEType = "audio/pcm"

// AudioSource yields captured audio until io.EOF.
type AudioSource interface {
	Recv(ctx context.Context) (audio.Chunk, error)
}

// Transcriber turns a live audio stream into transcript fragments.
type Transcriber interface {
	// Transcribe consumes src until it is exhausted or ctx is cancelled,
	// calling emit for every non-empty transcript fragment in order.
	// It returns nil when src ends normally.
	Transcribe(ctx context.Context, src AudioSource, emit func(text string) error) error
}

// Output is one piece of synthesized speech. Either field may be empty.
type Output struct {
	Text     string
	Audio    []byte
	MIMEType string
}

// Synthesizer speaks text.
type Synthesizer interface {
	// Synthesize streams the spoken rendition of text to emit and returns
	// once the utterance is complete.
	Synthesize(ctx context.Context, text string, emit func(Output) error) error
}
