package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"google.golang.org/genai"
)

const (
	transcribeInstruction = "You only transcribe Japanese speech. Write down what the speaker says in Japanese, concisely and without commentary."
	speakInstruction      = "Read the user's text aloud exactly as written. Do not add, answer or omit anything."
)

// Gemini implements Transcriber and Synthesizer on the Gemini Live API.
type Gemini struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

func NewGemini(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("speech: gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("speech: create genai client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gemini{client: client, model: model, logger: logger}, nil
}

func (g *Gemini) Transcribe(ctx context.Context, src AudioSource, emit func(string) error) error {
	session, err := g.client.Live.Connect(ctx, g.model, &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityText},
		SystemInstruction:  genai.NewContentFromText(transcribeInstruction, genai.RoleUser),
	})
	if err != nil {
		return fmt.Errorf("connect live transcription: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var closeOnce sync.Once
	closeSession := func() { closeOnce.Do(func() { _ = session.Close() }) }
	stopWatch := context.AfterFunc(ctx, closeSession)

	var (
		ended   atomic.Bool
		sendErr error
		wg      sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer closeSession()
		sendErr = pumpAudio(ctx, session, src)
		if sendErr == nil {
			ended.Store(true)
		}
	}()
	defer func() {
		cancel()
		stopWatch()
		closeSession()
		wg.Wait()
	}()

	for {
		msg, err := session.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ended.Load() {
				return nil
			}
			cancel()
			wg.Wait()
			if sendErr != nil && !errors.Is(sendErr, context.Canceled) {
				return fmt.Errorf("send audio: %w", sendErr)
			}
			if ended.Load() {
				return nil
			}
			return fmt.Errorf("receive transcription: %w", err)
		}
		for _, text := range transcriptTexts(msg) {
			if err := emit(text); err != nil {
				return err
			}
		}
	}
}

// pumpAudio forwards chunks until src ends; io.EOF is reported as nil.
func pumpAudio(ctx context.Context, session *genai.Session, src AudioSource) error {
	for {
		chunk, err := src.Recv(ctx)
		if errors.Is(err, io.EOF) {
			_ = session.SendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true})
			return nil
		}
		if err != nil {
			return err
		}
		if len(chunk.Data) == 0 {
			continue
		}
		if err := session.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{Data: chunk.Data, MIMEType: PCMMIMEType(chunk.SampleRate)},
		}); err != nil {
			return err
		}
	}
}

func (g *Gemini) Synthesize(ctx context.Context, text string, emit func(Output) error) error {
	session, err := g.client.Live.Connect(ctx, g.model, &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		SystemInstruction:        genai.NewContentFromText(speakInstruction, genai.RoleUser),
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	})
	if err != nil {
		return fmt.Errorf("connect live synthesis: %w", err)
	}
	defer session.Close()
	stopWatch := context.AfterFunc(ctx, func() { _ = session.Close() })
	defer stopWatch()

	if err := session.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		TurnComplete: genai.Ptr(true),
	}); err != nil {
		return fmt.Errorf("send synthesis text: %w", err)
	}

	for {
		msg, err := session.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive synthesis: %w", err)
		}
		outs, complete := synthesisOutputs(msg)
		for _, out := range outs {
			if err := emit(out); err != nil {
				return err
			}
		}
		if complete {
			return nil
		}
	}
}

// PCMMIMEType labels raw 16-bit PCM at the given rate.
func PCMMIMEType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

func transcriptTexts(msg *genai.LiveServerMessage) []string {
	if msg == nil || msg.ServerContent == nil {
		return nil
	}
	var out []string
	if tr := msg.ServerContent.InputTranscription; tr != nil && tr.Text != "" {
		out = append(out, tr.Text)
	}
	if turn := msg.ServerContent.ModelTurn; turn != nil {
		for _, p := range turn.Parts {
			if p != nil && p.Text != "" {
				out = append(out, p.Text)
			}
		}
	}
	return out
}

func synthesisOutputs(msg *genai.LiveServerMessage) ([]Output, bool) {
	if msg == nil || msg.ServerContent == nil {
		return nil, false
	}
	sc := msg.ServerContent
	var out []Output
	if turn := sc.ModelTurn; turn != nil {
		for _, p := range turn.Parts {
			if p == nil {
				continue
			}
			if p.Text != "" {
				out = append(out, Output{Text: p.Text})
			}
			if p.InlineData != nil && len(p.InlineData.Data) > 0 {
				mime := p.InlineData.MIMEType
				if mime == "" {
					mime = DefaultAudioMIMEType
				}
				out = append(out, Output{Audio: p.InlineData.Data, MIMEType: mime})
			}
		}
	}
	if tr := sc.OutputTranscription; tr != nil && tr.Text != "" {
		out = append(out, Output{Text: tr.Text})
	}
	return out, sc.TurnComplete
}
