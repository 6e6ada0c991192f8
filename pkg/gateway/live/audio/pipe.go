// Package audio carries captured audio from the socket reader to the
// transcription task.
package audio

import (
	"context"
	"errors"
	"io"
	"sync"
)

var ErrClosed = errors.New("audio: pipe closed")

// Chunk is one decoded audio frame as received from the client.
type Chunk struct {
	Data       []byte
	SampleRate int
}

// Pipe is an unbounded FIFO of chunks with an end-of-stream marker. Push
// never blocks; Recv blocks until a chunk, the end marker or ctx.Done.
type Pipe struct {
	mu     sync.Mutex
	queue  []Chunk
	closed bool
	// signal has capacity 1 and is poked whenever queue or closed changes.
	signal chan struct{}
}

func NewPipe() *Pipe {
	return &Pipe{signal: make(chan struct{}, 1)}
}

func (p *Pipe) Push(c Chunk) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, c)
	p.mu.Unlock()
	p.notify()
	return nil
}

// Close enqueues the end-of-stream marker. Chunks pushed earlier are still
// delivered before Recv reports io.EOF.
func (p *Pipe) Close() {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	p.mu.Unlock()
	if !already {
		p.notify()
	}
}

func (p *Pipe) Recv(ctx context.Context) (Chunk, error) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			c := p.queue[0]
			p.queue[0] = Chunk{}
			p.queue = p.queue[1:]
			more := len(p.queue) > 0 || p.closed
			p.mu.Unlock()
			if more {
				p.notify()
			}
			return c, nil
		}
		if p.closed {
			p.mu.Unlock()
			return Chunk{}, io.EOF
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		case <-p.signal:
		}
	}
}

// Len reports the number of chunks waiting to be received.
func (p *Pipe) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pipe) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}
