package session

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// task is a cancellable goroutine. Cancel is idempotent and safe on a task
// that already finished; Wait returns once the goroutine has exited.
type task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

func startTask(parent context.Context, logger *slog.Logger, name string, fn func(ctx context.Context)) *task {
	ctx, cancel := context.WithCancel(parent)
	t := &task{name: name, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("live task panicked", "task", name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			}
		}()
		fn(ctx)
	}()
	return t
}

func (t *task) Cancel() {
	if t == nil {
		return
	}
	t.cancel()
}

func (t *task) Wait() {
	if t == nil {
		return
	}
	<-t.done
}

func (t *task) Running() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// cancelAndWait cancels every task first so they wind down concurrently,
// then waits for each.
func cancelAndWait(tasks ...*task) {
	for _, t := range tasks {
		t.Cancel()
	}
	for _, t := range tasks {
		t.Wait()
	}
}
