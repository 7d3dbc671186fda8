// Package stream delivers query session output as an ordered, bounded and
// cancellable sequence of StreamEvents.
//
// An Emitter has exactly one producer goroutine. Only the producer calls
// Emit, Pipe, Finish and Close; consumers read Events and cancel through
// the context the Emitter was created from.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

const DefaultBuffer = 16

var (
	ErrClosed     = errors.New("stream closed")
	ErrOutOfOrder = errors.New("source event after first token")
)

type Emitter struct {
	ctx    context.Context
	cancel context.CancelFunc
	events chan domain.StreamEvent

	mu         sync.Mutex
	closed     bool
	terminated bool
	tokens     int
}

// New returns an emitter with a buffer of at most buffer pending events.
// Cancelling parent cancels the emitter's context as well.
func New(parent context.Context, buffer int) *Emitter {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ctx, cancel := context.WithCancel(parent)
	return &Emitter{
		ctx:    ctx,
		cancel: cancel,
		events: make(chan domain.StreamEvent, buffer),
	}
}

func (e *Emitter) Events() <-chan domain.StreamEvent {
	return e.events
}

// Context is cancelled once the emitter is closed or its parent is done.
// Upstream calls feeding the emitter should run under it.
func (e *Emitter) Context() context.Context {
	return e.ctx
}

func (e *Emitter) TokensEmitted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tokens
}

// Emit sends a non-terminal event, blocking while the buffer is full.
func (e *Emitter) Emit(ev domain.StreamEvent) error {
	if ev.IsTerminal() {
		return fmt.Errorf("emit: %s is terminal, use Finish", ev.Type)
	}

	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return ErrClosed
	case ev.Type == domain.EventSource && e.tokens > 0:
		e.mu.Unlock()
		return ErrOutOfOrder
	}
	e.mu.Unlock()

	if err := e.send(ev); err != nil {
		return err
	}
	if ev.Type == domain.EventToken {
		e.mu.Lock()
		e.tokens++
		e.mu.Unlock()
	}
	return nil
}

// Pipe relays fragments from fs as token events until fs is exhausted.
// The fragment stream is not closed by Pipe.
func (e *Emitter) Pipe(sessionID string, fs ports.FragmentStream) (int, error) {
	relayed := 0
	for {
		fragment, err := fs.Next(e.ctx)
		if errors.Is(err, io.EOF) {
			return relayed, nil
		}
		if err != nil {
			return relayed, err
		}
		if fragment == "" {
			continue
		}
		if err := e.Emit(domain.TokenEvent(sessionID, fragment)); err != nil {
			return relayed, err
		}
		relayed++
	}
}

// Finish sends the single terminal event and closes the stream. If the
// context is cancelled first, the stream closes without a terminal event.
func (e *Emitter) Finish(ev domain.StreamEvent) error {
	if !ev.IsTerminal() {
		return fmt.Errorf("finish: %s is not terminal", ev.Type)
	}

	e.mu.Lock()
	if e.closed || e.terminated {
		e.mu.Unlock()
		return ErrClosed
	}
	e.terminated = true
	e.mu.Unlock()

	err := e.send(ev)
	e.Close()
	return err
}

// Close closes the outbound channel without a terminal event and cancels
// upstream work. Safe to call more than once.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.cancel()
	close(e.events)
}

func (e *Emitter) send(ev domain.StreamEvent) error {
	if err := e.ctx.Err(); err != nil {
		return err
	}
	select {
	case e.events <- ev:
		return nil
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}
