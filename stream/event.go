package stream

import (
	"context"
	"sync"
)

// Event is a completion signal. Once triggered it stays triggered.
type Event struct {
	once sync.Once
	done chan struct{}
}

// NewEvent returns an un-triggered event.
func NewEvent() *Event {
	return &Event{done: make(chan struct{})}
}

func (e *Event) trigger() {
	e.once.Do(func() { close(e.done) })
}

// Done returns a channel closed when the event triggers.
func (e *Event) Done() <-chan struct{} { return e.done }

// Test returns whether the event was triggered.
func (e *Event) Test() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the event triggers or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
