// Package stream implements an ordered asynchronous execution queue, the host stand-in for a device stream.
//
// Tasks enqueued on a Stream run one at a time, in issue order, on the stream's own goroutine. Tasks on
// different streams are unordered unless an Event dependency is inserted with WaitEvent.
package stream

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Task is a unit of work run by a Stream.
type Task func() error

type entry struct {
	task Task

	// always runs even after a failure, so event waiters are released.
	always bool
}

// Stream runs tasks in issue order on a dedicated goroutine.
//
// The first failing task makes the stream skip the tasks queued after it, until Sync reports the error.
type Stream struct {
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []entry
	err     error
	closed  bool
	stopped chan struct{}
}

// New creates a stream and starts its goroutine. Close must be called to stop it.
func New(name string) *Stream {
	s := &Stream{name: name, stopped: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// Name of the stream, used in logs.
func (s *Stream) Name() string { return s.name }

func (s *Stream) run() {
	defer close(s.stopped)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue[0] = entry{}
		s.queue = s.queue[1:]
		skip := s.err != nil && !next.always
		s.mu.Unlock()

		if skip {
			continue
		}
		if err := next.task(); err != nil {
			klog.V(1).Infof("stream %q: task failed: %v", s.name, err)
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
		}
	}
}

// Enqueue issues the task and returns immediately. It returns an error if the stream is closed.
func (s *Stream) Enqueue(task Task) error {
	return s.push(entry{task: task})
}

func (s *Stream) push(e entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Errorf("stream %q is closed", s.name)
	}
	s.queue = append(s.queue, e)
	s.cond.Signal()
	return nil
}

// Record enqueues a new event that triggers once every task issued before it completed (or was skipped).
func (s *Stream) Record() (*Event, error) {
	e := NewEvent()
	err := s.push(entry{always: true, task: func() error {
		e.trigger()
		return nil
	}})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// WaitEvent makes the tasks issued after it wait for the event, typically recorded on another stream.
func (s *Stream) WaitEvent(e *Event) error {
	return s.push(entry{always: true, task: func() error {
		<-e.Done()
		return nil
	}})
}

// Sync blocks until every task issued so far completed, or ctx is done.
// It returns the first error of a task since the previous Sync, and clears it.
func (s *Stream) Sync(ctx context.Context) error {
	e, err := s.Record()
	if err != nil {
		return err
	}
	if err := e.Wait(ctx); err != nil {
		return errors.Wrapf(err, "stream %q sync", s.name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.err
	s.err = nil
	return err
}

// Close stops accepting tasks, waits for the queued ones and stops the goroutine.
// It returns the pending task error, if any. It is safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
	<-s.stopped
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.err = nil
	return err
}
