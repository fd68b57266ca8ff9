package ccl

import (
	"bytes"
	"context"
	"sync"

	"github.com/gomlx/globaltensor/types/errs"
)

// Transport moves byte messages between ranks. Messages between a (src, dst) pair with the same tag are
// delivered in order.
//
// Implementations must be safe for concurrent use, and blocking calls must return when ctx is done.
type Transport interface {
	Send(ctx context.Context, src, dst int, tag string, payload []byte) error
	Recv(ctx context.Context, dst, src int, tag string) ([]byte, error)
}

// DefaultMailboxCapacity is the number of in-flight messages a LocalTransport mailbox holds before Send blocks.
const DefaultMailboxCapacity = 64

type mailboxKey struct {
	src, dst int
	tag      string
}

// LocalTransport connects ranks running in the same process with in-memory mailboxes.
type LocalTransport struct {
	capacity int

	mu        sync.Mutex
	mailboxes map[mailboxKey]chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// NewLocalTransport returns an open LocalTransport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		capacity:  DefaultMailboxCapacity,
		mailboxes: make(map[mailboxKey]chan []byte),
		closed:    make(chan struct{}),
	}
}

func (t *LocalTransport) mailbox(key mailboxKey) chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	box, found := t.mailboxes[key]
	if !found {
		box = make(chan []byte, t.capacity)
		t.mailboxes[key] = box
	}
	return box
}

// Send implements Transport. The payload is copied.
func (t *LocalTransport) Send(ctx context.Context, src, dst int, tag string, payload []byte) error {
	box := t.mailbox(mailboxKey{src: src, dst: dst, tag: tag})
	select {
	case <-t.closed:
		return errs.Errorf(errs.TransportFailure, "send %d->%d (%s): transport closed", src, dst, tag)
	default:
	}
	select {
	case box <- bytes.Clone(payload):
		return nil
	case <-t.closed:
		return errs.Errorf(errs.TransportFailure, "send %d->%d (%s): transport closed", src, dst, tag)
	case <-ctx.Done():
		return errs.Wrapf(errs.TransportFailure, ctx.Err(), "send %d->%d (%s)", src, dst, tag)
	}
}

// Recv implements Transport.
func (t *LocalTransport) Recv(ctx context.Context, dst, src int, tag string) ([]byte, error) {
	box := t.mailbox(mailboxKey{src: src, dst: dst, tag: tag})
	select {
	case payload := <-box:
		return payload, nil
	case <-t.closed:
		return nil, errs.Errorf(errs.TransportFailure, "recv %d<-%d (%s): transport closed", dst, src, tag)
	case <-ctx.Done():
		return nil, errs.Wrapf(errs.TransportFailure, ctx.Err(), "recv %d<-%d (%s)", dst, src, tag)
	}
}

// Close makes every pending and future Send and Recv fail.
func (t *LocalTransport) Close() {
	t.closeOnce.Do(func() { close(t.closed) })
}
