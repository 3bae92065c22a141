package outbox

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("outbox closed")
	// ErrFull is returned by Publish when nobody drained the buffer.
	ErrFull = errors.New("outbox buffer full")
)

// Memory buffers envelopes on a channel. Tests and single-process
// deployments read them back with Envelopes.
type Memory struct {
	ch     chan Envelope
	mu     sync.RWMutex
	closed bool
}

// NewMemory creates a buffer holding up to size envelopes.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 64
	}
	return &Memory{ch: make(chan Envelope, size)}
}

// Publish never waits: a full buffer is a delivery failure.
func (m *Memory) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return deliveryError(ErrClosed, "memory", "publish envelope")
	}
	select {
	case m.ch <- env:
		return nil
	default:
		return deliveryError(ErrFull, "memory", "publish envelope")
	}
}

// Envelopes exposes the buffered envelopes. The channel closes with Close.
func (m *Memory) Envelopes() <-chan Envelope { return m.ch }

// Drain returns whatever is buffered without blocking.
func (m *Memory) Drain() []Envelope {
	var out []Envelope
	for {
		select {
		case env, ok := <-m.ch:
			if !ok {
				return out
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		close(m.ch)
		m.closed = true
	}
	return nil
}
