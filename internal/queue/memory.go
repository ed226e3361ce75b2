package queue

import (
	"context"
	"sync"
)

// Memory is an in-process queue shared by the publisher and consumers of a
// single `run` invocation.
type Memory struct {
	mu       sync.Mutex
	pending  [][]byte
	rejected [][]byte
	acked    int
	inFlight int
	notify   chan struct{}
	done     chan struct{}
	closed   bool
}

var (
	_ Source    = (*Memory)(nil)
	_ Publisher = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (m *Memory) Publish(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.pending = append(m.pending, append([]byte(nil), body...))
	m.signal()
	return nil
}

func (m *Memory) Next(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if len(m.pending) > 0 {
			body := m.pending[0]
			m.pending = m.pending[1:]
			m.inFlight++
			if len(m.pending) > 0 {
				m.signal()
			}
			m.mu.Unlock()
			return &memoryDelivery{queue: m, body: body}, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.done:
			return nil, ErrClosed
		case <-m.notify:
		}
	}
}

func (m *Memory) Depth(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending), nil
}

// Stats reports settled and unsettled counts.
func (m *Memory) Stats() (acked, rejected, inFlight int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked, len(m.rejected), m.inFlight
}

// Rejected returns copies of every rejected body in rejection order.
func (m *Memory) Rejected() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.rejected))
	for i, body := range m.rejected {
		out[i] = append([]byte(nil), body...)
	}
	return out
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// signal must be called with mu held.
func (m *Memory) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

type memoryDelivery struct {
	queue   *Memory
	body    []byte
	settled bool
}

func (d *memoryDelivery) Body() []byte { return d.body }

func (d *memoryDelivery) Ack(context.Context) error {
	return d.settle(func(m *Memory) { m.acked++ })
}

func (d *memoryDelivery) Reject(context.Context) error {
	return d.settle(func(m *Memory) { m.rejected = append(m.rejected, d.body) })
}

func (d *memoryDelivery) Release(context.Context) error {
	return d.settle(func(m *Memory) {
		m.pending = append([][]byte{d.body}, m.pending...)
		m.signal()
	})
}

func (d *memoryDelivery) settle(apply func(m *Memory)) error {
	m := d.queue
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.settled {
		return ErrAlreadySettled
	}
	d.settled = true
	m.inFlight--
	apply(m)
	return nil
}
