package relay

import (
	"context"
	"sync"
)

const memoryBuffer = 256

// MemoryBus is an in-process feed shared by the Memory relays joined to it.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[chan Envelope]struct{}
	closed chan struct{}
	once   sync.Once
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:   make(map[chan Envelope]struct{}),
		closed: make(chan struct{}),
	}
}

// Join returns a relay attached to the bus.
func (b *MemoryBus) Join() *Memory {
	return &Memory{bus: b, done: make(chan struct{})}
}

func (b *MemoryBus) add() chan Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Envelope, memoryBuffer)
	b.subs[ch] = struct{}{}
	return ch
}

func (b *MemoryBus) remove(ch chan Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, ch)
}

func (b *MemoryBus) snapshot() []chan Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := make([]chan Envelope, 0, len(b.subs))
	for ch := range b.subs {
		subs = append(subs, ch)
	}
	return subs
}

// Close ends every subscription on the bus.
func (b *MemoryBus) Close() {
	b.once.Do(func() { close(b.closed) })
}

func (b *MemoryBus) publish(ctx context.Context, env Envelope) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	for _, ch := range b.snapshot() {
		select {
		case ch <- env:
		case <-b.closed:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Memory is one node's handle on a MemoryBus.
type Memory struct {
	bus       *MemoryBus
	done      chan struct{}
	closeOnce sync.Once
}

func (m *Memory) Publish(ctx context.Context, env Envelope) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	// Copy so a subscriber never shares the publisher's buffer.
	env.Payload = append([]byte(nil), env.Payload...)
	return m.bus.publish(ctx, env)
}

func (m *Memory) Subscribe(ctx context.Context, fn func(Envelope)) error {
	select {
	case <-m.bus.closed:
		return ErrFeedClosed
	default:
	}
	ch := m.bus.add()
	defer m.bus.remove(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case <-m.bus.closed:
			return ErrFeedClosed
		case env := <-ch:
			fn(env)
		}
	}
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// Subscribers returns the number of active subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
