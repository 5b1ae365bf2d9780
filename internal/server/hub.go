// Package server coordinates connection registration, line broadcast, and
// connection cleanup via the Hub type.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Limits bounds per-connection resources. Zero durations and a zero
// MaxPendingBytes disable the corresponding limit.
type Limits struct {
	MaxLine         int
	MaxPendingBytes int
	IdleTimeout     time.Duration
	WriteTimeout    time.Duration
}

// HubOption configures a Hub.
type HubOption func(h *Hub)

// WithLogger sets the hub logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithLimits sets the per-connection limits applied to new connections.
func WithLimits(l Limits) HubOption {
	return func(h *Hub) {
		if l.MaxLine <= 0 {
			l.MaxLine = DefaultMaxLine
		}
		h.limits = l
	}
}

// WithRelayQueue makes the hub copy every locally originated message onto a
// queue of the given size, read through RelayQueue.
func WithRelayQueue(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.relayOut = make(chan Message, size)
		}
	}
}

// Hub manages all chat connections and handles line broadcasting. Its Run
// loop serializes registration, removal and fan-out; the registry is
// additionally guarded so read-only observers may inspect it.
type Hub struct {
	registry   *Registry
	broadcast  chan Message
	register   chan *Conn
	unregister chan *Conn
	relayOut   chan Message
	limits     Limits
	logger     *slog.Logger
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a Hub ready to Run.
func NewHub(opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		registry:   NewRegistry(),
		broadcast:  make(chan Message),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		limits:     Limits{MaxLine: DefaultMaxLine},
		logger:     slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register hands a new connection to the hub, which starts its pumps.
// It fails with ErrHubClosed once shutdown has begun.
func (h *Hub) Register(c *Conn) error {
	select {
	case h.register <- c:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

// Unregister asks the hub to remove and tear down c. It is safe to call
// more than once and after shutdown.
func (h *Hub) Unregister(c *Conn) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// Broadcast hands msg to the hub and reports false if the hub is closed.
// It returns once the hub has queued msg on every target, which keeps the
// lines of one connection in order.
func (h *Hub) Broadcast(msg Message) bool {
	select {
	case h.broadcast <- msg:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// RelayQueue returns the queue of locally originated messages, or nil when
// the hub was built without WithRelayQueue.
func (h *Hub) RelayQueue() <-chan Message {
	return h.relayOut
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	return h.registry.Len()
}

// Connections returns a snapshot of the live connections.
func (h *Hub) Connections() []*Conn {
	return h.registry.Snapshot()
}

// Run starts the hub's main event loop. It runs until Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case c := <-h.register:
			h.handleRegister(c)

		case c := <-h.unregister:
			if h.registry.Remove(c) {
				c.teardown()
				h.logger.Info("connection unregistered",
					slog.String("conn", c.ID()), slog.String("addr", c.RemoteAddr()), slog.Int("total", h.registry.Len()))
			}

		case msg := <-h.broadcast:
			h.handleBroadcast(msg)
		}
	}
}

func (h *Hub) handleRegister(c *Conn) {
	if c == nil {
		h.logger.Warn("received nil connection registration; skipping")
		return
	}
	if !h.registry.Add(c) {
		h.logger.Warn("connection already registered", slog.String("conn", c.ID()))
		return
	}
	h.logger.Info("connection registered",
		slog.String("conn", c.ID()), slog.String("addr", c.RemoteAddr()), slog.Int("total", h.registry.Len()))

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

// handleBroadcast queues msg on every connection except its source.
func (h *Hub) handleBroadcast(msg Message) {
	if msg.Source != nil && msg.Source.State() != StateOpen {
		return
	}
	wire := msg.Wire()

	var failed []*Conn
	targets := 0
	h.registry.ForEachExcept(msg.Source, func(c *Conn) {
		targets++
		if err := c.enqueue(wire); errors.Is(err, ErrOutboxFull) {
			failed = append(failed, c)
		}
	})
	h.logger.Debug("broadcast", slog.Int("targets", targets), slog.Int("bytes", len(wire)), slog.Bool("fragment", msg.Fragment))

	h.removeFailedClients(failed)

	if h.relayOut != nil && msg.Source != nil && !msg.Relayed {
		select {
		case h.relayOut <- msg:
		default:
			h.logger.Warn("relay queue full; message not relayed", slog.String("conn", msg.Source.ID()))
		}
	}
}

// removeFailedClients tears down connections whose outbound queue overflowed.
func (h *Hub) removeFailedClients(failed []*Conn) {
	for _, c := range failed {
		if h.registry.Remove(c) {
			h.logger.Warn("connection removed due to full send buffer",
				slog.String("conn", c.ID()), slog.String("addr", c.RemoteAddr()), slog.Int("limit", h.limits.MaxPendingBytes))
			c.teardown()
		}
	}
}

// shutdownClients tears down every live connection.
func (h *Hub) shutdownClients() {
	conns := h.registry.Snapshot()
	for _, c := range conns {
		h.registry.Remove(c)
		c.teardown()
	}
	h.logger.Info("closed client connections", slog.Int("count", len(conns)))
}

// Shutdown stops the hub, closes every connection and waits for the
// connection goroutines to finish or for the timeout to expire.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")
	h.cancel()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-h.done:
	case <-deadline.C:
		h.logger.Warn("hub shutdown timeout reached before the event loop stopped")
		return context.DeadlineExceeded
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-deadline.C:
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
