// Package server manages individual chat connections, handling the read and
// write pumps, line framing and lifecycle control for each peer.
package server

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/linechat/internal/netio"
)

// ConnState is a connection's lifecycle state.
type ConnState int32

const (
	StateOpen ConnState = iota
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn represents one accepted peer. It is owned by the hub's registry
// while live; teardown happens once, after deregistration.
type Conn struct {
	id        string
	addr      string
	kind      string
	transport Transport
	hub       *Hub
	framer    *Framer
	out       *outbox
	state     atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
	limits    Limits
	logger    *slog.Logger
}

// NewConn wraps a transport into a connection bound to hub. kind names the
// transport ("tcp", "ws") for logging.
func NewConn(t Transport, hub *Hub, kind string) *Conn {
	id := uuid.NewString()
	addr := ""
	if t != nil && t.RemoteAddr() != nil {
		addr = t.RemoteAddr().String()
	}
	limits := hub.limits

	return &Conn{
		id:        id,
		addr:      addr,
		kind:      kind,
		transport: t,
		hub:       hub,
		framer:    NewFramer(limits.MaxLine),
		out:       newOutbox(limits.MaxPendingBytes),
		done:      make(chan struct{}),
		limits:    limits,
		logger:    hub.logger.With(slog.String("conn", id), slog.String("addr", addr), slog.String("transport", kind)),
	}
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address captured at accept time.
func (c *Conn) RemoteAddr() string {
	return c.addr
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// Pending returns the number of bytes queued for the peer.
func (c *Conn) Pending() int {
	return c.out.pending()
}

// enqueue queues wire bytes for the peer without blocking.
func (c *Conn) enqueue(p []byte) error {
	if c.State() != StateOpen {
		return ErrConnClosed
	}
	return c.out.push(p)
}

func (c *Conn) readPump() {
	defer c.hub.Unregister(c)

	// Reading at most one threshold's worth keeps every forced fragment
	// within the limit.
	buf := make([]byte, c.framer.Max())
	for {
		if c.limits.IdleTimeout > 0 {
			if err := c.transport.SetReadDeadline(time.Now().Add(c.limits.IdleTimeout)); err != nil {
				c.logger.Warn("error setting read deadline", slog.Any("error", err))
				return
			}
		}

		n, err := c.transport.Read(buf)
		if n > 0 && !c.dispatch(c.framer.Push(buf[:n])) {
			return
		}
		if err != nil {
			c.handleReadError(err)
			return
		}
	}
}

// dispatch hands complete frames to the hub in arrival order and reports
// false once the hub stops accepting them.
func (c *Conn) dispatch(frames []Frame) bool {
	for _, f := range frames {
		if f.Fragment {
			c.logger.Debug("line exceeded limit, forwarding fragment",
				slog.Int("bytes", len(f.Payload)), slog.Int("limit", c.framer.Max()))
		}
		if !c.hub.Broadcast(Message{Source: c, Payload: f.Payload, Fragment: f.Fragment}) {
			return false
		}
	}
	return true
}

// handleReadError logs why the read loop stopped.
func (c *Conn) handleReadError(err error) {
	switch {
	case isTimeout(err):
		c.logger.Info("connection idle timeout", slog.Duration("timeout", c.limits.IdleTimeout))
	case isExpectedCloseError(err):
		c.logger.Info("connection closed by peer")
	default:
		c.logger.Warn("read error", slog.Any("error", err))
	}
}

func (c *Conn) writePump() {
	for {
		select {
		case <-c.out.ready:
		case <-c.done:
			return
		}

		for _, chunk := range c.out.drain() {
			if err := c.write(chunk); err != nil {
				if !isExpectedCloseError(err) {
					c.logger.Warn("write error", slog.Any("error", err))
				}
				// Closing the transport fails the read pump, which
				// deregisters the connection.
				c.closeTransport()
				return
			}
		}
	}
}

func (c *Conn) write(p []byte) error {
	if c.limits.WriteTimeout > 0 {
		if err := c.transport.SetWriteDeadline(time.Now().Add(c.limits.WriteTimeout)); err != nil {
			return err
		}
	}
	return netio.WriteFull(c.transport, p)
}

// teardown moves the connection through Closing to Closed: queued bytes are
// released, the pumps are told to stop and the transport is closed.
func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.out.close()
		close(c.done)
		c.closeTransport()
		c.state.Store(int32(StateClosed))
	})
}

func (c *Conn) closeTransport() {
	if c.transport == nil {
		return
	}
	if err := c.transport.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("error closing connection", slog.Any("error", err))
	}
}
