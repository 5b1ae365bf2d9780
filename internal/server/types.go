// Package server defines the message and transport types shared by the hub,
// the connection pumps and the gateways, plus small error helpers.
package server

import (
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// Transport is the capability set a connection needs from its underlying
// socket. net.Conn satisfies it directly; the WebSocket gateway adapts
// *websocket.Conn to it.
type Transport interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Message is a line (or forced-flush fragment) travelling through the hub.
// Source is the originating connection and is excluded from delivery;
// it is nil for messages arriving from the relay.
type Message struct {
	Source   *Conn
	Payload  []byte
	Fragment bool
	Relayed  bool
}

// Wire returns the bytes queued on each peer: the payload plus '\n' for a
// delimited line, the payload verbatim for a fragment.
func (m Message) Wire() []byte {
	if m.Fragment {
		return m.Payload
	}
	out := make([]byte, len(m.Payload)+1)
	copy(out, m.Payload)
	out[len(m.Payload)] = '\n'
	return out
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "broken pipe")
}

// isTimeout reports whether err is a deadline expiry.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
