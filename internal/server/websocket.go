package server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// maxFrameSize bounds a single inbound WebSocket frame.
const maxFrameSize = 64 * 1024

const closeGracePeriod = time.Second

// wsTransport adapts a WebSocket connection to the byte-stream Transport a
// Conn runs over. Every inbound frame is one line; every outbound chunk is
// one frame, text when it is valid UTF-8 and binary otherwise.
type wsTransport struct {
	conn    *websocket.Conn
	pending []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	conn.SetReadLimit(maxFrameSize)
	return &wsTransport{conn: conn, closed: make(chan struct{})}
}

func (t *wsTransport) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(t.pending) == 0 {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return 0, io.EOF
			}
			return 0, err
		}
		if len(data) == 0 || data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		t.pending = data
	}

	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *wsTransport) Write(p []byte) (int, error) {
	frame := bytes.TrimSuffix(p, []byte{'\n'})
	if err := t.conn.WriteMessage(frameType(frame), frame); err != nil {
		return 0, err
	}
	return len(p), nil
}

// frameType picks the opcode for an outbound chunk. Chunks that are not valid
// UTF-8, such as a fragment ending mid-rune, go out as binary frames.
func frameType(frame []byte) int {
	if utf8.Valid(frame) {
		return websocket.TextMessage
	}
	return websocket.BinaryMessage
}

// Close writes the close frame in the background, then drops the
// connection. It never waits on a writer holding the write lock.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		go func() {
			defer close(t.closed)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
			_ = t.conn.Close()
		}()
	})
	return nil
}

func (t *wsTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

func (t *wsTransport) SetReadDeadline(d time.Time) error {
	return t.conn.SetReadDeadline(d)
}

func (t *wsTransport) SetWriteDeadline(d time.Time) error {
	return t.conn.SetWriteDeadline(d)
}
