// Package server splits inbound connection bytes into newline-delimited
// lines, with a forced flush once the pending buffer reaches the line limit.
package server

import "bytes"

// DefaultMaxLine is the number of undelimited bytes a connection may buffer
// before the framer flushes them as raw fragments.
const DefaultMaxLine = 512

// Frame is one unit of output produced by the Framer. A delimited line
// carries its content without the trailing '\n'. A forced-flush fragment
// carries raw bytes and has Fragment set.
type Frame struct {
	Payload  []byte
	Fragment bool
}

// Framer accumulates the bytes of one connection and extracts lines.
// It is not safe for concurrent use; each connection's read loop owns one.
type Framer struct {
	buf []byte
	max int
}

// NewFramer creates a Framer with the given overflow threshold. A
// non-positive max selects DefaultMaxLine.
func NewFramer(max int) *Framer {
	if max <= 0 {
		max = DefaultMaxLine
	}
	return &Framer{max: max}
}

// Max returns the overflow threshold.
func (f *Framer) Max() int {
	return f.max
}

// Pending returns the number of buffered bytes not yet forming a line.
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Push appends p and returns every frame that became complete.
//
// Lines are split on a single '\n'; a '\r' before it stays in the payload.
// When the undelimited remainder reaches the threshold the whole remainder
// is drained in chunks of at most max bytes. Those fragments carry no
// marker on the wire, so a reader cannot tell them from short lines.
func (f *Framer) Push(p []byte) []Frame {
	f.buf = append(f.buf, p...)

	var frames []Frame
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		frames = append(frames, Frame{Payload: clone(f.buf[:i])})
		f.buf = f.buf[i+1:]
	}

	if len(f.buf) >= f.max {
		for len(f.buf) > 0 {
			n := min(len(f.buf), f.max)
			frames = append(frames, Frame{Payload: clone(f.buf[:n]), Fragment: true})
			f.buf = f.buf[n:]
		}
	}

	f.compact()
	return frames
}

// Reset drops any buffered bytes.
func (f *Framer) Reset() {
	f.buf = nil
}

// compact moves the remainder to the front of a fresh slice once the
// consumed prefix dominates, so the backing array does not grow forever.
func (f *Framer) compact() {
	if len(f.buf) == 0 {
		f.buf = f.buf[:0:0]
		return
	}
	if cap(f.buf) > 4*f.max && len(f.buf) < f.max {
		f.buf = clone(f.buf)
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
