package netio_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/linechat/internal/netio"
)

// chunkWriter accepts at most max bytes per call.
type chunkWriter struct {
	buf   bytes.Buffer
	max   int
	calls int
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.calls++
	if len(p) > w.max {
		p = p[:w.max]
	}
	return w.buf.Write(p)
}

type stuckWriter struct{}

func (stuckWriter) Write([]byte) (int, error) { return 0, nil }

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }

func TestWriteFull(t *testing.T) {
	t.Run("loops over short writes", func(t *testing.T) {
		w := &chunkWriter{max: 3}
		require.NoError(t, netio.WriteFull(w, []byte("hello world\n")))
		assert.Equal(t, "hello world\n", w.buf.String())
		assert.Equal(t, 4, w.calls)
	})

	t.Run("empty input writes nothing", func(t *testing.T) {
		w := &chunkWriter{max: 3}
		require.NoError(t, netio.WriteFull(w, nil))
		assert.Zero(t, w.calls)
	})

	t.Run("zero progress is a short write", func(t *testing.T) {
		assert.ErrorIs(t, netio.WriteFull(stuckWriter{}, []byte("x")), io.ErrShortWrite)
	})

	t.Run("writer error is returned", func(t *testing.T) {
		boom := errors.New("boom")
		assert.ErrorIs(t, netio.WriteFull(failingWriter{err: boom}, []byte("x")), boom)
	})
}
