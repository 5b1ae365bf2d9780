package server_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/linechat/internal/relay"
	"github.com/Tyrowin/linechat/internal/server"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() server.Config {
	cfg := server.NewConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

// startServer listens on an ephemeral loopback port and serves until the
// test ends.
func startServer(t *testing.T, cfg server.Config, opts ...server.Option) *server.Server {
	t.Helper()
	opts = append([]server.Option{
		server.WithServerLogger(quietLogger()),
		server.WithBanner(io.Discard),
	}, opts...)

	srv, err := server.New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv
}

func dial(t *testing.T, srv *server.Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// dialN connects n peers and waits until the server has registered them all.
func dialN(t *testing.T, srv *server.Server, n int) []net.Conn {
	t.Helper()
	before := srv.Hub().Len()
	conns := make([]net.Conn, n)
	for i := range conns {
		conns[i] = dial(t, srv)
	}
	waitConnections(t, srv, before+n)
	return conns
}

func waitConnections(t *testing.T, srv *server.Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.Hub().Len() == n }, 2*time.Second, 5*time.Millisecond)
}

func send(t *testing.T, c net.Conn, data string) {
	t.Helper()
	_, err := c.Write([]byte(data))
	require.NoError(t, err)
}

func expect(t *testing.T, c net.Conn, want string) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, len(want))
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, want, string(buf))
}

func expectNothing(t *testing.T, c net.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	buf := make([]byte, 64)
	n, err := c.Read(buf)
	assert.Zero(t, n, "unexpected data: %q", buf[:n])
	var netErr net.Error
	if assert.ErrorAs(t, err, &netErr) {
		assert.True(t, netErr.Timeout())
	}
}

// TestServerBroadcast covers plain line relay between TCP peers.
func TestServerBroadcast(t *testing.T) {
	srv := startServer(t, testConfig())
	peers := dialN(t, srv, 3)
	a, b, c := peers[0], peers[1], peers[2]

	t.Run("line reaches every other peer", func(t *testing.T) {
		send(t, a, "hello\n")
		expect(t, b, "hello\n")
		expect(t, c, "hello\n")
		expectNothing(t, a)
	})

	t.Run("carriage return passes through", func(t *testing.T) {
		send(t, b, "hi\r\n")
		expect(t, a, "hi\r\n")
		expect(t, c, "hi\r\n")
		expectNothing(t, b)
	})

	t.Run("empty line", func(t *testing.T) {
		send(t, c, "\n")
		expect(t, a, "\n")
		expect(t, b, "\n")
	})

	t.Run("line split across writes", func(t *testing.T) {
		send(t, a, "hel")
		expectNothing(t, b)
		send(t, a, "lo\n")
		expect(t, b, "hello\n")
		expect(t, c, "hello\n")
	})

	t.Run("several lines in one write", func(t *testing.T) {
		send(t, a, "one\ntwo\n")
		expect(t, b, "one\ntwo\n")
		expect(t, c, "one\ntwo\n")
	})
}

// TestServerOverlongLine sends 1000 bytes without a newline; peers get the
// raw bytes with no delimiter added.
func TestServerOverlongLine(t *testing.T) {
	srv := startServer(t, testConfig())
	peers := dialN(t, srv, 2)
	a, b := peers[0], peers[1]

	data := strings.Repeat("x", 1000)
	send(t, a, data)

	// The first 512 bytes are flushed as soon as they are read; the rest
	// waits in the framer until the line ends.
	expect(t, b, data[:512])
	send(t, a, "\n")
	expect(t, b, data[512:]+"\n")
	expectNothing(t, a)
}

// TestServerPreservesOrder checks per-sender ordering across many lines.
func TestServerPreservesOrder(t *testing.T) {
	srv := startServer(t, testConfig())
	peers := dialN(t, srv, 2)
	a, b := peers[0], peers[1]

	var want bytes.Buffer
	for i := range 200 {
		line := strings.Repeat(string(rune('a'+i%26)), i%40) + "\n"
		want.WriteString(line)
		send(t, a, line)
	}
	expect(t, b, want.String())
}

// TestServerConcurrentSenders has every peer talk at once; each receiver
// sees every other sender's lines in that sender's order.
func TestServerConcurrentSenders(t *testing.T) {
	srv := startServer(t, testConfig())
	peers := dialN(t, srv, 4)

	const lines = 25
	received := make([][]byte, len(peers))
	var readers sync.WaitGroup
	for i, p := range peers {
		readers.Add(1)
		go func() {
			defer readers.Done()
			want := (len(peers) - 1) * lines * len("peer-0 line-00\n")
			buf := make([]byte, want)
			_ = p.SetReadDeadline(time.Now().Add(5 * time.Second))
			n, _ := io.ReadFull(p, buf)
			received[i] = buf[:n]
		}()
	}

	var senders sync.WaitGroup
	for i, p := range peers {
		senders.Add(1)
		go func() {
			defer senders.Done()
			for j := range lines {
				_, _ = p.Write([]byte(fmt.Sprintf("peer-%d line-%02d\n", i, j)))
			}
		}()
	}
	senders.Wait()
	readers.Wait()

	for i, data := range received {
		got := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
		require.Len(t, got, (len(peers)-1)*lines, "peer %d", i)

		next := map[string]int{}
		for _, line := range got {
			sender, seq, ok := strings.Cut(line, " line-")
			require.True(t, ok, line)
			assert.NotEqual(t, fmt.Sprintf("peer-%d", i), sender, "peer %d received its own line", i)
			assert.Equal(t, twoDigits(next[sender]), seq, "out of order from %s", sender)
			next[sender]++
		}
	}
}

// TestServerPeerDisconnect verifies removal after a hang-up and that the
// remaining peers are unaffected.
func TestServerPeerDisconnect(t *testing.T) {
	srv := startServer(t, testConfig())
	peers := dialN(t, srv, 3)
	a, b, c := peers[0], peers[1], peers[2]

	require.NoError(t, a.Close())
	waitConnections(t, srv, 2)

	send(t, b, "after\n")
	expect(t, c, "after\n")
	expectNothing(t, b)
}

// TestServerDisconnectWithPartialLine drops buffered bytes of a peer that
// leaves mid-line.
func TestServerDisconnectWithPartialLine(t *testing.T) {
	srv := startServer(t, testConfig())
	peers := dialN(t, srv, 2)
	a, b := peers[0], peers[1]

	send(t, a, "never finished")
	require.NoError(t, a.Close())
	waitConnections(t, srv, 1)
	expectNothing(t, b)
}

// TestServerIdleTimeout disconnects a silent peer when configured.
func TestServerIdleTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 200 * time.Millisecond
	srv := startServer(t, cfg)
	c := dialN(t, srv, 1)[0]

	waitConnections(t, srv, 0)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

// TestServerShutdownClosesPeers checks that Shutdown ends every session.
func TestServerShutdownClosesPeers(t *testing.T) {
	srv, err := server.New(context.Background(), testConfig(),
		server.WithServerLogger(quietLogger()), server.WithBanner(io.Discard))
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	peers := dialN(t, srv, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-done)

	for _, p := range peers {
		require.NoError(t, p.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, err := p.Read(make([]byte, 1))
		assert.Error(t, err)
	}

	_, err = net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "listener should be closed")
}

func TestServerBanner(t *testing.T) {
	var banner syncBuffer
	srv := startServer(t, testConfig(), server.WithBanner(&banner))

	port := srv.Addr().(*net.TCPAddr).Port
	require.Eventually(t, func() bool { return banner.String() != "" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, fmt.Sprintf("linechat server starting on port %d.\n", port), banner.String())
}

func TestServerListenErrors(t *testing.T) {
	t.Run("serve before listen", func(t *testing.T) {
		srv, err := server.New(context.Background(), testConfig(), server.WithServerLogger(quietLogger()))
		require.NoError(t, err)
		assert.ErrorIs(t, srv.Serve(context.Background()), server.ErrServerNotListening)
		assert.Nil(t, srv.Addr())
	})

	t.Run("port in use", func(t *testing.T) {
		busy, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer busy.Close()

		cfg := testConfig()
		cfg.Port = busy.Addr().(*net.TCPAddr).Port
		srv, err := server.New(context.Background(), cfg, server.WithServerLogger(quietLogger()))
		require.NoError(t, err)
		assert.Error(t, srv.Listen())
	})

	t.Run("unknown relay kind", func(t *testing.T) {
		cfg := testConfig()
		cfg.Relay.Kind = "carrier-pigeon"
		_, err := server.New(context.Background(), cfg, server.WithServerLogger(quietLogger()))
		assert.ErrorIs(t, err, relay.ErrUnknownKind)
	})
}

// TestServerRelayAcrossNodes joins two nodes through an in-process bus.
func TestServerRelayAcrossNodes(t *testing.T) {
	bus := relay.NewMemoryBus()
	defer bus.Close()

	nodeA := startServer(t, testConfig(), server.WithRelay(bus.Join()), server.WithNodeID("node-a"))
	nodeB := startServer(t, testConfig(), server.WithRelay(bus.Join()), server.WithNodeID("node-b"))
	require.Eventually(t, func() bool { return bus.Subscribers() == 2 }, 2*time.Second, 5*time.Millisecond)

	onA := dialN(t, nodeA, 2)
	onB := dialN(t, nodeB, 2)

	send(t, onA[0], "cross\n")
	expect(t, onA[1], "cross\n")
	expect(t, onB[0], "cross\n")
	expect(t, onB[1], "cross\n")

	// No echo to the sender and no second copy on the origin node.
	expectNothing(t, onA[0])
	expectNothing(t, onA[1])

	send(t, onB[1], "back\n")
	expect(t, onA[0], "back\n")
	expect(t, onA[1], "back\n")
	expect(t, onB[0], "back\n")
	expectNothing(t, onB[1])
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func twoDigits(n int) string {
	return fmt.Sprintf("%02d", n)
}
