// Package client implements the interactive linechat client: it connects to
// a server, copies every byte the server sends to the terminal and sends
// every line typed on standard input.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/Tyrowin/linechat/internal/netio"
)

// recvBufferSize matches the server's default line limit.
const recvBufferSize = 512

var (
	// ErrHangUp is returned by Session.Run when the server closes the
	// connection.
	ErrHangUp        = errors.New("client: server hung up")
	ErrParsingConfig = errors.New("client: failed to parse environment variables into config")
)

// Config holds the client settings.
type Config struct {
	Port        int           `env:"CHAT_PORT" envDefault:"8584"`
	DialTimeout time.Duration `env:"CHAT_DIAL_TIMEOUT" envDefault:"10s"`
	LogLevel    string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string        `env:"LOG_FORMAT" envDefault:"text"`
}

// LoadConfig reads a .env file when one exists, then parses the environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = 8584
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return cfg, nil
}

// Dial resolves host and connects to it on port, then greets the user on
// out. A zero timeout means no dial timeout.
func Dial(ctx context.Context, host string, port int, timeout time.Duration, out io.Writer) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("error connecting: %w", err)
	}

	ip := conn.RemoteAddr().String()
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		ip = tcpAddr.IP.String()
	}
	_, _ = fmt.Fprintf(out, "Connected to Server %s on port %d.\n", ip, port)
	_, _ = fmt.Fprintln(out, "Enter text to chat.")
	return conn, nil
}

// Session binds a server connection to a terminal's input and output.
type Session struct {
	conn   net.Conn
	stdin  io.Reader
	stdout io.Writer
	logger *slog.Logger

	outMu sync.Mutex
}

// NewSession creates a Session. A nil logger falls back to slog.Default().
func NewSession(conn net.Conn, stdin io.Reader, stdout io.Writer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:   conn,
		stdin:  stdin,
		stdout: stdout,
		logger: logger,
	}
}

// Run shuttles data until the server hangs up, the connection fails or ctx
// is done. It returns ErrHangUp on an orderly close by the server and nil
// when ctx ends the session. The connection is closed on return.
func (s *Session) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		errCh <- s.receive()
	}()
	go s.send()

	select {
	case <-ctx.Done():
		_ = s.conn.Close()
		return nil
	case err := <-errCh:
		_ = s.conn.Close()
		return err
	}
}

// receive copies server bytes verbatim to stdout.
func (s *Session) receive() error {
	buf := make([]byte, recvBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.write(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.write(fmt.Appendf(nil, "server %s hung up\n", s.conn.RemoteAddr()))
				return ErrHangUp
			}
			return fmt.Errorf("recv: %w", err)
		}
	}
}

// send writes each stdin line to the server. End of input stops sending
// but keeps the session receiving.
func (s *Session) send() {
	r := bufio.NewReader(s.stdin)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if werr := netio.WriteFull(s.conn, line); werr != nil {
				s.logger.Warn("send failed", slog.Any("error", werr))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("reading input failed", slog.Any("error", err))
			}
			return
		}
	}
}

func (s *Session) write(p []byte) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if _, err := s.stdout.Write(p); err != nil {
		s.logger.Warn("writing output failed", slog.Any("error", err))
	}
}
