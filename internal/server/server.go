// Package server accepts chat connections over TCP and WebSocket and ties
// the listener, hub, admin surface and cross-node relay together.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/linechat/internal/relay"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithServerLogger sets the logger used by the server and its hub.
func WithServerLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRelay joins the server to a relay instead of building one from the
// configuration.
func WithRelay(r relay.Relay) Option {
	return func(s *Server) {
		s.relay = r
	}
}

// WithNodeID overrides the generated node identifier.
func WithNodeID(id string) Option {
	return func(s *Server) {
		if id != "" {
			s.nodeID = id
		}
	}
}

// WithBanner sets where the startup line is printed. Defaults to stdout.
func WithBanner(w io.Writer) Option {
	return func(s *Server) {
		s.banner = w
	}
}

// Server is one chat node.
type Server struct {
	cfg      Config
	nodeID   string
	hub      *Hub
	relay    relay.Relay
	logger   *slog.Logger
	banner   io.Writer
	upgrader websocket.Upgrader

	mu      sync.Mutex
	ln      net.Listener
	httpLn  net.Listener
	httpSrv *http.Server
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New builds a server from cfg. When cfg selects a relay and none was
// supplied through WithRelay, New connects to it; failing to do so is a
// startup error.
func New(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     sanitizeConfig(cfg),
		nodeID:  uuid.NewString(),
		logger:  slog.Default(),
		banner:  os.Stdout,
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.With(slog.String("node", s.nodeID))

	if s.relay == nil && s.cfg.Relay.Enabled() {
		r, err := relay.New(ctx, s.cfg.Relay, s.logger)
		if err != nil {
			return nil, fmt.Errorf("connect relay: %w", err)
		}
		s.relay = r
	}

	hubOpts := []HubOption{WithLogger(s.logger), WithLimits(s.cfg.Limits())}
	if s.relay != nil {
		hubOpts = append(hubOpts, WithRelayQueue(s.cfg.Relay.QueueSize))
	}
	s.hub = NewHub(hubOpts...)

	origins := newOriginPolicy(s.cfg.AllowedOrigins, s.logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.checkOrigin,
	}
	return s, nil
}

// NodeID returns the node identifier used on the relay.
func (s *Server) NodeID() string {
	return s.nodeID
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Listen binds the TCP listener and, when configured, the HTTP listener.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}

	if s.cfg.HTTPAddr != "" {
		httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen on %s: %w", s.cfg.HTTPAddr, err)
		}
		s.httpLn = httpLn
		s.httpSrv = CreateServer(s.cfg.HTTPAddr, s.Routes())
	}

	s.ln = ln
	return nil
}

// Addr returns the bound TCP address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// HTTPAddr returns the bound HTTP address, or nil when the admin surface is
// disabled.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// Serve runs the node until ctx is cancelled or Shutdown is called, then
// shuts every part down. Listen must have been called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	if ln == nil {
		s.mu.Unlock()
		return ErrServerNotListening
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer close(s.stopped)
	defer cancel()

	port := s.cfg.Port
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}
	_, _ = fmt.Fprintf(s.banner, "linechat server starting on port %d.\n", port)
	s.logger.Info("server configured", slog.String("config", s.cfg.String()))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.hub.Run()
		return nil
	})
	g.Go(func() error {
		return s.acceptLoop(gctx, ln)
	})
	if s.httpSrv != nil {
		g.Go(func() error {
			return serveHTTP(s.httpSrv, s.httpLn, s.logger)
		})
	}
	if s.relay != nil {
		g.Go(func() error {
			return s.publishLoop(gctx)
		})
		g.Go(func() error {
			s.subscribe(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(ln)
	})

	return g.Wait()
}

// Shutdown stops a running Serve and waits for it to return or for ctx to
// expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return ErrServerNotListening
	}
	cancel()

	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acceptLoop hands every accepted peer to the hub. Transient accept errors
// are retried with backoff; a closed listener ends the loop.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}

			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			s.logger.Warn("accept error; retrying", slog.Any("error", err), slog.Duration("backoff", backoff))

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}
		backoff = 0

		c := NewConn(conn, s.hub, "tcp")
		if err := s.hub.Register(c); err != nil {
			s.logger.Info("rejecting connection", slog.String("addr", c.RemoteAddr()), slog.Any("error", err))
			_ = conn.Close()
			return nil
		}
	}
}

// publishLoop forwards locally originated messages to the relay.
func (s *Server) publishLoop(ctx context.Context) error {
	queue := s.hub.RelayQueue()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-queue:
			env := relay.Envelope{Node: s.nodeID, Payload: msg.Payload, Fragment: msg.Fragment}
			if err := s.relay.Publish(ctx, env); err != nil && ctx.Err() == nil {
				s.logger.Warn("relay publish failed", slog.Any("error", err))
			}
		}
	}
}

// subscribe fans relay deliveries from other nodes out to every local
// connection. A failing feed is logged and the node keeps serving locally.
func (s *Server) subscribe(ctx context.Context) {
	err := s.relay.Subscribe(ctx, func(env relay.Envelope) {
		if env.Node == s.nodeID {
			return
		}
		s.hub.Broadcast(Message{Payload: env.Payload, Fragment: env.Fragment, Relayed: true})
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Error("relay subscription ended; continuing without cross-node delivery", slog.Any("error", err))
	}
}

func (s *Server) shutdown(ln net.Listener) error {
	s.logger.Info("shutting down server")
	var errs []error

	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("close listener: %w", err))
	}

	if s.httpSrv != nil {
		if err := shutdownHTTP(s.httpSrv, s.cfg.ShutdownTimeout, s.logger); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http: %w", err))
		}
	}

	if err := s.hub.Shutdown(s.cfg.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("shutdown hub: %w", err))
	}

	if s.relay != nil {
		if err := s.relay.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close relay: %w", err))
		}
	}

	if len(errs) == 0 {
		s.logger.Info("server stopped")
	}
	return errors.Join(errs...)
}
