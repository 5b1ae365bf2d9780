package server

import "errors"

var (
	// ErrHubClosed is returned when a connection is handed to a hub that
	// is shutting down. The caller owns the connection and must close it.
	ErrHubClosed = errors.New("server: hub is closed")

	// ErrConnClosed is returned when bytes are queued on a connection
	// that has left the Open state.
	ErrConnClosed = errors.New("server: connection is closed")

	// ErrOutboxFull is returned when queueing would push a connection's
	// pending outbound bytes past the configured cap.
	ErrOutboxFull = errors.New("server: outbound queue is full")

	// ErrServerNotListening is returned by Serve before Listen succeeded.
	ErrServerNotListening = errors.New("server: not listening")
)
