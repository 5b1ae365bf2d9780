package relay

import "errors"

var (
	ErrUnknownKind      = errors.New("relay: unknown relay kind")
	ErrNotReady         = errors.New("relay: broker did not become ready within the given time period")
	ErrFailedToParseURL = errors.New("relay: failed to parse broker connection URL")
	ErrFeedClosed       = errors.New("relay: subscription feed closed")
	ErrClosed           = errors.New("relay: closed")
	ErrInvalidEnvelope  = errors.New("relay: invalid envelope")
)
