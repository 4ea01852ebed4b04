package transport

import "errors"

// Transport errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed transport.
	ErrClosed = errors.New("transport: closed")

	// ErrNoHandler is returned when no handler is configured.
	ErrNoHandler = errors.New("transport: no handler configured")

	// ErrAlreadyStarted is returned when Start is called on an already running transport.
	ErrAlreadyStarted = errors.New("transport: already started")

	// ErrNotStarted is returned when an operation requires a started transport.
	ErrNotStarted = errors.New("transport: not started")

	// ErrConnectionNotFound is returned when no connection exists for a peer.
	ErrConnectionNotFound = errors.New("transport: connection not found for peer")

	// ErrSendFailed is returned when the link rejects a fragment.
	ErrSendFailed = errors.New("transport: send failed")

	// ErrFragmentTooLarge is returned when a fragment exceeds MaxFragmentSize.
	ErrFragmentTooLarge = errors.New("transport: fragment too large")
)
