package client

import "github.com/pkg/errors"

// Sentinel errors callers can match with errors.Is. These are the
// programming-error class: they mean the caller misused the API, not
// that the network misbehaved. Network trouble never surfaces as a
// synchronous error; it arrives as events.
var (
	// ErrInvalidState is returned by Connect when the client is not in
	// a state that permits a fresh connection attempt.
	ErrInvalidState = errors.New("operation not valid in current connection state")

	// ErrInvalidArgument is returned for empty event types and other
	// locally-detectable misuse.
	ErrInvalidArgument = errors.New("invalid argument")
)
