package server

import "errors"

var (
	// ErrDuplicateSession reports an attempt to open a second sync session
	// for a spin that already has one in flight.
	ErrDuplicateSession = errors.New("duplicate session")

	// ErrSessionNotFound reports a stale or unknown sync session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrIncompleteSession reports a completion attempt before every step
	// was acknowledged.
	ErrIncompleteSession = errors.New("incomplete session")

	// ErrInvalidRequest reports missing or malformed caller input.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRecoveryExhausted reports that every recovery tier ran out of
	// budget; the session is abandoned and the spin resolved server-side.
	ErrRecoveryExhausted = errors.New("recovery exhausted")
)
