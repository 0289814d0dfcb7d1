package live

import "errors"

// Domain sentinel errors. Handlers map these to WebSocket error frames and
// HTTP status codes; they are returned to the acting client only and never
// abort processing for other participants.
var (
	// ErrUnauthorized is returned when the sender's role or identity does not
	// permit the requested action.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidState is returned for lifecycle transitions attempted from the
	// wrong state, including a second end on an already-ended class.
	ErrInvalidState = errors.New("invalid session state")

	// ErrNotFound is returned for operations on a class with no live room.
	ErrNotFound = errors.New("room not found")

	// ErrStaleConnection marks a signal from a superseded connection. Callers
	// treat it as a silent no-op, not a client-visible failure.
	ErrStaleConnection = errors.New("stale connection")

	// ErrInvalidArgument rejects malformed client input, such as an unknown
	// media kind. ErrInvalidState stays reserved for lifecycle misuse.
	ErrInvalidArgument = errors.New("invalid argument")
)
