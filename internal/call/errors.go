package call

import (
	"errors"
	"fmt"
)

// Hard local guards surfaced to the caller of the public operations.
var (
	// ErrAlreadyInCall means a non-ended call exists; the user must end it
	// explicitly first. Never retried internally.
	ErrAlreadyInCall = errors.New("call: already in a call")

	// ErrNoSuchCall means the given call ID does not match the currently
	// tracked call.
	ErrNoSuchCall = errors.New("call: no such call")
)

// negotiationError wraps a per-peer negotiation failure. It only ever
// removes that one participant, never the whole call.
type negotiationError struct {
	peerID string
	err    error
}

func (e *negotiationError) Error() string {
	return fmt.Sprintf("call: negotiation with %s failed: %v", e.peerID, e.err)
}

func (e *negotiationError) Unwrap() error { return e.err }
