// Package media acquires local audio/video via pion/mediadevices and lends
// the captured tracks to peer connections. The coordinator owns the Source
// exclusively; peer sessions receive attached tracks but never stop them.
package media

import (
	"context"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

// Reason classifies why local media could not be acquired.
type Reason string

const (
	PermissionDenied   Reason = "permission-denied"
	DeviceNotFound     Reason = "device-not-found"
	DeviceBusy         Reason = "device-busy"
	Unsupported        Reason = "unsupported"
	SecurityRestricted Reason = "security-restricted"
)

// Error is an acquisition failure carrying its Reason subtype.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media unavailable: %s", e.Reason)
	}
	return fmt.Sprintf("media unavailable (%s): %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf extracts the Reason from err, or Unsupported if err is not a
// media error.
func ReasonOf(err error) Reason {
	var me *Error
	if errors.As(err, &me) {
		return me.Reason
	}
	return Unsupported
}

// Capture acquires local device media on demand.
type Capture interface {
	// Acquire opens camera and/or microphone. Failures carry a *Error with
	// the reason subtype so callers can prompt the user accordingly.
	Acquire(ctx context.Context, withVideo bool) (Source, error)
}

// Source is one acquired local media stream. CreatePeerConnection builds a
// peer connection with the captured tracks already attached (or recv-only
// transceivers when capture yielded nothing), so every peer session
// negotiates against the same local stream.
type Source interface {
	CreatePeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error)

	// ToggleMute / ToggleVideo gate the outbound senders of that kind and
	// return the new value (true = muted / video off). While gated, remote
	// peers receive no payload on the sender. No renegotiation.
	ToggleMute() bool
	ToggleVideo() bool
	Muted() bool
	VideoOff() bool

	// Close stops every captured device track. Idempotent. Must return only
	// after the tracks are stopped so device indicators turn off promptly.
	Close()
}

// NewCapture returns the platform capture implementation.
func NewCapture() Capture {
	return &deviceCapture{}
}
