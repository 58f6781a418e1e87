//go:build !linux || !cgo

package media

import (
	"context"
	"errors"
)

type deviceCapture struct{}

// Acquire is not wired to device drivers on this platform.
func (deviceCapture) Acquire(ctx context.Context, withVideo bool) (Source, error) {
	return nil, &Error{Reason: Unsupported, Err: errors.New("device capture not supported on this platform")}
}
