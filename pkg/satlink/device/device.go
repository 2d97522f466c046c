package device

import (
	"context"
	"errors"
)

var ErrNotConnected = errors.New("device: not connected")

// Device is a full-duplex byte link to the satellite radio. Start delivers
// received bytes on out until ctx is cancelled or the link fails; Write sends
// uplink commands.
type Device interface {
	Start(ctx context.Context, out chan<- []byte) error
	Write(p []byte) (int, error)
	Stop() error
}
