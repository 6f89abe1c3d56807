// Package transport moves raw Ethernet frames between the protocol engine
// and the wire. A Link is one interface (a raw socket or an in-memory
// segment port); a Mux reads a Link on a single goroutine and fans decoded
// PROFINET frames out to filtered subscriptions.
package transport

import (
	"errors"
	"time"

	"github.com/HerbHall/pnvantage/internal/profinet/codec"
)

// Link errors.
var (
	ErrClosed  = errors.New("transport: link closed")
	ErrTimeout = errors.New("transport: read timeout")
)

// PollInterval bounds how long a ReadFrame call blocks before returning
// ErrTimeout, so readers can observe cancellation.
const PollInterval = 100 * time.Millisecond

// Link is a full-duplex Ethernet endpoint.
type Link interface {
	// HardwareAddr is the source address used for outgoing frames.
	HardwareAddr() codec.MAC
	// ReadFrame copies the next frame into buf and returns its length. It
	// returns ErrTimeout after PollInterval without traffic and ErrClosed
	// once the link is closed.
	ReadFrame(buf []byte) (int, error)
	// WriteFrame transmits one complete frame.
	WriteFrame(frame []byte) error
	Close() error
}
