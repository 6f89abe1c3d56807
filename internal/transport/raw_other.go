//go:build !linux

package transport

import (
	"errors"

	"github.com/HerbHall/pnvantage/internal/profinet/codec"
)

// ErrRawUnsupported is returned by OpenRaw on platforms without AF_PACKET.
var ErrRawUnsupported = errors.New("transport: raw links require linux")

// RawLink is unavailable on this platform.
type RawLink struct{}

// OpenRaw always fails on this platform.
func OpenRaw(string) (*RawLink, error) { return nil, ErrRawUnsupported }

func (*RawLink) HardwareAddr() codec.MAC { return codec.MAC{} }
func (*RawLink) ReadFrame([]byte) (int, error) { return 0, ErrRawUnsupported }
func (*RawLink) WriteFrame([]byte) error { return ErrRawUnsupported }
func (*RawLink) Close() error { return nil }
