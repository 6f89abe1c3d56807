package ar

import (
	"time"

	"github.com/HerbHall/pnvantage/internal/config"
	"github.com/HerbHall/pnvantage/internal/profinet/codec"
	"github.com/HerbHall/pnvantage/pkg/models"
	"github.com/google/uuid"
)

// Config holds the timing and retry policy shared by every AR.
type Config struct {
	CycleTime         time.Duration
	Watchdog          time.Duration
	ConnectTimeout    time.Duration
	ReconnectAttempts int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
}

// DefaultConfig returns 1 ms cycles, a 3 s watchdog and three reconnect
// attempts backing off from 1 s to 30 s.
func DefaultConfig() Config {
	return Config{
		CycleTime:         time.Millisecond,
		Watchdog:          3 * time.Second,
		ConnectTimeout:    3 * time.Second,
		ReconnectAttempts: 3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
	}
}

// ConfigFromSettings maps the profinet configuration section.
func ConfigFromSettings(p config.Profinet) Config {
	return Config{
		CycleTime:         p.CycleTime,
		Watchdog:          p.Watchdog,
		ConnectTimeout:    p.ConnectTimeout,
		ReconnectAttempts: p.ReconnectAttempts,
		InitialBackoff:    p.InitialBackoff,
		MaxBackoff:        p.MaxBackoff,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CycleTime <= 0 {
		c.CycleTime = d.CycleTime
	}
	if c.Watchdog <= 0 {
		c.Watchdog = d.Watchdog
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = c.Watchdog
	}
	if c.ReconnectAttempts < 0 {
		c.ReconnectAttempts = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// backoff returns the delay before reconnect attempt n (1-based).
func (c Config) backoff(n int) time.Duration {
	d := c.InitialBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return d
}

// Params is the configuration of one AR, built when a connection attempt
// leaves DISCOVERY.
type Params struct {
	StationName   string
	MAC           codec.MAC
	VendorID      uint16
	DeviceID      uint16
	Slots         []models.SlotType
	CycleTime     time.Duration
	Watchdog      time.Duration
	ARUUID        uuid.UUID
	OutputFrameID uint16
	InputFrameID  uint16
}

func (p Params) connectRequest(controller codec.MAC) codec.ConnectRequest {
	slots := make([]byte, len(p.Slots))
	for i, t := range p.Slots {
		slots[i] = byte(t)
	}
	return codec.ConnectRequest{
		ControllerMAC: controller,
		CycleTimeUs:   uint32(p.CycleTime / time.Microsecond),
		WatchdogMs:    uint32(p.Watchdog / time.Millisecond),
		VendorID:      p.VendorID,
		DeviceID:      p.DeviceID,
		OutputFrameID: p.OutputFrameID,
		InputFrameID:  p.InputFrameID,
		SlotTypes:     slots,
	}
}
