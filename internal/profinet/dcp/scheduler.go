package dcp

import (
	"context"
	"errors"
	"time"

	"github.com/HerbHall/pnvantage/internal/event"
	"github.com/HerbHall/pnvantage/internal/registry"
	"go.uber.org/zap"
)

// Discoverer runs one Identify-All round.
type Discoverer interface {
	DiscoverAll(ctx context.Context) ([]Device, error)
}

// IdentityUpdater receives identities for registered station names.
type IdentityUpdater interface {
	UpdateIdentity(ctx context.Context, name string, id registry.Identity) error
}

// Scheduler periodically runs discovery, publishes what it sees and keeps
// identity fields of registered devices current.
type Scheduler struct {
	disc     Discoverer
	devices  IdentityUpdater
	bus      event.Publisher
	logger   *zap.Logger
	interval time.Duration
}

// NewScheduler creates a scheduler. devices and bus may be nil.
func NewScheduler(disc Discoverer, devices IdentityUpdater, bus event.Publisher, logger *zap.Logger, interval time.Duration) *Scheduler {
	return &Scheduler{
		disc:     disc,
		devices:  devices,
		bus:      bus,
		logger:   logger.Named("dcp.scheduler"),
		interval: interval,
	}
}

// Run scans immediately and then on every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("discovery scheduler started", zap.Duration("interval", s.interval))

	s.Scan(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("discovery scheduler stopped")
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan runs one discovery round and returns the devices seen.
func (s *Scheduler) Scan(ctx context.Context) []Device {
	devices, err := s.disc.DiscoverAll(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("discovery round failed", zap.Error(err))
	}
	for _, d := range devices {
		s.publish(ctx, d)
		if s.devices == nil || d.StationName == "" {
			continue
		}
		err := s.devices.UpdateIdentity(ctx, d.StationName, registry.Identity{
			MAC:      d.MAC,
			IP:       d.IP,
			Mask:     d.Mask,
			Gateway:  d.Gateway,
			VendorID: d.VendorID,
			DeviceID: d.DeviceID,
		})
		switch {
		case err == nil, errors.Is(err, registry.ErrNotFound):
		default:
			s.logger.Warn("identity update failed",
				zap.String("station", d.StationName),
				zap.Error(err),
			)
		}
	}
	return devices
}

func (s *Scheduler) publish(ctx context.Context, d Device) {
	if s.bus == nil {
		return
	}
	s.bus.PublishAsync(ctx, event.Event{
		Topic:     event.TopicDeviceSeen,
		Source:    "dcp",
		Timestamp: d.SeenAt,
		Payload:   d,
	})
}
