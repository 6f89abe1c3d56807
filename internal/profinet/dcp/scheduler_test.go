package dcp

import (
	"context"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HerbHall/pnvantage/internal/event"
	"github.com/HerbHall/pnvantage/internal/registry"
	"github.com/HerbHall/pnvantage/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDiscoverer struct {
	devices []Device
	rounds  atomic.Int32
}

func (f *fakeDiscoverer) DiscoverAll(context.Context) ([]Device, error) {
	f.rounds.Add(1)
	return f.devices, nil
}

func TestScheduler_ScanRefreshesRegistry(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(zap.NewNop())
	_, err := reg.Add(ctx, testutil.NewDeviceSpec())
	require.NoError(t, err)

	disc := &fakeDiscoverer{devices: []Device{
		{MAC: deviceMAC, StationName: "water-rtu-01", IP: netip.MustParseAddr("192.168.1.60"), VendorID: 0x012a, DeviceID: 7, SeenAt: time.Now()},
		{MAC: otherMAC, StationName: "unregistered", SeenAt: time.Now()},
	}}
	bus := testutil.NewMockBus()
	s := NewScheduler(disc, reg, bus, zap.NewNop(), time.Minute)

	got := s.Scan(ctx)
	assert.Len(t, got, 2)
	assert.Len(t, bus.Topic(event.TopicDeviceSeen), 2)

	rec, ok := reg.FindByMAC(deviceMAC)
	require.True(t, ok)
	assert.Equal(t, "water-rtu-01", rec.Name())
	assert.Equal(t, netip.MustParseAddr("192.168.1.60"), rec.Identity().IP)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	disc := &fakeDiscoverer{}
	s := NewScheduler(disc, nil, nil, zap.NewNop(), 10*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return disc.rounds.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}
}
