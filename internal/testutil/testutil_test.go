package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/HerbHall/pnvantage/internal/event"
	"github.com/HerbHall/pnvantage/pkg/models"
)

func TestLogger_NotNil(t *testing.T) {
	l := Logger()
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewStore_Usable(t *testing.T) {
	db := NewStore(t)
	if db == nil {
		t.Fatal("expected non-nil store")
	}
	if err := db.DB().PingContext(context.Background()); err != nil {
		t.Fatalf("PingContext: %v", err)
	}
}

func TestMockBus_RecordsEvents(t *testing.T) {
	bus := NewMockBus()

	ev := event.Event{Topic: event.TopicDeviceState, Source: "test"}
	if err := bus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	bus.PublishAsync(context.Background(), event.Event{Topic: event.TopicDeviceSample, Source: "test"})

	events := bus.Events()
	if len(events) != 2 {
		t.Fatalf("Events len = %d, want 2", len(events))
	}
	if events[0].Topic != event.TopicDeviceState {
		t.Errorf("events[0].Topic = %q, want %s", events[0].Topic, event.TopicDeviceState)
	}
	if got := bus.Topic(event.TopicDeviceSample); len(got) != 1 {
		t.Errorf("Topic(sample) len = %d, want 1", len(got))
	}
}

func TestMockBus_Reset(t *testing.T) {
	bus := NewMockBus()
	_ = bus.Publish(context.Background(), event.Event{Topic: "a"})
	bus.Reset()
	if len(bus.Events()) != 0 {
		t.Error("expected empty events after Reset")
	}
}

func TestClock_Advance(t *testing.T) {
	c := NewClock()
	start := c.Now()
	c.Advance(5 * time.Minute)
	if got := c.Now().Sub(start); got != 5*time.Minute {
		t.Errorf("Advance: elapsed = %v, want 5m", got)
	}
}

func TestClock_Set(t *testing.T) {
	c := NewClock()
	target := time.Date(2030, 6, 15, 12, 0, 0, 0, time.UTC)
	c.Set(target)
	if !c.Now().Equal(target) {
		t.Errorf("Set: got %v, want %v", c.Now(), target)
	}
}

func TestNewDeviceSpec_Defaults(t *testing.T) {
	d := NewDeviceSpec()
	if d.StationName != "water-rtu-01" {
		t.Errorf("StationName = %q, want water-rtu-01", d.StationName)
	}
	if err := d.Normalize(); err != nil {
		t.Errorf("default spec does not validate: %v", err)
	}
}

func TestNewDeviceSpec_WithOptions(t *testing.T) {
	d := NewDeviceSpec(
		WithStationName("pump-station-2"),
		WithIP("10.0.0.1"),
		WithSlots(models.SlotDAP, models.SlotActuator),
	)
	if d.StationName != "pump-station-2" {
		t.Errorf("StationName = %q", d.StationName)
	}
	if d.IPAddress != "10.0.0.1" {
		t.Errorf("IPAddress = %q", d.IPAddress)
	}
	if d.SlotCount != 2 || d.Slots[1] != models.SlotActuator {
		t.Errorf("slots = %d %v", d.SlotCount, d.Slots)
	}
}
