// Package mqttbridge republishes controller events to an MQTT broker as
// JSON so SCADA historians and dashboards can follow RTU state without
// speaking to the HTTP API.
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/HerbHall/pnvantage/internal/config"
	"github.com/HerbHall/pnvantage/internal/event"
	"github.com/HerbHall/pnvantage/internal/profinet/ar"
	"github.com/HerbHall/pnvantage/internal/profinet/dcp"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// ErrConnectTimeout is returned by Start when the broker does not accept
// the connection in time.
var ErrConnectTimeout = errors.New("mqttbridge: broker connect timed out")

const connectTimeout = 10 * time.Second

// Client is the subset of mqtt.Client the bridge uses.
type Client interface {
	Connect() mqtt.Token
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Disconnect(quiesce uint)
}

// Subscriber is the subscribing half of the event bus.
type Subscriber interface {
	SubscribeAll(h event.Handler) func()
}

// Bridge forwards bus events to MQTT. Connection state and authority are
// retained so a late subscriber sees the current value; samples are not.
type Bridge struct {
	client Client
	bus    Subscriber
	prefix string
	logger *zap.Logger

	unsub   func()
	dropped atomic.Uint64
}

// New builds a bridge with a paho client for cfg.
func New(cfg config.MQTT, bus Subscriber, logger *zap.Logger) *Bridge {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	logger = logger.Named("mqtt")
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("broker connection lost", zap.Error(err))
	})
	return NewWithClient(mqtt.NewClient(opts), cfg.TopicPrefix, bus, logger)
}

// NewWithClient builds a bridge over an existing client.
func NewWithClient(client Client, prefix string, bus Subscriber, logger *zap.Logger) *Bridge {
	return &Bridge{
		client: client,
		bus:    bus,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: logger,
	}
}

// Name implements component.Component.
func (b *Bridge) Name() string { return "mqtt" }

// Start connects to the broker and subscribes to the bus.
func (b *Bridge) Start(ctx context.Context) error {
	tok := b.client.Connect()
	wait := connectTimeout
	if dl, ok := ctx.Deadline(); ok {
		wait = min(wait, time.Until(dl))
	}
	if !tok.WaitTimeout(wait) {
		return ErrConnectTimeout
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqttbridge: connect: %w", err)
	}
	b.unsub = b.bus.SubscribeAll(b.handle)
	b.logger.Info("publishing events", zap.String("prefix", b.prefix))
	return nil
}

// Stop unsubscribes and disconnects.
func (b *Bridge) Stop(context.Context) error {
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
	b.client.Disconnect(250)
	return nil
}

// Dropped returns how many events were discarded while disconnected.
func (b *Bridge) Dropped() uint64 { return b.dropped.Load() }

// Topic returns the MQTT topic for e and whether it is retained. Events
// the bridge does not forward return "".
func (b *Bridge) Topic(e event.Event) (string, bool) {
	switch p := e.Payload.(type) {
	case ar.StateChange:
		return b.prefix + "/rtu/" + p.Station + "/state", true
	case ar.AuthorityChange:
		return b.prefix + "/rtu/" + p.Station + "/authority", true
	case ar.SampleUpdate:
		return b.prefix + "/rtu/" + p.Station + "/slot/" + strconv.Itoa(p.Slot), false
	case dcp.Device:
		return b.prefix + "/dcp/" + strings.ReplaceAll(p.MAC.String(), ":", ""), false
	}
	return "", false
}

// handle runs on the publisher's goroutine, which may be a cyclic loop,
// so it never waits on the broker.
func (b *Bridge) handle(_ context.Context, e event.Event) {
	topic, retained := b.Topic(e)
	if topic == "" {
		return
	}
	if !b.client.IsConnected() {
		b.dropped.Add(1)
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		b.logger.Warn("event not encoded", zap.String("topic", e.Topic), zap.Error(err))
		return
	}
	if e.Topic == event.TopicDeviceRemoved {
		// An empty retained message clears the broker's copy.
		payload, retained = nil, true
	}
	b.client.Publish(topic, 0, retained, payload)
}
