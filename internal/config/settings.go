package config

import (
	"errors"
	"net"
	"strconv"
	"time"
)

// Profinet holds the protocol engine settings.
type Profinet struct {
	Interface         string
	CycleTime         time.Duration
	Watchdog          time.Duration
	ConnectTimeout    time.Duration
	ReconnectAttempts int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	DCPWindow         time.Duration
	ScanInterval      time.Duration
}

// Profinet returns the typed protocol settings. Integer keys are in the
// units their names carry.
func (c *Config) Profinet() (Profinet, error) {
	p := Profinet{
		Interface:         c.GetString("profinet.interface"),
		CycleTime:         time.Duration(c.GetInt("profinet.cycle_time_us")) * time.Microsecond,
		Watchdog:          time.Duration(c.GetInt("profinet.watchdog_ms")) * time.Millisecond,
		ConnectTimeout:    c.GetDuration("profinet.connect_timeout"),
		ReconnectAttempts: c.GetInt("profinet.reconnect.attempts"),
		InitialBackoff:    c.GetDuration("profinet.reconnect.initial_backoff"),
		MaxBackoff:        c.GetDuration("profinet.reconnect.max_backoff"),
		DCPWindow:         c.GetDuration("dcp.window"),
		ScanInterval:      c.GetDuration("dcp.scan_interval"),
	}
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = p.Watchdog
	}
	return p, p.validate()
}

func (p Profinet) validate() error {
	var errs []error
	if p.CycleTime <= 0 {
		errs = append(errs, errors.New("profinet.cycle_time_us must be positive"))
	}
	if p.Watchdog < p.CycleTime {
		errs = append(errs, errors.New("profinet.watchdog_ms must cover at least one cycle"))
	}
	if p.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("profinet.reconnect.attempts must not be negative"))
	}
	if p.MaxBackoff < p.InitialBackoff {
		errs = append(errs, errors.New("profinet.reconnect.max_backoff is below initial_backoff"))
	}
	if p.DCPWindow <= 0 {
		errs = append(errs, errors.New("dcp.window must be positive"))
	}
	return errors.Join(errs...)
}

// MQTT holds the telemetry bridge settings.
type MQTT struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

// MQTT returns the bridge settings. Keys are read individually so
// environment overrides apply.
func (c *Config) MQTT() (MQTT, error) {
	m := MQTT{
		Enabled:     c.GetBool("mqtt.enabled"),
		Broker:      c.GetString("mqtt.broker"),
		TopicPrefix: c.GetString("mqtt.topic_prefix"),
		ClientID:    c.GetString("mqtt.client_id"),
		Username:    c.GetString("mqtt.username"),
		Password:    c.GetString("mqtt.password"),
	}
	if m.Enabled && m.Broker == "" {
		return m, errors.New("mqtt.broker is required when mqtt.enabled is set")
	}
	return m, nil
}

// ServerAddr returns host:port for the HTTP listener.
func (c *Config) ServerAddr() string {
	host := c.GetString("server.host")
	port := c.GetInt("server.port")
	if port == 0 {
		port = 8080
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
