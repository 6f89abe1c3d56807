// Package config wraps viper with the controller's defaults and typed views.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g.
// PNVANTAGE_PROFINET_INTERFACE.
const EnvPrefix = "PNVANTAGE"

// Config is a read-only view over a viper instance. The zero value and a
// Config built from a nil viper return zero values for every key.
type Config struct {
	v *viper.Viper
}

// New wraps v. A nil v is replaced by an empty instance.
func New(v *viper.Viper) *Config {
	if v == nil {
		v = viper.New()
	}
	return &Config{v: v}
}

// Load reads path (if non-empty) on top of the defaults and environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return New(v), nil
}

// SetDefaults installs the default value of every known key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("profinet.interface", "")
	v.SetDefault("profinet.cycle_time_us", 1000)
	v.SetDefault("profinet.watchdog_ms", 3000)
	v.SetDefault("profinet.connect_timeout", 0)
	v.SetDefault("profinet.reconnect.attempts", 3)
	v.SetDefault("profinet.reconnect.initial_backoff", "1s")
	v.SetDefault("profinet.reconnect.max_backoff", "30s")
	v.SetDefault("dcp.window", "1500ms")
	v.SetDefault("dcp.scan_interval", "60s")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit", 20)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("store.path", "pnvantage.db")
	v.SetDefault("inventory.path", "")
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic_prefix", "pnvantage")
	v.SetDefault("mqtt.client_id", "pnvantage")
	v.SetDefault("log.development", false)
}

func (c *Config) viper() *viper.Viper {
	if c == nil || c.v == nil {
		return viper.New()
	}
	return c.v
}

// GetString returns the value of key as a string.
func (c *Config) GetString(key string) string { return c.viper().GetString(key) }

// GetInt returns the value of key as an int.
func (c *Config) GetInt(key string) int { return c.viper().GetInt(key) }

// GetBool returns the value of key as a bool.
func (c *Config) GetBool(key string) bool { return c.viper().GetBool(key) }

// GetDuration returns the value of key as a duration.
func (c *Config) GetDuration(key string) time.Duration { return c.viper().GetDuration(key) }

// IsSet reports whether key has a value from any source.
func (c *Config) IsSet(key string) bool { return c.viper().IsSet(key) }

// Sub returns the subtree at key. It never returns nil.
func (c *Config) Sub(key string) *Config {
	return New(c.viper().Sub(key))
}

// Unmarshal decodes the whole tree into target using mapstructure tags.
func (c *Config) Unmarshal(target any) error {
	return c.viper().Unmarshal(target)
}

// Viper exposes the underlying instance for flag binding.
func (c *Config) Viper() *viper.Viper { return c.viper() }
