// Package config defines the relay connection configuration: where the relay
// lives, how reconnects are paced, and how heartbeats are timed. The config
// is created once at startup and never mutated afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hwzz3311/silent-agent-sub001/errors"
)

// Defaults mirror the stock relay deployment.
const (
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 18792
	DefaultPath              = "/controller"
	DefaultReconnectDelay    = 5 * time.Second
	DefaultReconnectAttempts = 10
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
	DefaultConnectTimeout    = 30 * time.Second
)

// Connection holds the immutable relay connection settings.
type Connection struct {
	Host                 string   `json:"host" yaml:"host"`
	Port                 int      `json:"port" yaml:"port"`
	Path                 string   `json:"path" yaml:"path"`
	AutoReconnect        bool     `json:"auto_reconnect" yaml:"auto_reconnect"`
	ReconnectDelay       Duration `json:"reconnect_delay" yaml:"reconnect_delay"`
	ReconnectMaxAttempts int      `json:"reconnect_max_attempts" yaml:"reconnect_max_attempts"`
	HeartbeatInterval    Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout     Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	ConnectionTimeout    Duration `json:"connection_timeout" yaml:"connection_timeout"`

	// SecretKey routes calls to a specific extension when several are
	// attached to the same relay. Empty means "the only one".
	SecretKey string `json:"secret_key,omitempty" yaml:"secret_key,omitempty"`
}

// Default returns the connection configuration for a local relay.
func Default() Connection {
	return Connection{
		Host:                 DefaultHost,
		Port:                 DefaultPort,
		Path:                 DefaultPath,
		AutoReconnect:        true,
		ReconnectDelay:       Duration(DefaultReconnectDelay),
		ReconnectMaxAttempts: DefaultReconnectAttempts,
		HeartbeatInterval:    Duration(DefaultHeartbeatInterval),
		HeartbeatTimeout:     Duration(DefaultHeartbeatTimeout),
		ConnectionTimeout:    Duration(DefaultConnectTimeout),
	}
}

// URL derives the relay WebSocket endpoint.
func (c Connection) URL() string {
	path := c.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("ws://%s:%d%s", c.Host, c.Port, path)
}

// Validate checks the configuration for values that cannot work.
func (c Connection) Validate() error {
	if c.Host == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: host", errors.ErrMissingConfig),
			"Connection", "Validate", "check host")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: port %d out of range", errors.ErrInvalidConfig, c.Port),
			"Connection", "Validate", "check port")
	}
	if c.ReconnectDelay < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: negative reconnect_delay", errors.ErrInvalidConfig),
			"Connection", "Validate", "check reconnect delay")
	}
	if c.ReconnectMaxAttempts < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: negative reconnect_max_attempts", errors.ErrInvalidConfig),
			"Connection", "Validate", "check reconnect attempts")
	}
	if c.HeartbeatInterval < 0 || c.HeartbeatTimeout < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: negative heartbeat settings", errors.ErrInvalidConfig),
			"Connection", "Validate", "check heartbeat")
	}
	return nil
}

// Load reads a YAML (or JSON, which YAML subsumes) configuration file on top
// of the defaults and applies environment overrides.
func Load(path string) (Connection, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.WrapInvalid(err, "Connection", "Load", "read config file")
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Connection", "Load", "parse config file")
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides individual settings from SILENTAGENT_* environment
// variables. Unset or malformed variables leave the current value in place.
func (c *Connection) ApplyEnv() {
	if v := os.Getenv("SILENTAGENT_RELAY_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("SILENTAGENT_RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("SILENTAGENT_RELAY_PATH"); v != "" {
		c.Path = v
	}
	if v := os.Getenv("SILENTAGENT_SECRET_KEY"); v != "" {
		c.SecretKey = v
	}
	if v := os.Getenv("SILENTAGENT_AUTO_RECONNECT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AutoReconnect = b
		}
	}
}

// Duration wraps time.Duration so config files can use either "5s" style
// strings or bare numbers of seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.decode(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	return d.decode(s)
}

func (d *Duration) decode(raw any) error {
	switch v := raw.(type) {
	case string:
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			*d = Duration(time.Duration(secs * float64(time.Second)))
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}
