// Package config loads unifi-presence settings from defaults, an optional
// YAML file, and UNIFI_PRESENCE_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/awilliams/unifi-presence/internal/presence"
	"github.com/awilliams/unifi-presence/internal/unifi"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "UNIFI_PRESENCE_"

// Config is the complete program configuration.
type Config struct {
	Controller ControllerConfig `koanf:"controller"`
	Poll       PollConfig       `koanf:"poll"`
	MQTT       MQTTConfig       `koanf:"mqtt"`
	HTTP       HTTPConfig       `koanf:"http"`
	Store      StoreConfig      `koanf:"store"`
	Log        LogConfig        `koanf:"log"`
}

// ControllerConfig holds the controller connection settings. They are not
// validated here: invalid settings leave the daemon disconnected with a
// reason until they are corrected.
type ControllerConfig struct {
	Host      string        `koanf:"host"`
	Port      int           `koanf:"port"`
	User      string        `koanf:"user"`
	Pass      string        `koanf:"pass"`
	Site      string        `koanf:"site"`
	UniFiOS   bool          `koanf:"unifi_os"`
	VerifyTLS bool          `koanf:"verify_tls"`
	Timeout   time.Duration `koanf:"timeout" validate:"gte=0"`
}

// Settings converts c to the controller adapter's settings.
func (c ControllerConfig) Settings() unifi.Settings {
	return unifi.Settings{
		Host:      c.Host,
		Port:      c.Port,
		User:      c.User,
		Pass:      c.Pass,
		Site:      c.Site,
		UniFiOS:   c.UniFiOS,
		VerifyTLS: c.VerifyTLS,
		Timeout:   c.Timeout,
	}
}

// PollConfig holds the daemon's timer intervals.
type PollConfig struct {
	Clients           time.Duration `koanf:"clients" validate:"required"`
	Reference         time.Duration `koanf:"reference" validate:"required"`
	Reconnect         time.Duration `koanf:"reconnect" validate:"required"`
	RecentWindowHours int           `koanf:"recent_window_hours" validate:"min=1"`
}

// Intervals converts p to the daemon's intervals.
func (p PollConfig) Intervals() presence.Intervals {
	return presence.Intervals{
		ClientPoll:        p.Clients,
		ReferencePoll:     p.Reference,
		Reconnect:         p.Reconnect,
		RecentWindowHours: p.RecentWindowHours,
	}
}

// MQTTConfig configures the Home Assistant MQTT publisher. It is disabled
// when Broker is empty.
type MQTTConfig struct {
	Broker          string `koanf:"broker" validate:"omitempty,url"`
	ClientID        string `koanf:"client_id" validate:"required_with=Broker"`
	Username        string `koanf:"username"`
	Password        string `koanf:"password"`
	TopicPrefix     string `koanf:"topic_prefix" validate:"required_with=Broker"`
	DiscoveryPrefix string `koanf:"discovery_prefix"`
	Discovery       bool   `koanf:"discovery"`
}

// Enabled reports whether a broker is configured.
func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// HTTPConfig configures the HTTP API. It is disabled when Addr is empty.
type HTTPConfig struct {
	Addr string `koanf:"addr" validate:"omitempty,hostname_port"`
}

// StoreConfig configures the tracked device database.
type StoreConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	hostName, _ := os.Hostname()
	clientID := "unifi-presence"
	if hostName != "" {
		clientID = fmt.Sprintf("%s.%s", clientID, hostName)
	}

	return Config{
		Controller: ControllerConfig{
			Host:    "unifi",
			Port:    8443,
			User:    "ubnt",
			Pass:    "ubnt",
			Site:    "default",
			Timeout: unifi.DefaultTimeout,
		},
		Poll: PollConfig{
			Clients:           presence.DefaultClientPollInterval,
			Reference:         presence.DefaultReferencePollInterval,
			Reconnect:         presence.DefaultReconnectInterval,
			RecentWindowHours: presence.DefaultRecentWindowHours,
		},
		MQTT: MQTTConfig{
			ClientID:        clientID,
			TopicPrefix:     "unifi-presence",
			DiscoveryPrefix: "homeassistant",
			Discovery:       true,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Store: StoreConfig{
			Path: "unifi-presence.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration from the defaults, the YAML file at path
// (skipped when path is empty), and the environment, in that order.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %q: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps UNIFI_PRESENCE_CONTROLLER_HOST to controller.host. Only the
// first underscore after the prefix separates the section from the key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// FieldError describes one invalid field.
type FieldError struct {
	Field string
	Rule  string
	Value any
}

func (f FieldError) String() string {
	return fmt.Sprintf("%s failed %q (value: %v)", f.Field, f.Rule, f.Value)
}

// ValidationError lists every invalid field.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

var validate = validator.New()

// Validate checks c against its field rules.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}
	ve := &ValidationError{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		// Drop the leading "Config." from the namespace.
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		ve.Fields = append(ve.Fields, FieldError{
			Field: field,
			Rule:  fe.Tag(),
			Value: fe.Value(),
		})
	}
	return ve
}
