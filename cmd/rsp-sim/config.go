package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seclane/m2mrsp/pkg/profile"
	"github.com/seclane/m2mrsp/pkg/rsp"
	"github.com/seclane/m2mrsp/pkg/session"
)

// Duration wraps time.Duration so config files can write durations as
// strings like "10m" or "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds the simulator configuration. Zero values fall back to
// the defaults from DefaultConfig.
type Config struct {
	// SMDPID and SMSRID are the entity identifiers of the two
	// subscription managers.
	SMDPID string `yaml:"sm_dp_id"`
	SMSRID string `yaml:"sm_sr_id"`

	// EUICCID identifies the simulated card; ICCID the profile to
	// provision onto it.
	EUICCID string `yaml:"euicc_id"`
	ICCID   string `yaml:"iccid"`

	// ProfileType selects the profile template.
	ProfileType string `yaml:"profile_type"`

	// EUICCMemory is the card's memory budget in units; ProfileMemory
	// the ISD-P reservation for the provisioned profile.
	EUICCMemory   int `yaml:"euicc_memory"`
	ProfileMemory int `yaml:"profile_memory"`

	// SegmentSize is the download segment payload size in bytes, used
	// when segmented delivery is requested.
	SegmentSize int `yaml:"segment_size"`

	// SessionTTL bounds the lifetime of key establishment sessions.
	SessionTTL Duration `yaml:"session_ttl"`

	// StorageSecret seals the entity key pairs at rest.
	StorageSecret string `yaml:"storage_secret"`

	// MetricsAddr serves Prometheus metrics when non-empty, e.g.
	// ":9090".
	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultConfig returns the built-in simulator configuration.
func DefaultConfig() Config {
	return Config{
		SMDPID:        "sm-dp-01",
		SMSRID:        "sm-sr-01",
		EUICCID:       "89012345678901234567",
		ICCID:         "8901234567890123456",
		ProfileType:   rsp.DefaultProfileType,
		EUICCMemory:   rsp.DefaultEUICCMemory,
		ProfileMemory: rsp.DefaultProfileMemory,
		SegmentSize:   profile.DefaultSegmentSize,
		SessionTTL:    Duration(session.DefaultTTL),
		StorageSecret: "m2mrsp-dev-secret",
	}
}

// LoadConfig reads a YAML config file on top of the defaults. Fields
// the file does not set keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the simulator cannot
// run with.
func (c Config) Validate() error {
	if c.SMDPID == "" || c.SMSRID == "" {
		return fmt.Errorf("config: SM-DP and SM-SR IDs must not be empty")
	}
	if c.EUICCID == "" || c.ICCID == "" {
		return fmt.Errorf("config: eUICC ID and ICCID must not be empty")
	}
	if c.EUICCMemory <= 0 || c.ProfileMemory <= 0 {
		return fmt.Errorf("config: memory sizes must be positive")
	}
	if c.ProfileMemory > c.EUICCMemory {
		return fmt.Errorf("config: profile memory %d exceeds eUICC memory %d",
			c.ProfileMemory, c.EUICCMemory)
	}
	if c.SegmentSize <= 0 {
		return fmt.Errorf("config: segment size must be positive")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("config: session TTL must be positive")
	}
	if c.StorageSecret == "" {
		return fmt.Errorf("config: storage secret must not be empty")
	}
	return nil
}
