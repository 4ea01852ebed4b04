// Package config loads the YAML configuration used by the peerauth CLI:
// the devices taking part in a demo, their credential directories, link
// parameters and the log level.
//
// Example:
//
//	log_level: debug
//	link:
//	  max_fragment_size: 20
//	  flow_control: true
//	max_message_size: 2048
//	devices:
//	  - name: sensor
//	    role: initiator
//	    credentials: ./creds/sensor
//	  - name: hub
//	    role: responder
//	    credentials: ./creds/hub
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pion/logging"
	"gopkg.in/yaml.v3"

	"github.com/backkem/peerauth/pkg/fragment"
	"github.com/backkem/peerauth/pkg/transport"
)

// Roles accepted in a device entry.
const (
	RoleInitiator = "initiator"
	RoleResponder = "responder"
)

// Configuration errors.
var (
	ErrNoDevices        = errors.New("config: no devices")
	ErrDuplicateDevice  = errors.New("config: duplicate device name")
	ErrInvalidRole      = errors.New("config: role must be initiator or responder")
	ErrMissingField     = errors.New("config: missing required field")
	ErrInvalidLogLevel  = errors.New("config: invalid log level")
	ErrInvalidFragment  = errors.New("config: max fragment size too small")
	ErrInvalidMaxLength = errors.New("config: max message size must be positive")
)

// Config is the top-level configuration.
type Config struct {
	// LogLevel is one of disabled, error, warn, info, debug, trace.
	LogLevel string `yaml:"log_level"`

	Link LinkConfig `yaml:"link"`

	// MaxMessageSize bounds reassembly of a single logical message.
	MaxMessageSize int `yaml:"max_message_size"`

	Devices []Device `yaml:"devices"`
}

// LinkConfig describes the fragment link between devices.
type LinkConfig struct {
	MaxFragmentSize int  `yaml:"max_fragment_size"`
	FlowControl     bool `yaml:"flow_control"`
}

// Device is one provisioned device.
type Device struct {
	Name string `yaml:"name"`
	Role string `yaml:"role"`

	// Credentials is the FileStore directory. Relative paths are resolved
	// against the directory of the config file by Load.
	Credentials string `yaml:"credentials"`
}

// DefaultConfig returns a Config with defaults and no devices.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Link: LinkConfig{
			MaxFragmentSize: transport.DefaultMaxFragmentSize,
			FlowControl:     true,
		},
		MaxMessageSize: fragment.DefaultMaxMessageSize,
	}
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range c.Devices {
		if !filepath.IsAbs(c.Devices[i].Credentials) {
			c.Devices[i].Credentials = filepath.Join(base, c.Devices[i].Credentials)
		}
	}
	return c, nil
}

// Parse decodes YAML on top of DefaultConfig and validates the result.
func Parse(data []byte) (*Config, error) {
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save writes c as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Link.MaxFragmentSize < fragment.MinFragmentSize {
		return fmt.Errorf("%w: %d", ErrInvalidFragment, c.Link.MaxFragmentSize)
	}
	if c.MaxMessageSize <= 0 {
		return ErrInvalidMaxLength
	}
	if len(c.Devices) == 0 {
		return ErrNoDevices
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("%w: devices[%d].name", ErrMissingField, i)
		}
		if seen[d.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateDevice, d.Name)
		}
		seen[d.Name] = true
		if d.Role != RoleInitiator && d.Role != RoleResponder {
			return fmt.Errorf("%w: %s has %q", ErrInvalidRole, d.Name, d.Role)
		}
		if d.Credentials == "" {
			return fmt.Errorf("%w: devices[%d].credentials", ErrMissingField, i)
		}
	}
	return nil
}

// Device returns the device with the given name.
func (c *Config) Device(name string) (Device, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return Device{}, false
}

// FirstWithRole returns the first device with the given role.
func (c *Config) FirstWithRole(role string) (Device, bool) {
	for _, d := range c.Devices {
		if d.Role == role {
			return d, true
		}
	}
	return Device{}, false
}

// ParseLogLevel maps a level name to a pion log level.
func ParseLogLevel(level string) (logging.LogLevel, error) {
	switch strings.ToLower(level) {
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "info", "":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	default:
		return logging.LogLevelDisabled, fmt.Errorf("%w: %q", ErrInvalidLogLevel, level)
	}
}

// LoggerFactory returns a factory writing to w at the configured level.
func (c *Config) LoggerFactory(w io.Writer) logging.LoggerFactory {
	level, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		level = logging.LogLevelInfo
	}
	return &logging.DefaultLoggerFactory{
		Writer:          w,
		DefaultLogLevel: level,
		ScopeLevels:     make(map[string]logging.LogLevel),
	}
}
