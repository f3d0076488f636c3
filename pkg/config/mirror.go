package config

import (
	"encoding/json"
	"time"

	"github.com/sidkik/mirror/pkg/errors"
)

const (
	// DefaultConfigPath is where the config is read from when no path is
	// given.
	DefaultConfigPath = "~/.mirror.yaml"

	// InitialConfigVersion is the first version of the mirror config.
	// Config files that do not specify a version will default to this
	// version.
	InitialConfigVersion = "v1alpha1"

	// SupportedConfigVersion is the version of the mirror config supported by
	// this binary.
	SupportedConfigVersion = "v1alpha1"

	// DefaultMaxMessageSize is the largest gRPC message accepted by default.
	// Files are sent inline, so this bounds the largest file that can be
	// synced.
	DefaultMaxMessageSize = 1024 * 1024 * 1024
)

// SessionPolicy decides what happens when a client connects while another
// session is live.
type SessionPolicy string

const (
	// ReplaceSession closes the old session in favor of the new one.
	ReplaceSession SessionPolicy = "replace"

	// RejectSession refuses the new client until the old session ends.
	RejectSession SessionPolicy = "reject"
)

// Config contains the tunables shared by the mirror server and client.
type Config struct {
	Version string `json:"version,omitempty"`

	MaxMessageSize int `json:"maxMessageSize,omitempty"`

	// PollInterval is how often a stream that isn't ready is checked.
	PollInterval Duration `json:"pollInterval,omitempty"`

	// RescanInterval is how often the synced root is rescanned in case the
	// watcher missed a change. Zero disables rescanning.
	RescanInterval Duration `json:"rescanInterval,omitempty"`

	SessionPolicy SessionPolicy `json:"sessionPolicy,omitempty"`

	// Exclude contains glob patterns for paths that shouldn't be synced.
	Exclude []string `json:"exclude,omitempty"`

	// MetricsAddress is where prometheus metrics are served. Metrics aren't
	// served if it's empty.
	MetricsAddress string `json:"metricsAddress,omitempty"`

	// ReconnectInterval is how long the client waits before reconnecting
	// after a session ends.
	ReconnectInterval Duration `json:"reconnectInterval,omitempty"`

	// HandshakeTimeout is how long the server holds a session open for the
	// client to start streaming after the initial sync. Zero disables the
	// timeout.
	HandshakeTimeout Duration `json:"handshakeTimeout,omitempty"`
}

func (c Config) getVersion() string {
	return c.Version
}

// Default returns the config used when no config file exists.
func Default() Config {
	return Config{
		Version:           SupportedConfigVersion,
		MaxMessageSize:    DefaultMaxMessageSize,
		PollInterval:      Duration(100 * time.Millisecond),
		RescanInterval:    Duration(time.Minute),
		SessionPolicy:     ReplaceSession,
		ReconnectInterval: Duration(5 * time.Second),
		HandshakeTimeout:  Duration(30 * time.Second),
	}
}

// Parse reads the config at `path`. If `path` is empty, the config is read
// from DefaultConfigPath, and it's not an error for it to be missing.
// Fields that aren't set in the file keep their default values.
func Parse(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}

	expanded, err := homedirExpand(path)
	if err != nil {
		return Config{}, errors.WithContext(err, "expand config path")
	}

	cfg := Default()
	cfg.Version = InitialConfigVersion
	if err := readConfig(expanded, &cfg, SupportedConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok && !explicit {
			return Default(), nil
		}
		return Config{}, errors.WithContext(err, "parse")
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.SessionPolicy {
	case ReplaceSession, RejectSession:
	default:
		return errors.NewFriendlyError("Unknown session policy %q. "+
			"The supported policies are %q and %q.",
			c.SessionPolicy, ReplaceSession, RejectSession)
	}

	if c.MaxMessageSize <= 0 {
		return errors.NewFriendlyError(
			"maxMessageSize must be positive, but it's %d.", c.MaxMessageSize)
	}

	for name, duration := range map[string]Duration{
		"pollInterval":      c.PollInterval,
		"rescanInterval":    c.RescanInterval,
		"reconnectInterval": c.ReconnectInterval,
		"handshakeTimeout":  c.HandshakeTimeout,
	} {
		if duration < 0 {
			return errors.NewFriendlyError("%s can't be negative.", name)
		}
	}
	return nil
}

// Duration is a time.Duration that's written in YAML as a string such as
// "100ms" or "1m".
type Duration time.Duration

// Duration converts to the standard library type.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.WithContext(err, "durations must be strings such as \"100ms\"")
	}

	parsed, err := time.ParseDuration(str)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
