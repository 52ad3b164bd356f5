// Package config loads and validates the orchestrator daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
)

// Store drivers accepted by Config.Store.Driver.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config is the daemon configuration, loaded from a YAML file with every
// field optional. Zero values are replaced by the defaults below.
type Config struct {
	// Listen is the API address, either host:port or unix:///path/to.sock.
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`
	// StateDir holds the session database, pid records and session logs.
	StateDir string `json:"state_dir,omitempty" yaml:"state_dir,omitempty"`
	// Catalog is the path to the tool catalog YAML file.
	Catalog  string         `json:"catalog,omitempty" yaml:"catalog,omitempty"`
	LogLevel string         `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	Store    StoreConfig    `json:"store,omitempty" yaml:"store,omitempty"`
	Sessions SessionsConfig `json:"sessions,omitempty" yaml:"sessions,omitempty"`
	Events   EventsConfig   `json:"events,omitempty" yaml:"events,omitempty"`
	Relay    RelayConfig    `json:"relay,omitempty" yaml:"relay,omitempty"`
}

type StoreConfig struct {
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`
	// Path is the sqlite database file. Defaults to sessions.db in StateDir.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

type SessionsConfig struct {
	// AnnounceTimeout bounds how long a spawned process may take to report
	// its endpoint before it is killed.
	AnnounceTimeout time.Duration `json:"announce_timeout,omitempty" yaml:"announce_timeout,omitempty"`
	// GracePeriod is the wait between SIGTERM and SIGKILL when stopping.
	GracePeriod time.Duration `json:"grace_period,omitempty" yaml:"grace_period,omitempty"`
}

type EventsConfig struct {
	// BufferSize bounds the per-session replay buffer.
	BufferSize int `json:"buffer_size,omitempty" yaml:"buffer_size,omitempty"`
	// ViewerQueue bounds each live viewer's send queue.
	ViewerQueue int `json:"viewer_queue,omitempty" yaml:"viewer_queue,omitempty"`
}

type RelayConfig struct {
	// PollInterval is the delay between polls of an endpoint-mode tool.
	PollInterval time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	// RequestTimeout bounds a single poll request.
	RequestTimeout time.Duration `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
}

// Default returns the configuration used when no file or field is given.
func Default() *Config {
	return &Config{
		Listen:   "127.0.0.1:7380",
		StateDir: defaultStateDir(),
		LogLevel: "info",
		Store: StoreConfig{
			Driver: DriverSQLite,
		},
		Sessions: SessionsConfig{
			AnnounceTimeout: 30 * time.Second,
			GracePeriod:     3 * time.Second,
		},
		Events: EventsConfig{
			BufferSize:  1024,
			ViewerQueue: 64,
		},
		Relay: RelayConfig{
			PollInterval:   500 * time.Millisecond,
			RequestTimeout: 10 * time.Second,
		},
	}
}

func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".vibemind")
	}
	return ".vibemind"
}

// Load reads the configuration file at path and applies defaults for every
// field left empty. An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.merge(&loaded)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) merge(o *Config) {
	if o.Listen != "" {
		c.Listen = o.Listen
	}
	if o.StateDir != "" {
		c.StateDir = o.StateDir
	}
	if o.Catalog != "" {
		c.Catalog = o.Catalog
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.Store.Driver != "" {
		c.Store.Driver = o.Store.Driver
	}
	if o.Store.Path != "" {
		c.Store.Path = o.Store.Path
	}
	if o.Sessions.AnnounceTimeout > 0 {
		c.Sessions.AnnounceTimeout = o.Sessions.AnnounceTimeout
	}
	if o.Sessions.GracePeriod > 0 {
		c.Sessions.GracePeriod = o.Sessions.GracePeriod
	}
	if o.Events.BufferSize > 0 {
		c.Events.BufferSize = o.Events.BufferSize
	}
	if o.Events.ViewerQueue > 0 {
		c.Events.ViewerQueue = o.Events.ViewerQueue
	}
	if o.Relay.PollInterval > 0 {
		c.Relay.PollInterval = o.Relay.PollInterval
	}
	if o.Relay.RequestTimeout > 0 {
		c.Relay.RequestTimeout = o.Relay.RequestTimeout
	}
}

// Validate checks the configuration for values no component can run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("store driver %q is not supported, use %q or %q", c.Store.Driver, DriverSQLite, DriverMemory)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level %q is not supported", c.LogLevel)
	}

	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state dir must not be empty")
	}
	if c.Sessions.AnnounceTimeout <= 0 {
		return fmt.Errorf("announce timeout must be positive, got %s", c.Sessions.AnnounceTimeout)
	}
	if c.Sessions.GracePeriod <= 0 {
		return fmt.Errorf("grace period must be positive, got %s", c.Sessions.GracePeriod)
	}
	if c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got %d", c.Events.BufferSize)
	}
	if c.Events.ViewerQueue <= 0 {
		return fmt.Errorf("viewer queue size must be positive, got %d", c.Events.ViewerQueue)
	}
	if c.Relay.PollInterval <= 0 {
		return fmt.Errorf("relay poll interval must be positive, got %s", c.Relay.PollInterval)
	}
	return nil
}

// StorePath returns the sqlite database file, defaulting into StateDir.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.StateDir, "sessions.db")
}

// LogsDir returns the directory for per-session log files.
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// PidsDir returns the directory for pid records of in-flight sessions.
func (c *Config) PidsDir() string {
	return filepath.Join(c.StateDir, "pids")
}

// EnsureDirs creates the state directory tree.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.StateDir, c.LogsDir(), c.PidsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	return nil
}
