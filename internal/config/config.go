// Package config handles configuration loading and validation for
// histd. Configuration comes from a TOML file under the histd home
// directory, with environment variables overriding individual values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment overrides.
const (
	// EnvHome relocates the whole histd home directory.
	EnvHome = "HISTD_HOME"
	// EnvTestHome wins over EnvHome; it isolates test shells from the
	// user's real history.
	EnvTestHome = "HISTD_TEST_HOME"
	// EnvSocket overrides the daemon socket path.
	EnvSocket = "HISTD_SOCKET"
)

// Config is the complete daemon and client configuration.
type Config struct {
	History HistoryConfig `toml:"history"`
	Sync    SyncConfig    `toml:"sync"`
	Filters FiltersConfig `toml:"filters"`
	Logging LoggingConfig `toml:"logging"`
}

// HistoryConfig configures the local event store.
type HistoryConfig struct {
	// MachineID identifies this machine in event keys. It must be
	// unique across all machines sharing a replication root.
	MachineID string `toml:"machine_id"`

	// DataDir holds the local machine file, the publish-name state
	// and the sqlite mirror. Empty means the histd home directory.
	DataDir string `toml:"data_dir"`

	// SocketPath is the daemon control socket. Empty means
	// daemon.sock under the data directory.
	SocketPath string `toml:"socket_path"`
}

// SyncConfig configures cross-machine synchronization.
type SyncConfig struct {
	// Root is the replication root shared between machines, typically
	// inside a synchronized folder. Empty disables syncing.
	Root string `toml:"root"`

	// IntervalSec is the periodic sync interval in seconds.
	IntervalSec int `toml:"interval_sec"`

	// RecentEvents bounds the published recent file; older events
	// move to the archive file. Zero publishes everything in one file.
	RecentEvents int `toml:"recent_events"`
}

// FiltersConfig configures the ignore filters.
type FiltersConfig struct {
	// Path of the YAML filter file. Empty means filters.yaml under
	// the histd home directory.
	Path string `toml:"path"`
}

// LoggingConfig configures daemon logging.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// Home returns the histd home directory, honoring the test and home
// overrides.
func Home() string {
	if dir := os.Getenv(EnvTestHome); dir != "" {
		return dir
	}
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "histd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".histd"
	}
	return filepath.Join(home, ".local", "share", "histd")
}

// Path returns the default config file location.
func Path() string {
	return filepath.Join(Home(), "config.toml")
}

// Default returns the built-in configuration.
func Default() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return &Config{
		History: HistoryConfig{
			MachineID: hostname,
		},
		Sync: SyncConfig{
			IntervalSec:  600,
			RecentEvents: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the config file at path, applies environment overrides
// and validates. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreate loads the config at path, writing the default file
// first when none exists. It reports whether the file was created.
func LoadOrCreate(path string) (*Config, bool, error) {
	created := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := Save(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		created = true
	}
	cfg, err := Load(path)
	return cfg, created, err
}

// Save writes the config as TOML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// ApplyEnvOverrides applies HISTD_* environment variables on top of
// file values.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv(EnvSocket); v != "" {
		c.History.SocketPath = v
	}
	if v := os.Getenv("HISTD_MACHINE_ID"); v != "" {
		c.History.MachineID = v
	}
	if v := os.Getenv("HISTD_SYNC_ROOT"); v != "" {
		c.Sync.Root = v
	}
	if v := os.Getenv("HISTD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HISTD_SYNC_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sync.IntervalSec = n
		}
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.History.MachineID == "" {
		return fmt.Errorf("history.machine_id must not be empty")
	}
	if c.Sync.IntervalSec < 0 {
		return fmt.Errorf("sync.interval_sec must not be negative")
	}
	if c.Sync.RecentEvents < 0 {
		return fmt.Errorf("sync.recent_events must not be negative")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	return nil
}

// DataDir returns the resolved data directory.
func (c *Config) DataDir() string {
	if c.History.DataDir != "" {
		return c.History.DataDir
	}
	return Home()
}

// LocalPath returns the local machine file path.
func (c *Config) LocalPath() string {
	return filepath.Join(c.DataDir(), "local.hist")
}

// SocketPath returns the resolved daemon socket path.
func (c *Config) SocketPath() string {
	if c.History.SocketPath != "" {
		return c.History.SocketPath
	}
	return filepath.Join(c.DataDir(), "daemon.sock")
}

// IndexPath returns the sqlite mirror path.
func (c *Config) IndexPath() string {
	return filepath.Join(c.DataDir(), "index.sqlite")
}

// FiltersPath returns the resolved filter file path.
func (c *Config) FiltersPath() string {
	if c.Filters.Path != "" {
		return c.Filters.Path
	}
	return filepath.Join(Home(), "filters.yaml")
}

// SyncInterval returns the periodic sync interval.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSec) * time.Second
}
