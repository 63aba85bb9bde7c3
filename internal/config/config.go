package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/roach88/midst/internal/archive"
	"github.com/roach88/midst/internal/broker"
	"github.com/roach88/midst/internal/replay"
)

// DefaultEnvPrefix is the environment variable prefix.
const DefaultEnvPrefix = "MIDST_"

// Worker modes.
const (
	WorkerInProcess = "inprocess"
	WorkerProcess   = "process"
)

// Config is the full midst configuration.
type Config struct {
	Replay  ReplayConfig  `koanf:"replay"`
	Broker  BrokerConfig  `koanf:"broker"`
	Worker  WorkerConfig  `koanf:"worker"`
	Archive ArchiveConfig `koanf:"archive"`
	Journal JournalConfig `koanf:"journal"`
}

// ReplayConfig configures the replay machine.
type ReplayConfig struct {
	Interval time.Duration `koanf:"interval"`
}

// BrokerConfig configures the correlation broker.
type BrokerConfig struct {
	PoolSize     int `koanf:"pool_size"`
	ResultBuffer int `koanf:"result_buffer"`
}

// WorkerConfig configures parse workers.
type WorkerConfig struct {
	// Mode is "inprocess" or "process".
	Mode string `koanf:"mode"`

	// Validate enables raw-content schema validation of parsed snapshots.
	Validate bool `koanf:"validate"`
}

// ArchiveConfig configures the .mds codec.
type ArchiveConfig struct {
	VersionPolicy string `koanf:"version_policy"`
}

// JournalConfig configures the autosave journal.
type JournalConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// Defaults returns the built-in configuration as dotted keys.
func Defaults() map[string]any {
	return map[string]any{
		"replay.interval":        replay.DefaultInterval.String(),
		"broker.pool_size":       broker.DefaultPoolSize,
		"broker.result_buffer":   broker.DefaultResultBuffer,
		"worker.mode":            WorkerInProcess,
		"worker.validate":        false,
		"archive.version_policy": string(archive.DefaultVersionPolicy),
		"journal.enabled":        true,
		"journal.path":           DefaultJournalPath(),
	}
}

// DefaultJournalPath returns the journal location under the user cache
// directory, or "midst-journal.db" in the working directory when there is
// none.
func DefaultJournalPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "midst-journal.db"
	}
	return filepath.Join(dir, "midst", "journal.db")
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.Replay.Interval <= 0 {
		errs = append(errs, fmt.Errorf("replay.interval must be positive, got %s", c.Replay.Interval))
	}
	if c.Broker.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("broker.pool_size must be at least 1, got %d", c.Broker.PoolSize))
	}
	if c.Broker.ResultBuffer < 0 {
		errs = append(errs, fmt.Errorf("broker.result_buffer must not be negative, got %d", c.Broker.ResultBuffer))
	}
	switch c.Worker.Mode {
	case WorkerInProcess, WorkerProcess:
	default:
		errs = append(errs, fmt.Errorf("worker.mode must be %q or %q, got %q", WorkerInProcess, WorkerProcess, c.Worker.Mode))
	}
	if _, err := archive.ParsePolicy(c.Archive.VersionPolicy); err != nil {
		errs = append(errs, fmt.Errorf("archive.version_policy: %w", err))
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, errors.New("journal.path is required when the journal is enabled"))
	}
	return errors.Join(errs...)
}

// Policy returns the parsed archive version policy. Call after Validate.
func (c *Config) Policy() archive.VersionPolicy {
	p, err := archive.ParsePolicy(c.Archive.VersionPolicy)
	if err != nil {
		return archive.DefaultVersionPolicy
	}
	return p
}

// Loader loads configuration from multiple sources.
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
	filePath  string
	flags     map[string]any
}

// Option configures the Loader.
type Option func(*Loader)

// WithEnvPrefix sets the environment variable prefix.
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// WithConfigFile sets the YAML file path. An empty path skips the file.
func WithConfigFile(path string) Option {
	return func(l *Loader) {
		l.filePath = path
	}
}

// WithFlags sets explicitly given flag values, keyed by config key. They
// override every other source.
func WithFlags(values map[string]any) Option {
	return func(l *Loader) {
		l.flags = values
	}
}

// NewLoader creates a configuration loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: DefaultEnvPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads every source in precedence order, then unmarshals and
// validates the result.
func (l *Loader) Load() (*Config, error) {
	if err := l.k.Load(mapProvider(Defaults()), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if l.filePath != "" {
		if err := l.k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", l.filePath, err)
		}
	}

	if err := l.k.Load(env.Provider(l.envPrefix, ".", l.envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if len(l.flags) > 0 {
		if err := l.k.Load(mapProvider(l.flags), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// envKey maps MIDST_BROKER_POOL_SIZE to broker.pool_size: the first
// segment is the section, the rest is the key.
func (l *Loader) envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, l.envPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return section
	}
	return section + "." + key
}

// All returns every loaded key and value.
func (l *Loader) All() map[string]any {
	return l.k.All()
}

// Load is shorthand for NewLoader(opts...).Load().
func Load(opts ...Option) (*Config, error) {
	return NewLoader(opts...).Load()
}
