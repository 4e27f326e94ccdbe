// Package config loads outboxd settings from defaults, an optional YAML
// file, OUTBOXD_* environment variables and bound command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/outboxd/internal/coordinator"
	"github.com/roach88/outboxd/internal/policy"
)

// EnvPrefix prefixes every environment variable; "sync.batch_size" is read
// from OUTBOXD_SYNC_BATCH_SIZE.
const EnvPrefix = "OUTBOXD"

// Config is the complete daemon configuration.
type Config struct {
	DB           string       `mapstructure:"db"`
	Spool        string       `mapstructure:"spool"`
	Remote       Remote       `mapstructure:"remote"`
	Sync         Sync         `mapstructure:"sync"`
	Connectivity Connectivity `mapstructure:"connectivity"`
	Log          Log          `mapstructure:"log"`
}

// Remote configures the remote endpoint.
type Remote struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Sync configures the drain cycle and retry policy.
type Sync struct {
	BatchSize  int           `mapstructure:"batch_size"`
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Interval   time.Duration `mapstructure:"interval"`
	CycleDelay time.Duration `mapstructure:"cycle_delay"`
	Retention  time.Duration `mapstructure:"retention"`
}

// Connectivity configures the connectivity monitor and prober.
type Connectivity struct {
	InitialOnline bool          `mapstructure:"initial_online"`
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// Log configures logging.
type Log struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// SetDefaults registers every key with its default value. Keys without a
// default are invisible to AutomaticEnv during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db", "outboxd.db")
	v.SetDefault("spool", "outboxd.spool.jsonl")

	v.SetDefault("remote.url", "")
	v.SetDefault("remote.timeout", 10*time.Second)

	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.max_retries", policy.DefaultMaxRetries)
	v.SetDefault("sync.base_delay", policy.DefaultBaseDelay)
	v.SetDefault("sync.max_delay", policy.DefaultMaxDelay)
	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.cycle_delay", 250*time.Millisecond)
	v.SetDefault("sync.retention", 24*time.Hour)

	v.SetDefault("connectivity.initial_online", false)
	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.probe_interval", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// overrideFlags maps command-line flags to the keys they override.
var overrideFlags = []struct {
	name, key, usage string
}{
	{"db", "db", "path to SQLite database (overrides config)"},
	{"spool", "spool", "path to the offline spool file (overrides config)"},
	{"remote-url", "remote.url", "remote endpoint base URL (overrides config)"},
	{"log-level", "log.level", "log level: debug, info, warn or error (overrides config)"},
}

// AddFlags registers the override flags on fs and binds them to v. A flag
// only takes effect when set on the command line.
func AddFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, f := range overrideFlags {
		fs.String(f.name, "", f.usage)
		if err := v.BindPFlag(f.key, fs.Lookup(f.name)); err != nil {
			return fmt.Errorf("bind flag --%s: %w", f.name, err)
		}
	}
	return nil
}

// Load reads file (when non-empty) into v and returns the validated config.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.DB == "" {
		errs = append(errs, errors.New("db: path is required"))
	}
	if c.Sync.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.batch_size: must be positive, got %d", c.Sync.BatchSize))
	}
	if c.Sync.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("sync.max_retries: must be at least 1, got %d", c.Sync.MaxRetries))
	}
	if c.Sync.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("sync.base_delay: must not be negative, got %s", c.Sync.BaseDelay))
	}
	if c.Sync.BaseDelay > c.Sync.MaxDelay {
		errs = append(errs, fmt.Errorf("sync.base_delay %s exceeds sync.max_delay %s", c.Sync.BaseDelay, c.Sync.MaxDelay))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sync.interval: must be positive, got %s", c.Sync.Interval))
	}
	if c.Sync.CycleDelay < 0 {
		errs = append(errs, fmt.Errorf("sync.cycle_delay: must not be negative, got %s", c.Sync.CycleDelay))
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("remote.timeout: must be positive, got %s", c.Remote.Timeout))
	}
	if c.Connectivity.ProbeInterval <= 0 {
		errs = append(errs, fmt.Errorf("connectivity.probe_interval: must be positive, got %s", c.Connectivity.ProbeInterval))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format))
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Retry returns the store's retry policy.
func (c Config) Retry() policy.Retry {
	return policy.Retry{
		MaxRetries: c.Sync.MaxRetries,
		BaseDelay:  c.Sync.BaseDelay,
		MaxDelay:   c.Sync.MaxDelay,
	}
}

// Coordinator returns the drain settings.
func (c Config) Coordinator() coordinator.Config {
	return coordinator.Config{
		BatchSize:   c.Sync.BatchSize,
		MaxRetries:  c.Sync.MaxRetries,
		CallTimeout: c.Remote.Timeout,
		Interval:    c.Sync.Interval,
		CycleDelay:  c.Sync.CycleDelay,
		Retention:   c.Sync.Retention,
	}
}

// ProbeURL returns the health URL polled for connectivity, defaulting to
// the remote's /healthz. Empty when neither is configured.
func (c Config) ProbeURL() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	if c.Remote.URL == "" {
		return ""
	}
	return strings.TrimRight(c.Remote.URL, "/") + "/healthz"
}
