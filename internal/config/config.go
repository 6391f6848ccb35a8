package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/shirou/gopsutil/v3/host"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the daemon reads.
const EnvPrefix = "TASKRUNNER_"

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
}

// DatabaseConfig selects the store engine.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SchedulerConfig holds poller settings.
type SchedulerConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	MachineName      string        `yaml:"machine_name"`
	UseUTC           bool          `yaml:"use_utc"`
}

// HistoryConfig holds retention settings.
type HistoryConfig struct {
	Keep int `yaml:"keep"`
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig `yaml:"bark"`
	// Log writes failure notifications to the process log.
	Log bool `yaml:"log"`
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Log          LogConfig          `yaml:"log"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	History      HistoryConfig      `yaml:"history"`
	Notification NotificationConfig `yaml:"notification"`

	StateDir      string        `yaml:"state_dir"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

const (
	defaultAddr             = "127.0.0.1:7070"
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultDriver           = "sqlite"
	defaultPollInterval     = time.Minute
	defaultProgressInterval = time.Second
	defaultHistoryKeep      = 50
	defaultShutdownGrace    = 10 * time.Second
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Addr: defaultAddr},
		Database: DatabaseConfig{Driver: defaultDriver},
		Log:      LogConfig{Level: defaultLogLevel, Format: defaultLogFormat},
		Scheduler: SchedulerConfig{
			PollInterval:     defaultPollInterval,
			ProgressInterval: defaultProgressInterval,
		},
		History:       HistoryConfig{Keep: defaultHistoryKeep},
		Notification:  NotificationConfig{Log: true},
		ShutdownGrace: defaultShutdownGrace,
	}
}

// LoadOptions controls where Load looks for configuration.
type LoadOptions struct {
	// File is an optional YAML file. A missing file is an error only when set explicitly.
	File string
	// EnvFiles are dotenv files; missing ones are ignored. Defaults to .env and the
	// user config directory.
	EnvFiles []string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Load builds the configuration. Priority: environment > .env files > YAML file > defaults.
// Command-line flags are applied by the caller on top of the result.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()

	if opts.File != "" {
		if err := cfg.loadFile(opts.File); err != nil {
			return nil, err
		}
	}

	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = []string{".env"}
		if configDir, err := os.UserConfigDir(); err == nil {
			envFiles = append(envFiles, filepath.Join(configDir, "taskrunner", ".env"))
		}
	}
	for _, f := range envFiles {
		// godotenv never overrides variables already present in the environment.
		_ = godotenv.Load(f)
	}

	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open config file")
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return errors.Wrapf(err, "parse config file %s", path)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	env := envReader{lookup: lookup}
	env.str("ADDR", &c.Server.Addr)
	env.str("AUTH_TOKEN", &c.Server.AuthToken)
	env.str("DB_DRIVER", &c.Database.Driver)
	env.str("DB_DSN", &c.Database.DSN)
	env.str("LOG_LEVEL", &c.Log.Level)
	env.str("LOG_FORMAT", &c.Log.Format)
	env.duration("POLL_INTERVAL", &c.Scheduler.PollInterval)
	env.duration("PROGRESS_INTERVAL", &c.Scheduler.ProgressInterval)
	env.integer("MAX_CONCURRENT", &c.Scheduler.MaxConcurrent)
	env.str("MACHINE_NAME", &c.Scheduler.MachineName)
	env.boolean("USE_UTC", &c.Scheduler.UseUTC)
	env.integer("HISTORY_KEEP", &c.History.Keep)
	env.str("BARK_URL", &c.Notification.Bark.URL)
	env.boolean("BARK_ENABLED", &c.Notification.Bark.Enabled)
	env.boolean("NOTIFY_LOG", &c.Notification.Log)
	env.str("STATE_DIR", &c.StateDir)
	env.duration("SHUTDOWN_GRACE", &c.ShutdownGrace)
	return env.err
}

// Finalize fills derived defaults and validates the result.
func (c *Config) Finalize() error {
	if c.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return errors.Wrap(err, "resolve default state dir")
		}
		c.StateDir = dir
	}
	if c.Scheduler.MachineName == "" {
		c.Scheduler.MachineName = defaultMachineName()
	}
	return c.Validate()
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "sqlite3", "mysql", "postgres", "postgresql", "pg":
	default:
		return errors.Newf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Driver != "" && !isSQLite(c.Database.Driver) && c.Database.DSN == "" {
		return errors.Newf("database dsn is required for driver %q", c.Database.Driver)
	}
	if c.Scheduler.PollInterval < time.Second {
		return errors.Newf("poll interval must be at least 1s, got %s", c.Scheduler.PollInterval)
	}
	if c.Scheduler.ProgressInterval < 0 {
		return errors.New("progress interval must not be negative")
	}
	if c.Scheduler.MaxConcurrent < 0 {
		return errors.New("max concurrent must not be negative")
	}
	if c.History.Keep < 1 {
		return errors.Newf("history keep must be at least 1, got %d", c.History.Keep)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return errors.Newf("unsupported log format %q", c.Log.Format)
	}
	if c.Notification.Bark.Enabled && c.Notification.Bark.URL == "" {
		return errors.New("bark notifications are enabled but no url is set")
	}
	return nil
}

// Location returns the zone cron expressions are evaluated in.
func (c *Config) Location() *time.Location {
	if c.Scheduler.UseUTC {
		return time.UTC
	}
	return time.Local
}

func isSQLite(driver string) bool {
	d := strings.ToLower(driver)
	return d == "sqlite" || d == "sqlite3"
}

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	val, ok := e.lookup(EnvPrefix + key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(val), true
}

func (e *envReader) str(key string, dst *string) {
	if val, ok := e.get(key); ok {
		*dst = val
	}
}

func (e *envReader) integer(key string, dst *int) {
	val, ok := e.get(key)
	if !ok || e.err != nil {
		return
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		e.err = errors.Wrapf(err, "%s%s", EnvPrefix, key)
		return
	}
	*dst = i
}

func (e *envReader) boolean(key string, dst *bool) {
	if val, ok := e.get(key); ok {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			*dst = true
		default:
			*dst = false
		}
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	val, ok := e.get(key)
	if !ok || e.err != nil {
		return
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		e.err = errors.Wrapf(err, "%s%s", EnvPrefix, key)
		return
	}
	*dst = d
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "taskrunner")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// defaultMachineName identifies this node as hostname plus a short host id, so two
// containers sharing a hostname still own distinct runs.
func defaultMachineName() string {
	info, err := host.Info()
	if err != nil || info.Hostname == "" {
		if name, herr := os.Hostname(); herr == nil {
			return name
		}
		return "local"
	}
	if id := strings.ReplaceAll(info.HostID, "-", ""); len(id) >= 8 {
		return info.Hostname + "-" + id[:8]
	}
	return info.Hostname
}
