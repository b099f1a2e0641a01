package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// FileName is the base name of the config file searched for by the CLI.
const FileName = "forkpool"

// EnvPrefix prefixes environment overrides, e.g. FORKPOOL_LOGGING_LEVEL.
const EnvPrefix = "FORKPOOL"

// Config represents the complete forkpool configuration
type Config struct {
	Pool    PoolConfig    `mapstructure:"pool" yaml:"pool"`
	Socket  SocketConfig  `mapstructure:"socket" yaml:"socket"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Groups  []GroupConfig `mapstructure:"groups" yaml:"groups"`
}

// PoolConfig controls the supervising orchestrator
type PoolConfig struct {
	// TickInterval is how often scaling strategies are evaluated
	TickInterval time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	// StartTimeout bounds the wait for a worker's start handshake
	StartTimeout time.Duration `mapstructure:"start_timeout" yaml:"start_timeout"`
	// ShutdownTimeout bounds a graceful stop before workers are killed
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// RunDir holds the state segment and broker socket.
	// Empty means a fresh temporary directory per run.
	RunDir string `mapstructure:"run_dir" yaml:"run_dir"`
	// QueueLimit bounds the router queue (0 = unbounded)
	QueueLimit int `mapstructure:"queue_limit" yaml:"queue_limit"`
	// TieBreak selects the router's load comparison
	// Options: "weight", "count"
	TieBreak string `mapstructure:"tie_break" yaml:"tie_break"`
	// Runner selects how workers are started
	// Options: "exec", "inprocess" (empty picks exec where supported)
	Runner string `mapstructure:"runner" yaml:"runner"`
}

// SocketConfig controls socket handoff between the broker and workers
type SocketConfig struct {
	// Transport selects the handoff mechanism
	// Options: "auto", "fdpass", "relay"
	Transport string `mapstructure:"transport" yaml:"transport"`
}

// LoggingConfig controls the pool log
type LoggingConfig struct {
	// Level is the minimum level. It is reapplied when the config file changes.
	// Options: "debug", "info", "warn", "error"
	Level string `mapstructure:"level" yaml:"level"`
	// Dir receives pool.log. Empty means stderr.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// MaxSizeMB is the size at which pool.log is rotated
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of rotated files to keep
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// GroupConfig describes one worker group
type GroupConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	// Kind is "job" or "reactor"
	Kind string `mapstructure:"kind" yaml:"kind"`
	// Entry names a registered worker entry point
	Entry      string `mapstructure:"entry" yaml:"entry"`
	MinWorkers int    `mapstructure:"min_workers" yaml:"min_workers"`
	MaxWorkers int    `mapstructure:"max_workers" yaml:"max_workers"`
	// JobGroups are glob patterns matched against the names of job groups
	// this group may submit to, e.g. "resize-*"
	JobGroups    []string      `mapstructure:"job_groups" yaml:"job_groups,omitempty"`
	JobTimeLimit time.Duration `mapstructure:"job_time_limit" yaml:"job_time_limit,omitempty"`
	// Listen lists addresses bound by the broker for this group, e.g. "tcp://:8080"
	Listen  []string      `mapstructure:"listen" yaml:"listen,omitempty"`
	Restart RestartConfig `mapstructure:"restart" yaml:"restart"`
	Scaling ScalingConfig `mapstructure:"scaling" yaml:"scaling"`
}

// RestartConfig selects a group's restart policy
type RestartConfig struct {
	// Policy options: "never", "always", "limited", "backoff"
	Policy       string        `mapstructure:"policy" yaml:"policy"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts,omitempty"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay,omitempty"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay,omitempty"`
}

// ScalingConfig selects a group's scaling strategy
type ScalingConfig struct {
	// Policy options: "fixed", "threshold"
	Policy             string        `mapstructure:"policy" yaml:"policy"`
	ScaleUpThreshold   int           `mapstructure:"scale_up_threshold" yaml:"scale_up_threshold,omitempty"`
	ScaleDownThreshold int           `mapstructure:"scale_down_threshold" yaml:"scale_down_threshold,omitempty"`
	Cooldown           time.Duration `mapstructure:"cooldown" yaml:"cooldown,omitempty"`
}

// Default returns a Config with sensible default values. It declares no
// groups; those always come from the config file.
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			TickInterval:    time.Second,
			StartTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			QueueLimit:      0, // Unbounded
			TieBreak:        "weight",
		},
		Socket: SocketConfig{
			Transport: "auto",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Group defaults applied to every group that leaves them unset.
const (
	defaultRestartPolicy = "always"
	defaultScalingPolicy = "fixed"
	defaultMaxAttempts   = 5
	defaultInitialDelay  = 100 * time.Millisecond
	defaultMaxDelay      = 30 * time.Second
	defaultScaleUp       = 10
	defaultScaleDown     = 0
	defaultCooldown      = 30 * time.Second
)

// applyGroupDefaults fills unset group fields. viper defaults cannot reach
// into list elements, so this runs after unmarshalling.
func (c *Config) applyGroupDefaults() {
	for i := range c.Groups {
		g := &c.Groups[i]
		if g.MaxWorkers == 0 && g.MinWorkers > 0 {
			g.MaxWorkers = g.MinWorkers
		}
		if g.Restart.Policy == "" {
			g.Restart.Policy = defaultRestartPolicy
		}
		if g.Restart.MaxAttempts == 0 {
			g.Restart.MaxAttempts = defaultMaxAttempts
		}
		if g.Restart.InitialDelay == 0 {
			g.Restart.InitialDelay = defaultInitialDelay
		}
		if g.Restart.MaxDelay == 0 {
			g.Restart.MaxDelay = defaultMaxDelay
		}
		if g.Scaling.Policy == "" {
			g.Scaling.Policy = defaultScalingPolicy
		}
		if g.Scaling.Policy == "threshold" {
			if g.Scaling.ScaleUpThreshold == 0 {
				g.Scaling.ScaleUpThreshold = defaultScaleUp
			}
			if g.Scaling.Cooldown == 0 {
				g.Scaling.Cooldown = defaultCooldown
			}
		}
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	setDefaults(viper.GetViper())
}

func setDefaults(v *viper.Viper) {
	defaults := Default()

	// Pool defaults
	v.SetDefault("pool.tick_interval", defaults.Pool.TickInterval)
	v.SetDefault("pool.start_timeout", defaults.Pool.StartTimeout)
	v.SetDefault("pool.shutdown_timeout", defaults.Pool.ShutdownTimeout)
	v.SetDefault("pool.run_dir", defaults.Pool.RunDir)
	v.SetDefault("pool.queue_limit", defaults.Pool.QueueLimit)
	v.SetDefault("pool.tie_break", defaults.Pool.TieBreak)
	v.SetDefault("pool.runner", defaults.Pool.Runner)

	// Socket defaults
	v.SetDefault("socket.transport", defaults.Socket.Transport)

	// Logging defaults
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.dir", defaults.Logging.Dir)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	v.SetDefault("logging.compress", defaults.Logging.Compress)
}

// Load reads the configuration from viper and validates it
func Load() (*Config, error) {
	return load(viper.GetViper())
}

// LoadFile reads and validates a single config file without touching the
// global viper instance.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.applyGroupDefaults()

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the forkpool configuration directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "forkpool")
	}
	// Fall back to ~/.config/forkpool
	home, err := os.UserHomeDir()
	if err != nil {
		return ".forkpool"
	}
	return filepath.Join(home, ".config", "forkpool")
}

// ConfigFile returns the path of the user-level config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), FileName+".yaml")
}
