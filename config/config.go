// Package config loads the runtime configuration of a mesh node or a
// simulation run from YAML, environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	// NodeID is the id used when the identity store holds none
	NodeID   uint8 `mapstructure:"node_id"`
	MaxNodes int   `mapstructure:"max_nodes"`

	// Experiment names a built-in topology; TopologyFile overrides it
	Experiment   string `mapstructure:"experiment"`
	TopologyFile string `mapstructure:"topology_file"`

	Identity       IdentityConfig `mapstructure:"identity"`
	Redis          RedisConfig    `mapstructure:"redis"`
	Timing         TimingConfig   `mapstructure:"timing"`
	DedupeCapacity int            `mapstructure:"dedupe_capacity"`
	Log            LogConfig      `mapstructure:"log"`
	Sim            SimConfig      `mapstructure:"sim"`
}

type IdentityConfig struct {
	// Backend: file, redis or memory
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	Key     string `mapstructure:"key"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
	// Codec: cbor or json
	Codec string `mapstructure:"codec"`
}

// TimingConfig holds the waits of the control loop, the retry procedure and
// the access policies.
type TimingConfig struct {
	ReceiveTimeout   time.Duration `mapstructure:"receive_timeout"`
	CycleDelay       time.Duration `mapstructure:"cycle_delay"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	DenyDelay        time.Duration `mapstructure:"deny_delay"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	MaxDenials       int           `mapstructure:"max_denials"`
	CSMAMin          time.Duration `mapstructure:"csma_min"`
	CSMAMax          time.Duration `mapstructure:"csma_max"`
	BackoffUnit      time.Duration `mapstructure:"backoff_unit"`
	BackoffCap       int           `mapstructure:"backoff_cap"`
	BackoffMaxProbes int           `mapstructure:"backoff_max_probes"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SimConfig drives the in-process simulation.
type SimConfig struct {
	Cycles int `mapstructure:"cycles"`
	// Loss is the percentage of routable frames the medium drops
	Loss    int           `mapstructure:"loss"`
	Airtime time.Duration `mapstructure:"airtime"`
	Seed    string        `mapstructure:"seed"`
}

// Default returns a Config populated with the firmware's timings.
func Default() *Config {
	return &Config{
		NodeID:     1,
		MaxNodes:   5,
		Experiment: "chain3",
		Identity:   IdentityConfig{Backend: "file", Path: "./data/node_id", Key: "loramesh:id"},
		Redis:      RedisConfig{Addr: "localhost:6379", Prefix: "loramesh", Codec: "cbor"},
		Timing: TimingConfig{
			ReceiveTimeout:   1000 * time.Millisecond,
			CycleDelay:       2000 * time.Millisecond,
			RetryDelay:       1000 * time.Millisecond,
			DenyDelay:        1000 * time.Millisecond,
			MaxAttempts:      5,
			MaxDenials:       10,
			CSMAMin:          100 * time.Millisecond,
			CSMAMax:          200 * time.Millisecond,
			BackoffUnit:      100 * time.Millisecond,
			BackoffCap:       16,
			BackoffMaxProbes: 32,
		},
		DedupeCapacity: 100,
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				Filename:   "logs/loramesh.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Sim: SimConfig{Cycles: 20, Airtime: 150 * time.Millisecond, Seed: "loramesh"},
	}
}

// Load reads configuration from path when given, otherwise from
// LORAMESH_CONFIG or loramesh.yaml in . or ./configs. A .env file in the
// working directory is loaded into the environment first. Environment
// variables use the prefix LORAMESH with `.` replaced by `_`, for example
// LORAMESH_REDIS_ADDR=redis:6379.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LORAMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv("LORAMESH_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("loramesh")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".loramesh"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seed every key so env-only configs work
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("node_id", cfg.NodeID)
	v.SetDefault("max_nodes", cfg.MaxNodes)
	v.SetDefault("experiment", cfg.Experiment)
	v.SetDefault("topology_file", cfg.TopologyFile)
	v.SetDefault("identity.backend", cfg.Identity.Backend)
	v.SetDefault("identity.path", cfg.Identity.Path)
	v.SetDefault("identity.key", cfg.Identity.Key)
	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.db", cfg.Redis.DB)
	v.SetDefault("redis.prefix", cfg.Redis.Prefix)
	v.SetDefault("redis.codec", cfg.Redis.Codec)
	v.SetDefault("timing.receive_timeout", cfg.Timing.ReceiveTimeout)
	v.SetDefault("timing.cycle_delay", cfg.Timing.CycleDelay)
	v.SetDefault("timing.retry_delay", cfg.Timing.RetryDelay)
	v.SetDefault("timing.deny_delay", cfg.Timing.DenyDelay)
	v.SetDefault("timing.max_attempts", cfg.Timing.MaxAttempts)
	v.SetDefault("timing.max_denials", cfg.Timing.MaxDenials)
	v.SetDefault("timing.csma_min", cfg.Timing.CSMAMin)
	v.SetDefault("timing.csma_max", cfg.Timing.CSMAMax)
	v.SetDefault("timing.backoff_unit", cfg.Timing.BackoffUnit)
	v.SetDefault("timing.backoff_cap", cfg.Timing.BackoffCap)
	v.SetDefault("timing.backoff_max_probes", cfg.Timing.BackoffMaxProbes)
	v.SetDefault("dedupe_capacity", cfg.DedupeCapacity)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("sim.cycles", cfg.Sim.Cycles)
	v.SetDefault("sim.loss", cfg.Sim.Loss)
	v.SetDefault("sim.airtime", cfg.Sim.Airtime)
	v.SetDefault("sim.seed", cfg.Sim.Seed)
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if c.MaxNodes < 1 || c.MaxNodes > 254 {
		return fmt.Errorf("invalid max_nodes: %d", c.MaxNodes)
	}
	if c.NodeID == 0 || int(c.NodeID) > c.MaxNodes {
		return fmt.Errorf("node_id %d outside [1,%d]", c.NodeID, c.MaxNodes)
	}
	c.Identity.Backend = strings.ToLower(strings.TrimSpace(c.Identity.Backend))
	switch c.Identity.Backend {
	case "file", "redis", "memory":
	default:
		return fmt.Errorf("invalid identity.backend: %q", c.Identity.Backend)
	}
	if c.Timing.CSMAMax < c.Timing.CSMAMin {
		return fmt.Errorf("timing.csma_max %s below csma_min %s", c.Timing.CSMAMax, c.Timing.CSMAMin)
	}
	if c.Timing.MaxAttempts < 1 {
		return fmt.Errorf("invalid timing.max_attempts: %d", c.Timing.MaxAttempts)
	}
	if c.Timing.MaxDenials < 1 {
		return fmt.Errorf("invalid timing.max_denials: %d", c.Timing.MaxDenials)
	}
	if c.Sim.Loss < 0 || c.Sim.Loss > 100 {
		return fmt.Errorf("invalid sim.loss: %d", c.Sim.Loss)
	}
	if c.Experiment == "" && c.TopologyFile == "" {
		return errors.New("one of experiment or topology_file is required")
	}
	return nil
}

// Topology returns the file when set, otherwise the experiment name.
func (c *Config) Topology() string {
	if c.TopologyFile != "" {
		return c.TopologyFile
	}
	return c.Experiment
}
