// Package config loads the windsock configuration: defaults, then a YAML
// file, then WINDSOCK_<SECTION>_<KEY> environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/executor/local"
	"github.com/kination/windsock/internal/executor/pod"
	"github.com/kination/windsock/internal/executor/redisq"
	"github.com/kination/windsock/internal/scheduler"
	"github.com/kination/windsock/internal/store"
	"github.com/kination/windsock/internal/triggerer"
	"github.com/kination/windsock/internal/workloads"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "WINDSOCK"

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete windsock configuration
type Config struct {
	Core      CoreConfig                `yaml:"core"`
	Scheduler scheduler.SchedulerConfig `yaml:"scheduler"`
	Triggerer TriggererConfig           `yaml:"triggerer"`
	Executors ExecutorsConfig           `yaml:"executors"`
	Store     store.StoreConfig         `yaml:"store"`
	Auth      AuthConfig                `yaml:"auth"`
	Logging   LoggingConfig             `yaml:"logging"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	// Pools are created or resized at scheduler start
	Pools []v1.Pool `yaml:"pools"`
}

// CoreConfig holds settings shared by every command
type CoreConfig struct {
	// DagsFolder is the bundle used when BundlesFile is empty
	DagsFolder string `yaml:"dags_folder"`
	// BundlesFile lists bundle sources, see dagbag.ReadSources
	BundlesFile string `yaml:"bundles_file"`
	// LogDir receives task logs; output is discarded when empty
	LogDir      string `yaml:"log_dir"`
	LogTemplate string `yaml:"log_template"`
	BashPath    string `yaml:"bash_path"`
	PythonPath  string `yaml:"python_path"`
}

// TriggererConfig holds triggerer settings and the kwargs encryption key
type TriggererConfig struct {
	triggerer.Config `yaml:",inline"`
	// KwargsKey is the base64 encoded 32-byte key trigger kwargs are sealed with
	KwargsKey string `yaml:"kwargs_key"`
}

// ExecutorsConfig selects and configures executors
type ExecutorsConfig struct {
	// Default is the executor tasks without an executor are routed to
	Default    string           `yaml:"default"`
	Local      local.Config     `yaml:"local"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Redis      RedisConfig      `yaml:"redis"`
}

// KubernetesConfig enables and configures the pod executor
type KubernetesConfig struct {
	Enabled    bool `yaml:"enabled"`
	pod.Config `yaml:",inline"`
}

// RedisConfig enables and configures the queue executor and its workers
type RedisConfig struct {
	Enabled             bool                `yaml:"enabled"`
	redisq.ClientConfig `yaml:",inline"`
	redisq.Config       `yaml:",inline"`
	Worker              redisq.WorkerConfig `yaml:"worker"`
}

// AuthConfig configures workload tokens. Tokens are neither issued nor
// checked while Secret is empty.
type AuthConfig struct {
	Secret    string        `yaml:"secret"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	TTL       time.Duration `yaml:"ttl"`
	ClockSkew time.Duration `yaml:"clock_skew"`
}

// JWT converts the section into a token config
func (a AuthConfig) JWT() workloads.JWTConfig {
	return workloads.JWTConfig{
		Secret:    []byte(a.Secret),
		Issuer:    a.Issuer,
		Audience:  a.Audience,
		TTL:       a.TTL,
		ClockSkew: a.ClockSkew,
	}
}

// LoggingConfig configures the zap backend
type LoggingConfig struct {
	// Level is debug, info or error
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr serves /metrics; empty disables it
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Core: CoreConfig{
			DagsFolder: "dags",
			BashPath:   "bash",
			PythonPath: "python3",
		},
		Scheduler: scheduler.DefaultSchedulerConfig(),
		Triggerer: TriggererConfig{Config: triggerer.DefaultConfig()},
		Executors: ExecutorsConfig{
			Default:    "local",
			Local:      local.Config{Name: "local", Parallelism: 16, HeartbeatInterval: 10 * time.Second},
			Kubernetes: KubernetesConfig{Config: pod.DefaultConfig()},
			Redis: RedisConfig{
				ClientConfig: redisq.ClientConfig{Addr: "localhost:6379", PoolSize: 10},
				Config:       redisq.DefaultConfig(),
				Worker:       redisq.DefaultWorkerConfig(),
			},
		},
		Store: store.DefaultStoreConfig(),
		Auth: AuthConfig{
			Issuer:    "windsock",
			Audience:  "windsock-worker",
			TTL:       time.Hour,
			ClockSkew: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Addr: ":9090"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Info("Config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}
	if err := applyEnv(cfg, EnvPrefix, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-section consistency
func (c *Config) Validate() error {
	var errs []string

	switch c.Scheduler.Policy {
	case scheduler.PolicyFIFO, scheduler.PolicyPriority, scheduler.PolicyFairShare:
	default:
		errs = append(errs, fmt.Sprintf("unknown scheduler policy %q", c.Scheduler.Policy))
	}
	if c.Scheduler.HeartbeatInterval <= 0 {
		errs = append(errs, "scheduler heartbeat_interval must be positive")
	}
	if c.Scheduler.ZombieThreshold <= c.Scheduler.HeartbeatInterval {
		errs = append(errs, "scheduler zombie_threshold must exceed heartbeat_interval")
	}
	if c.Triggerer.Capacity <= 0 {
		errs = append(errs, "triggerer capacity must be positive")
	}
	if c.Triggerer.KwargsKey != "" {
		if _, err := c.KwargsKey(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	switch c.Store.Type {
	case store.StoreTypeMemory, store.StoreTypeSQLite:
	default:
		errs = append(errs, fmt.Sprintf("unknown store type %q", c.Store.Type))
	}

	names := c.EnabledExecutors()
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if n == "" {
			errs = append(errs, "executor name must not be empty")
		}
		if seen[n] {
			errs = append(errs, fmt.Sprintf("executor name %q is used twice", n))
		}
		seen[n] = true
	}
	if !seen[c.Executors.Default] {
		errs = append(errs, fmt.Sprintf("default executor %q is not enabled", c.Executors.Default))
	}
	if c.Executors.Redis.Enabled && c.Executors.Redis.Addr == "" {
		errs = append(errs, "redis addr is required")
	}

	for _, p := range c.Pools {
		if p.Name == "" {
			errs = append(errs, "pool name is required")
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Logging.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// EnabledExecutors returns the names of every enabled executor, local first
func (c *Config) EnabledExecutors() []string {
	names := []string{c.Executors.Local.Name}
	if c.Executors.Kubernetes.Enabled {
		names = append(names, c.Executors.Kubernetes.Name)
	}
	if c.Executors.Redis.Enabled {
		names = append(names, c.Executors.Redis.Config.Name)
	}
	return names
}

// KwargsKey decodes the trigger kwargs key
func (c *Config) KwargsKey() ([]byte, error) {
	key, err := triggerer.ParseKey(c.Triggerer.KwargsKey)
	if err != nil {
		return nil, err
	}
	if len(key) != triggerer.KeySize {
		return nil, fmt.Errorf("kwargs_key must decode to %d bytes, got %d", triggerer.KeySize, len(key))
	}
	return key, nil
}
