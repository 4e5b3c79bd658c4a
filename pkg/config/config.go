package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/cuemby/rollout/pkg/types"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultFile is read from the working directory when no --config is given
const DefaultFile = "rollout.yaml"

// Runtime kinds
const (
	RuntimeDocker     = "docker"
	RuntimeKubernetes = "kubernetes"
	RuntimeContainerd = "containerd"
)

// Store backends
const (
	StoreBolt   = "bolt"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config holds everything a rollout invocation needs
type Config struct {
	Service      string                       `mapstructure:"service"`
	Image        ImageConfig                  `mapstructure:"image"`
	Environments map[string]EnvironmentConfig `mapstructure:"environments"`
	Runtime      RuntimeConfig                `mapstructure:"runtime"`
	Rolling      RollingConfig                `mapstructure:"rolling"`
	BlueGreen    BlueGreenConfig              `mapstructure:"blue_green"`
	Health       HealthConfig                 `mapstructure:"health"`
	Rollback     RollbackConfig               `mapstructure:"rollback"`
	Smoke        SmokeConfig                  `mapstructure:"smoke"`
	Store        StoreConfig                  `mapstructure:"store"`
	Preflight    PreflightConfig              `mapstructure:"preflight"`
	Cleanup      CleanupConfig                `mapstructure:"cleanup"`
	Log          LogConfig                    `mapstructure:"log"`
	Metrics      MetricsConfig                `mapstructure:"metrics"`
}

// ImageConfig names the repository tags are resolved against
type ImageConfig struct {
	Repository string `mapstructure:"repository"`
}

// EnvironmentConfig is one allow-listed deployment target
type EnvironmentConfig struct {
	HealthURL string `mapstructure:"health_url"`
	Namespace string `mapstructure:"namespace"`
	Replicas  int    `mapstructure:"replicas"`
	Protected bool   `mapstructure:"protected"`
}

// RuntimeConfig selects and configures the runtime client
type RuntimeConfig struct {
	Kind       string           `mapstructure:"kind"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Kubernetes KubernetesConfig `mapstructure:"kubernetes"`
	Containerd ContainerdConfig `mapstructure:"containerd"`
}

type DockerConfig struct {
	Host    string `mapstructure:"host"`
	Network string `mapstructure:"network"`
	Port    int    `mapstructure:"port"`
}

type KubernetesConfig struct {
	Kubeconfig string `mapstructure:"kubeconfig"`
	Context    string `mapstructure:"context"`
	Port       int    `mapstructure:"port"`
}

type ContainerdConfig struct {
	Socket    string `mapstructure:"socket"`
	Namespace string `mapstructure:"namespace"`
}

// RollingConfig bounds how many instances change per batch
type RollingConfig struct {
	MaxSurge       int           `mapstructure:"max_surge"`
	MaxUnavailable int           `mapstructure:"max_unavailable"`
	BatchDelay     time.Duration `mapstructure:"batch_delay"`
}

// BlueGreenConfig is the executor's own readiness policy for the new slot
type BlueGreenConfig struct {
	ReadinessTimeout  time.Duration `mapstructure:"readiness_timeout"`
	ReadinessInterval time.Duration `mapstructure:"readiness_interval"`
}

// HealthConfig drives the post-deploy verifier
type HealthConfig struct {
	Type     string        `mapstructure:"type"`
	Retries  int           `mapstructure:"retries"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Deadline time.Duration `mapstructure:"deadline"`
	Jitter   time.Duration `mapstructure:"jitter"`
	// GRPCService is the service name sent in grpc.health.v1 requests
	GRPCService string `mapstructure:"grpc_service"`
}

type RollbackConfig struct {
	Auto bool `mapstructure:"auto"`
}

// SmokeConfig lists the post-deploy battery. An empty list uses the
// default health/metrics/API checks derived from the health URL.
type SmokeConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Checks  []SmokeCheck `mapstructure:"checks"`
}

type SmokeCheck struct {
	Name    string   `mapstructure:"name"`
	Type    string   `mapstructure:"type"`
	URL     string   `mapstructure:"url"`
	Address string   `mapstructure:"address"`
	Command []string `mapstructure:"command"`
	// Method and Headers apply to http checks; Method defaults to GET
	Method       string            `mapstructure:"method"`
	Headers      map[string]string `mapstructure:"headers"`
	ExpectStatus int               `mapstructure:"expect_status"`
	Timeout      time.Duration     `mapstructure:"timeout"`
}

type StoreConfig struct {
	Backend     string        `mapstructure:"backend"`
	Path        string        `mapstructure:"path"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// PreflightConfig holds the advisory resource thresholds
type PreflightConfig struct {
	MinDiskMB   uint64 `mapstructure:"min_disk_mb"`
	MinMemoryMB uint64 `mapstructure:"min_memory_mb"`
	DiskPath    string `mapstructure:"disk_path"`
}

type CleanupConfig struct {
	PruneImages bool `mapstructure:"prune_images"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	JSON       bool   `mapstructure:"json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
}

func defaultEnvironments() map[string]EnvironmentConfig {
	const healthURL = "http://localhost:8080/health"
	return map[string]EnvironmentConfig{
		"dev":     {HealthURL: healthURL, Replicas: 1},
		"staging": {HealthURL: healthURL, Replicas: 2},
		"prod":    {HealthURL: healthURL, Replicas: 3, Protected: true},
	}
}

// flagKeys maps CLI flags onto configuration keys
var flagKeys = map[string]string{
	"health-retries":  "health.retries",
	"health-interval": "health.interval",
	"health-deadline": "health.deadline",
	"runtime":         "runtime.kind",
	"store":           "store.backend",
	"state":           "store.path",
	"log-level":       "log.level",
	"log-json":        "log.json",
	"log-file":        "log.file",
	"pushgateway":     "metrics.pushgateway_url",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service", "app")
	v.SetDefault("image.repository", "")

	v.SetDefault("runtime.kind", RuntimeDocker)
	v.SetDefault("runtime.docker.host", "")
	v.SetDefault("runtime.docker.network", "")
	v.SetDefault("runtime.docker.port", 8080)
	v.SetDefault("runtime.kubernetes.kubeconfig", "")
	v.SetDefault("runtime.kubernetes.context", "")
	v.SetDefault("runtime.kubernetes.port", 8080)
	v.SetDefault("runtime.containerd.socket", "/run/containerd/containerd.sock")
	v.SetDefault("runtime.containerd.namespace", "rollout")

	v.SetDefault("rolling.max_surge", 0)
	v.SetDefault("rolling.max_unavailable", 1)
	v.SetDefault("rolling.batch_delay", "0s")

	v.SetDefault("blue_green.readiness_timeout", "2m")
	v.SetDefault("blue_green.readiness_interval", "2s")

	v.SetDefault("health.type", "http")
	v.SetDefault("health.retries", 10)
	v.SetDefault("health.interval", "5s")
	v.SetDefault("health.timeout", "5s")
	v.SetDefault("health.deadline", "0s")
	v.SetDefault("health.jitter", "0s")
	v.SetDefault("health.grpc_service", "")

	v.SetDefault("rollback.auto", true)

	v.SetDefault("smoke.enabled", true)

	v.SetDefault("store.backend", StoreBolt)
	v.SetDefault("store.path", ".rollout/state.db")
	v.SetDefault("store.open_timeout", "5s")

	v.SetDefault("preflight.min_disk_mb", 1024)
	v.SetDefault("preflight.min_memory_mb", 256)
	v.SetDefault("preflight.disk_path", "/")

	v.SetDefault("cleanup.prune_images", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("metrics.pushgateway_url", "")
}

// Load reads configuration from defaults, the config file, ROLLOUT_*
// environment variables and changed flags, in increasing precedence.
// An empty path falls back to ./rollout.yaml when it exists.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("ROLLOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Viper merges nested maps across layers, so the default allow-list is
	// only applied when nothing configured one
	if len(cfg.Environments) == 0 {
		cfg.Environments = defaultEnvironments()
	}

	return &cfg, nil
}

// Validate reports every structural problem at once
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Service) == "" {
		errs = append(errs, errors.New("service must be set"))
	}
	if len(c.Environments) == 0 {
		errs = append(errs, errors.New("at least one environment must be configured"))
	}
	for name, env := range c.Environments {
		if env.Replicas < 0 {
			errs = append(errs, fmt.Errorf("environments.%s.replicas must not be negative", name))
		}
	}

	switch c.Runtime.Kind {
	case RuntimeDocker, RuntimeKubernetes, RuntimeContainerd:
	default:
		errs = append(errs, fmt.Errorf("runtime.kind %q is not one of docker, kubernetes, containerd", c.Runtime.Kind))
	}

	if c.Rolling.MaxSurge < 0 || c.Rolling.MaxUnavailable < 0 {
		errs = append(errs, errors.New("rolling.max_surge and rolling.max_unavailable must not be negative"))
	}
	if c.Rolling.MaxSurge == 0 && c.Rolling.MaxUnavailable == 0 {
		errs = append(errs, errors.New("rolling.max_surge and rolling.max_unavailable cannot both be zero"))
	}

	switch c.Health.Type {
	case "http", "grpc", "tcp":
	default:
		errs = append(errs, fmt.Errorf("health.type %q is not one of http, grpc, tcp", c.Health.Type))
	}
	if c.Health.Retries < 1 {
		errs = append(errs, errors.New("health.retries must be at least 1"))
	}
	if c.Health.Interval < 0 || c.Health.Deadline < 0 || c.Health.Jitter < 0 {
		errs = append(errs, errors.New("health durations must not be negative"))
	}

	for i, check := range c.Smoke.Checks {
		switch check.Type {
		case "exec":
			if len(check.Command) == 0 {
				errs = append(errs, fmt.Errorf("smoke.checks[%d] needs a command", i))
			}
			continue
		case "", "http", "grpc", "tcp":
		default:
			errs = append(errs, fmt.Errorf("smoke.checks[%d].type %q is not one of http, grpc, tcp, exec", i, check.Type))
		}
		if check.URL == "" && check.Address == "" {
			errs = append(errs, fmt.Errorf("smoke.checks[%d] needs a url or address", i))
		}
	}

	switch c.Store.Backend {
	case StoreBolt, StoreSQLite, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of bolt, sqlite, memory", c.Store.Backend))
	}
	if c.Store.Backend != StoreMemory && c.Store.Path == "" {
		errs = append(errs, errors.New("store.path must be set"))
	}

	return errors.Join(errs...)
}

// Environment returns the named environment's settings
func (c *Config) Environment(name string) (EnvironmentConfig, bool) {
	env, ok := c.Environments[strings.ToLower(name)]
	return env, ok
}

// EnvironmentNames returns the allow-list
func (c *Config) EnvironmentNames() []string {
	names := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ImageRef returns the full reference for tag. The repository defaults to
// the service name.
func (c *Config) ImageRef(tag string) string {
	repo := c.Image.Repository
	if repo == "" {
		repo = c.Service
	}
	return types.ImageRef(repo, tag)
}

// IsProtected reports whether deployments to name need explicit confirmation
func (c *Config) IsProtected(name string) bool {
	switch strings.ToLower(name) {
	case "prod", "production":
		return true
	}
	env, ok := c.Environment(name)
	return ok && env.Protected
}
