package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ModeBudget holds the default execution budget for one operating mode.
type ModeBudget struct {
	StepCap            int `yaml:"step_cap"`
	TokenCap           int `yaml:"token_cap"`
	CostCapCents       int `yaml:"cost_cap_cents"`
	MaxDurationSeconds int `yaml:"max_duration_seconds"`
}

// BudgetConfig holds per-mode budget defaults. "standard" is the everyday
// profile; "cautious" gets tighter caps for riskier work.
type BudgetConfig struct {
	Standard ModeBudget `yaml:"standard"`
	Cautious ModeBudget `yaml:"cautious"`
}

// BreakerConfig tunes the circuit breaker around tool and chat calls.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownSeconds  int `yaml:"cooldown_seconds"`
}

// RetryConfig tunes the default retry strategy.
type RetryConfig struct {
	MaxRetries  int `yaml:"max_retries"`
	BaseDelayMS int `yaml:"base_delay_ms"`
}

// RelayConfig configures the outbound event relay. Empty URL disables it.
type RelayConfig struct {
	URL    string   `yaml:"url"`
	Topics []string `yaml:"topics"`
}

// OTelConfig configures telemetry export.
type OTelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // otlp-http | stdout | none
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	WorkerCount             int `yaml:"worker_count"`
	PollIntervalMS          int `yaml:"poll_interval_ms"`
	HeartbeatSeconds        int `yaml:"heartbeat_seconds"`
	ReclaimThresholdSeconds int `yaml:"reclaim_threshold_seconds"`
	ReclaimIntervalSeconds  int `yaml:"reclaim_interval_seconds"`
	DrainTimeoutSeconds     int `yaml:"drain_timeout_seconds"`

	// MaxQueueDepth is the maximum number of queued jobs before job creation
	// is rejected with backpressure. 0 = unlimited.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// ToolResultLimitBytes caps tool output fed back into model context.
	// Larger results are truncated with a marker.
	ToolResultLimitBytes int `yaml:"tool_result_limit_bytes"`

	// ChatEndpoint is the HTTP endpoint of the chat collaborator.
	ChatEndpoint string `yaml:"chat_endpoint"`

	// CronIntervalSeconds is the tick interval for the schedule scanner.
	CronIntervalSeconds int `yaml:"cron_interval_seconds"`

	MetricsFlushSeconds int `yaml:"metrics_flush_seconds"`

	Budgets BudgetConfig  `yaml:"budgets"`
	Breaker BreakerConfig `yaml:"breaker"`
	Retry   RetryConfig   `yaml:"retry"`
	Relay   RelayConfig   `yaml:"relay"`
	OTel    OTelConfig    `yaml:"otel"`
}

// HomeDir resolves the foreman data directory: $FOREMAN_HOME or ~/.foreman.
func HomeDir() string {
	if v := strings.TrimSpace(os.Getenv("FOREMAN_HOME")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".foreman")
}

// Default returns the built-in configuration for the given home directory.
func Default(homeDir string) *Config {
	return &Config{
		HomeDir:                 homeDir,
		DBPath:                  filepath.Join(homeDir, "foreman.db"),
		LogLevel:                "info",
		WorkerCount:             4,
		PollIntervalMS:          200,
		HeartbeatSeconds:        10,
		ReclaimThresholdSeconds: 60,
		ReclaimIntervalSeconds:  30,
		DrainTimeoutSeconds:     5,
		MaxQueueDepth:           0,
		ToolResultLimitBytes:    16 * 1024,
		CronIntervalSeconds:     60,
		MetricsFlushSeconds:     30,
		Budgets: BudgetConfig{
			Standard: ModeBudget{StepCap: 25, TokenCap: 100000, CostCapCents: 500, MaxDurationSeconds: 1800},
			Cautious: ModeBudget{StepCap: 10, TokenCap: 30000, CostCapCents: 100, MaxDurationSeconds: 600},
		},
		Breaker: BreakerConfig{FailureThreshold: 5, CooldownSeconds: 300},
		Retry:   RetryConfig{MaxRetries: 3, BaseDelayMS: 500},
		OTel:    OTelConfig{Enabled: false, Exporter: "stdout", ServiceName: "foreman"},
	}
}

// Load reads config.yaml from the foreman home directory, applies defaults
// for absent fields, then applies environment overrides. A missing file is
// not an error; defaults apply.
func Load() (*Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom loads configuration rooted at the given home directory.
func LoadFrom(homeDir string) (*Config, error) {
	cfg := Default(homeDir)

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config.yaml: %w", err)
	}

	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("FOREMAN_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("FOREMAN_DB_PATH")); v != "" {
		cfg.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("FOREMAN_CHAT_ENDPOINT")); v != "" {
		cfg.ChatEndpoint = v
	}
	if n, ok := envInt("FOREMAN_WORKER_COUNT"); ok {
		cfg.WorkerCount = n
	}
	if n, ok := envInt("FOREMAN_MAX_QUEUE_DEPTH"); ok {
		cfg.MaxQueueDepth = n
	}
	if n, ok := envInt("FOREMAN_RECLAIM_THRESHOLD_SECONDS"); ok {
		cfg.ReclaimThresholdSeconds = n
	}
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c *Config) validate() error {
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker_count must be positive, got %d", c.WorkerCount)
	}
	if c.ReclaimThresholdSeconds <= 0 {
		return fmt.Errorf("reclaim_threshold_seconds must be positive, got %d", c.ReclaimThresholdSeconds)
	}
	if c.Budgets.Standard.StepCap <= 0 || c.Budgets.Cautious.StepCap <= 0 {
		return fmt.Errorf("budget step caps must be positive")
	}
	return nil
}

// PollInterval returns the worker poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalMS <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// ReclaimThreshold returns the stale-job heartbeat threshold.
func (c *Config) ReclaimThreshold() time.Duration {
	return time.Duration(c.ReclaimThresholdSeconds) * time.Second
}

// BudgetFor returns the budget defaults for the named mode. Unknown modes
// fall back to the cautious profile.
func (c *Config) BudgetFor(mode string) ModeBudget {
	switch mode {
	case "standard":
		return c.Budgets.Standard
	default:
		return c.Budgets.Cautious
	}
}

// Save writes the config back to config.yaml in the home directory.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.HomeDir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(c.HomeDir, "config.yaml"), data, 0o644)
}
