// Package config loads the runtime's single YAML configuration file,
// applies environment-variable overrides (for secrets), and normalizes
// defaults: store/workspace paths, the inference provider, the
// orchestrator's tunables, the funding ledger's starting balance, and
// scheduled goals.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ModelDef describes one selectable model for a provider.
type ModelDef struct {
	ID   string
	Desc string
}

// BuiltinModels is the source of truth for models available per inference
// provider, trimmed to the two providers this runtime actually binds
// (internal/inference).
var BuiltinModels = map[string][]ModelDef{
	"google": {
		{ID: "gemini-2.5-pro", Desc: "strong reasoning, complex tasks"},
		{ID: "gemini-2.5-flash", Desc: "fast, cost-effective"},
	},
	"anthropic": {
		{ID: "claude-sonnet-4-5-20250929", Desc: "balanced performance"},
		{ID: "claude-haiku-4-5-20251001", Desc: "fast, cost-effective"},
	},
}

// LLMConfig selects and configures the InferenceClient binding; the
// concrete adapters live in internal/inference.
type LLMConfig struct {
	// Provider is "google" (genkit) or "anthropic".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// TelegramConfig configures the operator-facing messaging transport
// binding used for alert/customer_request envelopes reaching a human.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// OrchestratorSettings mirrors internal/orchestrator.Config's tunables:
// approval mode, replan budget, and per-task funding defaults.
type OrchestratorSettings struct {
	ApprovalMode             string `yaml:"approval_mode"` // auto | supervised | consensus
	AutoBudgetThresholdCents int64  `yaml:"auto_budget_threshold_cents"`
	MaxReplans               int    `yaml:"max_replans"`
	DefaultTaskFundingCents  int64  `yaml:"default_task_funding_cents"`
}

// ScheduledGoalConfig declares a recurring goal creation per
// internal/cron.
type ScheduledGoalConfig struct {
	Name        string `yaml:"name"`
	Cron        string `yaml:"cron"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
}

// TelemetryConfig selects OpenTelemetry export; mirrors internal/otel.Config one-to-one, disabled
// by default.
// WorkerConfig selects the remote-task sandbox kind and its tunables.
// Kind "in_process" (the default) runs the inference-backed worker func
// as a goroutine with no isolation; "docker" runs it inside an
// ephemeral container via internal/worker.Docker.
type WorkerConfig struct {
	Kind            string `yaml:"kind"` // "in_process" | "docker"
	DockerImage     string `yaml:"docker_image"`
	DockerMemoryMB  int64  `yaml:"docker_memory_mb"`
	DockerNetwork   string `yaml:"docker_network"`
	DockerWorkspace string `yaml:"docker_workspace"`
}

type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

// Config is the runtime's full configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	DBPath      string `yaml:"db_path"`
	Workspace   string `yaml:"workspace"` // plan files and compression checkpoints
	BindAddr    string `yaml:"bind_addr"` // websocket transport listen address
	SelfAddress string `yaml:"self_address"`
	LogLevel    string `yaml:"log_level"`

	LLM       LLMConfig       `yaml:"llm"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	Orchestrator OrchestratorSettings `yaml:"orchestrator"`
	Worker       WorkerConfig         `yaml:"worker"`

	FundingStartingBalanceCents int64 `yaml:"funding_starting_balance_cents"`

	// RetentionGoalDays is the cutoff PruneCompletedGoals uses (0 = keep
	// forever).
	RetentionGoalDays int `yaml:"retention_goal_days"`

	ScheduledGoals []ScheduledGoalConfig `yaml:"scheduled_goals"`

	NeedsGenesis bool `yaml:"-"`
}

// ProviderAPIKey returns the API key for the given inference provider,
// preferring the provider-specific environment variable.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":    "GOOGLE_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return ""
}

// Fingerprint returns a stable hash of the active config, used to detect
// drift across a live reload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|workspace=%s|bind=%s|log=%s|provider=%s|model=%s|approval=%s",
		c.DBPath, c.Workspace, c.BindAddr, c.LogLevel, c.LLM.Provider, c.LLM.Model, c.Orchestrator.ApprovalMode)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		LLM:      LLMConfig{Provider: "google"},
		Orchestrator: OrchestratorSettings{
			ApprovalMode:             "auto",
			AutoBudgetThresholdCents: 5000,
			MaxReplans:               3,
			DefaultTaskFundingCents:  500,
		},
		FundingStartingBalanceCents: 1_000_000,
		RetentionGoalDays:           90,
	}
}

// HomeDir returns the runtime's home directory, overridable via
// COLONYRT_HOME.
func HomeDir() string {
	if override := os.Getenv("COLONYRT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".colonyrt")
}

// Load reads config.yaml from HomeDir, applies environment overrides,
// and fills in normalized defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create colonyrt home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "colonyrt.db")
	}
	if cfg.Workspace == "" {
		cfg.Workspace = filepath.Join(cfg.HomeDir, "workspace")
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SelfAddress == "" {
		cfg.SelfAddress = "orchestrator"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Model == "" {
		if models, ok := BuiltinModels[cfg.LLM.Provider]; ok && len(models) > 0 {
			cfg.LLM.Model = models[0].ID
		}
	}
	if cfg.Orchestrator.ApprovalMode == "" {
		cfg.Orchestrator.ApprovalMode = "auto"
	}
	if cfg.Orchestrator.MaxReplans <= 0 {
		cfg.Orchestrator.MaxReplans = 3
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "stdout"
	}
	if cfg.Worker.Kind == "" {
		cfg.Worker.Kind = "in_process"
	}
	if cfg.Worker.DockerImage == "" {
		cfg.Worker.DockerImage = "golang:alpine"
	}
	if cfg.Worker.DockerMemoryMB <= 0 {
		cfg.Worker.DockerMemoryMB = 512
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "colonyrt"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("COLONYRT_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("COLONYRT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("COLONYRT_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("COLONYRT_WORKSPACE"); raw != "" {
		cfg.Workspace = raw
	}
	if raw := os.Getenv("COLONYRT_SELF_ADDRESS"); raw != "" {
		cfg.SelfAddress = raw
	}
	if raw := os.Getenv("COLONYRT_MAX_REPLANS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Orchestrator.MaxReplans = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
}
