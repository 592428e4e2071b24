// Package config loads daemon configuration by layering defaults, an
// optional YAML file, and environment overrides through viper, mirroring
// the viper-backed configuration flow the CLI wires up at startup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved daemon configuration.
type Config struct {
	// StateDir is the workspace root under which _AiDevLog/Plans/<session>
	// artifacts are written.
	StateDir string `mapstructure:"state_dir"`

	AgentRoster []string `mapstructure:"agent_roster"`
	AgentRoles  []string `mapstructure:"agent_roles"`

	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Idle        IdleConfig        `mapstructure:"idle"`
	Cleanup     CleanupConfig     `mapstructure:"cleanup"`

	LLM LLMConfig `mapstructure:"llm"`

	UnityEnabled bool `mapstructure:"unity_enabled"`

	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	LogLevel       string `mapstructure:"log_level"`

	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// MaxConcurrentSpawns bounds how many external agent-CLI processes the
	// daemon will have outstanding at once, across every session.
	MaxConcurrentSpawns int `mapstructure:"max_concurrent_spawns"`
}

// CoordinatorConfig holds the three-layer rate-limit timing constants.
type CoordinatorConfig struct {
	DebounceMs        int `mapstructure:"debounce_ms"`
	MaxWaitMs         int `mapstructure:"max_wait_ms"`
	CooldownMs        int `mapstructure:"cooldown_ms"`
	HistoryWindow     int `mapstructure:"history_window"`
	PlanTokenBudget   int `mapstructure:"plan_token_budget"`
	DecisionHistoryN  int `mapstructure:"decision_history_n"`
	EvalTimeoutSec    int `mapstructure:"eval_timeout_sec"`
	EvalRetryAttempts int `mapstructure:"eval_retry_attempts"`
}

// IdleConfig holds the idle monitor's tick cadence and thresholds.
type IdleConfig struct {
	TickSec          int `mapstructure:"tick_sec"`
	IdleThresholdSec int `mapstructure:"idle_threshold_sec"`
	CooldownSec      int `mapstructure:"cooldown_sec"`
}

// CleanupConfig holds the periodic-cleanup cadence and retention windows.
type CleanupConfig struct {
	IntervalMin         int `mapstructure:"interval_min"`
	WorkflowGraceMin    int `mapstructure:"workflow_grace_min"`
	SessionRetentionHrs int `mapstructure:"session_retention_hrs"`
}

// LLMConfig selects and configures the model the coordinator evaluates
// against.
type LLMConfig struct {
	Provider   string `mapstructure:"provider"`
	Model      string `mapstructure:"model"`
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
}

// Defaults mirrors the timing constants named in the daemon's design: a 2s
// debounce, 10s max-wait, 10s post-eval cooldown. The 5s agent rest cooldown
// is not configurable here; it is agentpool.RestCooldown.
func Defaults() Config {
	return Config{
		StateDir:    ".",
		AgentRoster: []string{"agent-1", "agent-2", "agent-3", "agent-4"},
		AgentRoles:  []string{"implementer", "reviewer", "unity"},
		Coordinator: CoordinatorConfig{
			DebounceMs:        2000,
			MaxWaitMs:         10000,
			CooldownMs:        10000,
			HistoryWindow:     50,
			PlanTokenBudget:   4000,
			DecisionHistoryN:  10,
			EvalTimeoutSec:    60,
			EvalRetryAttempts: 3,
		},
		Idle: IdleConfig{
			TickSec:          10,
			IdleThresholdSec: 60,
			CooldownSec:      300,
		},
		Cleanup: CleanupConfig{
			IntervalMin:         5,
			WorkflowGraceMin:    5,
			SessionRetentionHrs: 4,
		},
		LLM: LLMConfig{
			Provider:   "anthropic",
			Model:      "claude-sonnet",
			TimeoutSec: 60,
		},
		MetricsEnabled:      true,
		MetricsAddr:         ":9090",
		LogLevel:            "info",
		MaxConcurrentSpawns: 8,
	}
}

// Load layers Defaults(), an optional YAML file (path when non-empty,
// otherwise apc-coordinator.yaml searched for in . and $HOME), and
// APC_-prefixed environment overrides, in that order — matching the
// file-then-env precedence the CLI's viper setup establishes.
func Load(path string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("apc-coordinator")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}

	v.SetEnvPrefix("APC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if _, isNotFound := err.(viper.ConfigFileNotFoundError); !isNotFound && path != "" {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("agent_roster", cfg.AgentRoster)
	v.SetDefault("agent_roles", cfg.AgentRoles)
	v.SetDefault("coordinator.debounce_ms", cfg.Coordinator.DebounceMs)
	v.SetDefault("coordinator.max_wait_ms", cfg.Coordinator.MaxWaitMs)
	v.SetDefault("coordinator.cooldown_ms", cfg.Coordinator.CooldownMs)
	v.SetDefault("coordinator.history_window", cfg.Coordinator.HistoryWindow)
	v.SetDefault("coordinator.plan_token_budget", cfg.Coordinator.PlanTokenBudget)
	v.SetDefault("coordinator.decision_history_n", cfg.Coordinator.DecisionHistoryN)
	v.SetDefault("coordinator.eval_timeout_sec", cfg.Coordinator.EvalTimeoutSec)
	v.SetDefault("coordinator.eval_retry_attempts", cfg.Coordinator.EvalRetryAttempts)
	v.SetDefault("idle.tick_sec", cfg.Idle.TickSec)
	v.SetDefault("idle.idle_threshold_sec", cfg.Idle.IdleThresholdSec)
	v.SetDefault("idle.cooldown_sec", cfg.Idle.CooldownSec)
	v.SetDefault("cleanup.interval_min", cfg.Cleanup.IntervalMin)
	v.SetDefault("cleanup.workflow_grace_min", cfg.Cleanup.WorkflowGraceMin)
	v.SetDefault("cleanup.session_retention_hrs", cfg.Cleanup.SessionRetentionHrs)
	v.SetDefault("llm.provider", cfg.LLM.Provider)
	v.SetDefault("llm.model", cfg.LLM.Model)
	v.SetDefault("llm.timeout_sec", cfg.LLM.TimeoutSec)
	v.SetDefault("metrics_enabled", cfg.MetricsEnabled)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("otlp_endpoint", cfg.OTLPEndpoint)
	v.SetDefault("max_concurrent_spawns", cfg.MaxConcurrentSpawns)
}

// DebounceDuration returns the debounce window as a time.Duration.
func (c CoordinatorConfig) DebounceDuration() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// MaxWaitDuration returns the max-wait ceiling as a time.Duration.
func (c CoordinatorConfig) MaxWaitDuration() time.Duration {
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

// CooldownDuration returns the post-evaluation cooldown as a time.Duration.
func (c CoordinatorConfig) CooldownDuration() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

// EvalTimeout returns the configured LLM evaluation timeout.
func (c CoordinatorConfig) EvalTimeout() time.Duration {
	return time.Duration(c.EvalTimeoutSec) * time.Second
}

// Interval returns the periodic-cleanup cadence as a time.Duration.
func (c CleanupConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMin) * time.Minute
}

// WorkflowGrace returns the post-terminal workflow eviction grace period.
func (c CleanupConfig) WorkflowGrace() time.Duration {
	return time.Duration(c.WorkflowGraceMin) * time.Minute
}

// SessionRetention returns how long a completed session's state is kept
// before periodic cleanup purges it.
func (c CleanupConfig) SessionRetention() time.Duration {
	return time.Duration(c.SessionRetentionHrs) * time.Hour
}

// Tick returns the idle monitor's tick cadence as a time.Duration.
func (c IdleConfig) Tick() time.Duration {
	return time.Duration(c.TickSec) * time.Second
}

// IdleThreshold returns the fully-idle threshold (no active workflows) as a
// time.Duration.
func (c IdleConfig) IdleThreshold() time.Duration {
	return time.Duration(c.IdleThresholdSec) * time.Second
}

// Cooldown returns the minimum spacing between idle-triggered evaluations
// for the same session.
func (c IdleConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSec) * time.Second
}
