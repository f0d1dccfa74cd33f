// Package config loads the engine's tunable knobs — step/tool budgets,
// timeouts, and guardrail thresholds — via viper, mirroring the teacher's
// layered config.Load (infrastructure/config/config.go): defaults, then an
// optional config file, then environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	ctxretention "github.com/ngoclaw/stepengine/internal/domain/context"
	"github.com/ngoclaw/stepengine/internal/domain/service"
	"github.com/ngoclaw/stepengine/internal/infrastructure/idgen"
	"github.com/ngoclaw/stepengine/internal/infrastructure/logger"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EngineConfig is the subset of the teacher's Config relevant to this
// core's scope: the Agent Step Loop's budgets and the guardrails layered
// onto it (§4.4 item 6, SPEC_FULL.md §1.1). Persistence, transport,
// Telegram, and provider-routing sections do not belong here — those are
// the caller's concern, per spec.md §1.
type EngineConfig struct {
	Log   LogConfig   `mapstructure:"log"`
	Agent AgentConfig `mapstructure:"agent"`
}

// LogConfig controls the zap logger (infrastructure/logger).
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

// AgentConfig is the AgentLoopConfig-shaped knob set, loaded from
// "agent.runtime"/"agent.guardrails" the same way the teacher's
// AgentConfig.Runtime/Guardrails are.
type AgentConfig struct {
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails"`
}

// RuntimeConfig mirrors the teacher's RuntimeConfig, trimmed to the knobs
// AgentLoopConfig actually has (no retry knobs — §7 forbids engine retry).
type RuntimeConfig struct {
	MaxAgentSteps    int           `mapstructure:"max_agent_steps"`
	MaxParallelTools int           `mapstructure:"max_parallel_tools"`
	ToolTimeout      time.Duration `mapstructure:"tool_timeout"`
	MaxTokenBudget   int64         `mapstructure:"max_token_budget"`
	MaxRunDuration   time.Duration `mapstructure:"max_run_duration"`
}

// GuardrailsConfig mirrors the teacher's loop-detection knobs.
type GuardrailsConfig struct {
	LoopDetectWindow    int `mapstructure:"loop_detect_window"`
	LoopDetectExactN    int `mapstructure:"loop_detect_exact_threshold"`
	LoopDetectNameN     int `mapstructure:"loop_detect_name_threshold"`
}

// Load builds an EngineConfig the way the teacher's config.Load does:
// defaults, then an optional ./config.yaml (or $STEPENGINE_CONFIG), then
// STEPENGINE_*-prefixed environment variables, highest priority last.
func Load() (*EngineConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir := os.Getenv("STEPENGINE_CONFIG_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}
	if path := os.Getenv("STEPENGINE_CONFIG"); path != "" {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("STEPENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg EngineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// ToAgentLoopConfig translates the loaded knobs into the shape the Agent
// Step Loop actually consumes (service.AgentLoopConfig), the way the
// teacher's NewAgentLoop(cfg.Agent.Runtime, cfg.Agent.Guardrails, ...)
// call site wires its own Config into AgentLoopConfig.
func (c *EngineConfig) ToAgentLoopConfig() service.AgentLoopConfig {
	cfg := service.DefaultAgentLoopConfig()
	if c == nil {
		return cfg
	}
	if c.Agent.Runtime.MaxAgentSteps > 0 {
		cfg.MaxAgentSteps = c.Agent.Runtime.MaxAgentSteps
	}
	if c.Agent.Runtime.MaxParallelTools > 0 {
		cfg.MaxParallelTools = c.Agent.Runtime.MaxParallelTools
	}
	if c.Agent.Runtime.ToolTimeout > 0 {
		cfg.ToolTimeout = c.Agent.Runtime.ToolTimeout
	}
	cfg.MaxTokenBudget = c.Agent.Runtime.MaxTokenBudget
	cfg.MaxRunDuration = c.Agent.Runtime.MaxRunDuration
	if c.Agent.Guardrails.LoopDetectWindow > 0 {
		cfg.LoopWindowSize = c.Agent.Guardrails.LoopDetectWindow
	}
	if c.Agent.Guardrails.LoopDetectExactN > 0 {
		cfg.LoopExactThreshold = c.Agent.Guardrails.LoopDetectExactN
	}
	if c.Agent.Guardrails.LoopDetectNameN > 0 {
		cfg.LoopNameThreshold = c.Agent.Guardrails.LoopDetectNameN
	}
	cfg.Retention = ctxretention.DefaultConfig()
	return cfg
}

// BuildLogger constructs the zap.Logger described by c.Log, the way the
// teacher's bootstrap calls logger.NewLogger right after config.Load.
func (c *EngineConfig) BuildLogger() (*zap.Logger, error) {
	if c == nil {
		return logger.New(logger.Config{Level: "info", Format: "json"})
	}
	return logger.New(logger.Config{Level: c.Log.Level, Format: c.Log.Format})
}

// DefaultIDGenerator returns the engine's default random/id generator
// (§6 "Environment"), for callers that don't need to supply their own —
// a thin wrapper over idgen.New so this package stays the one place a
// caller looks for ready-made environment hooks alongside Load.
func DefaultIDGenerator() func() string {
	return idgen.New
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("agent.runtime.max_agent_steps", 50)
	v.SetDefault("agent.runtime.max_parallel_tools", 8)
	v.SetDefault("agent.runtime.tool_timeout", "30s")
	v.SetDefault("agent.runtime.max_token_budget", 0)
	v.SetDefault("agent.runtime.max_run_duration", "0s")

	v.SetDefault("agent.guardrails.loop_detect_window", 12)
	v.SetDefault("agent.guardrails.loop_detect_exact_threshold", 3)
	v.SetDefault("agent.guardrails.loop_detect_name_threshold", 8)
}
