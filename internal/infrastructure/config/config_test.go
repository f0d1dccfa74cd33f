package config

import (
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
)

func TestLoadAppliesDefaultsWithNoConfigFile(t *testing.T) {
	t.Setenv("STEPENGINE_CONFIG", "")
	t.Setenv("STEPENGINE_CONFIG_DIR", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Runtime.MaxAgentSteps != 50 {
		t.Fatalf("expected default max_agent_steps 50, got %d", cfg.Agent.Runtime.MaxAgentSteps)
	}
	if cfg.Agent.Runtime.ToolTimeout != 30*time.Second {
		t.Fatalf("expected default tool_timeout 30s, got %v", cfg.Agent.Runtime.ToolTimeout)
	}
}

func TestToAgentLoopConfigOverridesNonZeroFields(t *testing.T) {
	cfg := &EngineConfig{}
	cfg.Agent.Runtime.MaxAgentSteps = 5
	cfg.Agent.Runtime.MaxParallelTools = 2

	loopCfg := cfg.ToAgentLoopConfig()
	if loopCfg.MaxAgentSteps != 5 {
		t.Fatalf("expected overridden MaxAgentSteps 5, got %d", loopCfg.MaxAgentSteps)
	}
	if loopCfg.MaxParallelTools != 2 {
		t.Fatalf("expected overridden MaxParallelTools 2, got %d", loopCfg.MaxParallelTools)
	}
	// ToolTimeout wasn't set on the partial config, so the AgentLoopConfig
	// default must survive rather than being zeroed out.
	if loopCfg.ToolTimeout != 30*time.Second {
		t.Fatalf("expected default ToolTimeout to survive, got %v", loopCfg.ToolTimeout)
	}
}

func TestToAgentLoopConfigNilReceiverReturnsDefaults(t *testing.T) {
	var cfg *EngineConfig
	loopCfg := cfg.ToAgentLoopConfig()
	if loopCfg.MaxAgentSteps != 50 {
		t.Fatalf("expected defaults from a nil *EngineConfig, got %+v", loopCfg)
	}
}

func TestBuildLoggerUsesConfiguredLevel(t *testing.T) {
	cfg := &EngineConfig{}
	cfg.Log.Level = "debug"
	cfg.Log.Format = "json"

	log, err := cfg.BuildLogger()
	if err != nil {
		t.Fatalf("BuildLogger: %v", err)
	}
	if !log.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level to be enabled")
	}
}

func TestBuildLoggerNilReceiverDefaultsToInfo(t *testing.T) {
	var cfg *EngineConfig
	log, err := cfg.BuildLogger()
	if err != nil {
		t.Fatalf("BuildLogger: %v", err)
	}
	if log.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level disabled under the info default")
	}
	if !log.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("expected info level enabled under the info default")
	}
}

func TestDefaultIDGeneratorProducesDistinctIDs(t *testing.T) {
	gen := DefaultIDGenerator()
	a, b := gen(), gen()
	if a == "" || b == "" || a == b {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", a, b)
	}
}
