// Package config loads server configuration: defaults, then a TOML file,
// then environment variables (env wins).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server        ServerConfig        `toml:"server"`
	LLM           LLMConfig           `toml:"llm"`
	Store         StoreConfig         `toml:"store"`
	Agent         AgentConfig         `toml:"agent"`
	Sync          SyncConfig          `toml:"sync"`
	Sandbox       SandboxConfig       `toml:"sandbox"`
	Scheduler     SchedulerConfig     `toml:"scheduler"`
	Observability ObservabilityConfig `toml:"observability"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

type StoreConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"
	DSN    string `toml:"dsn"`
}

type AgentConfig struct {
	MaxTurns       int `toml:"max_turns"`
	ToolTimeoutSec int `toml:"tool_timeout_sec"`
	TurnTimeoutSec int `toml:"turn_timeout_sec"`
}

type SyncConfig struct {
	CooldownSec int `toml:"cooldown_sec"`
	HardSec     int `toml:"hard_sec"`
}

type SandboxConfig struct {
	TimeoutSec int `toml:"timeout_sec"`
	// ContainerImage enables the execute_code tool when non-empty.
	ContainerImage string `toml:"container_image"`
}

type SchedulerConfig struct {
	TickSec         int `toml:"tick_sec"`
	Workers         int `toml:"workers"`
	CycleTimeoutSec int `toml:"cycle_timeout_sec"`
}

type ObservabilityConfig struct {
	Enabled bool                     `toml:"enabled"`
	Pricing map[string]PricingConfig `toml:"pricing"`
}

type PricingConfig struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		LLM:    LLMConfig{Provider: "openai", Model: "gpt-4o"},
		Store:  StoreConfig{Driver: "sqlite", DSN: "tape.db"},
		Agent: AgentConfig{
			MaxTurns:       10,
			ToolTimeoutSec: 60,
			TurnTimeoutSec: 300,
		},
		Sync:    SyncConfig{CooldownSec: 300, HardSec: 3600},
		Sandbox: SandboxConfig{TimeoutSec: 5},
		Scheduler: SchedulerConfig{
			TickSec:         5,
			Workers:         8,
			CycleTimeoutSec: 30,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
// Unknown TOML keys are an error so typos do not silently fall back to
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "tape.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			keys := make([]string, len(undec))
			for i, k := range undec {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// Env overrides
	if v := os.Getenv("TAPE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("TAPE_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("TAPE_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("TAPE_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("TAPE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("TAPE_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	overrideInt("MAX_TURNS", &cfg.Agent.MaxTurns)
	overrideInt("TOOL_TIMEOUT_SEC", &cfg.Agent.ToolTimeoutSec)
	overrideInt("SYNC_COOLDOWN_SEC", &cfg.Sync.CooldownSec)
	overrideInt("SYNC_HARD_SEC", &cfg.Sync.HardSec)
	overrideInt("SANDBOX_TIMEOUT_SEC", &cfg.Sandbox.TimeoutSec)
	overrideInt("SCHEDULER_TICK_SEC", &cfg.Scheduler.TickSec)
	overrideInt("SCHEDULER_WORKERS", &cfg.Scheduler.Workers)
	overrideInt("STRATEGY_CYCLE_TIMEOUT_SEC", &cfg.Scheduler.CycleTimeoutSec)
	if v := os.Getenv("TAPE_OBSERVABILITY"); v == "true" || v == "1" {
		cfg.Observability.Enabled = true
	}

	if cfg.Store.Driver != "sqlite" && cfg.Store.Driver != "postgres" {
		return Config{}, fmt.Errorf("config: unknown store driver %q", cfg.Store.Driver)
	}

	return cfg, nil
}

func overrideInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = n
	}
}
