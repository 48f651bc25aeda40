package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			SQLitePath: "~/.funnelgate/gateway.db",
		},
		Cache: CacheConfig{
			Prefix:     "funnelgate",
			TTLSeconds: 3600,
		},
		Orchestrator: OrchestratorConfig{
			DebounceMs:         2500,
			DispatchTimeoutSec: 150,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			Cron:          "* * * * *",
			Workers:       8,
			RatePerSecond: 5,
		},
		Providers: ProvidersConfig{
			Workflow: WorkflowConfig{
				MessageTimeoutSec:  120,
				FollowUpTimeoutSec: 60,
			},
			AgentRuntime: AgentRuntimeConfig{
				BaseURL:    "http://localhost",
				TimeoutSec: 120,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	envStr("FUNNELGATE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("FUNNELGATE_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("FUNNELGATE_REDIS_URL", &c.Cache.RedisURL)
	envStr("FUNNELGATE_CACHE_PREFIX", &c.Cache.Prefix)
	envInt("FUNNELGATE_CACHE_TTL_SEC", &c.Cache.TTLSeconds)

	envInt("FUNNELGATE_DEBOUNCE_MS", &c.Orchestrator.DebounceMs)
	envInt("FUNNELGATE_DISPATCH_TIMEOUT_SEC", &c.Orchestrator.DispatchTimeoutSec)

	envBool("FUNNELGATE_SCHEDULER_ENABLED", &c.Scheduler.Enabled)
	envStr("FUNNELGATE_SCHEDULER_CRON", &c.Scheduler.Cron)
	envInt("FUNNELGATE_SCHEDULER_WORKERS", &c.Scheduler.Workers)

	envStr("FUNNELGATE_SERVER_URL", &c.Providers.Workflow.ServerURL)
	envStr("FUNNELGATE_AGENT_RUNTIME_URL", &c.Providers.AgentRuntime.BaseURL)
	envStr("FUNNELGATE_AGENT_RUNTIME_AGENT_ID", &c.Providers.AgentRuntime.DefaultAgentID)
	envInt("FUNNELGATE_AGENT_RUNTIME_PORT", &c.Providers.AgentRuntime.DefaultPort)

	envStr("FUNNELGATE_LOG_LEVEL", &c.Logging.Level)
	envStr("FUNNELGATE_LOG_FORMAT", &c.Logging.Format)
}
