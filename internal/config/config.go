// Package config defines the gateway configuration file shape and its
// loading rules: JSON5 file, then environment overrides.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Database     DatabaseConfig     `json:"database"`
	Cache        CacheConfig        `json:"cache"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Providers    ProvidersConfig    `json:"providers"`
	Logging      LoggingConfig      `json:"logging"`
}

// DatabaseConfig selects the persistence backend. A Postgres DSN enables
// managed mode; otherwise the standalone SQLite file is used.
type DatabaseConfig struct {
	PostgresDSN string `json:"postgresDsn"`
	SQLitePath  string `json:"sqlitePath"`
}

// CacheConfig tunes the dependency cache. RedisURL empty means in-process
// only.
type CacheConfig struct {
	RedisURL   string `json:"redisUrl"`
	Prefix     string `json:"prefix"`
	TTLSeconds int    `json:"ttlSeconds"`
}

// OrchestratorConfig tunes inbound dispatch.
type OrchestratorConfig struct {
	DebounceMs         int `json:"debounceMs"`
	DispatchTimeoutSec int `json:"dispatchTimeoutSec"`
}

// SchedulerConfig tunes the follow-up sweep.
type SchedulerConfig struct {
	Enabled       bool    `json:"enabled"`
	Cron          string  `json:"cron"`
	Workers       int     `json:"workers"`
	RatePerSecond float64 `json:"ratePerSecond"`
}

// ProvidersConfig carries adapter-level settings shared across bots.
type ProvidersConfig struct {
	Workflow     WorkflowConfig     `json:"workflow"`
	AgentRuntime AgentRuntimeConfig `json:"agentRuntime"`
}

// WorkflowConfig tunes the workflow-engine webhook adapter. ServerURL is
// the gateway base URL advertised to workflows in outbound payloads.
type WorkflowConfig struct {
	ServerURL          string `json:"serverUrl"`
	MessageTimeoutSec  int    `json:"messageTimeoutSec"`
	FollowUpTimeoutSec int    `json:"followUpTimeoutSec"`
}

// AgentRuntimeConfig tunes the agent-runtime adapter.
type AgentRuntimeConfig struct {
	BaseURL        string `json:"baseUrl"`
	DefaultAgentID string `json:"defaultAgentId"`
	DefaultPort    int    `json:"defaultPort"`
	TimeoutSec     int    `json:"timeoutSec"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text or json
}

// DebounceWindow returns the orchestrator debounce as a duration.
func (c OrchestratorConfig) DebounceWindow() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// DispatchTimeout returns the orchestrator dispatch budget as a duration.
func (c OrchestratorConfig) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSec) * time.Second
}

// TTL returns the cache TTL as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}
