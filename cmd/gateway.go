package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/funnelgate/internal/bus"
	"github.com/nextlevelbuilder/funnelgate/internal/cache"
	"github.com/nextlevelbuilder/funnelgate/internal/config"
	"github.com/nextlevelbuilder/funnelgate/internal/orchestrator"
	"github.com/nextlevelbuilder/funnelgate/internal/provider"
	"github.com/nextlevelbuilder/funnelgate/internal/scheduler"
	"github.com/nextlevelbuilder/funnelgate/internal/store"
	"github.com/nextlevelbuilder/funnelgate/internal/store/lite"
	"github.com/nextlevelbuilder/funnelgate/internal/store/pg"
)

// core bundles the wired components a running gateway (or an embedding
// channel layer) works with.
type core struct {
	cfg      *config.Config
	stores   *store.Stores
	cache    cache.Cache
	registry *provider.Registry
	orch     *orchestrator.Orchestrator
	sched    *scheduler.Scheduler
}

func runGateway() {
	cfg, err := loadConfigAndLogging()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	c, err := buildCore(cfg, logSink())
	if err != nil {
		slog.Error("failed to wire gateway", "error", err)
		os.Exit(1)
	}
	defer c.orch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Scheduler.Enabled {
		go c.sched.Run(ctx)
		slog.Info("follow-up scheduler running", "cron", cfg.Scheduler.Cron, "workers", cfg.Scheduler.Workers)
	}

	slog.Info("gateway ready",
		"mode", storageMode(cfg),
		"debounceMs", cfg.Orchestrator.DebounceMs)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	cancel()
}

func loadConfigAndLogging() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Logging)
	return cfg, nil
}

func setupLogging(lc config.LoggingConfig) {
	level := slog.LevelInfo
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.EqualFold(lc.Format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// buildCore wires stores, cache, providers, orchestrator and scheduler from
// config. The sink is supplied by the embedding channel layer; the gateway
// binary falls back to a logging sink.
func buildCore(cfg *config.Config, sink bus.ChannelSink) (*core, error) {
	stores, err := openStores(cfg)
	if err != nil {
		return nil, err
	}

	cacheOpts := []cache.Option{cache.WithTTL(cfg.Cache.TTL())}
	if cfg.Cache.RedisURL != "" {
		cacheOpts = append(cacheOpts, cache.WithRedis(cfg.Cache.RedisURL))
	}
	layered := cache.New(cfg.Cache.Prefix, cacheOpts...)

	registry := provider.NewRegistry(
		provider.NewWorkflowProvider(provider.WorkflowConfig{
			ServerURL:       cfg.Providers.Workflow.ServerURL,
			MessageTimeout:  time.Duration(cfg.Providers.Workflow.MessageTimeoutSec) * time.Second,
			FollowUpTimeout: time.Duration(cfg.Providers.Workflow.FollowUpTimeoutSec) * time.Second,
		}),
		provider.NewAgentRuntimeProvider(provider.AgentRuntimeConfig{
			BaseURL:        cfg.Providers.AgentRuntime.BaseURL,
			DefaultAgentID: cfg.Providers.AgentRuntime.DefaultAgentID,
			DefaultPort:    cfg.Providers.AgentRuntime.DefaultPort,
			Timeout:        time.Duration(cfg.Providers.AgentRuntime.TimeoutSec) * time.Second,
		}),
	)

	deps := orchestrator.NewDependencyBuilder(stores.Funnels, layered)
	orch := orchestrator.New(stores, deps, registry, sink, orchestrator.Config{
		DebounceWindow:  cfg.Orchestrator.DebounceWindow(),
		DispatchTimeout: cfg.Orchestrator.DispatchTimeout(),
	})
	sched := scheduler.New(stores, deps, registry, sink, scheduler.Config{
		Cron:          cfg.Scheduler.Cron,
		Workers:       cfg.Scheduler.Workers,
		RatePerSecond: cfg.Scheduler.RatePerSecond,
	})

	return &core{cfg: cfg, stores: stores, cache: layered, registry: registry, orch: orch, sched: sched}, nil
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	if cfg.Database.PostgresDSN != "" {
		slog.Info("using managed storage (postgres)")
		return pg.NewPGStores(store.Config{PostgresDSN: cfg.Database.PostgresDSN})
	}
	path := expandHome(cfg.Database.SQLitePath)
	slog.Info("using standalone storage (sqlite)", "path", path)
	return lite.NewLiteStores(store.Config{SQLitePath: path})
}

func storageMode(cfg *config.Config) string {
	if cfg.Database.PostgresDSN != "" {
		return "managed"
	}
	return "standalone"
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// logSink records deliveries without a channel layer attached. Embedders
// replace it with a real ChannelSink.
func logSink() bus.ChannelSink {
	return bus.SinkFunc(func(_ context.Context, tenant, remoteContact, text, sessionID string, _ map[string]string) (*bus.DeliveryResult, error) {
		slog.Info("outbound reply (no channel layer attached)",
			"tenant", tenant, "contact", remoteContact, "session", sessionID, "chars", len(text))
		return &bus.DeliveryResult{Timestamp: time.Now().Unix()}, nil
	})
}
