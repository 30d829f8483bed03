package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/trialogue/internal/assembler"
	"github.com/nextlevelbuilder/trialogue/internal/config"
	"github.com/nextlevelbuilder/trialogue/internal/gateway"
	"github.com/nextlevelbuilder/trialogue/internal/locks"
	"github.com/nextlevelbuilder/trialogue/internal/providers"
	"github.com/nextlevelbuilder/trialogue/internal/questions"
	"github.com/nextlevelbuilder/trialogue/internal/resolution"
	"github.com/nextlevelbuilder/trialogue/internal/scheduler"
	"github.com/nextlevelbuilder/trialogue/internal/store"
	"github.com/nextlevelbuilder/trialogue/internal/store/file"
	"github.com/nextlevelbuilder/trialogue/internal/store/pg"
	"github.com/nextlevelbuilder/trialogue/internal/store/sqlite"
	"github.com/nextlevelbuilder/trialogue/internal/summarizer"
	"github.com/nextlevelbuilder/trialogue/internal/telemetry"
)

// reconcileInterval is the periodic sweep cadence for the metadata index.
const reconcileInterval = 5 * time.Minute

func runGateway() {
	telemetry.SetupLogging(verbose)

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if !cfg.Providers.Anthropic.Configured() && !cfg.Providers.OpenAI.Configured() {
		fmt.Println("No AI provider API key found.")
		fmt.Println()
		fmt.Println("Set ANTHROPIC_API_KEY or OPENAI_API_KEY (directly or via .env) and restart.")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(flushCtx)
	}()

	lockSvc, err := buildLockService(ctx, cfg.Redis)
	if err != nil {
		slog.Error("failed to set up lock service", "error", err)
		os.Exit(1)
	}

	var idx store.MetadataIndex
	var identity *pg.IdentityStore
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		// Managed mode: shared Postgres carries the index and identities.
		db, err := pg.OpenDB(dsn)
		if err != nil {
			slog.Error("failed to open postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		pgIdx := pg.NewIndex(db)
		if err := pgIdx.EnsureSchema(ctx); err != nil {
			slog.Error("failed to prepare postgres index", "error", err)
			os.Exit(1)
		}
		idx = pgIdx
		identity = pg.NewIdentityStore(db)
		slog.Info("using postgres metadata index")
	} else {
		sqlIdx, err := sqlite.Open(config.ExpandHome(cfg.Storage.DatabasePath))
		if err != nil {
			slog.Error("failed to open metadata index", "error", err)
			os.Exit(1)
		}
		defer sqlIdx.Close()
		idx = sqlIdx
	}

	st, err := file.NewStore(config.ExpandHome(cfg.Storage.DiscussionsDir), lockSvc, file.Options{
		Index: idx,
		Retry: store.RetryConfig{
			MaxAttempts: cfg.Storage.FileOperationMaxRetries,
			InitialWait: cfg.Storage.RetryDelay(),
		},
		TokenBudget:    cfg.Discussion.TokenLimit,
		StaleThreshold: cfg.Discussion.StaleThreshold(),
	})
	if err != nil {
		slog.Error("failed to open discussion store", "error", err)
		os.Exit(1)
	}

	reconciler := file.NewReconciler(st, idx, reconcileInterval,
		cfg.Storage.EnableTokenSyncValidation, cfg.Storage.AutoRepairTokenSync)
	go reconciler.Run(ctx)

	provider, err := buildProvider(cfg.Providers)
	if err != nil {
		slog.Error("failed to set up providers", "error", err)
		os.Exit(1)
	}

	srv := gateway.NewServer(cfg.Gateway, nil, st)
	if identity != nil {
		srv.SetIdentity(identity)
	}
	var sink scheduler.Sink = srv.Hub()
	if cfg.Alerts.Enabled {
		sink = telemetry.NewAlertingSink(srv.Hub(), cfg.Alerts.ErrorRateThreshold)
	}
	sched := scheduler.New(scheduler.Deps{
		Store:      st,
		Locks:      lockSvc,
		Assembler:  assembler.New(nil),
		Provider:   provider,
		Summarizer: summarizer.New(provider, nil),
		Questions:  questions.NewEngine(provider, nil),
		Resolution: resolution.NewDetector(),
		Sink:       sink,
	})
	srv.SetScheduler(sched)

	slog.Info("trialogue starting",
		"version", Version,
		"provider", provider.Name(),
		"model", provider.DefaultModel(),
	)

	if err := srv.Start(ctx); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// buildLockService picks Redis when configured, in-process leases otherwise.
func buildLockService(ctx context.Context, cfg config.RedisConfig) (locks.Service, error) {
	if !cfg.Enabled() {
		slog.Info("using in-memory locks")
		return locks.NewMemoryService(), nil
	}
	if cfg.URL != "" {
		slog.Info("using redis locks", "url", cfg.URL)
		return locks.DialRedisURL(ctx, cfg.URL)
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	slog.Info("using redis locks", "addr", addr)
	return locks.DialRedis(ctx, addr, cfg.Password)
}

// buildProvider assembles the default back-end with its fallback model chain.
func buildProvider(cfg config.ProvidersConfig) (providers.Provider, error) {
	registry := providers.NewRegistry()
	if cfg.Anthropic.Configured() {
		registry.Register(providers.NewAnthropicProvider(
			"anthropic", cfg.Anthropic.APIKey, cfg.Anthropic.APIBase, cfg.Anthropic.Model))
	}
	if cfg.OpenAI.Configured() {
		registry.Register(providers.NewOpenAIProvider(
			"openai", cfg.OpenAI.APIKey, cfg.OpenAI.APIBase, cfg.OpenAI.Model))
	}

	names := registry.Names()
	if len(names) == 0 {
		return nil, fmt.Errorf("no provider configured")
	}
	name := cfg.Default
	if _, err := registry.Get(name); err != nil {
		// Default back-end has no credentials; use whichever does.
		name = names[0]
	}
	inner, err := registry.Get(name)
	if err != nil {
		return nil, err
	}

	pc := cfg.Anthropic
	if name == "openai" {
		pc = cfg.OpenAI
	}
	return providers.NewFallbackProvider(inner, pc.Model, pc.FallbackModels), nil
}
