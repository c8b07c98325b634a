package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/alecgard/metergate/internal/api"
	"github.com/alecgard/metergate/internal/auth"
	"github.com/alecgard/metergate/internal/budget"
	"github.com/alecgard/metergate/internal/cache"
	"github.com/alecgard/metergate/internal/config"
	"github.com/alecgard/metergate/internal/crypto"
	"github.com/alecgard/metergate/internal/dedup"
	"github.com/alecgard/metergate/internal/gateway"
	"github.com/alecgard/metergate/internal/ledger"
	"github.com/alecgard/metergate/internal/logging"
	"github.com/alecgard/metergate/internal/metrics"
	"github.com/alecgard/metergate/internal/pricing"
	"github.com/alecgard/metergate/internal/provider"
	"github.com/alecgard/metergate/internal/provider/anthropic"
	"github.com/alecgard/metergate/internal/provider/gemini"
	"github.com/alecgard/metergate/internal/ratelimit"
	"github.com/alecgard/metergate/internal/results"
	"github.com/alecgard/metergate/internal/scheduler"
	"github.com/alecgard/metergate/internal/tenant"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the metergate server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// cacheBackends bundles the two cache roles served by one backend.
type cacheBackends struct {
	totals  cache.Totals
	entries cache.Entries
	close   func()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	slog.Info("connected to database")

	m := metrics.New()
	m.RegisterDBPoolCollector(func() metrics.PoolStats {
		s := pool.Stat()
		return metrics.PoolStats{
			Total:    s.TotalConns(),
			Idle:     s.IdleConns(),
			Acquired: s.AcquiredConns(),
			Max:      s.MaxConns(),
		}
	})

	caches, err := openCache(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer caches.close()

	cipher, err := crypto.NewCipher(cfg.Results.EncryptionKey)
	if err != nil {
		return fmt.Errorf("results.encryption_key: %w", err)
	}
	if !cipher.Enabled() {
		slog.Warn("result encryption disabled; payloads are stored in plaintext")
	}

	ledgerStore := ledger.NewStore(pool)
	resultStore := results.NewStore(pool, cipher)
	tenantStore := tenant.NewStore(pool)

	settingsCache := tenant.NewCachedSource(tenantStore, cfg.Tenants.CacheTTL)
	lookups := tenant.Chain{}
	if cfg.Tenants.File != "" {
		fileSource, err := tenant.LoadFile(cfg.Tenants.File)
		if err != nil {
			return err
		}
		fileSource.OnReload(func(n int) {
			slog.Info("tenant settings file reloaded", "path", cfg.Tenants.File, "tenants", n)
		})
		if err := fileSource.Watch(ctx); err != nil {
			return err
		}
		slog.Info("tenant settings file loaded", "path", cfg.Tenants.File, "tenants", fileSource.Len())
		lookups = append(lookups, fileSource)
	}
	lookups = append(lookups, settingsCache)
	resolver := tenant.NewResolver(lookups, cfg.Tenants.Defaults)

	registry, err := buildProviders(ctx, cfg.Providers)
	if err != nil {
		return err
	}
	if _, err := registry.Get(cfg.Tenants.Defaults.Provider); err != nil {
		slog.Warn("default tenant provider is not configured",
			"provider", cfg.Tenants.Defaults.Provider, "configured", registry.Names())
	}

	prices := pricing.NewTable(cfg.Pricing)
	gate := budget.NewGate(ledgerStore, caches.totals, cfg.Budget.CacheTTL)
	deduper := dedup.New(ledgerStore, caches.entries)

	spool := ledger.NewSpool(ledgerStore, cfg.Spool.BatchSize, cfg.Spool.FlushInterval)
	spool.SetMetrics(m)
	spoolDone := make(chan struct{})
	go func() {
		spool.Start(ctx)
		close(spoolDone)
	}()

	gw := gateway.New(resolver, registry, prices, gate, deduper, ledgerStore, resultStore, gateway.Options{
		CallTimeout:   cfg.Gateway.CallTimeout,
		RecordTimeout: cfg.Gateway.RecordTimeout,
		DedupMaxAge:   cfg.Gateway.DedupMaxAge,
	})
	gw.SetSpool(spool)
	gw.SetMetrics(m)

	limiter := ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)

	keys := make([]auth.KeyEntry, 0, len(cfg.Auth.WorkerKeys))
	for _, k := range cfg.Auth.WorkerKeys {
		keys = append(keys, auth.KeyEntry{Name: k.Name, KeyHash: k.KeyHash, RateLimit: k.RateLimit})
	}
	keyRing := auth.NewKeyRing(keys)
	authService := auth.NewService(keyRing)
	authService.SetMetrics(m)
	if keyRing.Len() == 0 {
		slog.Warn("no worker keys configured; the invoke endpoint rejects every request")
	}
	if cfg.Auth.AdminKeyHash == "" {
		slog.Warn("no admin key hash configured; admin endpoints are disabled")
	}

	sched := scheduler.New(scheduler.Config{
		SpendRefresh: cfg.Scheduler.SpendRefresh,
		DailyReport:  cfg.Scheduler.DailyReport,
		ResultsPurge: cfg.Scheduler.ResultsPurge,
		Retention:    cfg.Results.Retention,
	}, scheduler.Deps{
		Spend:    ledgerStore,
		Gauge:    m,
		Results:  resultStore,
		Purged:   m,
		Spool:    spool,
		Limiter:  limiter,
		Settings: settingsCache,
	})
	if err := sched.Start(ctx); err != nil {
		return err
	}
	slog.Info("scheduler started", "jobs", sched.Entries())

	router := api.NewRouter(api.RouterDeps{
		Gateway:       gw,
		Results:       resultStore,
		Ledger:        ledgerStore,
		Settings:      tenantStore,
		Resolver:      resolver,
		SettingsCache: settingsCache,
		Budget:        gate,
		Auth:          authService,
		Limiter:       limiter,
		Metrics:       m,
		DB:            pool,
		AdminKeyHash:  cfg.Auth.AdminKeyHash,
		MaxBodySize:   cfg.Server.MaxRequestSize,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Addr(), "providers", registry.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-sigCh:
		slog.Info("shutting down")
	case err := <-errCh:
		slog.Error("server error", "error", err)
		cancel()
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownErr := srv.Shutdown(shutdownCtx)

	// Abandoned provider calls still owe a ledger row.
	if err := gw.Wait(shutdownCtx); err != nil {
		slog.Warn("in-flight calls still running at shutdown", "error", err)
	}

	cancel()
	spool.Stop()
	<-spoolDone
	if n := spool.Len(); n > 0 {
		slog.Error("ledger rows lost at shutdown", "count", n)
	}

	return shutdownErr
}

func openCache(ctx context.Context, cfg config.RedisConfig) (*cacheBackends, error) {
	if cfg.URL == "" {
		slog.Info("using in-process cache")
		mem := cache.NewMemory()
		return &cacheBackends{totals: mem, entries: mem, close: func() {}}, nil
	}

	client, err := cache.Connect(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	slog.Info("connected to redis")
	r := cache.NewRedis(client, cfg.KeyPrefix)
	return &cacheBackends{
		totals:  r,
		entries: r,
		close:   func() { _ = client.Close() },
	}, nil
}

// buildProviders registers every provider that has credentials.
func buildProviders(ctx context.Context, cfg config.ProvidersConfig) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	if cfg.Anthropic.APIKey != "" {
		p, err := anthropic.New(anthropic.Config{
			APIKey:    cfg.Anthropic.APIKey,
			BaseURL:   cfg.Anthropic.BaseURL,
			Timeout:   cfg.Anthropic.Timeout,
			MaxTokens: cfg.Anthropic.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("configuring anthropic: %w", err)
		}
		registry.Register(p)
	}

	if cfg.Gemini.APIKey != "" {
		p, err := gemini.New(ctx, gemini.Config{
			APIKey:    cfg.Gemini.APIKey,
			BaseURL:   cfg.Gemini.BaseURL,
			Timeout:   cfg.Gemini.Timeout,
			MaxTokens: cfg.Gemini.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("configuring gemini: %w", err)
		}
		registry.Register(p)
	}

	if len(registry.Names()) == 0 {
		slog.Warn("no provider credentials configured; every call will fail to resolve a provider")
	}
	return registry, nil
}
