// Package scheduler runs the gateway's periodic housekeeping on robfig/cron:
// tenant spend gauges, the UTC-day spend rollup, result retention and
// limiter cleanup.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alecgard/metergate/internal/budget"
	"github.com/alecgard/metergate/internal/ledger"
)

const (
	defaultJobTimeout = time.Minute

	// spoolBacklogWarn is the spool depth that triggers a warning on each
	// spend refresh.
	spoolBacklogWarn = 1000
)

// SpendReader reads SUCCEEDED spend per tenant.
type SpendReader interface {
	SpendByTenant(ctx context.Context, from, to time.Time) ([]ledger.TenantSpend, error)
}

// SpendGauge publishes today's spend per tenant.
type SpendGauge interface {
	SetTenantSpend(spend map[string]int64)
}

// ResultPurger deletes stored results older than a cutoff.
type ResultPurger interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PurgeObserver counts purged results.
type PurgeObserver interface {
	AddResultsPurged(n int64)
}

// Backlog reports the number of ledger rows awaiting a retry.
type Backlog interface {
	Len() int
}

// Sweeper drops idle rate-limit buckets.
type Sweeper interface {
	Sweep(idle time.Duration) int
}

// SettingsCache drops expired tenant settings.
type SettingsCache interface {
	Sweep() int
}

// Config holds cron specs (with a leading seconds field) and retention.
// Empty specs disable the job.
type Config struct {
	SpendRefresh string
	DailyReport  string
	ResultsPurge string
	Retention    time.Duration
	JobTimeout   time.Duration
}

// Deps are the collaborators the jobs use. Nil members disable the jobs
// that need them.
type Deps struct {
	Spend    SpendReader
	Gauge    SpendGauge
	Results  ResultPurger
	Purged   PurgeObserver
	Spool    Backlog
	Limiter  Sweeper
	Settings SettingsCache
}

// Engine manages the cron scheduler.
type Engine struct {
	cron *cron.Cron
	cfg  Config
	deps Deps
	now  func() time.Time
}

// New creates an Engine running in UTC so day boundaries match the budget
// window.
func New(cfg Config, deps Deps) *Engine {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn))
	return &Engine{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		cfg:  cfg,
		deps: deps,
		now:  time.Now,
	}
}

// Start registers the configured jobs and starts the cron engine. The engine
// stops when ctx ends.
func (e *Engine) Start(ctx context.Context) error {
	jobs := []struct {
		name    string
		spec    string
		enabled bool
		run     func(context.Context) error
	}{
		{"spend_refresh", e.cfg.SpendRefresh, e.deps.Spend != nil && e.deps.Gauge != nil, e.RefreshSpend},
		{"daily_report", e.cfg.DailyReport, e.deps.Spend != nil, e.DailyReport},
		{"results_purge", e.cfg.ResultsPurge, e.deps.Results != nil && e.cfg.Retention > 0, e.PurgeResults},
	}

	for _, j := range jobs {
		if j.spec == "" || !j.enabled {
			continue
		}
		if err := e.add(ctx, j.name, j.spec, j.run); err != nil {
			return err
		}
	}

	e.cron.Start()
	go func() {
		<-ctx.Done()
		<-e.cron.Stop().Done()
	}()
	return nil
}

// Entries returns the number of registered jobs.
func (e *Engine) Entries() int {
	return len(e.cron.Entries())
}

func (e *Engine) add(ctx context.Context, name, spec string, run func(context.Context) error) error {
	_, err := e.cron.AddFunc(spec, func() {
		jobCtx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
		defer cancel()

		start := time.Now()
		if err := run(jobCtx); err != nil {
			slog.Error("scheduled job failed", "job", name, "error", err)
			return
		}
		slog.Debug("scheduled job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("scheduling %s %q: %w", name, spec, err)
	}
	return nil
}

// RefreshSpend republishes today's spend gauges and warns about a spool
// backlog. It also sweeps idle rate-limit buckets and expired tenant
// settings.
func (e *Engine) RefreshSpend(ctx context.Context) error {
	rows, err := e.deps.Spend.SpendByTenant(ctx, budget.DayStart(e.now()), time.Time{})
	if err != nil {
		return fmt.Errorf("reading tenant spend: %w", err)
	}

	spend := make(map[string]int64, len(rows))
	for _, r := range rows {
		spend[r.TenantID] = r.CostMicros
	}
	e.deps.Gauge.SetTenantSpend(spend)

	if e.deps.Spool != nil {
		if n := e.deps.Spool.Len(); n >= spoolBacklogWarn {
			slog.Warn("ledger spool backlog", "rows", n)
		}
	}
	if e.deps.Limiter != nil {
		if n := e.deps.Limiter.Sweep(time.Hour); n > 0 {
			slog.Debug("swept idle rate limit buckets", "count", n)
		}
	}
	if e.deps.Settings != nil {
		if n := e.deps.Settings.Sweep(); n > 0 {
			slog.Debug("swept expired tenant settings", "count", n)
		}
	}
	return nil
}

// DailyReport logs the previous UTC day's spend per tenant.
func (e *Engine) DailyReport(ctx context.Context) error {
	today := budget.DayStart(e.now())
	yesterday := today.AddDate(0, 0, -1)

	rows, err := e.deps.Spend.SpendByTenant(ctx, yesterday, today)
	if err != nil {
		return fmt.Errorf("reading daily spend: %w", err)
	}

	var total int64
	var calls int64
	for _, r := range rows {
		total += r.CostMicros
		calls += r.Calls
		slog.Info("daily tenant spend",
			"day", yesterday.Format(time.DateOnly),
			"tenant_id", r.TenantID,
			"cost_micros", r.CostMicros,
			"calls", r.Calls,
		)
	}
	slog.Info("daily spend rollup",
		"day", yesterday.Format(time.DateOnly),
		"tenants", len(rows),
		"calls", calls,
		"cost_micros", total,
	)
	return nil
}

// PurgeResults deletes stored results past the retention window. Ledger
// rows keep their reference; dedup treats a purged payload as a miss.
func (e *Engine) PurgeResults(ctx context.Context) error {
	cutoff := e.now().Add(-e.cfg.Retention)
	n, err := e.deps.Results.DeleteBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purging results: %w", err)
	}
	if e.deps.Purged != nil {
		e.deps.Purged.AddResultsPurged(n)
	}
	if n > 0 {
		slog.Info("purged stored results", "count", n, "cutoff", cutoff)
	}
	return nil
}
