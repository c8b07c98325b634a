package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/metergate/internal/ledger"
)

type fakeSpend struct {
	mu    sync.Mutex
	rows  []ledger.TenantSpend
	err   error
	calls [][2]time.Time
}

func (f *fakeSpend) SpendByTenant(_ context.Context, from, to time.Time) ([]ledger.TenantSpend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]time.Time{from, to})
	return f.rows, f.err
}

type fakeGauge struct {
	spend map[string]int64
}

func (g *fakeGauge) SetTenantSpend(spend map[string]int64) { g.spend = spend }

type fakePurger struct {
	cutoff time.Time
	n      int64
	err    error
}

func (p *fakePurger) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return p.n, p.err
}

type fakePurged struct{ total int64 }

func (p *fakePurged) AddResultsPurged(n int64) { p.total += n }

type fakeBacklog int

func (b fakeBacklog) Len() int { return int(b) }

type fakeSweeper struct{ calls int }

func (s *fakeSweeper) Sweep(time.Duration) int {
	s.calls++
	return 0
}

type fakeSettings struct{ calls int }

func (s *fakeSettings) Sweep() int {
	s.calls++
	return 3
}

var fixedNow = time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

func newEngine(cfg Config, deps Deps) *Engine {
	e := New(cfg, deps)
	e.now = func() time.Time { return fixedNow }
	return e
}

func TestRefreshSpend(t *testing.T) {
	spend := &fakeSpend{rows: []ledger.TenantSpend{
		{TenantID: "a", CostMicros: 30_000, Calls: 1},
		{TenantID: "b", CostMicros: 5, Calls: 2},
	}}
	gauge := &fakeGauge{}
	sweeper := &fakeSweeper{}
	settings := &fakeSettings{}
	e := newEngine(Config{}, Deps{Spend: spend, Gauge: gauge, Spool: fakeBacklog(5000), Limiter: sweeper, Settings: settings})

	require.NoError(t, e.RefreshSpend(context.Background()))

	assert.Equal(t, map[string]int64{"a": 30_000, "b": 5}, gauge.spend)
	require.Len(t, spend.calls, 1)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), spend.calls[0][0])
	assert.True(t, spend.calls[0][1].IsZero())
	assert.Equal(t, 1, sweeper.calls)
	assert.Equal(t, 1, settings.calls)
}

func TestRefreshSpendError(t *testing.T) {
	gauge := &fakeGauge{}
	e := newEngine(Config{}, Deps{Spend: &fakeSpend{err: errors.New("db down")}, Gauge: gauge})

	assert.Error(t, e.RefreshSpend(context.Background()))
	assert.Nil(t, gauge.spend, "gauges keep their last values on error")
}

func TestDailyReportWindow(t *testing.T) {
	spend := &fakeSpend{rows: []ledger.TenantSpend{{TenantID: "a", CostMicros: 10, Calls: 1}}}
	e := newEngine(Config{}, Deps{Spend: spend})

	require.NoError(t, e.DailyReport(context.Background()))

	require.Len(t, spend.calls, 1)
	assert.Equal(t, time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC), spend.calls[0][0])
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), spend.calls[0][1])
}

func TestPurgeResults(t *testing.T) {
	purger := &fakePurger{n: 12}
	purged := &fakePurged{}
	e := newEngine(Config{Retention: 30 * 24 * time.Hour}, Deps{Results: purger, Purged: purged})

	require.NoError(t, e.PurgeResults(context.Background()))
	assert.Equal(t, fixedNow.Add(-30*24*time.Hour), purger.cutoff)
	assert.Equal(t, int64(12), purged.total)

	purger.err = errors.New("boom")
	assert.Error(t, e.PurgeResults(context.Background()))
}

func TestStartRegistersEnabledJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := New(Config{
		SpendRefresh: "0 * * * * *",
		DailyReport:  "5 0 0 * * *",
		ResultsPurge: "0 30 3 * * *",
	}, Deps{Spend: &fakeSpend{}, Gauge: &fakeGauge{}, Results: &fakePurger{}})

	require.NoError(t, e.Start(ctx))
	// Results purge stays off without a retention window.
	assert.Equal(t, 2, e.Entries())
}

func TestStartRejectsBadSpec(t *testing.T) {
	e := New(Config{SpendRefresh: "every now and then"}, Deps{Spend: &fakeSpend{}, Gauge: &fakeGauge{}})
	err := e.Start(context.Background())
	assert.ErrorContains(t, err, "spend_refresh")
}
