// Package budget enforces per-tenant daily spend ceilings.
//
// Admission compares the tenant's SUCCEEDED spend for the current UTC day
// against its limit before the call is made. The estimate of the call
// being admitted is not added, so calls in flight when the limit is crossed
// complete and the ceiling can be overshot by a bounded amount.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alecgard/metergate/internal/cache"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL bounds how stale a cached daily total may be.
const DefaultCacheTTL = 30 * time.Second

// SpendSource is the durable fallback that recomputes a tenant's spend.
type SpendSource interface {
	SumCost(ctx context.Context, tenantID string, since time.Time) (int64, error)
}

// Decision is the result of an admission check. Usage is zero when the
// tenant is unlimited and usage was not read.
type Decision struct {
	Allowed  bool  `json:"allowed"`
	Usage    int64 `json:"current_usage_micros"`
	Limit    int64 `json:"limit_micros"`
	Estimate int64 `json:"estimated_cost_micros"`
}

// Gate reads daily totals through a cache and falls back to the ledger on
// a miss. It holds no lock across calls; concurrent misses for the same
// tenant and day share one ledger query.
type Gate struct {
	ledger SpendSource
	totals cache.Totals
	ttl    time.Duration
	group  singleflight.Group
	now    func() time.Time
}

// NewGate creates a Gate. totals may be nil, in which case every read goes
// to the ledger.
func NewGate(ledger SpendSource, totals cache.Totals, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Gate{
		ledger: ledger,
		totals: totals,
		ttl:    ttl,
		now:    time.Now,
	}
}

// DayStart returns midnight UTC of the day containing t.
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Admit decides whether a call with the given estimated cost may proceed.
// A limit of zero or less means unlimited. When usage cannot be read the
// returned Decision allows the call and err is non-nil; the caller decides
// whether to honour it.
func (g *Gate) Admit(ctx context.Context, tenantID string, limit, estimate int64) (Decision, error) {
	d := Decision{Allowed: true, Limit: limit, Estimate: estimate}
	if limit <= 0 {
		return d, nil
	}

	usage, err := g.Usage(ctx, tenantID)
	if err != nil {
		return d, err
	}

	d.Usage = usage
	d.Allowed = usage < limit
	return d, nil
}

// Usage returns the tenant's SUCCEEDED spend for the current UTC day.
func (g *Gate) Usage(ctx context.Context, tenantID string) (int64, error) {
	now := g.now()
	day := cache.DayKey(now)

	if g.totals != nil {
		v, err := g.totals.GetTotal(ctx, tenantID, day)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			slog.Warn("budget cache read failed, using ledger", "tenant_id", tenantID, "error", err)
		}
	}

	v, err, _ := g.group.Do(tenantID+"|"+day, func() (any, error) {
		total, err := g.ledger.SumCost(ctx, tenantID, DayStart(now))
		if err != nil {
			return int64(0), err
		}
		if g.totals != nil {
			if err := g.totals.SetTotal(ctx, tenantID, day, total, g.ttl); err != nil {
				slog.Warn("budget cache write failed", "tenant_id", tenantID, "error", err)
			}
		}
		return total, nil
	})
	if err != nil {
		return 0, fmt.Errorf("reading daily spend for %s: %w", tenantID, err)
	}
	return v.(int64), nil
}

// RecordSpend folds a SUCCEEDED cost into the cached total for the day of
// at. It never creates a total; a missing one is rebuilt from the ledger on
// the next read.
//
// A rebuild that already read the appended row can land before this add,
// counting the cost twice. The cached total then overstates usage until it
// expires, at most the gate's TTL later.
func (g *Gate) RecordSpend(ctx context.Context, tenantID string, at time.Time, micros int64) {
	if g.totals == nil || micros <= 0 {
		return
	}
	if err := g.totals.AddTotal(ctx, tenantID, cache.DayKey(at), micros); err != nil {
		slog.Warn("budget cache increment failed", "tenant_id", tenantID, "error", err)
	}
}
