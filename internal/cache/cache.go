// Package cache holds the short-lived copies the gateway keeps in front of
// the ledger: per-tenant daily spend totals and dedup entries.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/alecgard/metergate/internal/call"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Totals caches a tenant's spend for one UTC day.
type Totals interface {
	GetTotal(ctx context.Context, tenantID, day string) (int64, error)
	SetTotal(ctx context.Context, tenantID, day string, micros int64, ttl time.Duration) error
	// AddTotal increments a cached total only when one is present, so a
	// partial total is never created from a single delta.
	AddTotal(ctx context.Context, tenantID, day string, delta int64) error
}

// Entries caches the latest reusable outcome per tenant and fingerprint.
type Entries interface {
	GetEntry(ctx context.Context, tenantID, fingerprint string) (*call.Outcome, error)
	SetEntry(ctx context.Context, tenantID, fingerprint string, o *call.Outcome, ttl time.Duration) error
}

// DayKey returns the UTC calendar day of t as YYYY-MM-DD.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func totalKey(prefix, tenantID, day string) string {
	return prefix + "spend:" + tenantID + ":" + day
}

func entryKey(prefix, tenantID, fingerprint string) string {
	return prefix + "dedup:" + tenantID + ":" + fingerprint
}
