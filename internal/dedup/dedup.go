// Package dedup finds earlier successful outcomes that can be reused instead
// of calling the provider again.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alecgard/metergate/internal/cache"
	"github.com/alecgard/metergate/internal/call"
	"github.com/alecgard/metergate/internal/ledger"
)

// DefaultMaxAge is the freshness window for reusable outcomes.
const DefaultMaxAge = 7 * 24 * time.Hour

// Finder is the durable fallback for lookups.
type Finder interface {
	FindRecentSuccess(ctx context.Context, tenantID, fingerprint string, since time.Time) (*call.Outcome, error)
}

// Match is the tenant and provider configuration a reusable outcome must
// have been produced under. The tenant always has to match; empty provider
// and model are not compared.
type Match struct {
	TenantID string
	Provider string
	Model    string
}

// Cache looks up reusable outcomes in the entry cache first and the ledger
// second, repopulating the cache from ledger hits.
type Cache struct {
	ledger  Finder
	entries cache.Entries
	group   singleflight.Group
	now     func() time.Time
}

// New creates a Cache. entries may be nil.
func New(ledger Finder, entries cache.Entries) *Cache {
	return &Cache{ledger: ledger, entries: entries, now: time.Now}
}

// Lookup returns the newest reusable outcome for fingerprint, or nil. An
// outcome is reusable when it SUCCEEDED, has a stored result, is no older
// than maxAge and matches expect.
func (c *Cache) Lookup(ctx context.Context, fingerprint string, expect Match, maxAge time.Duration) (*call.Outcome, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	now := c.now()
	cutoff := now.Add(-maxAge)

	if c.entries != nil {
		o, err := c.entries.GetEntry(ctx, expect.TenantID, fingerprint)
		switch {
		case err == nil:
			if usable(o, expect, cutoff) {
				return o, nil
			}
			return nil, nil
		case !errors.Is(err, cache.ErrMiss):
			slog.Warn("dedup cache read failed, using ledger", "fingerprint", fingerprint, "error", err)
		}
	}

	// Concurrent misses for one fingerprint share a single ledger query.
	key := expect.TenantID + "|" + fingerprint + "|" + maxAge.String()
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.ledger.FindRecentSuccess(ctx, expect.TenantID, fingerprint, cutoff)
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up fingerprint: %w", err)
	}
	shared, _ := v.(*call.Outcome)
	if !usable(shared, expect, cutoff) {
		return nil, nil
	}
	cp := *shared
	o := &cp

	if c.entries != nil {
		ttl := o.CreatedAt.Add(maxAge).Sub(now)
		if err := c.entries.SetEntry(ctx, expect.TenantID, fingerprint, o, ttl); err != nil {
			slog.Warn("dedup cache write failed", "fingerprint", fingerprint, "error", err)
		}
	}
	return o, nil
}

// Remember caches a fresh SUCCEEDED outcome for future lookups. Other
// outcomes are ignored.
func (c *Cache) Remember(ctx context.Context, o *call.Outcome, maxAge time.Duration) {
	if c.entries == nil || o.Status != call.StatusSucceeded || o.ResultReference == "" {
		return
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if err := c.entries.SetEntry(ctx, o.TenantID, o.Fingerprint, o, maxAge); err != nil {
		slog.Warn("dedup cache write failed", "fingerprint", o.Fingerprint, "error", err)
	}
}

func usable(o *call.Outcome, expect Match, cutoff time.Time) bool {
	if o == nil || o.Status != call.StatusSucceeded || o.ResultReference == "" {
		return false
	}
	if o.TenantID != expect.TenantID {
		return false
	}
	if o.CreatedAt.Before(cutoff) {
		return false
	}
	if expect.Provider != "" && o.Provider != expect.Provider {
		return false
	}
	if expect.Model != "" && o.ModelVariant != expect.Model {
		return false
	}
	return true
}
