package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is a stored override with its tenant id.
type Record struct {
	TenantID  string    `json:"tenant_id"`
	Override  Override  `json:"settings"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store provides database operations for tenant overrides.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new tenant store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const recordColumns = `tenant_id, provider, text_model, vision_model,
	daily_budget_micros, max_tokens_per_call, max_pages_per_call, updated_at`

// Put upserts the override for tenantID.
func (s *Store) Put(ctx context.Context, tenantID string, o Override) (*Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx,
		`INSERT INTO tenant_settings (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (tenant_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			text_model = EXCLUDED.text_model,
			vision_model = EXCLUDED.vision_model,
			daily_budget_micros = EXCLUDED.daily_budget_micros,
			max_tokens_per_call = EXCLUDED.max_tokens_per_call,
			max_pages_per_call = EXCLUDED.max_pages_per_call,
			updated_at = now()
		 RETURNING `+recordColumns,
		tenantID, nullIfEmpty(o.Provider), nullIfEmpty(o.TextModel), nullIfEmpty(o.VisionModel),
		o.DailyBudgetMicros, o.MaxTokensPerCall, o.MaxPagesPerCall,
	).Scan)
	if err != nil {
		return nil, fmt.Errorf("upserting tenant settings: %w", err)
	}
	return r, nil
}

// Get returns the stored record for tenantID.
func (s *Store) Get(ctx context.Context, tenantID string) (*Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM tenant_settings WHERE tenant_id = $1`,
		tenantID,
	).Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting tenant settings: %w", err)
	}
	return r, nil
}

// Override implements Lookup.
func (s *Store) Override(ctx context.Context, tenantID string) (*Override, error) {
	r, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &r.Override, nil
}

// List returns all stored records ordered by tenant id.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM tenant_settings ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("listing tenant settings: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning tenant settings row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenant settings rows: %w", err)
	}
	return out, nil
}

// Delete removes the override for tenantID; the tenant reverts to defaults.
func (s *Store) Delete(ctx context.Context, tenantID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tenant_settings WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("deleting tenant settings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var (
		r                                Record
		provider, textModel, visionModel *string
	)
	err := scan(&r.TenantID, &provider, &textModel, &visionModel,
		&r.Override.DailyBudgetMicros, &r.Override.MaxTokensPerCall, &r.Override.MaxPagesPerCall, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Override.Provider = deref(provider)
	r.Override.TextModel = deref(textModel)
	r.Override.VisionModel = deref(visionModel)
	return &r, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
