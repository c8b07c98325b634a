package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alecgard/metergate/internal/call"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no ledger row matches.
var ErrNotFound = errors.New("ledger: not found")

// ErrInvalidCursor is returned by ListOutcomes for a cursor it did not issue.
var ErrInvalidCursor = errors.New("ledger: invalid cursor")

const outcomeColumns = `id, tenant_id, call_kind, fingerprint, status, provider, model_variant,
	tokens_in, tokens_out, latency_ms, cost_micros, error_kind, result_reference, created_at`

// Store is the durable, append-only call ledger.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Prepare fills in the id and timestamp of an outcome that has not been
// persisted yet. Ids are assigned client-side so a retried append is a no-op.
func Prepare(o *call.Outcome, now time.Time) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now.UTC()
	}
}

// Append writes a single outcome. Concurrent appends never conflict because
// every row carries its own id; re-appending the same id is ignored.
func (s *Store) Append(ctx context.Context, o *call.Outcome) error {
	Prepare(o, time.Now())
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_outcomes (`+outcomeColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO NOTHING`,
		outcomeArgs(o)...,
	)
	if err != nil {
		return fmt.Errorf("appending outcome: %w", err)
	}
	return nil
}

// BatchInsert writes a slice of outcomes in a single multi-row INSERT. It is a
// no-op when outcomes is empty.
func (s *Store) BatchInsert(ctx context.Context, outcomes []call.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	const cols = 14
	args := make([]any, 0, len(outcomes)*cols)
	rows := make([]string, 0, len(outcomes))

	for i := range outcomes {
		o := &outcomes[i]
		Prepare(o, time.Now())
		base := i * cols
		placeholders := make([]string, cols)
		for c := 0; c < cols; c++ {
			placeholders[c] = "$" + strconv.Itoa(base+c+1)
		}
		rows = append(rows, "("+strings.Join(placeholders, ", ")+")")
		args = append(args, outcomeArgs(o)...)
	}

	query := `INSERT INTO call_outcomes (` + outcomeColumns + `)
		VALUES ` + strings.Join(rows, ", ") + `
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting outcomes: %w", err)
	}
	return nil
}

// SumCost returns the tenant's SUCCEEDED spend since the given instant.
func (s *Store) SumCost(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_micros), 0)
		 FROM call_outcomes
		 WHERE tenant_id = $1 AND status = $2 AND created_at >= $3`,
		tenantID, call.StatusSucceeded, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing tenant spend: %w", err)
	}
	return total, nil
}

// FindRecentSuccess returns the tenant's newest SUCCEEDED outcome for
// fingerprint created at or after since, or ErrNotFound.
func (s *Store) FindRecentSuccess(ctx context.Context, tenantID, fingerprint string, since time.Time) (*call.Outcome, error) {
	o, err := scanOutcome(s.pool.QueryRow(ctx,
		`SELECT `+outcomeColumns+`
		 FROM call_outcomes
		 WHERE tenant_id = $1 AND fingerprint = $2 AND status = $3 AND created_at >= $4 AND result_reference <> ''
		 ORDER BY created_at DESC
		 LIMIT 1`,
		tenantID, fingerprint, call.StatusSucceeded, since,
	).Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding recent success: %w", err)
	}
	return o, nil
}

// GetSummary returns aggregate usage metrics matching the query filters.
func (s *Store) GetSummary(ctx context.Context, q OutcomeQuery) (*UsageSummary, error) {
	where, args := buildWhereClause(q)

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(cost_micros), 0),
		COALESCE(SUM(CASE WHEN status = 'SUCCEEDED' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'CACHE_HIT' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status IN ('DENIED_BUDGET', 'DENIED_SIZE') THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(tokens_in), 0),
		COALESCE(SUM(tokens_out), 0),
		COALESCE(AVG(latency_ms), 0)
	FROM call_outcomes` + where

	var summary UsageSummary
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&summary.TotalCalls,
		&summary.TotalCost,
		&summary.SuccessCount,
		&summary.FailureCount,
		&summary.CacheHitCount,
		&summary.DeniedCount,
		&summary.TotalTokensIn,
		&summary.TotalTokensOut,
		&summary.AvgLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}
	return &summary, nil
}

// SpendByTenant returns SUCCEEDED spend per tenant in [from, to), ordered
// by spend descending. A zero to leaves the window open.
func (s *Store) SpendByTenant(ctx context.Context, from, to time.Time) ([]TenantSpend, error) {
	if to.IsZero() {
		to = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, COALESCE(SUM(cost_micros), 0), COUNT(*)
		 FROM call_outcomes
		 WHERE status = $1 AND created_at >= $2 AND created_at < $3
		 GROUP BY tenant_id
		 ORDER BY 2 DESC`,
		call.StatusSucceeded, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying tenant spend: %w", err)
	}
	defer rows.Close()

	var out []TenantSpend
	for rows.Next() {
		var ts TenantSpend
		if err := rows.Scan(&ts.TenantID, &ts.CostMicros, &ts.Calls); err != nil {
			return nil, fmt.Errorf("scanning tenant spend: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// ListOutcomes returns a page of outcomes matching the query filters, ordered
// by created_at DESC, id DESC, and the next cursor (empty when exhausted).
func (s *Store) ListOutcomes(ctx context.Context, q OutcomeQuery) ([]*call.Outcome, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	// Apply cursor: the cursor encodes "created_at|id".
	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (created_at, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT ` + outcomeColumns + `
	FROM call_outcomes` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1) // one extra row tells us whether there is a next page

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []*call.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows.Scan)
		if err != nil {
			return nil, "", fmt.Errorf("scanning outcome row: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating outcome rows: %w", err)
	}

	var nextCursor string
	if len(outcomes) > limit {
		last := outcomes[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		outcomes = outcomes[:limit]
	}

	return outcomes, nextCursor, nil
}

func outcomeArgs(o *call.Outcome) []any {
	return []any{
		o.ID,
		o.TenantID,
		string(o.Kind),
		o.Fingerprint,
		string(o.Status),
		o.Provider,
		o.ModelVariant,
		o.TokensIn,
		o.TokensOut,
		o.LatencyMs,
		o.CostMicros,
		string(o.ErrorKind),
		o.ResultReference,
		o.CreatedAt,
	}
}

func scanOutcome(scan func(dest ...any) error) (*call.Outcome, error) {
	var (
		o                       call.Outcome
		kind, status, errorKind string
	)
	err := scan(
		&o.ID, &o.TenantID, &kind, &o.Fingerprint, &status, &o.Provider, &o.ModelVariant,
		&o.TokensIn, &o.TokensOut, &o.LatencyMs, &o.CostMicros, &errorKind, &o.ResultReference, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Kind = call.Kind(kind)
	o.Status = call.Status(status)
	o.ErrorKind = call.ErrorKind(errorKind)
	o.CreatedAt = o.CreatedAt.UTC()
	return &o, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from an
// OutcomeQuery. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q OutcomeQuery) (string, []any) {
	var conditions []string
	var args []any

	if q.TenantID != "" {
		args = append(args, q.TenantID)
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if q.Status != "" {
		args = append(args, string(q.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.Kind != "" {
		args = append(args, string(q.Kind))
		conditions = append(conditions, fmt.Sprintf("call_kind = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
