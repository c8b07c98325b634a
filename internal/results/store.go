// Package results stores provider payloads referenced from ledger rows.
package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alecgard/metergate/internal/crypto"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a reference does not resolve to a stored payload.
var ErrNotFound = errors.New("results: not found")

// Result is a stored provider payload.
type Result struct {
	Reference   string
	TenantID    string
	Fingerprint string
	Payload     []byte
	CreatedAt   time.Time
}

// Store persists provider payloads in PostgreSQL, sealing them with cipher
// when one is configured.
type Store struct {
	pool   *pgxpool.Pool
	cipher *crypto.Cipher
}

// NewStore creates a Store. cipher may be nil, in which case payloads are
// stored as-is.
func NewStore(pool *pgxpool.Pool, cipher *crypto.Cipher) *Store {
	return &Store{pool: pool, cipher: cipher}
}

// Put stores payload and returns its new reference.
func (s *Store) Put(ctx context.Context, tenantID, fingerprint string, payload []byte) (string, error) {
	ref := uuid.NewString()

	sealed, err := s.cipher.Seal(payload, []byte(ref))
	if err != nil {
		return "", fmt.Errorf("sealing result: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO call_results (reference, tenant_id, fingerprint, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ref, tenantID, fingerprint, sealed, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("inserting result: %w", err)
	}
	return ref, nil
}

// Get loads the payload stored under ref.
func (s *Store) Get(ctx context.Context, ref string) (*Result, error) {
	r := &Result{Reference: ref}
	var sealed []byte

	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, fingerprint, payload, created_at
		 FROM call_results WHERE reference = $1`,
		ref,
	).Scan(&r.TenantID, &r.Fingerprint, &sealed, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting result: %w", err)
	}

	r.Payload, err = s.cipher.Open(sealed, []byte(ref))
	if err != nil {
		return nil, fmt.Errorf("opening result %s: %w", ref, err)
	}
	return r, nil
}

// DeleteBefore removes payloads older than cutoff and returns how many were
// removed. Ledger rows keep their references; lookups of purged payloads
// return ErrNotFound.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM call_results WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging results: %w", err)
	}
	return tag.RowsAffected(), nil
}
