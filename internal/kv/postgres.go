package kv

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"stronghold/internal/db"
)

// PostgresStore is a Store backed by a single table, using the same
// INSERT ... ON CONFLICT DO NOTHING RETURNING compare-and-set idiom as
// internal/db/payments.go's CreateOrGetPaymentTransaction.
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

func (s *PostgresStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	expiresAt := time.Now().Add(ttl)
	var returnedKey string
	row := s.db.QueryRow(ctx, `
		INSERT INTO x402_kv_entries (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING
		RETURNING key
	`, key, value, expiresAt)

	if err := row.Scan(&returnedKey); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// A conflicting row exists. If it's expired, reclaim it
			// (spec I4): only one caller among racers will win the
			// conditional UPDATE below, preserving the CAS guarantee.
			reclaimed, rerr := s.reclaimExpired(ctx, key, value, expiresAt)
			return reclaimed, rerr
		}
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) reclaimExpired(ctx context.Context, key string, value []byte, expiresAt time.Time) (bool, error) {
	tag, err := s.db.ExecResult(ctx, `
		UPDATE x402_kv_entries
		SET value = $2, expires_at = $3
		WHERE key = $1 AND expires_at < now()
	`, key, value, expiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	row := s.db.QueryRow(ctx, `
		SELECT value FROM x402_kv_entries WHERE key = $1 AND expires_at >= now()
	`, key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	return s.db.Exec(ctx, `DELETE FROM x402_kv_entries WHERE key = $1`, key)
}
