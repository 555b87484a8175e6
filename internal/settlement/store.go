package settlement

import (
	"context"
	"encoding/json"
	"time"

	"stronghold/internal/db"
	"stronghold/internal/x402"
)

// FailureRecord is a single EVM-facilitator settlement attempt that
// failed with a transient error, kept so the retry worker can replay
// only the facilitator HTTP call — never the verify/claim steps that
// already ran once against this payload (spec.md §7.3 of SPEC_FULL.md).
type FailureRecord struct {
	ID          int64
	RouteKey    string
	NetworkID   string
	Payload     *x402.PaymentPayload
	Reason      string
	Attempts    int
	NextRetryAt time.Time
}

// Store persists settlement failure records in Postgres, following
// internal/kv's pool-wrapping idiom.
type Store struct {
	db *db.DB
}

// NewStore wraps an existing database handle.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Record inserts a new failure at attempt 0, retriable immediately.
func (s *Store) Record(ctx context.Context, routeKey, networkID string, payload *x402.PaymentPayload, reason string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.db.Exec(ctx, `
		INSERT INTO x402_settlement_retries (route_key, network_id, payload, reason)
		VALUES ($1, $2, $3, $4)
	`, routeKey, networkID, raw, reason)
}

// DueForRetry returns up to limit records whose next_retry_at has
// passed, oldest first.
func (s *Store) DueForRetry(ctx context.Context, limit int) ([]FailureRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, route_key, network_id, payload, reason, attempts
		FROM x402_settlement_retries
		WHERE next_retry_at <= now()
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FailureRecord
	for rows.Next() {
		var rec FailureRecord
		var raw []byte
		if err := rows.Scan(&rec.ID, &rec.RouteKey, &rec.NetworkID, &raw, &rec.Reason, &rec.Attempts); err != nil {
			return nil, err
		}
		var payload x402.PaymentPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}
		rec.Payload = &payload
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkRetried bumps the attempt counter and schedules the next attempt
// after backoff; callers that exhaust maxAttempts should call Delete
// instead (spec.md §7.3: an exhausted retry leaves the state machine
// itself untouched — the client's own retry is what actually matters).
func (s *Store) MarkRetried(ctx context.Context, id int64, backoff time.Duration) error {
	return s.db.Exec(ctx, `
		UPDATE x402_settlement_retries
		SET attempts = attempts + 1, next_retry_at = now() + $2
		WHERE id = $1
	`, id, backoff)
}

// Delete removes a record, called on settlement success or once
// MaxRetryAttempts is exhausted.
func (s *Store) Delete(ctx context.Context, id int64) error {
	return s.db.Exec(ctx, `DELETE FROM x402_settlement_retries WHERE id = $1`, id)
}
