package x402

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"stronghold/internal/kv"
)

// NonceCoordinator enforces single-settlement-per-nonce replay protection
// (spec §4.8) over a kv.Store. Key derivation is chain-specific; claim,
// confirm and release are uniform across all three settlement paths.
type NonceCoordinator struct {
	store kv.Store
}

// NewNonceCoordinator wraps a kv.Store with the nonce lifecycle.
func NewNonceCoordinator(store kv.Store) *NonceCoordinator {
	return &NonceCoordinator{store: store}
}

// DeriveKey computes the replay-protection key for a payload on a given
// VM. EVM-facilitator payloads have no local key: the external
// facilitator owns replay protection for them, so callers must check ok.
func DeriveKey(payload *PaymentPayload, vm VM, hasFacilitator bool) (key string, ok bool) {
	switch vm {
	case VMEVM:
		if hasFacilitator {
			return "", false
		}
		return "evm:" + payload.Payload.Authorization.Nonce, true
	case VMSVM:
		sum := sha256.Sum256([]byte(payload.Payload.SVMPayload.Transaction))
		return "svm:" + hex.EncodeToString(sum[:]), true
	default:
		return "", false
	}
}

// Claim performs the compare-and-set reservation: exactly one caller for a
// given key receives ok=true (spec I2, P2). The caller that wins is the
// unique license to settle.
func (c *NonceCoordinator) Claim(ctx context.Context, key string, record NonceRecord) (bool, error) {
	record.Status = NonceStatusPending
	value, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("marshal nonce record: %w", err)
	}
	return c.store.SetNX(ctx, nonceStoreKey(key), value, NoncePendingTTL)
}

// Confirm unconditionally overwrites the nonce record as settled, with the
// long-lived TTL that blocks replay for the confirmed window (spec I1).
func (c *NonceCoordinator) Confirm(ctx context.Context, key string, receipt SettlementReceipt, record NonceRecord) error {
	record.Status = NonceStatusConfirmed
	record.TxHash = receipt.TxHash
	record.BlockNumber = receipt.BlockNumber
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal nonce record: %w", err)
	}
	// confirm is a plain overwrite: delete then set re-establishes the TTL
	// even though an entry already exists from the claim.
	if err := c.store.Delete(ctx, nonceStoreKey(key)); err != nil {
		return err
	}
	if _, err := c.store.SetNX(ctx, nonceStoreKey(key), value, NonceConfirmedTTL); err != nil {
		return err
	}
	return nil
}

// Release deletes a pending claim after a failed settlement attempt,
// freeing the nonce for a retry (spec P5). Called exactly once per
// failed settlement.
func (c *NonceCoordinator) Release(ctx context.Context, key string) error {
	return c.store.Delete(ctx, nonceStoreKey(key))
}

// Lookup reports whether a nonce key already carries a record, and what
// status it's in, without mutating anything.
func (c *NonceCoordinator) Lookup(ctx context.Context, key string) (NonceRecord, bool, error) {
	raw, found, err := c.store.Get(ctx, nonceStoreKey(key))
	if err != nil || !found {
		return NonceRecord{}, false, err
	}
	var record NonceRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return NonceRecord{}, false, fmt.Errorf("unmarshal nonce record: %w", err)
	}
	return record, true, nil
}

func nonceStoreKey(key string) string {
	return "x402:nonce:" + base64.RawURLEncoding.EncodeToString([]byte(key))
}
