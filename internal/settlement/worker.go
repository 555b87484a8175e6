// Package settlement retries the facilitator HTTP leg of a settlement
// that failed transiently, without ever re-running verify or re-claiming
// a nonce (those already happened once in internal/x402's handler).
package settlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"stronghold/internal/x402"
)

// WorkerConfig holds configuration for the settlement retry worker.
type WorkerConfig struct {
	// RetryInterval is how often to scan for due retries.
	RetryInterval time.Duration
	// MaxRetryAttempts is the maximum number of retry attempts before a
	// record is dropped.
	MaxRetryAttempts int
	// BatchSize is the maximum number of records pulled per cycle.
	BatchSize int
}

// DefaultWorkerConfig returns sensible defaults for the worker.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		RetryInterval:    30 * time.Second,
		MaxRetryAttempts: 5,
		BatchSize:        100,
	}
}

// Worker replays failed EVM-facilitator settlements against the same
// adapter that failed the first time, advancing attempts with
// exponential backoff until MaxRetryAttempts is exhausted.
type Worker struct {
	store    *Store
	networks x402.NetworkRegistry
	routes   x402.RouteRegistry
	adapter  x402.ChainAdapter
	config   *WorkerConfig
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewWorker constructs a retry worker. adapter is the EVM-facilitator
// ChainAdapter — the only path this package retries (spec.md §7.3: the
// external facilitator owns EVM-facilitator replay protection, so
// replaying its /settle call is safe without re-verifying or
// re-claiming a nonce).
func NewWorker(store *Store, networks x402.NetworkRegistry, routes x402.RouteRegistry, adapter x402.ChainAdapter, cfg *WorkerConfig) *Worker {
	if cfg == nil {
		cfg = DefaultWorkerConfig()
	}
	return &Worker{
		store:    store,
		networks: networks,
		routes:   routes,
		adapter:  adapter,
		config:   cfg,
		stopCh:   make(chan struct{}),
	}
}

// RecordFailure implements x402.RetryRecorder.
func (w *Worker) RecordFailure(ctx context.Context, routeKey string, payload *x402.PaymentPayload, settleErr error) {
	if err := w.store.Record(ctx, routeKey, payload.Network, payload, settleErr.Error()); err != nil {
		slog.Error("failed to persist settlement retry record", "error", err, "routeKey", routeKey)
	}
}

// Start begins the background retry loop.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runRetryLoop(ctx)
	}()
	slog.Info("settlement retry worker started")
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("settlement retry worker stopped")
}

func (w *Worker) runRetryLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.retryDue(ctx)
		}
	}
}

func (w *Worker) retryDue(ctx context.Context) {
	records, err := w.store.DueForRetry(ctx, w.config.BatchSize)
	if err != nil {
		slog.Error("failed to load due settlement retries", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	for _, rec := range records {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}
		w.retryOne(ctx, rec)
	}
}

func (w *Worker) retryOne(ctx context.Context, rec FailureRecord) {
	if rec.Attempts >= w.config.MaxRetryAttempts {
		slog.Warn("settlement retry exhausted, dropping record", "id", rec.ID, "routeKey", rec.RouteKey, "attempts", rec.Attempts)
		if err := w.store.Delete(ctx, rec.ID); err != nil {
			slog.Error("failed to delete exhausted settlement retry record", "error", err, "id", rec.ID)
		}
		return
	}

	route, ok := w.routes.Lookup(rec.RouteKey)
	if !ok {
		slog.Error("settlement retry references unknown route, dropping", "id", rec.ID, "routeKey", rec.RouteKey)
		if err := w.store.Delete(ctx, rec.ID); err != nil {
			slog.Error("failed to delete orphaned settlement retry record", "error", err, "id", rec.ID)
		}
		return
	}
	network, ok := w.networks.Lookup(rec.NetworkID)
	if !ok {
		slog.Error("settlement retry references unknown network, dropping", "id", rec.ID, "networkId", rec.NetworkID)
		if err := w.store.Delete(ctx, rec.ID); err != nil {
			slog.Error("failed to delete orphaned settlement retry record", "error", err, "id", rec.ID)
		}
		return
	}

	_, err := w.adapter.Settle(ctx, rec.Payload, route, network)
	if err != nil {
		slog.Warn("settlement retry attempt failed", "id", rec.ID, "routeKey", rec.RouteKey, "attempt", rec.Attempts+1, "error", err)
		if err := w.store.MarkRetried(ctx, rec.ID, calculateBackoff(rec.Attempts+1)); err != nil {
			slog.Error("failed to update settlement retry record", "error", err, "id", rec.ID)
		}
		return
	}

	slog.Info("settlement retry succeeded", "id", rec.ID, "routeKey", rec.RouteKey, "attempt", rec.Attempts+1)
	if err := w.store.Delete(ctx, rec.ID); err != nil {
		slog.Error("failed to delete settled retry record", "error", err, "id", rec.ID)
	}
}

// calculateBackoff returns the delay before the next attempt: 5s, 10s,
// 20s, 40s, 80s, 160s, capped at 5 minutes.
func calculateBackoff(attempts int) time.Duration {
	baseDelay := 5 * time.Second
	maxDelay := 5 * time.Minute

	delay := baseDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay > maxDelay {
			return maxDelay
		}
	}
	return delay
}
