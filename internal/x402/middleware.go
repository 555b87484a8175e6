package x402

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v3"
)

// RetryRecorder is notified when a settlement attempt fails, so that an
// optional background worker (internal/settlement) may retry the
// facilitator HTTP leg later without this package depending on it
// (spec §7.3: the retry worker is additive, ambient infrastructure).
type RetryRecorder interface {
	RecordFailure(ctx context.Context, routeKey string, payload *PaymentPayload, settleErr error)
}

// Gateway owns the full payment state machine (spec §4.10): envelope
// decode, idempotency short-circuit, network resolution, verify, claim,
// settle, confirm. One Gateway is constructed at startup and its
// RequirePayment method wraps every priced route.
type Gateway struct {
	Routes      RouteRegistry
	Networks    NetworkRegistry
	Dispatcher  *Dispatcher
	Nonces      *NonceCoordinator
	Idempotency *IdempotencyCache
	ReqDeps     PaymentRequiredDeps
	// Retry is optional; when set, settlement failures on paths that do
	// not own a local nonce (EVM-facilitator) are reported to it.
	Retry RetryRecorder
}

// RequirePayment returns a fiber.Handler that enforces payment for a
// single route key before invoking the wrapped handler.
func (g *Gateway) RequirePayment(routeKey string) fiber.Handler {
	return func(c fiber.Ctx) error {
		route, ok := g.Routes.Lookup(routeKey)
		if !ok {
			return jsonError(c, fiber.StatusInternalServerError, "Unknown route: "+routeKey)
		}

		if c.Method() == fiber.MethodOptions {
			return c.SendStatus(fiber.StatusNoContent)
		}

		payload, err := DecodeEnvelope(func(key string) string { return c.Get(key) })
		if err != nil {
			if errors.Is(err, ErrEnvelopeMalformed) {
				return jsonError(c, fiber.StatusBadRequest, "Invalid payment payload encoding")
			}
			return jsonError(c, fiber.StatusInternalServerError, err.Error())
		}
		if payload == nil {
			return g.respond402(c, route, "")
		}

		if paymentID := ExtractPaymentID(payload); paymentID != "" {
			if record, found, err := g.Idempotency.Get(c.Context(), paymentID); err != nil {
				slog.Warn("idempotency lookup failed, falling through to verify", "error", err, "paymentId", paymentID)
			} else if found {
				c.Set(HeaderPaymentResponse, record.Response.PaymentResponseHeader)
				return c.Next()
			}
		}

		network, ok := g.Networks.Lookup(payload.Network)
		if !ok {
			return g.respond402(c, route, "Unsupported network: "+payload.Network)
		}
		if payload.Scheme != SchemeExact {
			return g.respond402(c, route, "Unsupported scheme: "+payload.Scheme)
		}

		adapter := g.Dispatcher.Select(network)
		if adapter == nil {
			return g.respond402(c, route, "Unsupported network: "+payload.Network)
		}

		result, err := adapter.Verify(c.Context(), payload, route, network)
		if err != nil {
			return g.respond402(c, route, err.Error())
		}
		if !result.Valid {
			return g.respond402(c, route, result.Reason)
		}

		hasFacilitator := network.VM == VMEVM && network.Facilitator != nil
		nonceKey, ownsNonce := adapter.DeriveNonceKey(payload)
		if !ownsNonce {
			nonceKey, ownsNonce = DeriveKey(payload, network.VM, hasFacilitator)
		}

		// EVM-facilitator settlements own no gateway-side nonce record: the
		// external facilitator is the sole authority on replay (spec §4.8).
		if ownsNonce {
			record := NonceRecord{
				TimestampMs: time.Now().UnixMilli(),
				Network:     payload.Network,
				Payer:       result.Payer,
				Route:       routeKey,
				VM:          network.VM,
			}

			claimed, err := g.Nonces.Claim(c.Context(), nonceKey, record)
			if err != nil {
				// Pending-claim errors fail closed: treat as rejected (spec §7).
				return g.respond402(c, route, "Nonce already used or settlement in progress")
			}
			if !claimed {
				return g.respond402(c, route, "Nonce already used or settlement in progress")
			}

			receipt, err := adapter.Settle(c.Context(), payload, route, network)
			if err != nil {
				if releaseErr := g.Nonces.Release(c.Context(), nonceKey); releaseErr != nil {
					slog.Error("failed to release nonce after settlement failure", "error", releaseErr, "key", nonceKey)
				}
				return g.respond402(c, route, err.Error())
			}

			if err := g.Nonces.Confirm(c.Context(), nonceKey, receipt, record); err != nil {
				slog.Warn("failed to confirm nonce record", "error", err, "key", nonceKey)
			}

			return g.finalize(c, payload, receipt)
		}

		receipt, err := adapter.Settle(c.Context(), payload, route, network)
		if err != nil {
			if g.Retry != nil {
				g.Retry.RecordFailure(c.Context(), routeKey, payload, err)
			}
			return g.respond402(c, route, err.Error())
		}

		return g.finalize(c, payload, receipt)
	}
}

// finalize caches the idempotency record (if the request carried a
// paymentId), attaches the PAYMENT-RESPONSE header, and invokes the
// wrapped handler (spec §4.10's "succeed" terminal transition).
func (g *Gateway) finalize(c fiber.Ctx, payload *PaymentPayload, receipt SettlementReceipt) error {
	headerValue, err := BuildPaymentResponseHeader(receipt)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, err.Error())
	}

	if paymentID := ExtractPaymentID(payload); paymentID != "" {
		cacheErr := g.Idempotency.Put(c.Context(), paymentID, IdempotencyRecord{
			TimestampMs: time.Now().UnixMilli(),
			Response: IdempotencyResponseCache{
				PaymentResponseHeader: headerValue,
				Settlement:            receipt,
			},
		})
		if cacheErr != nil {
			slog.Warn("failed to write idempotency record", "error", cacheErr, "paymentId", paymentID)
		}
	}

	c.Set(HeaderPaymentResponse, headerValue)
	return c.Next()
}

func (g *Gateway) respond402(c fiber.Ctx, route RouteDescriptor, reason string) error {
	headerValue, body, err := BuildPaymentRequired(route, g.ReqDeps, c)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, err.Error())
	}
	c.Set(HeaderPaymentRequired, headerValue)
	c.Status(fiber.StatusPaymentRequired)
	if reason == "" {
		return c.JSON(body)
	}
	return c.JSON(struct {
		PaymentRequiredBody
		Error string `json:"error"`
	}{PaymentRequiredBody: body, Error: reason})
}

func jsonError(c fiber.Ctx, status int, message string) error {
	c.Status(status)
	return c.JSON(fiber.Map{"error": message})
}
