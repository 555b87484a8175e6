// Package evmfacilitator implements the ChainAdapter for EVM networks
// whose settlement is delegated to an external facilitator service over
// HTTP (spec §4.6). Replay protection is owned by the facilitator, not
// this gateway.
package evmfacilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"stronghold/internal/usdc"
	"stronghold/internal/x402"
)

// Adapter posts verify/settle requests to an external facilitator.
type Adapter struct {
	httpClient *http.Client
}

// New returns an Adapter using the platform default HTTP client timeout
// conventions (spec §5: "Facilitator calls inherit the platform's default
// HTTP client timeout").
func New() *Adapter {
	return &Adapter{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

type verifyRequestBody struct {
	PaymentPayload       paymentPayloadWire     `json:"paymentPayload"`
	PaymentRequirements  paymentRequirementsWire `json:"paymentRequirements"`
}

type paymentPayloadWire struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     x402.InnerPayload `json:"payload"`
}

type paymentRequirementsWire struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	PayTo             string `json:"payTo"`
	Asset             string `json:"asset"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	MimeType          string `json:"mimeType"`
	Amount            string `json:"amount"`
	Recipient         string `json:"recipient"`
}

type verifyResponseBody struct {
	IsValid       bool   `json:"isValid"`
	Payer         string `json:"payer"`
	InvalidReason string `json:"invalidReason"`
}

type settleResponseBody struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	ErrorReason string `json:"errorReason"`
	Error       struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) buildRequest(payload *x402.PaymentPayload, route x402.RouteDescriptor, network x402.NetworkDescriptor) verifyRequestBody {
	facilitator := network.Facilitator
	alias := network.NetworkID
	if facilitator.NetworkAlias != "" {
		alias = facilitator.NetworkAlias
	}
	x402Version := x402.ProtocolVersion
	if facilitator.ProtocolVersion != 0 {
		x402Version = facilitator.ProtocolVersion
	} else if payload.X402Version != 0 {
		x402Version = payload.X402Version
	}

	payTo := route.PayTo
	if facilitator.FacilitatorContract != "" {
		payTo = facilitator.FacilitatorContract
	}

	amount := usdc.ScaleAtomic(route.PriceAtomic, network.Token.Decimals).String()

	return verifyRequestBody{
		PaymentPayload: paymentPayloadWire{
			X402Version: x402Version,
			Scheme:      payload.Scheme,
			Network:     alias,
			Payload:     payload.Payload,
		},
		PaymentRequirements: paymentRequirementsWire{
			Scheme:            x402.SchemeExact,
			Network:           alias,
			MaxAmountRequired: amount,
			MaxTimeoutSeconds: 3600,
			PayTo:             payTo,
			Asset:             network.Token.Address,
			Resource:          route.Path,
			Description:       route.Description,
			MimeType:          route.MimeType,
			Amount:            amount,
			Recipient:         payTo,
		},
	}
}

// Verify posts to {facilitator.url}/verify.
func (a *Adapter) Verify(ctx context.Context, payload *x402.PaymentPayload, route x402.RouteDescriptor, network x402.NetworkDescriptor) (x402.VerifyResult, error) {
	reqBody := a.buildRequest(payload, route, network)
	resp, err := a.post(ctx, network.Facilitator, "/verify", reqBody)
	if err != nil {
		return x402.VerifyResult{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return x402.VerifyResult{}, fmt.Errorf("read facilitator verify response: %w", err)
	}

	var parsed verifyResponseBody
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return x402.VerifyResult{Reason: fmt.Sprintf("Facilitator returned non-JSON (%d)", resp.StatusCode)}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !parsed.IsValid {
		reason := parsed.InvalidReason
		if reason == "" {
			reason = fmt.Sprintf("facilitator verification failed (%d)", resp.StatusCode)
		}
		return x402.VerifyResult{Reason: reason, Payer: parsed.Payer}, nil
	}

	return x402.VerifyResult{Valid: true, Payer: parsed.Payer}, nil
}

// Settle posts to {facilitator.url}/settle.
func (a *Adapter) Settle(ctx context.Context, payload *x402.PaymentPayload, route x402.RouteDescriptor, network x402.NetworkDescriptor) (x402.SettlementReceipt, error) {
	reqBody := a.buildRequest(payload, route, network)
	resp, err := a.post(ctx, network.Facilitator, "/settle", reqBody)
	if err != nil {
		return x402.SettlementReceipt{}, &x402.SettlementError{Reason: "facilitator call failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return x402.SettlementReceipt{}, &x402.SettlementError{Reason: "read facilitator settle response", Err: err}
	}

	var parsed settleResponseBody
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return x402.SettlementReceipt{}, &x402.SettlementError{Reason: fmt.Sprintf("Facilitator returned non-JSON (%d)", resp.StatusCode)}
	}

	if !parsed.Success {
		reason := parsed.ErrorReason
		if reason == "" {
			reason = parsed.Error.Message
		}
		if reason == "" {
			reason = fmt.Sprintf("facilitator settlement failed (%d)", resp.StatusCode)
		}
		return x402.SettlementReceipt{}, &x402.SettlementError{Reason: reason}
	}

	// blockNumber is intentionally nil: the facilitator path never
	// reports one (spec Open Question (a)).
	return x402.SettlementReceipt{
		TxHash:      parsed.Transaction,
		Network:     parsed.Network,
		Facilitator: network.Facilitator.URL,
	}, nil
}

// DeriveNonceKey always returns ok=false: the external facilitator owns
// replay protection for this path (spec §4.8).
func (a *Adapter) DeriveNonceKey(payload *x402.PaymentPayload) (string, bool) {
	return "", false
}

func (a *Adapter) post(ctx context.Context, facilitator *x402.FacilitatorConfig, path string, body any) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal facilitator request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, facilitator.URL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build facilitator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if facilitator.APIKeyEnv != "" {
		if apiKey := os.Getenv(facilitator.APIKeyEnv); apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call facilitator %s: %w", path, err)
	}
	return resp, nil
}
