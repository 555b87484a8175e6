package x402

import (
	"encoding/base64"
	"encoding/json"

	"github.com/gofiber/fiber/v3"

	"stronghold/internal/usdc"
)

// PaymentRequiredDeps are the external inputs the 402 builder needs but
// does not own: which RPC URLs are configured, and the gateway's SVM
// co-signer address (resolved lazily once at process start, per spec §9).
type PaymentRequiredDeps struct {
	Networks    NetworkRegistry
	RPCURLs     map[string]string // networkID -> configured RPC URL
	SVMFeePayer string            // "" if no SVM facilitator signer is configured
}

// BuildPaymentRequired implements spec §4.3: for every active network,
// compute the required amount (I5) and emit an accept entry. Returns the
// base64-encoded PAYMENT-REQUIRED header value and the plain JSON body.
func BuildPaymentRequired(route RouteDescriptor, deps PaymentRequiredDeps, c fiber.Ctx) (headerBase64 string, body PaymentRequiredBody, err error) {
	resource := resourceInfo(route, c)

	active := deps.Networks.Active(deps.RPCURLs, deps.SVMFeePayer)
	accepts := make([]AcceptEntry, 0, len(active))
	headerAccepts := make([]AcceptEntry, 0, len(active))

	for _, n := range active {
		payTo := payToFor(n, route)
		if payTo == "" {
			continue // spec §4.3: a network whose required payTo is missing is silently omitted
		}

		amount := usdc.ScaleAtomic(route.PriceAtomic, n.Token.Decimals)
		amountStr := amount.String()

		entry := AcceptEntry{
			Scheme:            SchemeExact,
			Network:           n.NetworkID,
			Amount:            amountStr,
			PayTo:             payTo,
			MaxTimeoutSeconds: 3600,
			Asset:             n.Token.Address,
			Extra:             extraFor(n, deps.SVMFeePayer),
		}
		accepts = append(accepts, entry)

		enriched := entry
		enriched.MaxAmountRequired = amountStr
		enriched.Resource = resource
		enriched.Description = route.Description
		enriched.MimeType = route.MimeType
		headerAccepts = append(headerAccepts, enriched)
	}

	body = PaymentRequiredBody{
		X402Version: ProtocolVersion,
		Accepts:     accepts,
		Resource:    resource,
		Extensions: map[string]any{
			"payment-identifier": map[string]any{"supported": true, "required": false},
		},
	}

	headerBody := body
	headerBody.Accepts = headerAccepts
	headerJSON, err := json.Marshal(headerBody)
	if err != nil {
		return "", PaymentRequiredBody{}, err
	}
	return base64.StdEncoding.EncodeToString(headerJSON), body, nil
}

func payToFor(n NetworkDescriptor, route RouteDescriptor) string {
	switch n.VM {
	case VMSVM:
		return route.PayToSol
	case VMEVM:
		if n.Facilitator != nil && n.Facilitator.FacilitatorContract != "" {
			return n.Facilitator.FacilitatorContract
		}
		return route.PayTo
	default:
		return ""
	}
}

func extraFor(n NetworkDescriptor, svmFeePayer string) map[string]any {
	if n.VM == VMSVM {
		return map[string]any{"feePayer": svmFeePayer}
	}
	return map[string]any{"name": n.Token.DisplayName, "version": n.Token.DomainVersion}
}

// resourceInfo reconstructs "<proto>://<host><path>?<query>" from the
// incoming request (spec §4.3): BaseURL supplies proto+host, OriginalURL
// supplies the literal path and query string the client actually sent.
func resourceInfo(route RouteDescriptor, c fiber.Ctx) *ResourceInfo {
	return &ResourceInfo{
		URL:         c.BaseURL() + c.OriginalURL(),
		Description: route.Description,
		MimeType:    route.MimeType,
	}
}

// BuildPaymentResponseHeader encodes a settlement receipt into the
// PAYMENT-RESPONSE header value (spec §4.10).
func BuildPaymentResponseHeader(receipt SettlementReceipt) (string, error) {
	data := PaymentResponseData{
		Success:     true,
		TxHash:      receipt.TxHash,
		Network:     receipt.Network,
		BlockNumber: receipt.BlockNumber,
		Facilitator: receipt.Facilitator,
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encoded), nil
}
