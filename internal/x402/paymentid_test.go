package x402_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"stronghold/internal/x402"
)

func TestExtractPaymentID(t *testing.T) {
	valid := "test-payment-id-12345678"

	tests := []struct {
		name    string
		payload *x402.PaymentPayload
		want    string
	}{
		{
			name:    "nil payload",
			payload: nil,
			want:    "",
		},
		{
			name:    "no extensions anywhere",
			payload: &x402.PaymentPayload{},
			want:    "",
		},
		{
			name: "top-level extension",
			payload: &x402.PaymentPayload{
				Extensions: &x402.Extensions{PaymentIdentifier: &x402.PaymentIdentifierExtension{PaymentID: valid}},
			},
			want: valid,
		},
		{
			name: "nested payload.payload extension",
			payload: &x402.PaymentPayload{
				Payload: x402.InnerPayload{
					Extensions: &x402.Extensions{PaymentIdentifier: &x402.PaymentIdentifierExtension{PaymentID: valid}},
				},
			},
			want: valid,
		},
		{
			name: "top level preferred over nested when both present",
			payload: &x402.PaymentPayload{
				Extensions: &x402.Extensions{PaymentIdentifier: &x402.PaymentIdentifierExtension{PaymentID: valid}},
				Payload: x402.InnerPayload{
					Extensions: &x402.Extensions{PaymentIdentifier: &x402.PaymentIdentifierExtension{PaymentID: "other-id-0000000000"}},
				},
			},
			want: valid,
		},
		{
			name: "too short is treated as absent",
			payload: &x402.PaymentPayload{
				Extensions: &x402.Extensions{PaymentIdentifier: &x402.PaymentIdentifierExtension{PaymentID: "short"}},
			},
			want: "",
		},
		{
			name: "too long is treated as absent",
			payload: &x402.PaymentPayload{
				Extensions: &x402.Extensions{PaymentIdentifier: &x402.PaymentIdentifierExtension{PaymentID: strings.Repeat("a", 129)}},
			},
			want: "",
		},
		{
			name: "disallowed characters treated as absent",
			payload: &x402.PaymentPayload{
				Extensions: &x402.Extensions{PaymentIdentifier: &x402.PaymentIdentifierExtension{PaymentID: "has a space in it!!"}},
			},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, x402.ExtractPaymentID(tt.payload))
		})
	}
}
