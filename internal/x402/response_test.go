package x402_test

import (
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stronghold/internal/x402"
)

// Scenario 7 (spec §8, P4): priceAtomic 10000 at 18 decimals advertises
// 10000 * 10^(18-6) = 10000000000000000.
func TestBuildPaymentRequired_ScalesAmountAcrossDecimals(t *testing.T) {
	route := x402.RouteDescriptor{
		Path:        "/scan",
		PriceAtomic: big.NewInt(10_000),
		PayTo:       "0x2222222222222222222222222222222222222222",
		Description: "scan a file",
	}
	network := x402.NetworkDescriptor{
		VM:        x402.VMEVM,
		NetworkID: "eip155:1",
		ChainID:   1,
		Token:     x402.TokenDescriptor{Address: "0xtoken", Decimals: 18},
	}
	deps := x402.PaymentRequiredDeps{
		Networks: x402.NetworkRegistry{"eip155:1": network},
		RPCURLs:  map[string]string{"eip155:1": "https://rpc.example"},
	}

	app := fiber.New()
	var body x402.PaymentRequiredBody
	var headerVal string
	app.Get("/scan", func(c fiber.Ctx) error {
		var err error
		headerVal, body, err = x402.BuildPaymentRequired(route, deps, c)
		require.NoError(t, err)
		return c.JSON(body)
	})

	req := httptest.NewRequest("GET", "/scan?foo=bar", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Len(t, body.Accepts, 1)
	assert.Equal(t, "10000000000000000", body.Accepts[0].Amount)
	assert.NotEmpty(t, headerVal)

	decoded, err := base64.StdEncoding.DecodeString(headerVal)
	require.NoError(t, err)
	var headerBody x402.PaymentRequiredBody
	require.NoError(t, json.Unmarshal(decoded, &headerBody))
	require.Len(t, headerBody.Accepts, 1)
	assert.Equal(t, "10000000000000000", headerBody.Accepts[0].MaxAmountRequired)
	require.NotNil(t, headerBody.Accepts[0].Resource)
	assert.Contains(t, headerBody.Accepts[0].Resource.URL, "/scan?foo=bar")
}

func TestBuildPaymentRequired_OmitsNetworkWithMissingPayTo(t *testing.T) {
	route := x402.RouteDescriptor{
		Path:        "/scan",
		PriceAtomic: big.NewInt(10_000),
		PayTo:       "0x2222222222222222222222222222222222222222",
		// PayToSol intentionally empty
	}
	svmNetwork := x402.NetworkDescriptor{
		VM:        x402.VMSVM,
		NetworkID: "solana:mainnet",
		Token:     x402.TokenDescriptor{Address: "mint", Decimals: 6},
	}
	deps := x402.PaymentRequiredDeps{
		Networks:    x402.NetworkRegistry{"solana:mainnet": svmNetwork},
		SVMFeePayer: "fee-payer-address",
	}

	app := fiber.New()
	var body x402.PaymentRequiredBody
	app.Get("/scan", func(c fiber.Ctx) error {
		var err error
		_, body, err = x402.BuildPaymentRequired(route, deps, c)
		require.NoError(t, err)
		return nil
	})
	req := httptest.NewRequest("GET", "/scan", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, body.Accepts, "a network missing its required payTo must be silently omitted")
}

func TestBuildPaymentResponseHeader_RoundTrips(t *testing.T) {
	bn := uint64(123)
	receipt := x402.SettlementReceipt{TxHash: "0xabc", Network: "eip155:8453", BlockNumber: &bn}

	encoded, err := x402.BuildPaymentResponseHeader(receipt)
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	var data x402.PaymentResponseData
	require.NoError(t, json.Unmarshal(decoded, &data))
	assert.True(t, data.Success)
	assert.Equal(t, "0xabc", data.TxHash)
	assert.Equal(t, uint64(123), *data.BlockNumber)
}
