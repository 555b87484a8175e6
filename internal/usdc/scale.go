package usdc

import "math/big"

// ScaleAtomic applies the gateway's amount-scaling invariant directly
// against a network's declared token decimals, rather than a
// hardcoded chain-name-keyed table: the result equals
// priceAtomic * 10^(decimals-6) when that exponent is positive, else
// priceAtomic unchanged.
func ScaleAtomic(priceAtomic *big.Int, decimals int) *big.Int {
	result := new(big.Int).Set(priceAtomic)
	if decimals > 6 {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-6)), nil)
		result.Mul(result, scale)
	}
	return result
}
