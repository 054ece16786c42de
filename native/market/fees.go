package market

import "math/big"

const bpsDenominator = 10_000

// Loyalty fee tiers in basis points, keyed by how many loyalty NFTs the buyer
// held at order creation.
const (
	tierNoneBps   = 100
	tierBronzeBps = 50
	tierSilverBps = 25
	tierGoldBps   = 0
)

// FeeTierBps returns the marketplace fee tier for a buyer holding count
// loyalty NFTs.
func FeeTierBps(count uint8) uint64 {
	switch {
	case count == 0:
		return tierNoneBps
	case count <= 4:
		return tierBronzeBps
	case count <= 9:
		return tierSilverBps
	default:
		return tierGoldBps
	}
}

// ComputeFee applies the tier fee and the per-currency multiplier to price.
// Both factors are basis-point scales, so the product is divided by
// 10_000^2 with the result truncated toward zero. The fee is charged on top
// of the price, never deducted from it.
func ComputeFee(price *big.Int, tierBps uint64, multiplierBps uint16) *big.Int {
	if price == nil || price.Sign() <= 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(price, new(big.Int).SetUint64(tierBps))
	fee.Mul(fee, new(big.Int).SetUint64(uint64(multiplierBps)))
	return fee.Div(fee, big.NewInt(bpsDenominator*bpsDenominator))
}
