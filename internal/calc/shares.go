package calc

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// BpsDenominator is the scale for every rate parameter: 10000 == 100%.
const BpsDenominator = 10_000

// SharesForDeposit converts a deposited amount into vault shares at the
// current share price, rounding down. An empty vault mints 1:1.
func SharesForDeposit(amount, totalAssets, totalShares *big.Int) *big.Int {
	if totalShares.Sign() == 0 || totalAssets.Sign() == 0 {
		return new(big.Int).Set(amount)
	}
	out := new(big.Int).Mul(amount, totalShares)
	return out.Quo(out, totalAssets)
}

// AssetsForShares converts shares back into assets at the current share
// price, rounding down. A vault with no shares prices everything at zero.
func AssetsForShares(shares, totalAssets, totalShares *big.Int) *big.Int {
	if totalShares.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(shares, totalAssets)
	return out.Quo(out, totalShares)
}

// SharesForAssetsCeil converts an asset amount into the number of shares that
// must be burned to release it, rounding up so the vault never over-pays.
func SharesForAssetsCeil(assets, totalAssets, totalShares *big.Int) *big.Int {
	if totalAssets.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(assets, totalShares)
	return CeilDiv(out, totalAssets)
}

// CeilDiv returns ceil(a/b) for non-negative a and positive b.
func CeilDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// Min returns a copy of the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// ClampZero returns a copy of v, floored at zero.
func ClampZero(v *big.Int) *big.Int {
	if v.Sign() < 0 {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// SharePrice renders assets/shares as a decimal for display. An empty vault
// reports the par price of 1.
func SharePrice(totalAssets, totalShares *big.Int) decimal.Decimal {
	if totalShares.Sign() == 0 {
		return decimal.NewFromInt(1)
	}
	assets := decimal.NewFromBigInt(totalAssets, 0)
	shares := decimal.NewFromBigInt(totalShares, 0)
	return assets.DivRound(shares, 18)
}
