package calc

import "math/big"

var bpsDen = big.NewInt(BpsDenominator)

// BpsOf returns amount*bps/10000, rounding down.
func BpsOf(amount *big.Int, bps uint64) *big.Int {
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return out.Quo(out, bpsDen)
}

// SplitByWeights splits total across the given weights, rounding each part
// down and crediting the undistributed remainder to dustIndex so the parts
// always sum to exactly total. A zero total weight sends everything to
// dustIndex.
func SplitByWeights(total *big.Int, weights []*big.Int, dustIndex int) []*big.Int {
	parts := make([]*big.Int, len(weights))
	totalWeight := new(big.Int)
	for _, w := range weights {
		totalWeight.Add(totalWeight, w)
	}

	rest := new(big.Int).Set(total)
	for i, w := range weights {
		if totalWeight.Sign() == 0 {
			parts[i] = new(big.Int)
			continue
		}
		p := new(big.Int).Mul(total, w)
		p.Quo(p, totalWeight)
		parts[i] = p
		rest.Sub(rest, p)
	}
	parts[dustIndex].Add(parts[dustIndex], rest)
	return parts
}

// ProRataByShares returns holder's floor share of total given its share count
// against the full supply. A zero supply yields zero.
func ProRataByShares(total, holderShares, totalShares *big.Int) *big.Int {
	if totalShares.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(total, holderShares)
	return out.Quo(out, totalShares)
}
