package calc

import (
	"math/big"
	"time"
)

// SecondsPerYear is the accrual year basis: 365 days.
const SecondsPerYear = 365 * 24 * 60 * 60

// AccruedYield returns the simple interest earned by assets at aprBps over
// the elapsed duration, prorated per second of a 365-day year and rounded
// down. Negative or sub-second durations accrue nothing.
func AccruedYield(assets *big.Int, aprBps uint64, elapsed time.Duration) *big.Int {
	seconds := int64(elapsed / time.Second)
	if seconds <= 0 || assets.Sign() <= 0 || aprBps == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(assets, new(big.Int).SetUint64(aprBps))
	out.Mul(out, big.NewInt(seconds))
	den := new(big.Int).Mul(bpsDen, big.NewInt(SecondsPerYear))
	return out.Quo(out, den)
}
