package pool

import (
	"math/big"

	"github.com/stratafi/strata-backend/internal/calc"
)

// The tranche policies below decide only the senior/junior split. Fee
// skimming, first-loss absorption and the cover profit carve-out are shared
// mechanics applied around them in the distribution pipeline.

// splitProfitFixed pays senior its accrued-but-unpaid fixed yield first; the
// remainder is the junior side. Returns (senior, juniorSide, yieldPaid).
func splitProfitFixed(profit, unpaidYield *big.Int) (*big.Int, *big.Int, *big.Int) {
	senior := calc.Min(profit, unpaidYield)
	juniorSide := new(big.Int).Sub(profit, senior)
	return senior, juniorSide, new(big.Int).Set(senior)
}

// splitProfitRiskAdjusted splits profit by tranche asset weight, then shifts
// adjustmentBps of the junior base share to senior. Senior takes the base
// floor division; junior absorbs the base dust.
func splitProfitRiskAdjusted(profit, seniorAssets, juniorAssets *big.Int, adjustmentBps uint64) (*big.Int, *big.Int) {
	total := new(big.Int).Add(seniorAssets, juniorAssets)
	senior := calc.ProRataByShares(profit, seniorAssets, total)
	junior := new(big.Int).Sub(profit, senior)

	adjustment := calc.BpsOf(junior, adjustmentBps)
	senior.Add(senior, adjustment)
	junior.Sub(junior, adjustment)
	return senior, junior
}

// splitLossSequential absorbs loss junior-first, each tranche floored at
// zero. Returns per-tranche losses and whatever neither tranche could absorb.
func splitLossSequential(loss, seniorAssets, juniorAssets *big.Int) (seniorLoss, juniorLoss, unabsorbed *big.Int) {
	juniorLoss = calc.Min(loss, juniorAssets)
	rest := new(big.Int).Sub(loss, juniorLoss)
	seniorLoss = calc.Min(rest, seniorAssets)
	unabsorbed = new(big.Int).Sub(rest, seniorLoss)
	return seniorLoss, juniorLoss, unabsorbed
}

// splitLossProportional splits loss by asset weight, junior taking the dust,
// then caps each side at its assets and rolls overflow to the other.
func splitLossProportional(loss, seniorAssets, juniorAssets *big.Int) (seniorLoss, juniorLoss, unabsorbed *big.Int) {
	total := new(big.Int).Add(seniorAssets, juniorAssets)
	if total.Sign() == 0 {
		return newBig(), newBig(), new(big.Int).Set(loss)
	}
	seniorLoss = calc.ProRataByShares(loss, seniorAssets, total)
	juniorLoss = new(big.Int).Sub(loss, seniorLoss)

	if juniorLoss.Cmp(juniorAssets) > 0 {
		overflow := new(big.Int).Sub(juniorLoss, juniorAssets)
		juniorLoss.Set(juniorAssets)
		seniorLoss.Add(seniorLoss, overflow)
	}
	if seniorLoss.Cmp(seniorAssets) > 0 {
		overflow := new(big.Int).Sub(seniorLoss, seniorAssets)
		seniorLoss.Set(seniorAssets)
		headroom := new(big.Int).Sub(juniorAssets, juniorLoss)
		back := calc.Min(overflow, headroom)
		juniorLoss.Add(juniorLoss, back)
		overflow.Sub(overflow, back)
		return seniorLoss, juniorLoss, overflow
	}
	return seniorLoss, juniorLoss, newBig()
}

// splitRecoverySequential tops senior up first, then junior, each bounded by
// its recorded loss. Returns per-tranche recoveries and the unused rest.
func splitRecoverySequential(recovery, seniorLoss, juniorLoss *big.Int) (senior, junior, rest *big.Int) {
	senior = calc.Min(recovery, seniorLoss)
	rest = new(big.Int).Sub(recovery, senior)
	junior = calc.Min(rest, juniorLoss)
	rest = new(big.Int).Sub(rest, junior)
	return senior, junior, rest
}

// splitRecoveryProportional distributes recovery in proportion to each
// tranche's recorded loss, senior taking the floor-division dust, capped at
// the recorded losses. The original waterfall leaves this ordering open; the
// proportional rule keeps recovery consistent with risk-weighted absorption.
func splitRecoveryProportional(recovery, seniorLoss, juniorLoss *big.Int) (senior, junior, rest *big.Int) {
	totalLoss := new(big.Int).Add(seniorLoss, juniorLoss)
	if totalLoss.Sign() == 0 {
		return newBig(), newBig(), new(big.Int).Set(recovery)
	}
	applicable := calc.Min(recovery, totalLoss)
	junior = calc.ProRataByShares(applicable, juniorLoss, totalLoss)
	senior = new(big.Int).Sub(applicable, junior)

	// Floor dust can nudge a side past its recorded loss; settle it exactly.
	if senior.Cmp(seniorLoss) > 0 {
		overflow := new(big.Int).Sub(senior, seniorLoss)
		senior.Set(seniorLoss)
		junior.Add(junior, overflow)
	}
	if junior.Cmp(juniorLoss) > 0 {
		overflow := new(big.Int).Sub(junior, juniorLoss)
		junior.Set(juniorLoss)
		senior.Add(senior, overflow)
	}
	rest = new(big.Int).Sub(recovery, new(big.Int).Add(senior, junior))
	return senior, junior, rest
}

// absorbLossWithCovers walks the cover layers in priority order, each taking
// its capacity slice of the remaining loss. Returns per-layer absorbed
// amounts and the residual loss for the tranches.
func absorbLossWithCovers(loss *big.Int, covers []*FirstLossCover) ([]*big.Int, *big.Int) {
	taken := make([]*big.Int, len(covers))
	remaining := new(big.Int).Set(loss)
	for i, c := range covers {
		take := calc.Min(c.LossCapacity(remaining), remaining)
		taken[i] = take
		remaining.Sub(remaining, take)
	}
	return taken, remaining
}

// recoverCoverLosses returns recovery to the layers in reverse priority
// order, each bounded by its covered-loss balance: the last layer to absorb
// is the first made whole.
func recoverCoverLosses(recovery *big.Int, covers []*FirstLossCover) ([]*big.Int, *big.Int) {
	recovered := make([]*big.Int, len(covers))
	for i := range recovered {
		recovered[i] = newBig()
	}
	remaining := new(big.Int).Set(recovery)
	for i := len(covers) - 1; i >= 0; i-- {
		back := calc.Min(remaining, covers[i].CoveredLoss)
		recovered[i] = back
		remaining.Sub(remaining, back)
	}
	return recovered, remaining
}

// coverProfitWeights returns the junior-side profit weights: each cover
// weighs in at assets scaled by its risk multiplier, the junior tranche at
// its full assets. The junior weight is appended last so the exact-sum split
// can hand it the dust.
func coverProfitWeights(covers []*FirstLossCover, juniorAssets *big.Int) []*big.Int {
	weights := make([]*big.Int, 0, len(covers)+1)
	for _, c := range covers {
		weights = append(weights, calc.BpsOf(c.TotalAssets, c.Config.RiskYieldMultiplierBps))
	}
	weights = append(weights, new(big.Int).Set(juniorAssets))
	return weights
}
