package pool

import (
	"math/big"

	"github.com/stratafi/strata-backend/internal/calc"
)

// CloseEpoch settles the open epoch: senior redemption requests are funded
// first, junior after, both pro-rata against the pool's spendable liquidity
// and at the share price current as of close. Unfulfilled shares carry into
// the next epoch's batch. Returns one settlement record per tranche in
// seniority order.
func (e *Engine) CloseEpoch(caller string) ([]*EpochSettlement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.requireOperator(caller); err != nil {
		return nil, err
	}
	if err := e.guardActive(); err != nil {
		return nil, err
	}

	epoch, err := e.state.GetEpoch()
	if err != nil {
		return nil, err
	}
	now := e.now()
	if now.Before(epoch.EndTime) {
		return nil, ErrEpochNotEnded
	}

	safe, err := e.state.GetSafe()
	if err != nil {
		return nil, err
	}
	// Share prices must already reflect every distributed profit, or the
	// settlement below would misprice redemptions.
	if safe.HasUnprocessedProfit() {
		return nil, ErrUnprocessedProfit
	}

	cfg, err := e.state.GetLPConfig()
	if err != nil {
		return nil, err
	}
	fees, err := e.state.GetFees()
	if err != nil {
		return nil, err
	}
	tracker, err := e.state.GetYieldTracker()
	if err != nil {
		return nil, err
	}

	tranches := make(map[Tranche]*TrancheState, TrancheCount)
	summaries := make(map[Tranche]*EpochRedemptionSummary, TrancheCount)
	for _, t := range Tranches {
		ts, err := e.state.GetTranche(t)
		if err != nil {
			return nil, err
		}
		tranches[t] = ts
		summary, err := e.loadOpenSummary(t, epoch.ID)
		if err != nil {
			return nil, err
		}
		summaries[t] = summary
	}

	refreshSeniorYield(cfg, tracker, tranches[TrancheSenior].TotalAssets, now)

	available := safe.AvailableForPool(fees.Total(), cfg.LiquidityFloor)
	settlements := make([]*EpochSettlement, 0, TrancheCount)

	for _, t := range Tranches {
		tranche := tranches[t]
		summary := summaries[t]
		priceBefore := calc.SharePrice(tranche.TotalAssets, tranche.TotalShares)

		requested := summary.TotalSharesRequested
		if requested.Sign() > 0 && tranche.TotalShares.Sign() > 0 && tranche.TotalAssets.Sign() > 0 {
			amountNeeded := calc.AssetsForShares(requested, tranche.TotalAssets, tranche.TotalShares)
			sharesProcessed := new(big.Int)
			amountAllocated := new(big.Int)
			if available.Cmp(amountNeeded) >= 0 {
				sharesProcessed.Set(requested)
				amountAllocated.Set(amountNeeded)
			} else {
				// Partial fill: burn the shares the remaining liquidity can
				// fund and pay exactly their floored value, never more.
				sharesProcessed.Mul(available, tranche.TotalShares)
				sharesProcessed.Quo(sharesProcessed, tranche.TotalAssets)
				amountAllocated.Set(calc.AssetsForShares(sharesProcessed, tranche.TotalAssets, tranche.TotalShares))
			}

			summary.TotalSharesProcessed.Set(sharesProcessed)
			summary.TotalAmountProcessed.Set(amountAllocated)

			tranche.TotalShares.Sub(tranche.TotalShares, sharesProcessed)
			tranche.TotalAssets.Sub(tranche.TotalAssets, amountAllocated)
			safe.RedemptionReserve.Add(safe.RedemptionReserve, amountAllocated)
			available.Sub(available, amountAllocated)
		}

		carried := new(big.Int).Sub(summary.TotalSharesRequested, summary.TotalSharesProcessed)
		next := newEpochSummary(epoch.ID+1, carried)

		if err := e.state.PutEpochSummary(t, summary); err != nil {
			return nil, err
		}
		if err := e.state.PutEpochSummary(t, next); err != nil {
			return nil, err
		}

		settlements = append(settlements, &EpochSettlement{
			Tranche:         t,
			EpochID:         epoch.ID,
			SharesRequested: new(big.Int).Set(summary.TotalSharesRequested),
			SharesProcessed: new(big.Int).Set(summary.TotalSharesProcessed),
			AmountProcessed: new(big.Int).Set(summary.TotalAmountProcessed),
			SharesCarried:   carried,
			PriceBefore:     priceBefore,
			PriceAfter:      calc.SharePrice(tranche.TotalAssets, tranche.TotalShares),
			ClosedAt:        now,
		})
	}

	if cfg.TranchePolicy == PolicyFixedSeniorYield {
		tracker.TotalAssets = new(big.Int).Set(tranches[TrancheSenior].TotalAssets)
	}

	for _, t := range Tranches {
		if err := e.state.PutTranche(t, tranches[t]); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutYieldTracker(tracker); err != nil {
		return nil, err
	}
	if err := e.state.PutSafe(safe); err != nil {
		return nil, err
	}

	epoch.ID++
	epoch.EndTime = calc.NextEpochEnd(now, cfg.EpochPeriodUnit, cfg.EpochPeriodLength)
	if err := e.state.PutEpoch(epoch); err != nil {
		return nil, err
	}
	return settlements, nil
}
