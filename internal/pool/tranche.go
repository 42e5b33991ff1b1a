package pool

import (
	"math/big"

	"github.com/stratafi/strata-backend/internal/calc"
)

// foldRedemptionRecord brings a lender's redemption record current by
// walking every epoch closed since the record was last touched and folding
// in the lender's pro-rata slice of what that epoch processed. Floor
// division throughout: a lender can be left holding dust-level pending
// shares, never more than their true entitlement.
func foldRedemptionRecord(rec *RedemptionRecord, throughEpoch uint64, lookup func(uint64) (*EpochRedemptionSummary, error)) error {
	for id := rec.LastUpdatedEpochID; id < throughEpoch; id++ {
		if rec.NumSharesRequested.Sign() == 0 {
			break
		}
		summary, err := lookup(id)
		if err != nil {
			return err
		}
		if summary == nil || summary.TotalSharesRequested.Sign() == 0 || summary.TotalSharesProcessed.Sign() == 0 {
			continue
		}
		sharesProcessed := calc.ProRataByShares(summary.TotalSharesProcessed, rec.NumSharesRequested, summary.TotalSharesRequested)
		amountProcessed := calc.ProRataByShares(summary.TotalAmountProcessed, rec.NumSharesRequested, summary.TotalSharesRequested)
		principalReduction := calc.ProRataByShares(rec.PrincipalRequested, sharesProcessed, rec.NumSharesRequested)

		rec.NumSharesRequested.Sub(rec.NumSharesRequested, sharesProcessed)
		rec.PrincipalRequested.Sub(rec.PrincipalRequested, principalReduction)
		rec.TotalAmountProcessed.Add(rec.TotalAmountProcessed, amountProcessed)
	}
	rec.LastUpdatedEpochID = throughEpoch
	return nil
}

// loadCurrentRedemptionRecord returns the lender's record folded through
// every closed epoch up to the open one.
func (e *Engine) loadCurrentRedemptionRecord(t Tranche, lender string, currentEpoch uint64) (*RedemptionRecord, error) {
	rec, err := e.state.GetRedemptionRecord(t, lender)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return newRedemptionRecord(currentEpoch), nil
	}
	err = foldRedemptionRecord(rec, currentEpoch, func(id uint64) (*EpochRedemptionSummary, error) {
		return e.state.GetEpochSummary(t, id)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Engine) loadOpenSummary(t Tranche, epochID uint64) (*EpochRedemptionSummary, error) {
	summary, err := e.state.GetEpochSummary(t, epochID)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		summary = newEpochSummary(epochID, nil)
	}
	return summary, nil
}

// Deposit takes underlying from an approved lender and mints tranche shares
// at the current price, rounding down.
func (e *Engine) Deposit(t Tranche, lender string, amount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.guardActive(); err != nil {
		return nil, err
	}
	if err := e.guardLender(t, lender); err != nil {
		return nil, err
	}
	if err := validAmount(amount); err != nil {
		return nil, err
	}

	cfg, err := e.state.GetLPConfig()
	if err != nil {
		return nil, err
	}
	if cfg.MinDepositAmount != nil && amount.Cmp(cfg.MinDepositAmount) < 0 {
		return nil, ErrDepositTooSmall
	}
	if e.ledger.BalanceOf(lender).Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}

	senior, err := e.state.GetTranche(TrancheSenior)
	if err != nil {
		return nil, err
	}
	junior, err := e.state.GetTranche(TrancheJunior)
	if err != nil {
		return nil, err
	}

	deployed := new(big.Int).Add(senior.TotalAssets, junior.TotalAssets)
	deployed.Add(deployed, amount)
	if cfg.LiquidityCap != nil && cfg.LiquidityCap.Sign() > 0 && deployed.Cmp(cfg.LiquidityCap) > 0 {
		return nil, ErrLiquidityCapExceeded
	}
	if t == TrancheSenior && cfg.MaxSeniorJuniorRatio > 0 {
		newSenior := new(big.Int).Add(senior.TotalAssets, amount)
		limit := new(big.Int).Mul(junior.TotalAssets, new(big.Int).SetUint64(cfg.MaxSeniorJuniorRatio))
		if newSenior.Cmp(limit) > 0 {
			return nil, ErrSeniorRatioExceeded
		}
	}

	tracker, err := e.state.GetYieldTracker()
	if err != nil {
		return nil, err
	}
	safe, err := e.state.GetSafe()
	if err != nil {
		return nil, err
	}

	now := e.now()
	refreshSeniorYield(cfg, tracker, senior.TotalAssets, now)

	tranche := senior
	if t == TrancheJunior {
		tranche = junior
	}
	shares := calc.SharesForDeposit(amount, tranche.TotalAssets, tranche.TotalShares)
	if shares.Sign() == 0 {
		return nil, ErrDepositTooSmall
	}

	position, err := e.state.GetPosition(t, lender)
	if err != nil {
		return nil, err
	}
	if position == nil {
		position = newLenderPosition()
	}
	position.Shares.Add(position.Shares, shares)
	position.Principal.Add(position.Principal, amount)
	position.LastDepositTime = now

	tranche.TotalAssets.Add(tranche.TotalAssets, amount)
	tranche.TotalShares.Add(tranche.TotalShares, shares)
	safe.Deposit(amount)
	if t == TrancheSenior && cfg.TranchePolicy == PolicyFixedSeniorYield {
		tracker.TotalAssets = new(big.Int).Set(tranche.TotalAssets)
	}

	if err := e.state.PutTranche(t, tranche); err != nil {
		return nil, err
	}
	if err := e.state.PutYieldTracker(tracker); err != nil {
		return nil, err
	}
	if err := e.state.PutSafe(safe); err != nil {
		return nil, err
	}
	if err := e.state.PutPosition(t, lender, position); err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(lender, SafeAccount, amount); err != nil {
		return nil, err
	}
	return shares, nil
}

// AddRedemptionRequest escrows shares into the open epoch's batch. The
// lender's principal follows the shares proportionally so the cost basis of
// what stays behind is preserved.
func (e *Engine) AddRedemptionRequest(t Tranche, lender string, shares *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.guardActive(); err != nil {
		return err
	}
	if err := e.guardLender(t, lender); err != nil {
		return err
	}
	if err := validAmount(shares); err != nil {
		return err
	}

	cfg, err := e.state.GetLPConfig()
	if err != nil {
		return err
	}
	position, err := e.state.GetPosition(t, lender)
	if err != nil {
		return err
	}
	if position == nil || position.Shares.Cmp(shares) < 0 {
		return ErrInsufficientShares
	}
	now := e.now()
	if cfg.WithdrawalLockout > 0 && now.Before(position.LastDepositTime.Add(cfg.WithdrawalLockout)) {
		return ErrWithdrawalLockout
	}

	epoch, err := e.state.GetEpoch()
	if err != nil {
		return err
	}
	rec, err := e.loadCurrentRedemptionRecord(t, lender, epoch.ID)
	if err != nil {
		return err
	}
	tranche, err := e.state.GetTranche(t)
	if err != nil {
		return err
	}

	// principal -= principal * shares / sharesHeldBeforeRequest
	principalOut := calc.ProRataByShares(position.Principal, shares, position.Shares)
	position.Shares.Sub(position.Shares, shares)
	position.Principal.Sub(position.Principal, principalOut)
	rec.NumSharesRequested.Add(rec.NumSharesRequested, shares)
	rec.PrincipalRequested.Add(rec.PrincipalRequested, principalOut)

	// Privileged lenders must keep a floor of capital deployed; ordinary
	// lenders may exit fully.
	var minBps uint64
	switch {
	case e.access.IsPoolOwnerTreasury(lender):
		minBps = cfg.PoolOwnerMinLiquidityBps
	case e.access.IsEvaluationAgent(lender):
		minBps = cfg.EvaluationAgentMinLiquidityBps
	}
	if minBps > 0 && cfg.LiquidityCap != nil {
		required := calc.BpsOf(cfg.LiquidityCap, minBps)
		remaining := calc.AssetsForShares(position.Shares, tranche.TotalAssets, tranche.TotalShares)
		if remaining.Cmp(required) < 0 {
			return ErrMinLiquidityRequired
		}
	}

	summary, err := e.loadOpenSummary(t, epoch.ID)
	if err != nil {
		return err
	}
	summary.TotalSharesRequested.Add(summary.TotalSharesRequested, shares)

	if err := e.state.PutPosition(t, lender, position); err != nil {
		return err
	}
	if err := e.state.PutRedemptionRecord(t, lender, rec); err != nil {
		return err
	}
	return e.state.PutEpochSummary(t, summary)
}

// CancelRedemptionRequest pulls shares back out of the open epoch's batch.
// Only shares not yet settled by a closed epoch are cancellable.
func (e *Engine) CancelRedemptionRequest(t Tranche, lender string, shares *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.guardActive(); err != nil {
		return err
	}
	if err := e.guardLender(t, lender); err != nil {
		return err
	}
	if err := validAmount(shares); err != nil {
		return err
	}

	epoch, err := e.state.GetEpoch()
	if err != nil {
		return err
	}
	rec, err := e.loadCurrentRedemptionRecord(t, lender, epoch.ID)
	if err != nil {
		return err
	}
	if rec.NumSharesRequested.Cmp(shares) < 0 {
		return ErrInsufficientShares
	}
	position, err := e.state.GetPosition(t, lender)
	if err != nil {
		return err
	}
	if position == nil {
		position = newLenderPosition()
	}

	principalBack := calc.ProRataByShares(rec.PrincipalRequested, shares, rec.NumSharesRequested)
	rec.NumSharesRequested.Sub(rec.NumSharesRequested, shares)
	rec.PrincipalRequested.Sub(rec.PrincipalRequested, principalBack)
	position.Shares.Add(position.Shares, shares)
	position.Principal.Add(position.Principal, principalBack)

	summary, err := e.loadOpenSummary(t, epoch.ID)
	if err != nil {
		return err
	}
	summary.TotalSharesRequested.Sub(summary.TotalSharesRequested, shares)
	if summary.TotalSharesRequested.Sign() < 0 {
		summary.TotalSharesRequested.SetInt64(0)
	}

	if err := e.state.PutPosition(t, lender, position); err != nil {
		return err
	}
	if err := e.state.PutRedemptionRecord(t, lender, rec); err != nil {
		return err
	}
	return e.state.PutEpochSummary(t, summary)
}

// Disburse pays out everything processed for the lender and not yet
// withdrawn, drawing on the redemption reserve.
func (e *Engine) Disburse(t Tranche, lender string) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.guardActive(); err != nil {
		return nil, err
	}
	if err := e.guardLender(t, lender); err != nil {
		return nil, err
	}

	epoch, err := e.state.GetEpoch()
	if err != nil {
		return nil, err
	}
	rec, err := e.loadCurrentRedemptionRecord(t, lender, epoch.ID)
	if err != nil {
		return nil, err
	}
	amount := rec.Withdrawable()
	if amount.Sign() == 0 {
		// Still persist the fold so the record stays current.
		if err := e.state.PutRedemptionRecord(t, lender, rec); err != nil {
			return nil, err
		}
		return newBig(), nil
	}

	safe, err := e.state.GetSafe()
	if err != nil {
		return nil, err
	}
	rec.TotalAmountWithdrawn.Add(rec.TotalAmountWithdrawn, amount)
	safe.Withdraw(amount)
	safe.RedemptionReserve.Sub(safe.RedemptionReserve, amount)

	if err := e.state.PutRedemptionRecord(t, lender, rec); err != nil {
		return nil, err
	}
	if err := e.state.PutSafe(safe); err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(SafeAccount, lender, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// SetReinvestYield toggles the lender between the reinvesting and payout
// classes. The payout roster is capped.
func (e *Engine) SetReinvestYield(t Tranche, lender string, reinvest bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.guardActive(); err != nil {
		return err
	}
	if err := e.guardLender(t, lender); err != nil {
		return err
	}

	position, err := e.state.GetPosition(t, lender)
	if err != nil {
		return err
	}
	if position == nil {
		position = newLenderPosition()
	}
	if position.ReinvestYield == reinvest {
		return nil
	}

	if !reinvest {
		cfg, err := e.state.GetLPConfig()
		if err != nil {
			return err
		}
		roster, err := e.state.NonReinvestingLenders(t)
		if err != nil {
			return err
		}
		if cfg.MaxNonReinvestingLenders > 0 && len(roster) >= cfg.MaxNonReinvestingLenders {
			return ErrLenderRosterFull
		}
	}
	position.ReinvestYield = reinvest
	if err := e.state.PutPosition(t, lender, position); err != nil {
		return err
	}
	return e.state.SetNonReinvesting(t, lender, !reinvest)
}

// YieldPayout records one non-reinvesting lender's payout.
type YieldPayout struct {
	Lender       string
	Amount       *big.Int
	SharesBurned *big.Int
}

// ProcessYieldForLenders pays accrued yield out to every non-reinvesting
// lender in the tranche, burning the ceiling share count for each payout so
// the vault never releases more value than it burns.
func (e *Engine) ProcessYieldForLenders(caller string, t Tranche) ([]YieldPayout, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.requireOperator(caller); err != nil {
		return nil, err
	}
	if err := e.guardActive(); err != nil {
		return nil, err
	}

	cfg, err := e.state.GetLPConfig()
	if err != nil {
		return nil, err
	}
	fees, err := e.state.GetFees()
	if err != nil {
		return nil, err
	}
	tranche, err := e.state.GetTranche(t)
	if err != nil {
		return nil, err
	}
	tracker, err := e.state.GetYieldTracker()
	if err != nil {
		return nil, err
	}
	safe, err := e.state.GetSafe()
	if err != nil {
		return nil, err
	}
	roster, err := e.state.NonReinvestingLenders(t)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if t == TrancheSenior {
		refreshSeniorYield(cfg, tracker, tranche.TotalAssets, now)
	}

	available := safe.AvailableForPool(fees.Total(), cfg.LiquidityFloor)
	var payouts []YieldPayout
	touched := make(map[string]*LenderPosition)

	for _, lender := range roster {
		position, err := e.state.GetPosition(t, lender)
		if err != nil {
			return nil, err
		}
		if position == nil || position.Shares.Sign() == 0 {
			continue
		}
		value := calc.AssetsForShares(position.Shares, tranche.TotalAssets, tranche.TotalShares)
		yield := new(big.Int).Sub(value, position.Principal)
		if yield.Sign() <= 0 {
			continue
		}
		pay := calc.Min(yield, available)
		if pay.Sign() == 0 {
			break
		}
		burn := calc.SharesForAssetsCeil(pay, tranche.TotalAssets, tranche.TotalShares)
		if burn.Cmp(position.Shares) > 0 {
			burn = new(big.Int).Set(position.Shares)
		}

		position.Shares.Sub(position.Shares, burn)
		tranche.TotalShares.Sub(tranche.TotalShares, burn)
		tranche.TotalAssets.Sub(tranche.TotalAssets, pay)
		safe.Withdraw(pay)
		available.Sub(available, pay)
		touched[lender] = position
		payouts = append(payouts, YieldPayout{Lender: lender, Amount: pay, SharesBurned: burn})
	}

	if t == TrancheSenior && cfg.TranchePolicy == PolicyFixedSeniorYield {
		tracker.TotalAssets = new(big.Int).Set(tranche.TotalAssets)
	}

	if err := e.state.PutTranche(t, tranche); err != nil {
		return nil, err
	}
	if err := e.state.PutYieldTracker(tracker); err != nil {
		return nil, err
	}
	if err := e.state.PutSafe(safe); err != nil {
		return nil, err
	}
	for lender, position := range touched {
		if err := e.state.PutPosition(t, lender, position); err != nil {
			return nil, err
		}
	}
	for _, p := range payouts {
		if err := e.ledger.Transfer(SafeAccount, p.Lender, p.Amount); err != nil {
			return nil, err
		}
	}
	return payouts, nil
}
