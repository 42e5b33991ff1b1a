package pool

import (
	"math/big"
	"time"

	"github.com/stratafi/strata-backend/internal/calc"
)

// FeeSkim is the admin income taken off distributed profit.
type FeeSkim struct {
	Protocol        *big.Int
	PoolOwner       *big.Int
	EvaluationAgent *big.Int
}

// Total is the whole skim.
func (s FeeSkim) Total() *big.Int {
	total := new(big.Int).Add(s.Protocol, s.PoolOwner)
	return total.Add(total, s.EvaluationAgent)
}

// PnLDistribution is the auditable outcome of one reportPnL call: where
// every unit of profit, loss and recovery went.
type PnLDistribution struct {
	Profit   *big.Int
	Loss     *big.Int
	Recovery *big.Int

	Fees            FeeSkim
	ProfitToTranche [TrancheCount]*big.Int
	ProfitToCovers  []*big.Int

	LossToTranche     [TrancheCount]*big.Int
	LossTakenByCovers []*big.Int

	RecoveryToTranche [TrancheCount]*big.Int
	RecoveryToCovers  []*big.Int

	At time.Time
}

func newPnLDistribution(coverCount int, at time.Time) *PnLDistribution {
	d := &PnLDistribution{
		Profit:   newBig(),
		Loss:     newBig(),
		Recovery: newBig(),
		Fees:     FeeSkim{Protocol: newBig(), PoolOwner: newBig(), EvaluationAgent: newBig()},
		At:       at,
	}
	for i := range d.ProfitToTranche {
		d.ProfitToTranche[i] = newBig()
		d.LossToTranche[i] = newBig()
		d.RecoveryToTranche[i] = newBig()
	}
	d.ProfitToCovers = zeroSlice(coverCount)
	d.LossTakenByCovers = zeroSlice(coverCount)
	d.RecoveryToCovers = zeroSlice(coverCount)
	return d
}

func zeroSlice(n int) []*big.Int {
	out := make([]*big.Int, n)
	for i := range out {
		out[i] = newBig()
	}
	return out
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// skimFees takes the protocol share off the top, then the pool owner and
// evaluation agent shares from the remainder. Returns the skim and what is
// left for the tranches and covers.
func skimFees(fs *FeeStructure, profit *big.Int) (FeeSkim, *big.Int) {
	protocol := calc.BpsOf(profit, fs.ProtocolFeeBps)
	afterProtocol := new(big.Int).Sub(profit, protocol)
	owner := calc.BpsOf(afterProtocol, fs.PoolOwnerFeeBps)
	ea := calc.BpsOf(afterProtocol, fs.EvaluationAgentFeeBps)
	remaining := new(big.Int).Sub(afterProtocol, owner)
	remaining.Sub(remaining, ea)
	return FeeSkim{Protocol: protocol, PoolOwner: owner, EvaluationAgent: ea}, remaining
}

// ReportPnL ingests one profit/loss/recovery report from the credit service
// and runs the full waterfall: fee skim, tranche policy split, cover profit
// carve-out, first-loss absorption and recovery. Cash moved between the safe
// and the cover accounts is booked before any token transfer executes.
func (e *Engine) ReportPnL(caller string, profit, loss, recovery *big.Int) (*PnLDistribution, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.requireCreditService(caller); err != nil {
		return nil, err
	}
	if err := e.guardActive(); err != nil {
		return nil, err
	}
	profit, loss, recovery = orZero(profit), orZero(loss), orZero(recovery)
	if profit.Sign() < 0 || loss.Sign() < 0 || recovery.Sign() < 0 {
		return nil, ErrZeroAmount
	}

	cfg, err := e.state.GetLPConfig()
	if err != nil {
		return nil, err
	}
	fs, err := e.state.GetFeeStructure()
	if err != nil {
		return nil, err
	}
	senior, err := e.state.GetTranche(TrancheSenior)
	if err != nil {
		return nil, err
	}
	junior, err := e.state.GetTranche(TrancheJunior)
	if err != nil {
		return nil, err
	}
	tracker, err := e.state.GetYieldTracker()
	if err != nil {
		return nil, err
	}
	covers, err := e.loadCovers()
	if err != nil {
		return nil, err
	}
	safe, err := e.state.GetSafe()
	if err != nil {
		return nil, err
	}
	fees, err := e.state.GetFees()
	if err != nil {
		return nil, err
	}
	credit, err := e.state.GetCredit()
	if err != nil {
		return nil, err
	}

	now := e.now()
	refreshSeniorYield(cfg, tracker, senior.TotalAssets, now)

	dist := newPnLDistribution(len(covers), now)
	dist.Profit.Set(profit)
	dist.Loss.Set(loss)
	dist.Recovery.Set(recovery)

	// Per-cover cash deltas against the safe, settled as net transfers after
	// state is final. Positive means the cover owes the safe.
	coverCashToSafe := zeroSlice(len(covers))

	if profit.Sign() > 0 {
		skim, distributable := skimFees(fs, profit)
		fees.Protocol.Add(fees.Protocol, skim.Protocol)
		fees.PoolOwner.Add(fees.PoolOwner, skim.PoolOwner)
		fees.EvaluationAgent.Add(fees.EvaluationAgent, skim.EvaluationAgent)
		dist.Fees = skim

		var seniorShare, juniorSide *big.Int
		switch cfg.TranchePolicy {
		case PolicyRiskAdjusted:
			seniorShare, juniorSide = splitProfitRiskAdjusted(
				distributable, senior.TotalAssets, junior.TotalAssets, cfg.TranchesRiskAdjustmentBps)
		default:
			var yieldPaid *big.Int
			seniorShare, juniorSide, yieldPaid = splitProfitFixed(distributable, tracker.UnpaidYield)
			tracker.UnpaidYield.Sub(tracker.UnpaidYield, yieldPaid)
		}

		weights := coverProfitWeights(covers, junior.TotalAssets)
		parts := calc.SplitByWeights(juniorSide, weights, len(weights)-1)
		juniorShare := parts[len(covers)]

		coverTotal := new(big.Int)
		for i := range covers {
			coverTotal.Add(coverTotal, parts[i])
		}
		// Cover profit is paid out in cash; the safe must be able to fund it.
		if safe.TotalBalance.Cmp(coverTotal) < 0 {
			return nil, ErrInsufficientLiquidity
		}

		senior.TotalAssets.Add(senior.TotalAssets, seniorShare)
		junior.TotalAssets.Add(junior.TotalAssets, juniorShare)
		for i := range covers {
			covers[i].TotalAssets.Add(covers[i].TotalAssets, parts[i])
			coverCashToSafe[i].Sub(coverCashToSafe[i], parts[i])
			dist.ProfitToCovers[i].Set(parts[i])
		}
		safe.Withdraw(coverTotal)
		safe.AddUnprocessedProfit(TrancheSenior, seniorShare)
		safe.AddUnprocessedProfit(TrancheJunior, juniorShare)
		credit.Outstanding.Add(credit.Outstanding, profit)

		dist.ProfitToTranche[TrancheSenior].Set(seniorShare)
		dist.ProfitToTranche[TrancheJunior].Set(juniorShare)
	}

	if loss.Sign() > 0 {
		taken, residual := absorbLossWithCovers(loss, covers)
		for i := range covers {
			covers[i].CoveredLoss.Add(covers[i].CoveredLoss, taken[i])
			coverCashToSafe[i].Add(coverCashToSafe[i], taken[i])
			safe.Deposit(taken[i])
			dist.LossTakenByCovers[i].Set(taken[i])
		}

		var seniorLoss, juniorLoss *big.Int
		if cfg.TranchePolicy == PolicyRiskAdjusted {
			seniorLoss, juniorLoss, _ = splitLossProportional(residual, senior.TotalAssets, junior.TotalAssets)
		} else {
			seniorLoss, juniorLoss, _ = splitLossSequential(residual, senior.TotalAssets, junior.TotalAssets)
		}
		senior.TotalAssets.Sub(senior.TotalAssets, seniorLoss)
		senior.TotalLoss.Add(senior.TotalLoss, seniorLoss)
		junior.TotalAssets.Sub(junior.TotalAssets, juniorLoss)
		junior.TotalLoss.Add(junior.TotalLoss, juniorLoss)

		// Only the written-off slice leaves the outstanding exposure; the
		// covered slice stays on as the recovery receivable.
		writtenOff := new(big.Int).Add(seniorLoss, juniorLoss)
		credit.Outstanding.Sub(credit.Outstanding, writtenOff)

		dist.LossToTranche[TrancheSenior].Set(seniorLoss)
		dist.LossToTranche[TrancheJunior].Set(juniorLoss)
	}

	if recovery.Sign() > 0 {
		// Recovered cash arrives with the report.
		if e.ledger.BalanceOf(caller).Cmp(recovery) < 0 {
			return nil, ErrInsufficientBalance
		}
		safe.Deposit(recovery)

		var seniorBack, juniorBack, rest *big.Int
		if cfg.TranchePolicy == PolicyRiskAdjusted {
			seniorBack, juniorBack, rest = splitRecoveryProportional(recovery, senior.TotalLoss, junior.TotalLoss)
		} else {
			seniorBack, juniorBack, rest = splitRecoverySequential(recovery, senior.TotalLoss, junior.TotalLoss)
		}
		senior.TotalAssets.Add(senior.TotalAssets, seniorBack)
		senior.TotalLoss.Sub(senior.TotalLoss, seniorBack)
		junior.TotalAssets.Add(junior.TotalAssets, juniorBack)
		junior.TotalLoss.Sub(junior.TotalLoss, juniorBack)

		coverBack, excess := recoverCoverLosses(rest, covers)
		coverBackTotal := new(big.Int)
		for i := range covers {
			covers[i].CoveredLoss.Sub(covers[i].CoveredLoss, coverBack[i])
			coverCashToSafe[i].Sub(coverCashToSafe[i], coverBack[i])
			coverBackTotal.Add(coverBackTotal, coverBack[i])
			dist.RecoveryToCovers[i].Set(coverBack[i])
		}
		safe.Withdraw(coverBackTotal)
		// Recovery beyond every recorded loss is junior upside.
		junior.TotalAssets.Add(junior.TotalAssets, excess)
		credit.Outstanding.Sub(credit.Outstanding, coverBackTotal)

		dist.RecoveryToTranche[TrancheSenior].Set(seniorBack)
		dist.RecoveryToTranche[TrancheJunior].Set(new(big.Int).Add(juniorBack, excess))
	}

	if safe.TotalBalance.Cmp(safe.RedemptionReserve) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	// Senior assets may have moved in every branch; re-base the accrual
	// snapshot before persisting.
	if cfg.TranchePolicy == PolicyFixedSeniorYield {
		tracker.TotalAssets = new(big.Int).Set(senior.TotalAssets)
	}

	if err := e.state.PutTranche(TrancheSenior, senior); err != nil {
		return nil, err
	}
	if err := e.state.PutTranche(TrancheJunior, junior); err != nil {
		return nil, err
	}
	if err := e.state.PutYieldTracker(tracker); err != nil {
		return nil, err
	}
	if err := e.putCovers(covers); err != nil {
		return nil, err
	}
	if err := e.state.PutSafe(safe); err != nil {
		return nil, err
	}
	if err := e.state.PutFees(fees); err != nil {
		return nil, err
	}
	if err := e.state.PutCredit(credit); err != nil {
		return nil, err
	}

	// Token moves last, netted per account pair; safe inflows settle first so
	// outflows never transiently overdraw the safe account.
	if recovery.Sign() > 0 {
		if err := e.ledger.Transfer(caller, SafeAccount, recovery); err != nil {
			return nil, err
		}
	}
	for i := range covers {
		if delta := coverCashToSafe[i]; delta.Sign() > 0 {
			if err := e.ledger.Transfer(CoverAccount(i), SafeAccount, delta); err != nil {
				return nil, err
			}
		}
	}
	for i := range covers {
		if delta := coverCashToSafe[i]; delta.Sign() < 0 {
			if err := e.ledger.Transfer(SafeAccount, CoverAccount(i), new(big.Int).Neg(delta)); err != nil {
				return nil, err
			}
		}
	}
	return dist, nil
}

// ReceivePayment books a borrower payment: cash into the safe, outstanding
// exposure down by the same amount.
func (e *Engine) ReceivePayment(caller string, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireCreditService(caller); err != nil {
		return err
	}
	if err := e.guardActive(); err != nil {
		return err
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	if e.ledger.BalanceOf(caller).Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}

	safe, err := e.state.GetSafe()
	if err != nil {
		return err
	}
	credit, err := e.state.GetCredit()
	if err != nil {
		return err
	}
	safe.Deposit(amount)
	credit.Outstanding.Sub(credit.Outstanding, amount)

	if err := e.state.PutSafe(safe); err != nil {
		return err
	}
	if err := e.state.PutCredit(credit); err != nil {
		return err
	}
	return e.ledger.Transfer(caller, SafeAccount, amount)
}

// Drawdown releases pool liquidity to the borrower side, bounded by the
// drawable balance.
func (e *Engine) Drawdown(caller, to string, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireCreditService(caller); err != nil {
		return err
	}
	if err := e.guardActive(); err != nil {
		return err
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	if to == "" {
		return ErrZeroAddress
	}

	available, err := e.AvailableToDraw()
	if err != nil {
		return err
	}
	if amount.Cmp(available) > 0 {
		return ErrInsufficientLiquidity
	}

	safe, err := e.state.GetSafe()
	if err != nil {
		return err
	}
	credit, err := e.state.GetCredit()
	if err != nil {
		return err
	}
	safe.Withdraw(amount)
	credit.Outstanding.Add(credit.Outstanding, amount)

	if err := e.state.PutSafe(safe); err != nil {
		return err
	}
	if err := e.state.PutCredit(credit); err != nil {
		return err
	}
	return e.ledger.Transfer(SafeAccount, to, amount)
}

// AvailableToDraw is the cash the borrower side may draw: the safe balance
// net of the redemption reserve, fee liabilities and the liquidity floor.
func (e *Engine) AvailableToDraw() (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	safe, err := e.state.GetSafe()
	if err != nil {
		return nil, err
	}
	fees, err := e.state.GetFees()
	if err != nil {
		return nil, err
	}
	cfg, err := e.state.GetLPConfig()
	if err != nil {
		return nil, err
	}
	return safe.AvailableForPool(fees.Total(), cfg.LiquidityFloor), nil
}

// ReconcileProfit acknowledges all distributed-but-unreconciled tranche
// profit, unblocking epoch close. Returns the per-tranche amounts cleared.
func (e *Engine) ReconcileProfit(caller string) ([TrancheCount]*big.Int, error) {
	var cleared [TrancheCount]*big.Int
	if err := e.ready(); err != nil {
		return cleared, err
	}
	if err := e.requireOperator(caller); err != nil {
		return cleared, err
	}
	if err := e.guardActive(); err != nil {
		return cleared, err
	}
	safe, err := e.state.GetSafe()
	if err != nil {
		return cleared, err
	}
	cleared = safe.ResetUnprocessedProfit()
	if err := e.state.PutSafe(safe); err != nil {
		return cleared, err
	}
	return cleared, nil
}
