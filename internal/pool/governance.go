package pool

import (
	"math/big"

	"github.com/stratafi/strata-backend/internal/calc"
)

// SetLPConfig replaces the tranche/liquidity configuration. The senior yield
// tracker is refreshed with the outgoing rate up to now before the new rate
// takes effect, so no accrual window is ever priced at the wrong rate.
func (e *Engine) SetLPConfig(caller string, next *LPConfig) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if next == nil {
		return ErrZeroAmount
	}
	if err := next.Validate(); err != nil {
		return err
	}

	current, err := e.state.GetLPConfig()
	if err != nil {
		return err
	}
	senior, err := e.state.GetTranche(TrancheSenior)
	if err != nil {
		return err
	}
	tracker, err := e.state.GetYieldTracker()
	if err != nil {
		return err
	}
	refreshSeniorYield(current, tracker, senior.TotalAssets, e.now())

	if err := e.state.PutYieldTracker(tracker); err != nil {
		return err
	}
	return e.state.PutLPConfig(next)
}

// SetFeeStructure replaces the admin income split.
func (e *Engine) SetFeeStructure(caller string, next *FeeStructure) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if next == nil {
		return ErrZeroAmount
	}
	if err := next.Validate(); err != nil {
		return err
	}
	return e.state.PutFeeStructure(next)
}

// SetCoverConfig replaces one cover layer's parameters.
func (e *Engine) SetCoverConfig(caller string, index int, next CoverConfig) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	if err := calc.ValidateBps(next.RiskYieldMultiplierBps, "risk yield multiplier"); err != nil {
		return err
	}
	cover, err := e.state.GetCover(index)
	if err != nil {
		return err
	}
	cover.Config = *next.Clone()
	return e.state.PutCover(index, cover)
}

// ApproveLender admits a lender to a tranche.
func (e *Engine) ApproveLender(caller string, t Tranche, lender string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireOperator(caller); err != nil {
		return err
	}
	if lender == "" {
		return ErrZeroAddress
	}
	if int(t) >= TrancheCount {
		return ErrUnknownTranche
	}
	return e.state.SetApprovedLender(t, lender, true)
}

// RemoveLender revokes a lender's access to new operations. Their existing
// position and redemption record stay intact.
func (e *Engine) RemoveLender(caller string, t Tranche, lender string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireOperator(caller); err != nil {
		return err
	}
	if int(t) >= TrancheCount {
		return ErrUnknownTranche
	}
	return e.state.SetApprovedLender(t, lender, false)
}

// SetPoolOn turns the pool on or off.
func (e *Engine) SetPoolOn(caller string, on bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	status, err := e.state.GetStatus()
	if err != nil {
		return err
	}
	status.On = on
	return e.state.PutStatus(status)
}

// SetPaused halts or resumes all mutations.
func (e *Engine) SetPaused(caller string, paused bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	status, err := e.state.GetStatus()
	if err != nil {
		return err
	}
	status.Paused = paused
	return e.state.PutStatus(status)
}

// SetCoverWithdrawalReady signals that cover providers may exit below the
// minimum-liquidity floor. One-way in practice: set when the pool winds down.
func (e *Engine) SetCoverWithdrawalReady(caller string, ready bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	status, err := e.state.GetStatus()
	if err != nil {
		return err
	}
	status.CoverWithdrawalReady = ready
	return e.state.PutStatus(status)
}

// WithdrawProtocolFee pays accrued protocol income to the receiver.
func (e *Engine) WithdrawProtocolFee(caller, receiver string, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	return e.withdrawFee(receiver, amount, func(f *FeeAccrual) *big.Int { return f.Protocol })
}

// WithdrawPoolOwnerFee pays accrued pool-owner income to the treasury.
func (e *Engine) WithdrawPoolOwnerFee(caller string, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if !e.access.IsPoolOwnerTreasury(caller) {
		return ErrNotAuthorized
	}
	return e.withdrawFee(caller, amount, func(f *FeeAccrual) *big.Int { return f.PoolOwner })
}

// WithdrawEAFee pays accrued evaluation-agent income to the agent.
func (e *Engine) WithdrawEAFee(caller string, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if !e.access.IsEvaluationAgent(caller) {
		return ErrNotAuthorized
	}
	return e.withdrawFee(caller, amount, func(f *FeeAccrual) *big.Int { return f.EvaluationAgent })
}

// withdrawFee moves accrued fee cash out of the safe, bounded by both the
// accrued balance and the cash not earmarked for redemptions.
func (e *Engine) withdrawFee(receiver string, amount *big.Int, bucket func(*FeeAccrual) *big.Int) error {
	if receiver == "" {
		return ErrZeroAddress
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	fees, err := e.state.GetFees()
	if err != nil {
		return err
	}
	accrued := bucket(fees)
	if accrued.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	safe, err := e.state.GetSafe()
	if err != nil {
		return err
	}
	spendable := new(big.Int).Sub(safe.TotalBalance, safe.RedemptionReserve)
	if spendable.Cmp(amount) < 0 {
		return ErrInsufficientLiquidity
	}

	accrued.Sub(accrued, amount)
	safe.Withdraw(amount)

	if err := e.state.PutFees(fees); err != nil {
		return err
	}
	if err := e.state.PutSafe(safe); err != nil {
		return err
	}
	return e.ledger.Transfer(SafeAccount, receiver, amount)
}
