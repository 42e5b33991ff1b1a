package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepositAboveParMintsFewerShares(t *testing.T) {
	p := newTestPool(t, nil, nil)
	p.deposit(t, TrancheJunior, addrLender1, 10_000)

	// Push the junior price to 1.1 with a distributed profit.
	_, err := p.engine.ReportPnL(addrCredit, bi(1000), nil, nil)
	require.NoError(t, err)

	p.approve(t, TrancheJunior, addrLender2)
	p.fund(addrLender2, 1100)
	shares, err := p.engine.Deposit(TrancheJunior, addrLender2, bi(1100))
	require.NoError(t, err)
	assert.Zero(t, shares.Cmp(bi(1000)))
	p.requireConservation(t)
}

func TestRedemptionRequestEscrowsSharesAndPrincipal(t *testing.T) {
	p := newTestPool(t, nil, nil)
	p.deposit(t, TrancheJunior, addrLender1, 10_000)

	require.NoError(t, p.engine.AddRedemptionRequest(TrancheJunior, addrLender1, bi(4000)))

	position, err := p.state.GetPosition(TrancheJunior, addrLender1)
	require.NoError(t, err)
	assert.Zero(t, position.Shares.Cmp(bi(6000)))
	assert.Zero(t, position.Principal.Cmp(bi(6000)))

	rec, err := p.state.GetRedemptionRecord(TrancheJunior, addrLender1)
	require.NoError(t, err)
	assert.Zero(t, rec.NumSharesRequested.Cmp(bi(4000)))
	assert.Zero(t, rec.PrincipalRequested.Cmp(bi(4000)))

	summary, err := p.state.GetEpochSummary(TrancheJunior, 1)
	require.NoError(t, err)
	assert.Zero(t, summary.TotalSharesRequested.Cmp(bi(4000)))
}

func TestRedemptionRequestBeyondPosition(t *testing.T) {
	p := newTestPool(t, nil, nil)
	p.deposit(t, TrancheJunior, addrLender1, 1000)

	err := p.engine.AddRedemptionRequest(TrancheJunior, addrLender1, bi(1001))
	assert.ErrorIs(t, err, ErrInsufficientShares)
}

func TestCancelRestoresProportionalPrincipal(t *testing.T) {
	p := newTestPool(t, nil, nil)
	p.deposit(t, TrancheJunior, addrLender1, 10_000)
	require.NoError(t, p.engine.AddRedemptionRequest(TrancheJunior, addrLender1, bi(4000)))

	require.NoError(t, p.engine.CancelRedemptionRequest(TrancheJunior, addrLender1, bi(2000)))

	position, err := p.state.GetPosition(TrancheJunior, addrLender1)
	require.NoError(t, err)
	assert.Zero(t, position.Shares.Cmp(bi(8000)))
	assert.Zero(t, position.Principal.Cmp(bi(8000)))

	rec, err := p.state.GetRedemptionRecord(TrancheJunior, addrLender1)
	require.NoError(t, err)
	assert.Zero(t, rec.NumSharesRequested.Cmp(bi(2000)))
	assert.Zero(t, rec.PrincipalRequested.Cmp(bi(2000)))

	summary, err := p.state.GetEpochSummary(TrancheJunior, 1)
	require.NoError(t, err)
	assert.Zero(t, summary.TotalSharesRequested.Cmp(bi(2000)))
}

func TestCancelBeyondPendingShares(t *testing.T) {
	p := newTestPool(t, nil, nil)
	p.deposit(t, TrancheJunior, addrLender1, 10_000)
	require.NoError(t, p.engine.AddRedemptionRequest(TrancheJunior, addrLender1, bi(1000)))

	err := p.engine.CancelRedemptionRequest(TrancheJunior, addrLender1, bi(1001))
	assert.ErrorIs(t, err, ErrInsufficientShares)
}

func TestWithdrawalLockout(t *testing.T) {
	cfg := testConfig()
	cfg.WithdrawalLockout = 24 * time.Hour
	p := newTestPool(t, cfg, nil)
	p.deposit(t, TrancheJunior, addrLender1, 10_000)

	p.clock.Advance(time.Hour)
	err := p.engine.AddRedemptionRequest(TrancheJunior, addrLender1, bi(1000))
	assert.ErrorIs(t, err, ErrWithdrawalLockout)

	p.clock.Advance(23 * time.Hour)
	assert.NoError(t, p.engine.AddRedemptionRequest(TrancheJunior, addrLender1, bi(1000)))
}

func TestPrivilegedLenderMinimumRetained(t *testing.T) {
	cfg := testConfig()
	cfg.LiquidityCap = bi(100_000)
	cfg.PoolOwnerMinLiquidityBps = 1000 // 10% of the cap: 10,000
	p := newTestPool(t, cfg, nil)
	p.deposit(t, TrancheJunior, addrTreasury, 15_000)

	err := p.engine.AddRedemptionRequest(TrancheJunior, addrTreasury, bi(5001))
	assert.ErrorIs(t, err, ErrMinLiquidityRequired)

	assert.NoError(t, p.engine.AddRedemptionRequest(TrancheJunior, addrTreasury, bi(5000)))

	// Ordinary lenders may exit fully.
	p.deposit(t, TrancheJunior, addrLender1, 5000)
	assert.NoError(t, p.engine.AddRedemptionRequest(TrancheJunior, addrLender1, bi(5000)))
}

func TestReinvestRosterCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxNonReinvestingLenders = 1
	p := newTestPool(t, cfg, nil)
	p.deposit(t, TrancheJunior, addrLender1, 1000)
	p.deposit(t, TrancheJunior, addrLender2, 1000)

	require.NoError(t, p.engine.SetReinvestYield(TrancheJunior, addrLender1, false))
	err := p.engine.SetReinvestYield(TrancheJunior, addrLender2, false)
	assert.ErrorIs(t, err, ErrLenderRosterFull)

	// Returning to reinvest mode frees the slot.
	require.NoError(t, p.engine.SetReinvestYield(TrancheJunior, addrLender1, true))
	assert.NoError(t, p.engine.SetReinvestYield(TrancheJunior, addrLender2, false))
}

func TestProcessYieldPaysNonReinvestingLenders(t *testing.T) {
	p := newTestPool(t, nil, nil)
	p.deposit(t, TrancheJunior, addrLender1, 10_000)
	require.NoError(t, p.engine.SetReinvestYield(TrancheJunior, addrLender1, false))

	_, err := p.engine.ReportPnL(addrCredit, bi(1000), nil, nil)
	require.NoError(t, err)

	payouts, err := p.engine.ProcessYieldForLenders(addrOperator, TrancheJunior)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, addrLender1, payouts[0].Lender)
	assert.Zero(t, payouts[0].Amount.Cmp(bi(1000)))
	// ceil(1000 * 10000 / 11000) shares must burn to release 1000.
	assert.Zero(t, payouts[0].SharesBurned.Cmp(bi(910)))
	assert.Zero(t, p.ledger.BalanceOf(addrLender1).Cmp(bi(1000)))
	p.requireConservation(t)

	// Position is back at cost basis; a second pass pays nothing.
	payouts, err = p.engine.ProcessYieldForLenders(addrOperator, TrancheJunior)
	require.NoError(t, err)
	assert.Empty(t, payouts)
}

func TestProcessYieldSkipsReinvestingLenders(t *testing.T) {
	p := newTestPool(t, nil, nil)
	p.deposit(t, TrancheJunior, addrLender1, 10_000)

	_, err := p.engine.ReportPnL(addrCredit, bi(1000), nil, nil)
	require.NoError(t, err)

	payouts, err := p.engine.ProcessYieldForLenders(addrOperator, TrancheJunior)
	require.NoError(t, err)
	assert.Empty(t, payouts)
}

func TestProcessYieldBoundedByLiquidity(t *testing.T) {
	p := newTestPool(t, nil, nil)
	p.deposit(t, TrancheJunior, addrLender1, 10_000)
	require.NoError(t, p.engine.SetReinvestYield(TrancheJunior, addrLender1, false))

	_, err := p.engine.ReportPnL(addrCredit, bi(1000), nil, nil)
	require.NoError(t, err)

	// Draw the safe down to 300 spendable.
	require.NoError(t, p.engine.Drawdown(addrCredit, "borrower", bi(9700)))

	payouts, err := p.engine.ProcessYieldForLenders(addrOperator, TrancheJunior)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Zero(t, payouts[0].Amount.Cmp(bi(300)))
	p.requireConservation(t)
}
