package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stagedRedemptionPool sets up a senior lender with a 6000-share request that
// gets funded 3000/1000/2000 across three consecutive epoch closes, driven by
// staged borrower payments.
func stagedRedemptionPool(t *testing.T) *testPool {
	t.Helper()
	p := newTestPool(t, nil, nil)
	p.deposit(t, TrancheJunior, addrLender2, 10_000)
	p.deposit(t, TrancheSenior, addrLender1, 10_000)
	require.NoError(t, p.engine.AddRedemptionRequest(TrancheSenior, addrLender1, bi(6000)))
	require.NoError(t, p.engine.Drawdown(addrCredit, addrCredit, bi(17_000)))

	p.closeEpoch(t) // 3000 available
	require.NoError(t, p.engine.ReceivePayment(addrCredit, bi(1000)))
	p.closeEpoch(t) // 1000 available
	require.NoError(t, p.engine.ReceivePayment(addrCredit, bi(2000)))
	p.closeEpoch(t) // 2000 available
	return p
}

func TestFoldAfterThreeUntouchedEpochs(t *testing.T) {
	p := stagedRedemptionPool(t)

	// The stored record has not been touched since the request.
	rec, err := p.state.GetRedemptionRecord(TrancheSenior, addrLender1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.LastUpdatedEpochID)

	view, err := p.engine.LenderView(TrancheSenior, addrLender1)
	require.NoError(t, err)
	assert.Zero(t, view.WithdrawableAmount.Cmp(bi(6000)))
	assert.Zero(t, view.PendingShares.Sign())

	// The view folds on a copy; the stored record is still behind.
	rec, err = p.state.GetRedemptionRecord(TrancheSenior, addrLender1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.LastUpdatedEpochID)

	amount, err := p.engine.Disburse(TrancheSenior, addrLender1)
	require.NoError(t, err)
	assert.Zero(t, amount.Cmp(bi(6000)))
	assert.Zero(t, p.ledger.BalanceOf(addrLender1).Cmp(bi(6000)))

	safe, err := p.state.GetSafe()
	require.NoError(t, err)
	assert.Zero(t, safe.RedemptionReserve.Sign())
	assert.Zero(t, safe.TotalBalance.Sign())
	p.requireConservation(t)
}

func TestFoldOnceEqualsStepwiseDisbursement(t *testing.T) {
	// Lender A disburses after every close, lender B folds everything at the
	// end; both must receive the same total.
	stepwise := stagedRedemptionPool(t)
	lazy := stagedRedemptionPool(t)

	total := bi(0)
	for i := 0; i < 3; i++ {
		amount, err := stepwise.engine.Disburse(TrancheSenior, addrLender1)
		require.NoError(t, err)
		total.Add(total, amount)
	}
	// All three epochs are closed; every disbursement lands in the first call
	// and the repeats pay zero.
	assert.Zero(t, total.Cmp(bi(6000)))

	amount, err := lazy.engine.Disburse(TrancheSenior, addrLender1)
	require.NoError(t, err)
	assert.Zero(t, amount.Cmp(total))
}

func TestFoldStepByStepAcrossEpochs(t *testing.T) {
	p := newTestPool(t, nil, nil)
	p.deposit(t, TrancheJunior, addrLender2, 10_000)
	p.deposit(t, TrancheSenior, addrLender1, 10_000)
	require.NoError(t, p.engine.AddRedemptionRequest(TrancheSenior, addrLender1, bi(6000)))
	require.NoError(t, p.engine.Drawdown(addrCredit, addrCredit, bi(17_000)))

	p.closeEpoch(t)
	amount, err := p.engine.Disburse(TrancheSenior, addrLender1)
	require.NoError(t, err)
	assert.Zero(t, amount.Cmp(bi(3000)))

	require.NoError(t, p.engine.ReceivePayment(addrCredit, bi(1000)))
	p.closeEpoch(t)
	amount, err = p.engine.Disburse(TrancheSenior, addrLender1)
	require.NoError(t, err)
	assert.Zero(t, amount.Cmp(bi(1000)))

	require.NoError(t, p.engine.ReceivePayment(addrCredit, bi(2000)))
	p.closeEpoch(t)
	amount, err = p.engine.Disburse(TrancheSenior, addrLender1)
	require.NoError(t, err)
	assert.Zero(t, amount.Cmp(bi(2000)))
	p.requireConservation(t)
}

func TestFloorFoldDustHealsNextEpoch(t *testing.T) {
	p := newTestPool(t, nil, nil)
	p.deposit(t, TrancheJunior, addrLender1, 100)
	p.deposit(t, TrancheJunior, addrLender2, 100)
	require.NoError(t, p.engine.AddRedemptionRequest(TrancheJunior, addrLender1, bi(3)))
	require.NoError(t, p.engine.AddRedemptionRequest(TrancheJunior, addrLender2, bi(7)))
	require.NoError(t, p.engine.Drawdown(addrCredit, addrCredit, bi(195)))

	// 5 of 10 requested shares settle; the floor split strands dust.
	p.closeEpoch(t)

	viewA, err := p.engine.LenderView(TrancheJunior, addrLender1)
	require.NoError(t, err)
	assert.Zero(t, viewA.WithdrawableAmount.Cmp(bi(1)), "floor of 5*3/10")
	assert.Zero(t, viewA.PendingShares.Cmp(bi(2)))

	viewB, err := p.engine.LenderView(TrancheJunior, addrLender2)
	require.NoError(t, err)
	assert.Zero(t, viewB.WithdrawableAmount.Cmp(bi(3)), "floor of 5*7/10")
	assert.Zero(t, viewB.PendingShares.Cmp(bi(4)))

	// The next settled epoch clears both lenders completely.
	require.NoError(t, p.engine.ReceivePayment(addrCredit, bi(5)))
	p.closeEpoch(t)

	amountA, err := p.engine.Disburse(TrancheJunior, addrLender1)
	require.NoError(t, err)
	assert.Zero(t, amountA.Cmp(bi(3)))
	amountB, err := p.engine.Disburse(TrancheJunior, addrLender2)
	require.NoError(t, err)
	assert.Zero(t, amountB.Cmp(bi(7)))

	safe, err := p.state.GetSafe()
	require.NoError(t, err)
	assert.Zero(t, safe.RedemptionReserve.Sign())
	p.requireConservation(t)
}

func TestCancelAfterPartialProcessing(t *testing.T) {
	p := newTestPool(t, nil, nil)
	p.deposit(t, TrancheJunior, addrLender2, 10_000)
	p.deposit(t, TrancheSenior, addrLender1, 10_000)
	require.NoError(t, p.engine.AddRedemptionRequest(TrancheSenior, addrLender1, bi(6000)))
	require.NoError(t, p.engine.Drawdown(addrCredit, addrCredit, bi(17_000)))

	p.closeEpoch(t) // 3000 of 6000 processed

	// The unprocessed half can be pulled back; the fold runs first so the
	// settled shares are no longer cancellable.
	err := p.engine.CancelRedemptionRequest(TrancheSenior, addrLender1, bi(3001))
	assert.ErrorIs(t, err, ErrInsufficientShares)
	require.NoError(t, p.engine.CancelRedemptionRequest(TrancheSenior, addrLender1, bi(3000)))

	position, err := p.state.GetPosition(TrancheSenior, addrLender1)
	require.NoError(t, err)
	assert.Zero(t, position.Shares.Cmp(bi(7000)))
	assert.Zero(t, position.Principal.Cmp(bi(7000)))

	// The settled half still disburses.
	amount, err := p.engine.Disburse(TrancheSenior, addrLender1)
	require.NoError(t, err)
	assert.Zero(t, amount.Cmp(bi(3000)))
	p.requireConservation(t)
}
