package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureRecorder collects everything the service emits.
type captureRecorder struct {
	events      []*PoolEvent
	settlements []*EpochSettlement
	failEvents  bool
}

func (r *captureRecorder) RecordEvent(_ context.Context, ev *PoolEvent) error {
	if r.failEvents {
		return errors.New("sink down")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *captureRecorder) RecordSettlements(_ context.Context, batch []*EpochSettlement) error {
	r.settlements = append(r.settlements, batch...)
	return nil
}

func (r *captureRecorder) eventTypes() []string {
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestService(t *testing.T) (*Service, *captureRecorder, *testPool) {
	t.Helper()
	p := newTestPool(t, nil, nil)
	rec := &captureRecorder{}
	svc := NewService(p.engine, rec, nil)
	return svc, rec, p
}

func TestServiceEmitsLifecycleEvents(t *testing.T) {
	svc, rec, p := newTestService(t)
	ctx := context.Background()

	p.approve(t, TrancheJunior, addrLender1)
	p.fund(addrLender1, 10_000)
	shares, err := svc.Deposit(ctx, TrancheJunior, addrLender1, bi(10_000))
	require.NoError(t, err)
	require.Zero(t, shares.Cmp(bi(10_000)))

	require.NoError(t, svc.AddRedemptionRequest(ctx, TrancheJunior, addrLender1, bi(4000)))
	require.NoError(t, svc.CancelRedemptionRequest(ctx, TrancheJunior, addrLender1, bi(1000)))

	assert.Equal(t, []string{EventDeposit, EventRedemptionRequested, EventRedemptionCancelled},
		rec.eventTypes())

	ev := rec.events[0]
	assert.Equal(t, addrLender1, ev.Actor)
	assert.Equal(t, "junior", ev.Tranche)
	assert.Zero(t, ev.Amount.Cmp(bi(10_000)))
	assert.Zero(t, ev.Shares.Cmp(bi(10_000)))
	assert.False(t, ev.At.IsZero())
}

func TestServiceFailedOpsEmitNothing(t *testing.T) {
	svc, rec, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, TrancheJunior, addrLender1, bi(100))
	assert.ErrorIs(t, err, ErrLenderNotApproved)
	assert.Empty(t, rec.events)
}

func TestServiceForwardsSettlements(t *testing.T) {
	svc, rec, p := newTestService(t)
	ctx := context.Background()

	p.deposit(t, TrancheJunior, addrLender1, 10_000)
	require.NoError(t, svc.AddRedemptionRequest(ctx, TrancheJunior, addrLender1, bi(2500)))

	epoch, err := p.state.GetEpoch()
	require.NoError(t, err)
	p.clock.now = epoch.EndTime

	settlements, err := svc.CloseEpoch(ctx, addrOperator)
	require.NoError(t, err)
	require.Len(t, settlements, TrancheCount)
	assert.Len(t, rec.settlements, TrancheCount, "close hands the settlement batch to the recorder")
	assert.Contains(t, rec.eventTypes(), EventEpochClosed)
}

func TestServiceRecorderFailureDoesNotBlock(t *testing.T) {
	svc, rec, p := newTestService(t)
	rec.failEvents = true
	ctx := context.Background()

	p.approve(t, TrancheJunior, addrLender1)
	p.fund(addrLender1, 1000)
	_, err := svc.Deposit(ctx, TrancheJunior, addrLender1, bi(1000))
	require.NoError(t, err, "a dead event sink must not fail the money path")

	pos, err := p.state.GetPosition(TrancheJunior, addrLender1)
	require.NoError(t, err)
	assert.Zero(t, pos.Shares.Cmp(bi(1000)))
}

func TestServiceViewsPassThrough(t *testing.T) {
	svc, _, p := newTestService(t)
	p.deposit(t, TrancheJunior, addrLender1, 10_000)

	snap, err := svc.Snapshot()
	require.NoError(t, err)
	assert.Zero(t, snap.Tranches[TrancheJunior].TotalAssets.Cmp(bi(10_000)))

	view, err := svc.LenderView(TrancheJunior, addrLender1)
	require.NoError(t, err)
	assert.Zero(t, view.Shares.Cmp(bi(10_000)))

	epoch, err := svc.CurrentEpoch()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), epoch.ID)

	liabilities, funding, err := svc.CheckConservation()
	require.NoError(t, err)
	assert.Zero(t, liabilities.Cmp(funding))
}

func TestServiceCreditEvents(t *testing.T) {
	svc, rec, p := newTestService(t)
	ctx := context.Background()
	p.deposit(t, TrancheJunior, addrLender1, 10_000)
	rec.events = nil

	require.NoError(t, svc.Drawdown(ctx, addrCredit, "borrower-1", bi(4000)))
	p.fund(addrCredit, 1000)
	require.NoError(t, svc.ReceivePayment(ctx, addrCredit, bi(1000)))
	_, err := svc.ReportPnL(ctx, addrCredit, bi(500), nil, nil)
	require.NoError(t, err)
	_, err = svc.ReconcileProfit(ctx, addrOperator)
	require.NoError(t, err)

	assert.Equal(t, []string{EventDrawdown, EventPaymentReceived, EventPnLReported, EventProfitReconciled},
		rec.eventTypes())
}

func TestServiceClockForwarding(t *testing.T) {
	svc, _, p := newTestService(t)
	fixed := testStart.Add(90 * time.Minute)
	svc.SetClock(func() time.Time { return fixed })

	p.deposit(t, TrancheJunior, addrLender1, 1000)
	pos, err := p.state.GetPosition(TrancheJunior, addrLender1)
	require.NoError(t, err)
	assert.Equal(t, fixed, pos.LastDepositTime, "service clock reaches the engine")
}
