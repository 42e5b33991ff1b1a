package pool

import (
	"context"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pool event types emitted through the Recorder.
const (
	EventDeposit             = "deposit"
	EventRedemptionRequested = "redemption_requested"
	EventRedemptionCancelled = "redemption_cancelled"
	EventDisbursement        = "disbursement"
	EventYieldPayout         = "yield_payout"
	EventEpochClosed         = "epoch_closed"
	EventPnLReported         = "pnl_reported"
	EventPaymentReceived     = "payment_received"
	EventDrawdown            = "drawdown"
	EventProfitReconciled    = "profit_reconciled"
	EventCoverDeposit        = "cover_deposit"
	EventCoverRedemption     = "cover_redemption"
	EventCoverYieldPayout    = "cover_yield_payout"
	EventFeeWithdrawal       = "fee_withdrawal"
	EventConfigUpdated       = "config_updated"
	EventLenderApproved      = "lender_approved"
	EventLenderRemoved       = "lender_removed"
	EventStatusChanged       = "status_changed"
)

// PoolEvent is one entry in the pool's activity feed.
type PoolEvent struct {
	Type    string    `json:"type"`
	Tranche string    `json:"tranche,omitempty"`
	Cover   string    `json:"cover,omitempty"`
	Actor   string    `json:"actor,omitempty"`
	Amount  *big.Int  `json:"amount,omitempty"`
	Shares  *big.Int  `json:"shares,omitempty"`
	EpochID uint64    `json:"epoch_id,omitempty"`
	At      time.Time `json:"at"`
}

// Recorder receives the durable side effects of pool operations: epoch
// settlements for the price history and events for the activity feed.
// Implementations must not call back into the Service.
type Recorder interface {
	RecordSettlements(ctx context.Context, settlements []*EpochSettlement) error
	RecordEvent(ctx context.Context, ev *PoolEvent) error
}

// NopRecorder drops everything. Used when no persistence is wired.
type NopRecorder struct{}

func (NopRecorder) RecordSettlements(context.Context, []*EpochSettlement) error { return nil }
func (NopRecorder) RecordEvent(context.Context, *PoolEvent) error               { return nil }

// Service serializes access to the engine and fans results out to the
// recorder. Mutations take the write lock; views run concurrently under the
// read lock.
type Service struct {
	mu       sync.RWMutex
	engine   *Engine
	recorder Recorder
	logger   *zap.SugaredLogger
}

func NewService(engine *Engine, recorder Recorder, logger *zap.SugaredLogger) *Service {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{
		engine:   engine,
		recorder: recorder,
		logger:   logger,
	}
}

// SetClock swaps the engine clock. Test hook.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.SetClock(now)
}

func (s *Service) emit(ctx context.Context, ev *PoolEvent) {
	if ev.At.IsZero() {
		ev.At = s.engine.now()
	}
	if err := s.recorder.RecordEvent(ctx, ev); err != nil {
		s.logger.Warnw("pool event not recorded", "type", ev.Type, "error", err)
	}
}

// InitGenesis bootstraps an empty pool.
func (s *Service) InitGenesis(ctx context.Context, g *Genesis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.InitGenesis(g); err != nil {
		return err
	}
	s.logger.Infow("pool initialized",
		"covers", len(g.Covers),
		"seed_deposits", len(g.Deposits),
	)
	s.emit(ctx, &PoolEvent{Type: EventStatusChanged, Actor: "genesis"})
	return nil
}

// Deposit supplies assets to a tranche on behalf of lender.
func (s *Service) Deposit(ctx context.Context, t Tranche, lender string, amount *big.Int) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shares, err := s.engine.Deposit(t, lender, amount)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("deposit", "tranche", t.String(), "lender", lender, "amount", amount.String(), "shares", shares.String())
	s.emit(ctx, &PoolEvent{
		Type:    EventDeposit,
		Tranche: t.String(),
		Actor:   lender,
		Amount:  new(big.Int).Set(amount),
		Shares:  shares,
	})
	return shares, nil
}

// AddRedemptionRequest escrows shares for the current epoch.
func (s *Service) AddRedemptionRequest(ctx context.Context, t Tranche, lender string, shares *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.AddRedemptionRequest(t, lender, shares); err != nil {
		return err
	}
	s.logger.Infow("redemption requested", "tranche", t.String(), "lender", lender, "shares", shares.String())
	s.emit(ctx, &PoolEvent{
		Type:    EventRedemptionRequested,
		Tranche: t.String(),
		Actor:   lender,
		Shares:  new(big.Int).Set(shares),
	})
	return nil
}

// CancelRedemptionRequest returns escrowed shares to the lender's position.
func (s *Service) CancelRedemptionRequest(ctx context.Context, t Tranche, lender string, shares *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.CancelRedemptionRequest(t, lender, shares); err != nil {
		return err
	}
	s.logger.Infow("redemption cancelled", "tranche", t.String(), "lender", lender, "shares", shares.String())
	s.emit(ctx, &PoolEvent{
		Type:    EventRedemptionCancelled,
		Tranche: t.String(),
		Actor:   lender,
		Shares:  new(big.Int).Set(shares),
	})
	return nil
}

// Disburse pays out everything processed for the lender so far.
func (s *Service) Disburse(ctx context.Context, t Tranche, lender string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	amount, err := s.engine.Disburse(t, lender)
	if err != nil {
		return nil, err
	}
	if amount.Sign() > 0 {
		s.logger.Infow("disbursement", "tranche", t.String(), "lender", lender, "amount", amount.String())
		s.emit(ctx, &PoolEvent{
			Type:    EventDisbursement,
			Tranche: t.String(),
			Actor:   lender,
			Amount:  new(big.Int).Set(amount),
		})
	}
	return amount, nil
}

// SetReinvestYield flips a lender between reinvesting and payout mode.
func (s *Service) SetReinvestYield(ctx context.Context, t Tranche, lender string, reinvest bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.SetReinvestYield(t, lender, reinvest)
}

// ProcessYieldForLenders pays accrued yield to non-reinvesting lenders.
func (s *Service) ProcessYieldForLenders(ctx context.Context, caller string, t Tranche) ([]YieldPayout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payouts, err := s.engine.ProcessYieldForLenders(caller, t)
	if err != nil {
		return nil, err
	}
	for _, p := range payouts {
		s.emit(ctx, &PoolEvent{
			Type:    EventYieldPayout,
			Tranche: t.String(),
			Actor:   p.Lender,
			Amount:  p.Amount,
			Shares:  p.SharesBurned,
		})
	}
	if len(payouts) > 0 {
		s.logger.Infow("yield processed", "tranche", t.String(), "lenders", len(payouts))
	}
	return payouts, nil
}

// CloseEpoch settles the current epoch and opens the next one. Settlements
// are forwarded to the recorder; a recorder failure is logged, not rolled
// back, since the engine state is already committed.
func (s *Service) CloseEpoch(ctx context.Context, caller string) ([]*EpochSettlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settlements, err := s.engine.CloseEpoch(caller)
	if err != nil {
		return nil, err
	}
	if err := s.recorder.RecordSettlements(ctx, settlements); err != nil {
		s.logger.Errorw("settlements not recorded", "error", err)
	}
	var closedID uint64
	if len(settlements) > 0 {
		closedID = settlements[0].EpochID
	}
	s.logger.Infow("epoch closed", "epoch", closedID, "settlements", len(settlements))
	s.emit(ctx, &PoolEvent{Type: EventEpochClosed, Actor: caller, EpochID: closedID})
	return settlements, nil
}

// ReportPnL distributes a profit, loss and recovery report.
func (s *Service) ReportPnL(ctx context.Context, caller string, profit, loss, recovery *big.Int) (*PnLDistribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dist, err := s.engine.ReportPnL(caller, profit, loss, recovery)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("pnl distributed",
		"profit", dist.Profit.String(),
		"loss", dist.Loss.String(),
		"recovery", dist.Recovery.String(),
	)
	s.emit(ctx, &PoolEvent{Type: EventPnLReported, Actor: caller, Amount: new(big.Int).Set(dist.Profit)})
	return dist, nil
}

// ReceivePayment books a borrower principal payment into the safe.
func (s *Service) ReceivePayment(ctx context.Context, caller string, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.ReceivePayment(caller, amount); err != nil {
		return err
	}
	s.logger.Infow("payment received", "amount", amount.String())
	s.emit(ctx, &PoolEvent{Type: EventPaymentReceived, Actor: caller, Amount: new(big.Int).Set(amount)})
	return nil
}

// Drawdown lends pool cash out to the credit line.
func (s *Service) Drawdown(ctx context.Context, caller, to string, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.Drawdown(caller, to, amount); err != nil {
		return err
	}
	s.logger.Infow("drawdown", "to", to, "amount", amount.String())
	s.emit(ctx, &PoolEvent{Type: EventDrawdown, Actor: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// ReconcileProfit folds earmarked profit into tranche assets.
func (s *Service) ReconcileProfit(ctx context.Context, caller string) ([TrancheCount]*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cleared, err := s.engine.ReconcileProfit(caller)
	if err != nil {
		return cleared, err
	}
	for _, t := range Tranches {
		if cleared[t] != nil && cleared[t].Sign() > 0 {
			s.emit(ctx, &PoolEvent{
				Type:    EventProfitReconciled,
				Tranche: t.String(),
				Actor:   caller,
				Amount:  cleared[t],
			})
		}
	}
	return cleared, nil
}

// DepositCover adds assets to a cover layer.
func (s *Service) DepositCover(ctx context.Context, index int, provider string, amount *big.Int) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shares, err := s.engine.DepositCover(index, provider, amount)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("cover deposit", "cover", index, "provider", provider, "amount", amount.String())
	s.emit(ctx, &PoolEvent{
		Type:   EventCoverDeposit,
		Cover:  s.coverName(index),
		Actor:  provider,
		Amount: new(big.Int).Set(amount),
		Shares: shares,
	})
	return shares, nil
}

// RedeemCover burns cover shares for cash once withdrawals are open.
func (s *Service) RedeemCover(ctx context.Context, index int, provider string, shares *big.Int, receiver string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	amount, err := s.engine.RedeemCover(index, provider, shares, receiver)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("cover redemption", "cover", index, "provider", provider, "amount", amount.String())
	s.emit(ctx, &PoolEvent{
		Type:   EventCoverRedemption,
		Cover:  s.coverName(index),
		Actor:  provider,
		Amount: new(big.Int).Set(amount),
		Shares: new(big.Int).Set(shares),
	})
	return amount, nil
}

// PayoutCoverYield distributes cover cash above the configured maximum.
func (s *Service) PayoutCoverYield(ctx context.Context, caller string, index int) ([]YieldPayout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payouts, err := s.engine.PayoutCoverYield(caller, index)
	if err != nil {
		return nil, err
	}
	for _, p := range payouts {
		s.emit(ctx, &PoolEvent{
			Type:   EventCoverYieldPayout,
			Cover:  s.coverName(index),
			Actor:  p.Lender,
			Amount: p.Amount,
		})
	}
	return payouts, nil
}

// AddCoverProvider admits a provider to a cover roster.
func (s *Service) AddCoverProvider(ctx context.Context, caller string, index int, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.AddCoverProvider(caller, index, provider)
}

// RemoveCoverProvider drops a shareless provider from a cover roster.
func (s *Service) RemoveCoverProvider(ctx context.Context, caller string, index int, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.RemoveCoverProvider(caller, index, provider)
}

// SetLPConfig swaps the pool configuration.
func (s *Service) SetLPConfig(ctx context.Context, caller string, next *LPConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.SetLPConfig(caller, next); err != nil {
		return err
	}
	s.logger.Infow("pool config updated", "caller", caller)
	s.emit(ctx, &PoolEvent{Type: EventConfigUpdated, Actor: caller})
	return nil
}

// SetFeeStructure swaps the fee split.
func (s *Service) SetFeeStructure(ctx context.Context, caller string, next *FeeStructure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.SetFeeStructure(caller, next); err != nil {
		return err
	}
	s.emit(ctx, &PoolEvent{Type: EventConfigUpdated, Actor: caller})
	return nil
}

// SetCoverConfig swaps one cover layer's configuration.
func (s *Service) SetCoverConfig(ctx context.Context, caller string, index int, next CoverConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.SetCoverConfig(caller, index, next); err != nil {
		return err
	}
	s.emit(ctx, &PoolEvent{Type: EventConfigUpdated, Cover: s.coverName(index), Actor: caller})
	return nil
}

// ApproveLender admits a lender to a tranche roster.
func (s *Service) ApproveLender(ctx context.Context, caller string, t Tranche, lender string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.ApproveLender(caller, t, lender); err != nil {
		return err
	}
	s.emit(ctx, &PoolEvent{Type: EventLenderApproved, Tranche: t.String(), Actor: lender})
	return nil
}

// RemoveLender drops a lender from a tranche roster.
func (s *Service) RemoveLender(ctx context.Context, caller string, t Tranche, lender string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.RemoveLender(caller, t, lender); err != nil {
		return err
	}
	s.emit(ctx, &PoolEvent{Type: EventLenderRemoved, Tranche: t.String(), Actor: lender})
	return nil
}

// SetPoolOn turns the pool on or off.
func (s *Service) SetPoolOn(ctx context.Context, caller string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.SetPoolOn(caller, on); err != nil {
		return err
	}
	s.logger.Infow("pool status changed", "on", on)
	s.emit(ctx, &PoolEvent{Type: EventStatusChanged, Actor: caller})
	return nil
}

// SetPaused pauses or resumes the protocol.
func (s *Service) SetPaused(ctx context.Context, caller string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.SetPaused(caller, paused); err != nil {
		return err
	}
	s.logger.Infow("protocol pause changed", "paused", paused)
	s.emit(ctx, &PoolEvent{Type: EventStatusChanged, Actor: caller})
	return nil
}

// SetCoverWithdrawalReady opens or closes cover redemptions.
func (s *Service) SetCoverWithdrawalReady(ctx context.Context, caller string, ready bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.SetCoverWithdrawalReady(caller, ready); err != nil {
		return err
	}
	s.emit(ctx, &PoolEvent{Type: EventStatusChanged, Actor: caller})
	return nil
}

// WithdrawProtocolFee pays accrued protocol fees out to receiver.
func (s *Service) WithdrawProtocolFee(ctx context.Context, caller, receiver string, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.WithdrawProtocolFee(caller, receiver, amount); err != nil {
		return err
	}
	s.emit(ctx, &PoolEvent{Type: EventFeeWithdrawal, Actor: receiver, Amount: new(big.Int).Set(amount)})
	return nil
}

// WithdrawPoolOwnerFee pays accrued pool owner fees to the treasury.
func (s *Service) WithdrawPoolOwnerFee(ctx context.Context, caller string, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.WithdrawPoolOwnerFee(caller, amount); err != nil {
		return err
	}
	s.emit(ctx, &PoolEvent{Type: EventFeeWithdrawal, Actor: caller, Amount: new(big.Int).Set(amount)})
	return nil
}

// WithdrawEAFee pays accrued evaluation agent fees.
func (s *Service) WithdrawEAFee(ctx context.Context, caller string, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.WithdrawEAFee(caller, amount); err != nil {
		return err
	}
	s.emit(ctx, &PoolEvent{Type: EventFeeWithdrawal, Actor: caller, Amount: new(big.Int).Set(amount)})
	return nil
}

// Snapshot returns the full pool view.
func (s *Service) Snapshot() (*PoolSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.Snapshot()
}

// LenderView returns one lender's rolled-forward position.
func (s *Service) LenderView(t Tranche, lender string) (*LenderView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.LenderView(t, lender)
}

// EpochSummaryView returns one tranche's epoch summary.
func (s *Service) EpochSummaryView(t Tranche, epochID uint64) (*EpochRedemptionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.EpochSummaryView(t, epochID)
}

// CurrentEpoch returns the open epoch marker.
func (s *Service) CurrentEpoch() (*Epoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.CurrentEpoch()
}

// LPConfigView returns the active configuration.
func (s *Service) LPConfigView() (*LPConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.LPConfigView()
}

// FeeStructureView returns the active fee split.
func (s *Service) FeeStructureView() (*FeeStructure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.FeeStructureView()
}

// AvailableToDraw reports cash the credit line may still draw.
func (s *Service) AvailableToDraw() (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.AvailableToDraw()
}

// CheckConservation returns both sides of the pool's balance identity.
func (s *Service) CheckConservation() (liabilities, funding *big.Int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.CheckConservation()
}

// coverName resolves an index to the layer's name for event payloads. Falls
// back to empty on any lookup failure; callers are already inside the lock.
func (s *Service) coverName(index int) string {
	c, err := s.engine.state.GetCover(index)
	if err != nil || c == nil {
		return ""
	}
	return c.Name
}
