package pool

import (
	"fmt"
	"math/big"
	"time"

	"github.com/stratafi/strata-backend/internal/calc"
)

// Tranche identifies a risk layer. Senior ranks ahead of junior in loss
// absorption and redemption settlement.
type Tranche uint8

const (
	TrancheSenior Tranche = iota
	TrancheJunior

	TrancheCount = 2
)

// Tranches lists the layers in seniority order.
var Tranches = [TrancheCount]Tranche{TrancheSenior, TrancheJunior}

func (t Tranche) String() string {
	switch t {
	case TrancheSenior:
		return "senior"
	case TrancheJunior:
		return "junior"
	}
	return fmt.Sprintf("tranche(%d)", uint8(t))
}

// ParseTranche resolves the wire name of a tranche.
func ParseTranche(s string) (Tranche, error) {
	switch s {
	case "senior":
		return TrancheSenior, nil
	case "junior":
		return TrancheJunior, nil
	}
	return 0, ErrUnknownTranche
}

// PolicyType selects how profit, loss and recovery are split across tranches.
type PolicyType string

const (
	PolicyFixedSeniorYield PolicyType = "fixed"
	PolicyRiskAdjusted     PolicyType = "riskadjusted"
)

// ParsePolicyType validates a configuration string.
func ParsePolicyType(s string) (PolicyType, error) {
	switch PolicyType(s) {
	case PolicyFixedSeniorYield, PolicyRiskAdjusted:
		return PolicyType(s), nil
	}
	return "", fmt.Errorf("unknown tranche policy %q", s)
}

// TrancheState is the share-vault accounting for one tranche. TotalLoss
// records losses absorbed and not yet recovered.
type TrancheState struct {
	TotalAssets *big.Int
	TotalShares *big.Int
	TotalLoss   *big.Int
}

// Clone returns a deep copy of the tranche state.
func (s *TrancheState) Clone() *TrancheState {
	if s == nil {
		return nil
	}
	clone := &TrancheState{}
	if s.TotalAssets != nil {
		clone.TotalAssets = new(big.Int).Set(s.TotalAssets)
	}
	if s.TotalShares != nil {
		clone.TotalShares = new(big.Int).Set(s.TotalShares)
	}
	if s.TotalLoss != nil {
		clone.TotalLoss = new(big.Int).Set(s.TotalLoss)
	}
	return clone
}

// SeniorYieldTracker accrues the fixed yield owed to the senior tranche
// between distributions. TotalAssets is the senior asset snapshot the accrual
// runs against; it is re-based after every senior mutation.
type SeniorYieldTracker struct {
	TotalAssets *big.Int
	UnpaidYield *big.Int
	LastUpdated time.Time
}

// Clone returns a deep copy of the tracker.
func (t *SeniorYieldTracker) Clone() *SeniorYieldTracker {
	if t == nil {
		return nil
	}
	clone := &SeniorYieldTracker{LastUpdated: t.LastUpdated}
	if t.TotalAssets != nil {
		clone.TotalAssets = new(big.Int).Set(t.TotalAssets)
	}
	if t.UnpaidYield != nil {
		clone.UnpaidYield = new(big.Int).Set(t.UnpaidYield)
	}
	return clone
}

// Refresh accrues unpaid yield at aprBps from LastUpdated to now against the
// recorded asset snapshot, then re-bases the snapshot on the latest senior
// assets. Must run with the old rate before any rate change takes effect.
func (t *SeniorYieldTracker) Refresh(seniorAssets *big.Int, aprBps uint64, now time.Time) {
	if t.UnpaidYield == nil {
		t.UnpaidYield = new(big.Int)
	}
	if t.TotalAssets == nil {
		t.TotalAssets = new(big.Int)
	}
	if !t.LastUpdated.IsZero() && now.After(t.LastUpdated) {
		t.UnpaidYield.Add(t.UnpaidYield, calc.AccruedYield(t.TotalAssets, aprBps, now.Sub(t.LastUpdated)))
	}
	t.TotalAssets = new(big.Int).Set(seniorAssets)
	t.LastUpdated = now
}

// CoverConfig bounds a first-loss layer's absorption and liquidity.
type CoverConfig struct {
	// CoverRatePerLossBps is the share of an incoming loss this layer takes.
	CoverRatePerLossBps uint64 `json:"cover_rate_per_loss_bps"`
	// CoverCapPerLoss caps the absolute amount absorbed per loss event.
	CoverCapPerLoss *big.Int `json:"cover_cap_per_loss"`
	// MinLiquidity is the floor enforced on redemption while the pool has not
	// signaled readiness for cover withdrawal.
	MinLiquidity *big.Int `json:"min_liquidity"`
	// MaxLiquidity caps deposits; assets above it are distributable yield.
	MaxLiquidity *big.Int `json:"max_liquidity"`
	// RiskYieldMultiplierBps weights the layer's claim on junior-side profit.
	RiskYieldMultiplierBps uint64 `json:"risk_yield_multiplier_bps"`
}

// Clone returns a deep copy of the cover config.
func (c *CoverConfig) Clone() *CoverConfig {
	if c == nil {
		return nil
	}
	clone := &CoverConfig{
		CoverRatePerLossBps:    c.CoverRatePerLossBps,
		RiskYieldMultiplierBps: c.RiskYieldMultiplierBps,
	}
	if c.CoverCapPerLoss != nil {
		clone.CoverCapPerLoss = new(big.Int).Set(c.CoverCapPerLoss)
	}
	if c.MinLiquidity != nil {
		clone.MinLiquidity = new(big.Int).Set(c.MinLiquidity)
	}
	if c.MaxLiquidity != nil {
		clone.MaxLiquidity = new(big.Int).Set(c.MaxLiquidity)
	}
	return clone
}

// Validate rejects malformed rate parameters.
func (c *CoverConfig) Validate() error {
	if err := calc.ValidateBps(c.CoverRatePerLossBps, "cover rate per loss"); err != nil {
		return err
	}
	return nil
}

// CoverProvider is one approved capital provider within a cover layer.
type CoverProvider struct {
	Address string
	Shares  *big.Int
}

// Clone returns a deep copy of the provider entry.
func (p *CoverProvider) Clone() *CoverProvider {
	if p == nil {
		return nil
	}
	clone := &CoverProvider{Address: p.Address}
	if p.Shares != nil {
		clone.Shares = new(big.Int).Set(p.Shares)
	}
	return clone
}

// FirstLossCover is one loss-absorption layer. The layer custodies its own
// cash; CoveredLoss is the slice of TotalAssets already lent to the pool safe
// against absorbed losses and pending recovery, so cash on hand is always
// TotalAssets - CoveredLoss.
type FirstLossCover struct {
	Name        string
	TotalAssets *big.Int
	TotalShares *big.Int
	CoveredLoss *big.Int
	Config      CoverConfig
	Providers   []*CoverProvider
}

// Clone returns a deep copy of the cover layer.
func (c *FirstLossCover) Clone() *FirstLossCover {
	if c == nil {
		return nil
	}
	clone := &FirstLossCover{Name: c.Name, Config: *c.Config.Clone()}
	if c.TotalAssets != nil {
		clone.TotalAssets = new(big.Int).Set(c.TotalAssets)
	}
	if c.TotalShares != nil {
		clone.TotalShares = new(big.Int).Set(c.TotalShares)
	}
	if c.CoveredLoss != nil {
		clone.CoveredLoss = new(big.Int).Set(c.CoveredLoss)
	}
	clone.Providers = make([]*CoverProvider, len(c.Providers))
	for i, p := range c.Providers {
		clone.Providers[i] = p.Clone()
	}
	return clone
}

// CashOnHand is the layer's spendable balance: assets not currently lent to
// the safe against covered losses.
func (c *FirstLossCover) CashOnHand() *big.Int {
	cash := new(big.Int).Sub(c.TotalAssets, c.CoveredLoss)
	if cash.Sign() < 0 {
		return new(big.Int)
	}
	return cash
}

// LossCapacity is the amount this layer absorbs out of loss: the configured
// rate slice, bounded by the per-loss cap and by cash on hand.
func (c *FirstLossCover) LossCapacity(loss *big.Int) *big.Int {
	capacity := calc.BpsOf(loss, c.Config.CoverRatePerLossBps)
	if c.Config.CoverCapPerLoss != nil {
		capacity = calc.Min(capacity, c.Config.CoverCapPerLoss)
	}
	return calc.Min(capacity, c.CashOnHand())
}

// Provider returns the roster entry for addr, or nil.
func (c *FirstLossCover) Provider(addr string) *CoverProvider {
	for _, p := range c.Providers {
		if p.Address == addr {
			return p
		}
	}
	return nil
}

// EpochRedemptionSummary batches one tranche's redemption requests for one
// epoch. Immutable once the epoch closes.
type EpochRedemptionSummary struct {
	EpochID              uint64
	TotalSharesRequested *big.Int
	TotalSharesProcessed *big.Int
	TotalAmountProcessed *big.Int
}

// Clone returns a deep copy of the summary.
func (s *EpochRedemptionSummary) Clone() *EpochRedemptionSummary {
	if s == nil {
		return nil
	}
	clone := &EpochRedemptionSummary{EpochID: s.EpochID}
	if s.TotalSharesRequested != nil {
		clone.TotalSharesRequested = new(big.Int).Set(s.TotalSharesRequested)
	}
	if s.TotalSharesProcessed != nil {
		clone.TotalSharesProcessed = new(big.Int).Set(s.TotalSharesProcessed)
	}
	if s.TotalAmountProcessed != nil {
		clone.TotalAmountProcessed = new(big.Int).Set(s.TotalAmountProcessed)
	}
	return clone
}

func newEpochSummary(epochID uint64, carried *big.Int) *EpochRedemptionSummary {
	s := &EpochRedemptionSummary{
		EpochID:              epochID,
		TotalSharesRequested: new(big.Int),
		TotalSharesProcessed: new(big.Int),
		TotalAmountProcessed: new(big.Int),
	}
	if carried != nil {
		s.TotalSharesRequested.Set(carried)
	}
	return s
}

// RedemptionRecord is a lender's running redemption position in one tranche.
// It is only brought current lazily: closed epochs since LastUpdatedEpochID
// are folded in at the start of every lender-facing operation.
type RedemptionRecord struct {
	LastUpdatedEpochID   uint64
	NumSharesRequested   *big.Int
	PrincipalRequested   *big.Int
	TotalAmountProcessed *big.Int
	TotalAmountWithdrawn *big.Int
}

// Clone returns a deep copy of the record.
func (r *RedemptionRecord) Clone() *RedemptionRecord {
	if r == nil {
		return nil
	}
	clone := &RedemptionRecord{LastUpdatedEpochID: r.LastUpdatedEpochID}
	if r.NumSharesRequested != nil {
		clone.NumSharesRequested = new(big.Int).Set(r.NumSharesRequested)
	}
	if r.PrincipalRequested != nil {
		clone.PrincipalRequested = new(big.Int).Set(r.PrincipalRequested)
	}
	if r.TotalAmountProcessed != nil {
		clone.TotalAmountProcessed = new(big.Int).Set(r.TotalAmountProcessed)
	}
	if r.TotalAmountWithdrawn != nil {
		clone.TotalAmountWithdrawn = new(big.Int).Set(r.TotalAmountWithdrawn)
	}
	return clone
}

func newRedemptionRecord(epochID uint64) *RedemptionRecord {
	return &RedemptionRecord{
		LastUpdatedEpochID:   epochID,
		NumSharesRequested:   new(big.Int),
		PrincipalRequested:   new(big.Int),
		TotalAmountProcessed: new(big.Int),
		TotalAmountWithdrawn: new(big.Int),
	}
}

// Withdrawable is the processed amount not yet disbursed.
func (r *RedemptionRecord) Withdrawable() *big.Int {
	w := new(big.Int).Sub(r.TotalAmountProcessed, r.TotalAmountWithdrawn)
	if w.Sign() < 0 {
		return new(big.Int)
	}
	return w
}

// LenderPosition is a lender's holding in one tranche: spendable shares plus
// the deposit cost basis yield is measured against. Shares moved into a
// redemption request leave the position until processed or cancelled.
type LenderPosition struct {
	Shares          *big.Int
	Principal       *big.Int
	ReinvestYield   bool
	LastDepositTime time.Time
}

// Clone returns a deep copy of the position.
func (p *LenderPosition) Clone() *LenderPosition {
	if p == nil {
		return nil
	}
	clone := &LenderPosition{ReinvestYield: p.ReinvestYield, LastDepositTime: p.LastDepositTime}
	if p.Shares != nil {
		clone.Shares = new(big.Int).Set(p.Shares)
	}
	if p.Principal != nil {
		clone.Principal = new(big.Int).Set(p.Principal)
	}
	return clone
}

func newLenderPosition() *LenderPosition {
	return &LenderPosition{
		Shares:        new(big.Int),
		Principal:     new(big.Int),
		ReinvestYield: true,
	}
}

// FeeAccrual holds admin income earned but not yet withdrawn. The backing
// cash sits in the pool safe.
type FeeAccrual struct {
	Protocol        *big.Int
	PoolOwner       *big.Int
	EvaluationAgent *big.Int
}

// Clone returns a deep copy of the accrual.
func (f *FeeAccrual) Clone() *FeeAccrual {
	if f == nil {
		return nil
	}
	clone := &FeeAccrual{}
	if f.Protocol != nil {
		clone.Protocol = new(big.Int).Set(f.Protocol)
	}
	if f.PoolOwner != nil {
		clone.PoolOwner = new(big.Int).Set(f.PoolOwner)
	}
	if f.EvaluationAgent != nil {
		clone.EvaluationAgent = new(big.Int).Set(f.EvaluationAgent)
	}
	return clone
}

// Total is the combined undrawn fee liability.
func (f *FeeAccrual) Total() *big.Int {
	total := new(big.Int)
	if f.Protocol != nil {
		total.Add(total, f.Protocol)
	}
	if f.PoolOwner != nil {
		total.Add(total, f.PoolOwner)
	}
	if f.EvaluationAgent != nil {
		total.Add(total, f.EvaluationAgent)
	}
	return total
}

// CreditState tracks the borrower-side exposure: principal and accrued
// interest outstanding against the pool.
type CreditState struct {
	Outstanding *big.Int
}

// Clone returns a deep copy of the credit state.
func (c *CreditState) Clone() *CreditState {
	if c == nil {
		return nil
	}
	clone := &CreditState{}
	if c.Outstanding != nil {
		clone.Outstanding = new(big.Int).Set(c.Outstanding)
	}
	return clone
}

// Epoch is the currently open settlement period.
type Epoch struct {
	ID      uint64
	EndTime time.Time
}

// Clone returns a copy of the epoch marker.
func (e *Epoch) Clone() *Epoch {
	if e == nil {
		return nil
	}
	return &Epoch{ID: e.ID, EndTime: e.EndTime}
}

// PoolStatus carries the operational flags gate checks read.
type PoolStatus struct {
	On                   bool
	Paused               bool
	CoverWithdrawalReady bool
}

// Clone returns a copy of the status flags.
func (s *PoolStatus) Clone() *PoolStatus {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// LPConfig is the governance-controlled tranche and liquidity configuration.
type LPConfig struct {
	TranchePolicy             PolicyType `json:"tranche_policy"`
	FixedSeniorYieldBps       uint64     `json:"fixed_senior_yield_bps"`
	TranchesRiskAdjustmentBps uint64     `json:"tranches_risk_adjustment_bps"`
	// MaxSeniorJuniorRatio caps senior assets at ratio * junior assets.
	MaxSeniorJuniorRatio uint64        `json:"max_senior_junior_ratio"`
	LiquidityCap         *big.Int      `json:"liquidity_cap"`
	LiquidityFloor       *big.Int      `json:"liquidity_floor"`
	MinDepositAmount     *big.Int      `json:"min_deposit_amount"`
	WithdrawalLockout    time.Duration `json:"withdrawal_lockout"`
	// MaxNonReinvestingLenders bounds the per-distribution payout roster.
	MaxNonReinvestingLenders int `json:"max_non_reinvesting_lenders"`
	// Privileged lenders must keep this share of the liquidity cap deposited.
	PoolOwnerMinLiquidityBps       uint64          `json:"pool_owner_min_liquidity_bps"`
	EvaluationAgentMinLiquidityBps uint64          `json:"evaluation_agent_min_liquidity_bps"`
	EpochPeriodUnit                calc.PeriodUnit `json:"epoch_period_unit"`
	EpochPeriodLength              int             `json:"epoch_period_length"`
}

// Clone returns a deep copy of the config.
func (c *LPConfig) Clone() *LPConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.LiquidityCap != nil {
		clone.LiquidityCap = new(big.Int).Set(c.LiquidityCap)
	}
	if c.LiquidityFloor != nil {
		clone.LiquidityFloor = new(big.Int).Set(c.LiquidityFloor)
	}
	if c.MinDepositAmount != nil {
		clone.MinDepositAmount = new(big.Int).Set(c.MinDepositAmount)
	}
	return &clone
}

// Validate rejects malformed rate and period parameters.
func (c *LPConfig) Validate() error {
	if _, err := ParsePolicyType(string(c.TranchePolicy)); err != nil {
		return err
	}
	if err := calc.ValidateBps(c.TranchesRiskAdjustmentBps, "risk adjustment"); err != nil {
		return err
	}
	if err := calc.ValidateBps(c.PoolOwnerMinLiquidityBps, "pool owner min liquidity"); err != nil {
		return err
	}
	if err := calc.ValidateBps(c.EvaluationAgentMinLiquidityBps, "evaluation agent min liquidity"); err != nil {
		return err
	}
	if _, err := calc.ParsePeriodUnit(string(c.EpochPeriodUnit)); err != nil {
		return err
	}
	if c.EpochPeriodLength < 1 {
		return fmt.Errorf("epoch period length must be at least 1")
	}
	return nil
}

// FeeStructure is the admin income split applied to distributed profit:
// protocol off the top, pool owner and evaluation agent from the remainder.
type FeeStructure struct {
	ProtocolFeeBps        uint64 `json:"protocol_fee_bps"`
	PoolOwnerFeeBps       uint64 `json:"pool_owner_fee_bps"`
	EvaluationAgentFeeBps uint64 `json:"evaluation_agent_fee_bps"`
}

// Clone returns a copy of the fee structure.
func (f *FeeStructure) Clone() *FeeStructure {
	if f == nil {
		return nil
	}
	cp := *f
	return &cp
}

// Validate rejects splits that exceed the whole.
func (f *FeeStructure) Validate() error {
	if err := calc.ValidateBps(f.ProtocolFeeBps, "protocol fee"); err != nil {
		return err
	}
	if f.PoolOwnerFeeBps+f.EvaluationAgentFeeBps > calc.BpsDenominator {
		return fmt.Errorf("pool owner and evaluation agent fees exceed 100%%")
	}
	return nil
}
