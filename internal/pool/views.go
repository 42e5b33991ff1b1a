package pool

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stratafi/strata-backend/internal/calc"
)

// TrancheView is a read-only projection of one tranche.
type TrancheView struct {
	Tranche     Tranche
	TotalAssets *big.Int
	TotalShares *big.Int
	TotalLoss   *big.Int
	SharePrice  decimal.Decimal
}

// CoverLayerView is a read-only projection of one cover layer.
type CoverLayerView struct {
	Index       int
	Name        string
	TotalAssets *big.Int
	TotalShares *big.Int
	CoveredLoss *big.Int
	CashOnHand  *big.Int
	SharePrice  decimal.Decimal
	Config      CoverConfig
	Providers   []*CoverProvider
}

// PoolSnapshot is the full read-only view of pool state at one instant.
type PoolSnapshot struct {
	Tranches          [TrancheCount]TrancheView
	Covers            []CoverLayerView
	SafeBalance       *big.Int
	RedemptionReserve *big.Int
	UnprocessedProfit [TrancheCount]*big.Int
	Fees              *FeeAccrual
	OutstandingCredit *big.Int
	AvailableToDraw   *big.Int
	YieldTracker      *SeniorYieldTracker
	Epoch             *Epoch
	Status            *PoolStatus
	TakenAt           time.Time
}

// Snapshot assembles the full pool view. Read-only: no record is written.
func (e *Engine) Snapshot() (*PoolSnapshot, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	snap := &PoolSnapshot{TakenAt: e.now()}
	for _, t := range Tranches {
		ts, err := e.state.GetTranche(t)
		if err != nil {
			return nil, err
		}
		snap.Tranches[t] = TrancheView{
			Tranche:     t,
			TotalAssets: ts.TotalAssets,
			TotalShares: ts.TotalShares,
			TotalLoss:   ts.TotalLoss,
			SharePrice:  calc.SharePrice(ts.TotalAssets, ts.TotalShares),
		}
	}
	covers, err := e.loadCovers()
	if err != nil {
		return nil, err
	}
	for i, c := range covers {
		snap.Covers = append(snap.Covers, CoverLayerView{
			Index:       i,
			Name:        c.Name,
			TotalAssets: c.TotalAssets,
			TotalShares: c.TotalShares,
			CoveredLoss: c.CoveredLoss,
			CashOnHand:  c.CashOnHand(),
			SharePrice:  calc.SharePrice(c.TotalAssets, c.TotalShares),
			Config:      c.Config,
			Providers:   c.Providers,
		})
	}
	safe, err := e.state.GetSafe()
	if err != nil {
		return nil, err
	}
	snap.SafeBalance = safe.TotalBalance
	snap.RedemptionReserve = safe.RedemptionReserve
	snap.UnprocessedProfit = safe.UnprocessedProfit
	if snap.Fees, err = e.state.GetFees(); err != nil {
		return nil, err
	}
	credit, err := e.state.GetCredit()
	if err != nil {
		return nil, err
	}
	snap.OutstandingCredit = credit.Outstanding
	if snap.AvailableToDraw, err = e.AvailableToDraw(); err != nil {
		return nil, err
	}
	if snap.YieldTracker, err = e.state.GetYieldTracker(); err != nil {
		return nil, err
	}
	// Present the accrual as of now. The refresh runs on the copy; nothing
	// is written back. A pool with no config yet just shows the stored state.
	if cfg, cfgErr := e.state.GetLPConfig(); cfgErr == nil {
		refreshSeniorYield(cfg, snap.YieldTracker, snap.Tranches[TrancheSenior].TotalAssets, snap.TakenAt)
	}
	if snap.Epoch, err = e.state.GetEpoch(); err != nil {
		return nil, err
	}
	if snap.Status, err = e.state.GetStatus(); err != nil {
		return nil, err
	}
	return snap, nil
}

// LenderView is the rolled-forward picture of one lender in one tranche.
// Computed on copies; nothing is persisted.
type LenderView struct {
	Tranche            Tranche
	Lender             string
	Shares             *big.Int
	ShareValue         *big.Int
	Principal          *big.Int
	ReinvestYield      bool
	LastDepositTime    time.Time
	PendingShares      *big.Int
	PendingPrincipal   *big.Int
	WithdrawableAmount *big.Int
	CancellableShares  *big.Int
}

// LenderView reports a lender's current position with every closed epoch
// folded in.
func (e *Engine) LenderView(t Tranche, lender string) (*LenderView, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if int(t) >= TrancheCount {
		return nil, ErrUnknownTranche
	}
	if lender == "" {
		return nil, ErrZeroAddress
	}
	position, err := e.state.GetPosition(t, lender)
	if err != nil {
		return nil, err
	}
	if position == nil {
		position = newLenderPosition()
	}
	epoch, err := e.state.GetEpoch()
	if err != nil {
		return nil, err
	}
	rec, err := e.loadCurrentRedemptionRecord(t, lender, epoch.ID)
	if err != nil {
		return nil, err
	}
	tranche, err := e.state.GetTranche(t)
	if err != nil {
		return nil, err
	}
	return &LenderView{
		Tranche:            t,
		Lender:             lender,
		Shares:             position.Shares,
		ShareValue:         calc.AssetsForShares(position.Shares, tranche.TotalAssets, tranche.TotalShares),
		Principal:          position.Principal,
		ReinvestYield:      position.ReinvestYield,
		LastDepositTime:    position.LastDepositTime,
		PendingShares:      rec.NumSharesRequested,
		PendingPrincipal:   rec.PrincipalRequested,
		WithdrawableAmount: rec.Withdrawable(),
		CancellableShares:  new(big.Int).Set(rec.NumSharesRequested),
	}, nil
}

// EpochSummaryView returns one tranche's summary for an epoch, nil when none
// was recorded.
func (e *Engine) EpochSummaryView(t Tranche, epochID uint64) (*EpochRedemptionSummary, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if int(t) >= TrancheCount {
		return nil, ErrUnknownTranche
	}
	return e.state.GetEpochSummary(t, epochID)
}

// CurrentEpoch returns the open epoch marker.
func (e *Engine) CurrentEpoch() (*Epoch, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.state.GetEpoch()
}

// LPConfigView returns the active configuration.
func (e *Engine) LPConfigView() (*LPConfig, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.state.GetLPConfig()
}

// FeeStructureView returns the active fee split.
func (e *Engine) FeeStructureView() (*FeeStructure, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.state.GetFeeStructure()
}

// CheckConservation verifies the pool's books: tranche claims, fee and
// redemption liabilities and covered losses on one side must equal safe cash
// plus outstanding credit on the other. Returns both sides.
func (e *Engine) CheckConservation() (liabilities, funding *big.Int, err error) {
	if err := e.ready(); err != nil {
		return nil, nil, err
	}
	liabilities = new(big.Int)
	for _, t := range Tranches {
		ts, err := e.state.GetTranche(t)
		if err != nil {
			return nil, nil, err
		}
		liabilities.Add(liabilities, ts.TotalAssets)
	}
	fees, err := e.state.GetFees()
	if err != nil {
		return nil, nil, err
	}
	liabilities.Add(liabilities, fees.Total())
	safe, err := e.state.GetSafe()
	if err != nil {
		return nil, nil, err
	}
	liabilities.Add(liabilities, safe.RedemptionReserve)
	covers, err := e.loadCovers()
	if err != nil {
		return nil, nil, err
	}
	for _, c := range covers {
		liabilities.Add(liabilities, c.CoveredLoss)
	}

	credit, err := e.state.GetCredit()
	if err != nil {
		return nil, nil, err
	}
	funding = new(big.Int).Add(safe.TotalBalance, credit.Outstanding)
	return liabilities, funding, nil
}
