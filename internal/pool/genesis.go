package pool

import (
	"fmt"
	"math/big"
	"time"

	"github.com/stratafi/strata-backend/internal/calc"
)

// Genesis is the bootstrap description applied once when a pool is brought
// up: configuration, fee split, cover layers, lender rosters and the seed
// deposits that open the book. Seed lenders and providers must already hold
// token balances on the ledger the engine was built with.
type Genesis struct {
	Config     *LPConfig     `json:"config"`
	Fees       *FeeStructure `json:"fees"`
	EpochStart time.Time     `json:"epoch_start"`

	ApprovedLenders [TrancheCount][]string `json:"approved_lenders"`
	Covers          []CoverGenesis         `json:"covers"`
	Deposits        []SeedDeposit          `json:"deposits"`
}

// CoverGenesis declares one first-loss cover layer, in priority order.
type CoverGenesis struct {
	Name      string      `json:"name"`
	Config    CoverConfig `json:"config"`
	Providers []string    `json:"providers"`
	Deposits  []CoverSeed `json:"deposits"`
}

// SeedDeposit funds a tranche position at bootstrap.
type SeedDeposit struct {
	Tranche Tranche  `json:"tranche"`
	Lender  string   `json:"lender"`
	Amount  *big.Int `json:"amount"`
}

// CoverSeed funds a cover provider position at bootstrap.
type CoverSeed struct {
	Provider string   `json:"provider"`
	Amount   *big.Int `json:"amount"`
}

// Validate rejects a genesis document the engine could not apply.
func (g *Genesis) Validate() error {
	if g.Config == nil {
		return fmt.Errorf("pool genesis: missing config")
	}
	if err := g.Config.Validate(); err != nil {
		return fmt.Errorf("pool genesis: %w", err)
	}
	if g.Fees == nil {
		return fmt.Errorf("pool genesis: missing fee structure")
	}
	if err := g.Fees.Validate(); err != nil {
		return fmt.Errorf("pool genesis: %w", err)
	}
	for t, roster := range g.ApprovedLenders {
		for _, addr := range roster {
			if addr == "" {
				return fmt.Errorf("pool genesis: empty lender address in %s roster", Tranche(t))
			}
		}
	}
	names := make(map[string]struct{}, len(g.Covers))
	for i, cg := range g.Covers {
		if cg.Name == "" {
			return fmt.Errorf("pool genesis: cover %d has no name", i)
		}
		if _, dup := names[cg.Name]; dup {
			return fmt.Errorf("pool genesis: duplicate cover name %q", cg.Name)
		}
		names[cg.Name] = struct{}{}
		for _, p := range cg.Providers {
			if p == "" {
				return fmt.Errorf("pool genesis: cover %q lists an empty provider", cg.Name)
			}
		}
		for _, s := range cg.Deposits {
			if s.Provider == "" {
				return fmt.Errorf("pool genesis: cover %q seed has no provider", cg.Name)
			}
			if s.Amount == nil || s.Amount.Sign() <= 0 {
				return fmt.Errorf("pool genesis: cover %q seed for %s has non-positive amount", cg.Name, s.Provider)
			}
		}
	}
	for _, d := range g.Deposits {
		if int(d.Tranche) >= TrancheCount {
			return fmt.Errorf("pool genesis: seed deposit names unknown tranche %d", d.Tranche)
		}
		if d.Lender == "" {
			return fmt.Errorf("pool genesis: seed deposit has no lender")
		}
		if d.Amount == nil || d.Amount.Sign() <= 0 {
			return fmt.Errorf("pool genesis: seed deposit for %s has non-positive amount", d.Lender)
		}
	}
	return nil
}

// InitGenesis applies a genesis document to an empty pool: records first,
// then seed deposits through the regular operations so share accounting and
// guards hold from the first block of history. It refuses to run against a
// pool that already has an open epoch.
func (e *Engine) InitGenesis(g *Genesis) error {
	if err := e.ready(); err != nil {
		return err
	}
	if g == nil {
		return fmt.Errorf("pool genesis: nil document")
	}
	if err := g.Validate(); err != nil {
		return err
	}
	epoch, err := e.state.GetEpoch()
	if err != nil {
		return err
	}
	if epoch != nil && epoch.ID != 0 {
		return fmt.Errorf("pool genesis: pool already initialized at epoch %d", epoch.ID)
	}

	start := g.EpochStart
	if start.IsZero() {
		start = e.now()
	}
	start = start.UTC()

	if err := e.state.PutLPConfig(g.Config.Clone()); err != nil {
		return err
	}
	if err := e.state.PutFeeStructure(g.Fees.Clone()); err != nil {
		return err
	}
	for _, t := range Tranches {
		ts := &TrancheState{
			TotalAssets: new(big.Int),
			TotalShares: new(big.Int),
			TotalLoss:   new(big.Int),
		}
		if err := e.state.PutTranche(t, ts); err != nil {
			return err
		}
	}
	if err := e.state.PutSafe(newSafeState()); err != nil {
		return err
	}
	fees := &FeeAccrual{
		Protocol:        new(big.Int),
		PoolOwner:       new(big.Int),
		EvaluationAgent: new(big.Int),
	}
	if err := e.state.PutFees(fees); err != nil {
		return err
	}
	if err := e.state.PutCredit(&CreditState{Outstanding: new(big.Int)}); err != nil {
		return err
	}
	tracker := &SeniorYieldTracker{
		TotalAssets: new(big.Int),
		UnpaidYield: new(big.Int),
		LastUpdated: start,
	}
	if err := e.state.PutYieldTracker(tracker); err != nil {
		return err
	}
	first := &Epoch{
		ID:      1,
		EndTime: calc.NextEpochEnd(start, g.Config.EpochPeriodUnit, g.Config.EpochPeriodLength),
	}
	if err := e.state.PutEpoch(first); err != nil {
		return err
	}
	if err := e.state.PutStatus(&PoolStatus{On: true}); err != nil {
		return err
	}

	for t, roster := range g.ApprovedLenders {
		for _, addr := range roster {
			if err := e.state.SetApprovedLender(Tranche(t), addr, true); err != nil {
				return err
			}
		}
	}

	for _, cg := range g.Covers {
		cover := &FirstLossCover{
			Name:        cg.Name,
			TotalAssets: new(big.Int),
			TotalShares: new(big.Int),
			CoveredLoss: new(big.Int),
			Config:      *cg.Config.Clone(),
		}
		for _, p := range cg.Providers {
			cover.Providers = append(cover.Providers, &CoverProvider{
				Address: p,
				Shares:  new(big.Int),
			})
		}
		if _, err := e.state.AddCover(cover); err != nil {
			return err
		}
	}

	// Junior capital lands first so the senior ratio guard never trips on a
	// still-empty junior tranche.
	for _, pass := range []Tranche{TrancheJunior, TrancheSenior} {
		for _, d := range g.Deposits {
			if d.Tranche != pass {
				continue
			}
			if _, err := e.Deposit(d.Tranche, d.Lender, d.Amount); err != nil {
				return fmt.Errorf("pool genesis: seed deposit %s/%s: %w", d.Tranche, d.Lender, err)
			}
		}
	}
	for i, cg := range g.Covers {
		for _, s := range cg.Deposits {
			if _, err := e.DepositCover(i, s.Provider, s.Amount); err != nil {
				return fmt.Errorf("pool genesis: cover seed %s/%s: %w", cg.Name, s.Provider, err)
			}
		}
	}
	return nil
}
