package initializer

import (
	"fmt"
	"math/big"
	"time"

	initpkg "github.com/stratafi/strata-backend/cmd/initializer/pkg"
	"github.com/stratafi/strata-backend/internal/calc"
	"github.com/stratafi/strata-backend/internal/pool"
)

// Params names the addresses and seed sizes a development genesis is built
// around. Zero seed amounts leave the pool empty but configured.
type Params struct {
	Admin             string
	Operator          string
	CreditService     string
	PoolOwnerTreasury string
	EvaluationAgent   string
	ProtocolTreasury  string

	JuniorLender string
	SeniorLender string
	SeedJunior   *big.Int
	SeedSenior   *big.Int

	CoverProvider string
	SeedCover     *big.Int

	EpochStart time.Time
}

// DefaultDocument assembles a complete development genesis: fixed-senior-yield
// policy, month epochs, one borrower-risk cover layer, and the given seed
// deposits. The caller still runs it through DryRun before writing.
func DefaultDocument(p Params) (initpkg.Document, error) {
	if p.Admin == "" || p.Operator == "" || p.CreditService == "" {
		return initpkg.Document{}, fmt.Errorf("initializer: admin, operator and credit service addresses are required")
	}
	if p.EpochStart.IsZero() {
		p.EpochStart = time.Now().UTC()
	}

	doc := initpkg.Document{
		Roles: pool.Roles{
			ProtocolAdmins:    []string{p.Admin},
			PoolOperators:     []string{p.Operator},
			CreditService:     p.CreditService,
			PoolOwnerTreasury: p.PoolOwnerTreasury,
			EvaluationAgent:   p.EvaluationAgent,
			ProtocolTreasury:  p.ProtocolTreasury,
		},
		Pool: &pool.Genesis{
			Config: &pool.LPConfig{
				TranchePolicy:                  pool.PolicyFixedSeniorYield,
				FixedSeniorYieldBps:            1200,
				MaxSeniorJuniorRatio:           4,
				LiquidityCap:                   big.NewInt(100_000_000),
				LiquidityFloor:                 big.NewInt(0),
				MinDepositAmount:               big.NewInt(100),
				WithdrawalLockout:              0,
				MaxNonReinvestingLenders:       50,
				PoolOwnerMinLiquidityBps:       0,
				EvaluationAgentMinLiquidityBps: 0,
				EpochPeriodUnit:                calc.PeriodMonth,
				EpochPeriodLength:              1,
			},
			Fees: &pool.FeeStructure{
				ProtocolFeeBps:        1000,
				PoolOwnerFeeBps:       200,
				EvaluationAgentFeeBps: 300,
			},
			EpochStart: p.EpochStart,
		},
	}

	if p.JuniorLender != "" {
		doc.Pool.ApprovedLenders[pool.TrancheJunior] = append(doc.Pool.ApprovedLenders[pool.TrancheJunior], p.JuniorLender)
		if p.SeedJunior != nil && p.SeedJunior.Sign() > 0 {
			doc.Pool.Deposits = append(doc.Pool.Deposits, pool.SeedDeposit{
				Tranche: pool.TrancheJunior,
				Lender:  p.JuniorLender,
				Amount:  new(big.Int).Set(p.SeedJunior),
			})
		}
	}
	if p.SeniorLender != "" {
		doc.Pool.ApprovedLenders[pool.TrancheSenior] = append(doc.Pool.ApprovedLenders[pool.TrancheSenior], p.SeniorLender)
		if p.SeedSenior != nil && p.SeedSenior.Sign() > 0 {
			doc.Pool.Deposits = append(doc.Pool.Deposits, pool.SeedDeposit{
				Tranche: pool.TrancheSenior,
				Lender:  p.SeniorLender,
				Amount:  new(big.Int).Set(p.SeedSenior),
			})
		}
	}

	if p.CoverProvider != "" {
		cover := pool.CoverGenesis{
			Name: "borrower",
			Config: pool.CoverConfig{
				CoverRatePerLossBps:    5000,
				MinLiquidity:           big.NewInt(0),
				MaxLiquidity:           big.NewInt(10_000_000),
				RiskYieldMultiplierBps: 10_000,
			},
			Providers: []string{p.CoverProvider},
		}
		if p.SeedCover != nil && p.SeedCover.Sign() > 0 {
			cover.Deposits = append(cover.Deposits, pool.CoverSeed{
				Provider: p.CoverProvider,
				Amount:   new(big.Int).Set(p.SeedCover),
			})
		}
		doc.Pool.Covers = append(doc.Pool.Covers, cover)
	}

	if err := doc.Validate(); err != nil {
		return initpkg.Document{}, err
	}
	return doc, nil
}

// DryRun applies the document to a throwaway in-memory pool: seed accounts
// are funded exactly, genesis runs through the regular deposit path, and the
// conservation identity is checked. Returns the resulting snapshot so the
// caller can print what the pool would open with.
func DryRun(doc initpkg.Document, now time.Time) (*pool.PoolSnapshot, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	state := pool.NewMemState()
	ledger := pool.NewMemLedger()
	fundSeeds(ledger, doc.Pool)

	engine := pool.NewEngine(state, ledger, doc.Roles)
	engine.SetClock(func() time.Time { return now })

	if err := engine.InitGenesis(doc.Pool); err != nil {
		return nil, fmt.Errorf("genesis dry run: %w", err)
	}
	if _, _, err := engine.CheckConservation(); err != nil {
		return nil, fmt.Errorf("genesis dry run: %w", err)
	}
	return engine.Snapshot()
}

// fundSeeds mints each seed account exactly what genesis will pull from it.
func fundSeeds(ledger *pool.MemLedger, g *pool.Genesis) {
	totals := make(map[string]*big.Int)
	add := func(addr string, amount *big.Int) {
		if amount == nil || amount.Sign() <= 0 {
			return
		}
		if totals[addr] == nil {
			totals[addr] = new(big.Int)
		}
		totals[addr].Add(totals[addr], amount)
	}
	for _, d := range g.Deposits {
		add(d.Lender, d.Amount)
	}
	for _, cg := range g.Covers {
		for _, s := range cg.Deposits {
			add(s.Provider, s.Amount)
		}
	}
	for addr, total := range totals {
		ledger.Mint(addr, total)
	}
}
