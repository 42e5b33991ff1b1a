package markets

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/stratafi/strata-backend/internal/pool"
)

// Service exposes a small in-memory catalog of the pool's tranche products.
// The static listing fields come from the pool configuration at startup; the
// live figures track the latest snapshot via Refresh.
type Service struct {
	mu       sync.RWMutex
	products [pool.TrancheCount]Product
}

func NewService(cfg *pool.LPConfig, assetSymbol string) *Service {
	s := &Service{}

	senior := Product{
		ID:          pool.TrancheSenior.String(),
		Label:       "Strata Senior Tranche",
		ShareSymbol: "sSTRATA",
		AssetSymbol: assetSymbol,
		Highlights: []string{
			"Shielded from credit losses by junior capital and the first-loss covers",
		},
	}
	junior := Product{
		ID:          pool.TrancheJunior.String(),
		Label:       "Strata Junior Tranche",
		ShareSymbol: "jSTRATA",
		AssetSymbol: assetSymbol,
		Highlights: []string{
			"Residual claim on pool profit after fees and the senior take",
			"First tranche to absorb credit losses once the cover layers are spent",
		},
	}

	if cfg != nil {
		senior.Policy = string(cfg.TranchePolicy)
		junior.Policy = string(cfg.TranchePolicy)
		period := periodLabel(cfg)
		senior.EpochPeriod = period
		junior.EpochPeriod = period
		if cfg.MinDepositAmount != nil && cfg.MinDepositAmount.Sign() > 0 {
			senior.MinDeposit = cfg.MinDepositAmount.String()
			junior.MinDeposit = cfg.MinDepositAmount.String()
		}

		switch cfg.TranchePolicy {
		case pool.PolicyFixedSeniorYield:
			senior.FixedYieldBps = cfg.FixedSeniorYieldBps
			senior.Highlights = append([]string{
				fmt.Sprintf("Targets a fixed %s%% annual yield, paid first out of pool profit", percent(cfg.FixedSeniorYieldBps)),
			}, senior.Highlights...)
		case pool.PolicyRiskAdjusted:
			senior.RiskAdjustBps = cfg.TranchesRiskAdjustmentBps
			junior.RiskAdjustBps = cfg.TranchesRiskAdjustmentBps
			senior.Highlights = append([]string{
				fmt.Sprintf("Pro-rata profit share with %s%% of the junior take shifted in its favor", percent(cfg.TranchesRiskAdjustmentBps)),
			}, senior.Highlights...)
		}

		if cfg.MaxSeniorJuniorRatio > 0 {
			junior.Highlights = append(junior.Highlights,
				fmt.Sprintf("Supports up to %dx its capital in senior deposits", cfg.MaxSeniorJuniorRatio))
		}
		if cfg.WithdrawalLockout > 0 {
			lockout := fmt.Sprintf("Redemptions locked for %s after deposit", cfg.WithdrawalLockout)
			senior.Highlights = append(senior.Highlights, lockout)
			junior.Highlights = append(junior.Highlights, lockout)
		}
	}

	s.products[pool.TrancheSenior] = senior
	s.products[pool.TrancheJunior] = junior
	return s
}

// Refresh updates the live figures from a pool snapshot.
func (s *Service) Refresh(snap *pool.PoolSnapshot) {
	if snap == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range pool.Tranches {
		tv := snap.Tranches[t]
		s.products[t].TotalAssets = tv.TotalAssets.String()
		s.products[t].TotalShares = tv.TotalShares.String()
		s.products[t].SharePrice = tv.SharePrice.String()
	}
}

func (s *Service) List() []Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Product, 0, len(s.products))
	out = append(out, s.products[:]...)
	return out
}

func (s *Service) Get(id string) (Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.products {
		if p.ID == id {
			return p, true
		}
	}
	return Product{}, false
}

func percent(bps uint64) string {
	return decimal.New(int64(bps), -2).String()
}

func periodLabel(cfg *pool.LPConfig) string {
	if cfg.EpochPeriodLength == 1 {
		return fmt.Sprintf("1 %s", cfg.EpochPeriodUnit)
	}
	return fmt.Sprintf("%d %ss", cfg.EpochPeriodLength, cfg.EpochPeriodUnit)
}
