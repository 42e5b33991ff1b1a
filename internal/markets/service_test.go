package markets

import (
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafi/strata-backend/internal/calc"
	"github.com/stratafi/strata-backend/internal/pool"
)

func TestCatalogFixedSeniorYield(t *testing.T) {
	s := NewService(&pool.LPConfig{
		TranchePolicy:        pool.PolicyFixedSeniorYield,
		FixedSeniorYieldBps:  1250,
		MaxSeniorJuniorRatio: 4,
		MinDepositAmount:     big.NewInt(100),
		WithdrawalLockout:    48 * time.Hour,
		EpochPeriodUnit:      calc.PeriodDay,
		EpochPeriodLength:    1,
	}, "USDC")

	products := s.List()
	require.Len(t, products, 2)
	assert.Equal(t, "senior", products[0].ID)
	assert.Equal(t, "junior", products[1].ID)

	senior, ok := s.Get("senior")
	require.True(t, ok)
	assert.Equal(t, "fixed", senior.Policy)
	assert.Equal(t, uint64(1250), senior.FixedYieldBps)
	assert.Equal(t, "USDC", senior.AssetSymbol)
	assert.Equal(t, "1 day", senior.EpochPeriod)
	assert.Equal(t, "100", senior.MinDeposit)
	assert.Contains(t, senior.Highlights[0], "12.5%")

	junior, ok := s.Get("junior")
	require.True(t, ok)
	assert.Zero(t, junior.FixedYieldBps)
	assert.Contains(t, junior.Highlights, "Supports up to 4x its capital in senior deposits")
	assert.Contains(t, junior.Highlights, "Redemptions locked for 48h0m0s after deposit")

	_, ok = s.Get("mezzanine")
	assert.False(t, ok)
}

func TestCatalogRiskAdjusted(t *testing.T) {
	s := NewService(&pool.LPConfig{
		TranchePolicy:             pool.PolicyRiskAdjusted,
		TranchesRiskAdjustmentBps: 2000,
		EpochPeriodUnit:           calc.PeriodWeek,
		EpochPeriodLength:         2,
	}, "USDC")

	senior, ok := s.Get("senior")
	require.True(t, ok)
	assert.Equal(t, uint64(2000), senior.RiskAdjustBps)
	assert.Zero(t, senior.FixedYieldBps)
	assert.Equal(t, "2 weeks", senior.EpochPeriod)
	assert.Contains(t, senior.Highlights[0], "20%")
}

func TestRefreshTracksSnapshot(t *testing.T) {
	s := NewService(&pool.LPConfig{
		TranchePolicy:     pool.PolicyFixedSeniorYield,
		EpochPeriodUnit:   calc.PeriodDay,
		EpochPeriodLength: 1,
	}, "USDC")

	senior, _ := s.Get("senior")
	assert.Empty(t, senior.TotalAssets)

	snap := &pool.PoolSnapshot{}
	snap.Tranches[pool.TrancheSenior] = pool.TrancheView{
		Tranche:     pool.TrancheSenior,
		TotalAssets: big.NewInt(500),
		TotalShares: big.NewInt(400),
		SharePrice:  decimal.RequireFromString("1.25"),
	}
	snap.Tranches[pool.TrancheJunior] = pool.TrancheView{
		Tranche:     pool.TrancheJunior,
		TotalAssets: big.NewInt(200),
		TotalShares: big.NewInt(200),
		SharePrice:  decimal.NewFromInt(1),
	}
	s.Refresh(snap)

	senior, _ = s.Get("senior")
	assert.Equal(t, "500", senior.TotalAssets)
	assert.Equal(t, "400", senior.TotalShares)
	assert.Equal(t, "1.25", senior.SharePrice)

	junior, _ := s.Get("junior")
	assert.Equal(t, "200", junior.TotalAssets)
	assert.Equal(t, "1", junior.SharePrice)
}
