package pool

import (
	"math/big"

	"github.com/stratafi/strata-backend/internal/calc"
)

// MaxCoverProviders bounds each cover layer's roster so payout iteration
// stays cheap.
const MaxCoverProviders = 100

// DepositCover takes underlying from an approved provider into a cover
// layer, minting cover shares at the layer's current price.
func (e *Engine) DepositCover(index int, provider string, amount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.guardActive(); err != nil {
		return nil, err
	}
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	cover, err := e.state.GetCover(index)
	if err != nil {
		return nil, err
	}
	entry := cover.Provider(provider)
	if entry == nil {
		return nil, ErrProviderNotApproved
	}

	cfg, err := e.state.GetLPConfig()
	if err != nil {
		return nil, err
	}
	if cfg.MinDepositAmount != nil && amount.Cmp(cfg.MinDepositAmount) < 0 {
		return nil, ErrDepositTooSmall
	}
	if cover.Config.MaxLiquidity != nil && cover.Config.MaxLiquidity.Sign() > 0 {
		resulting := new(big.Int).Add(cover.TotalAssets, amount)
		if resulting.Cmp(cover.Config.MaxLiquidity) > 0 {
			return nil, ErrLiquidityCapExceeded
		}
	}
	if e.ledger.BalanceOf(provider).Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}

	shares := calc.SharesForDeposit(amount, cover.TotalAssets, cover.TotalShares)
	if shares.Sign() == 0 {
		return nil, ErrDepositTooSmall
	}
	entry.Shares.Add(entry.Shares, shares)
	cover.TotalShares.Add(cover.TotalShares, shares)
	cover.TotalAssets.Add(cover.TotalAssets, amount)

	if err := e.state.PutCover(index, cover); err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(provider, CoverAccount(index), amount); err != nil {
		return nil, err
	}
	return shares, nil
}

// RedeemCover burns cover shares for underlying. While the pool has not
// signaled readiness for cover withdrawal, redemption is limited to the
// excess above the layer's minimum liquidity; covered losses pending
// recovery also stay locked in.
func (e *Engine) RedeemCover(index int, provider string, shares *big.Int, receiver string) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.guardActive(); err != nil {
		return nil, err
	}
	if err := validAmount(shares); err != nil {
		return nil, err
	}
	if receiver == "" {
		receiver = provider
	}
	cover, err := e.state.GetCover(index)
	if err != nil {
		return nil, err
	}
	entry := cover.Provider(provider)
	if entry == nil {
		return nil, ErrProviderNotApproved
	}
	if entry.Shares.Cmp(shares) < 0 {
		return nil, ErrInsufficientShares
	}

	status, err := e.state.GetStatus()
	if err != nil {
		return nil, err
	}
	payout := calc.AssetsForShares(shares, cover.TotalAssets, cover.TotalShares)
	if !status.CoverWithdrawalReady && cover.Config.MinLiquidity != nil {
		remaining := new(big.Int).Sub(cover.TotalAssets, payout)
		if remaining.Cmp(cover.Config.MinLiquidity) < 0 {
			return nil, ErrCoverMinLiquidity
		}
	}
	if payout.Cmp(cover.CashOnHand()) > 0 {
		return nil, ErrInsufficientLiquidity
	}

	entry.Shares.Sub(entry.Shares, shares)
	cover.TotalShares.Sub(cover.TotalShares, shares)
	cover.TotalAssets.Sub(cover.TotalAssets, payout)

	if err := e.state.PutCover(index, cover); err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(CoverAccount(index), receiver, payout); err != nil {
		return nil, err
	}
	return payout, nil
}

// PayoutCoverYield distributes a layer's assets above its maximum liquidity
// to providers pro-rata by shares, without burning any shares. A layer with
// no excess is a no-op, not an error.
func (e *Engine) PayoutCoverYield(caller string, index int) ([]YieldPayout, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.requireOperator(caller); err != nil {
		return nil, err
	}
	if err := e.guardActive(); err != nil {
		return nil, err
	}
	cover, err := e.state.GetCover(index)
	if err != nil {
		return nil, err
	}
	if cover.Config.MaxLiquidity == nil || cover.Config.MaxLiquidity.Sign() == 0 {
		return nil, nil
	}
	excess := new(big.Int).Sub(cover.TotalAssets, cover.Config.MaxLiquidity)
	if excess.Sign() <= 0 {
		return nil, nil
	}
	// Covered losses pending recovery are not distributable.
	excess = calc.Min(excess, cover.CashOnHand())
	if excess.Sign() == 0 {
		return nil, nil
	}

	// Pro-rata by shares; the last holder in roster order absorbs the dust
	// so the payout sums exactly to the excess.
	holders := make([]*CoverProvider, 0, len(cover.Providers))
	weights := make([]*big.Int, 0, len(cover.Providers))
	for _, p := range cover.Providers {
		if p.Shares.Sign() > 0 {
			holders = append(holders, p)
			weights = append(weights, p.Shares)
		}
	}
	if len(holders) == 0 {
		return nil, nil
	}
	parts := calc.SplitByWeights(excess, weights, len(weights)-1)

	cover.TotalAssets.Sub(cover.TotalAssets, excess)
	payouts := make([]YieldPayout, 0, len(holders))
	for i, h := range holders {
		if parts[i].Sign() == 0 {
			continue
		}
		payouts = append(payouts, YieldPayout{Lender: h.Address, Amount: parts[i], SharesBurned: newBig()})
	}

	if err := e.state.PutCover(index, cover); err != nil {
		return nil, err
	}
	for _, p := range payouts {
		if err := e.ledger.Transfer(CoverAccount(index), p.Lender, p.Amount); err != nil {
			return nil, err
		}
	}
	return payouts, nil
}

// AddCoverProvider approves a new capital provider for a layer.
func (e *Engine) AddCoverProvider(caller string, index int, provider string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireOperator(caller); err != nil {
		return err
	}
	if provider == "" {
		return ErrZeroAddress
	}
	cover, err := e.state.GetCover(index)
	if err != nil {
		return err
	}
	if cover.Provider(provider) != nil {
		return nil
	}
	if len(cover.Providers) >= MaxCoverProviders {
		return ErrProviderRosterFull
	}
	cover.Providers = append(cover.Providers, &CoverProvider{Address: provider, Shares: newBig()})
	return e.state.PutCover(index, cover)
}

// RemoveCoverProvider drops a provider from the roster. Providers with
// outstanding shares cannot be removed.
func (e *Engine) RemoveCoverProvider(caller string, index int, provider string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireOperator(caller); err != nil {
		return err
	}
	cover, err := e.state.GetCover(index)
	if err != nil {
		return err
	}
	entry := cover.Provider(provider)
	if entry == nil {
		return nil
	}
	if entry.Shares.Sign() != 0 {
		return ErrProviderHasShares
	}
	kept := cover.Providers[:0]
	for _, p := range cover.Providers {
		if p.Address != provider {
			kept = append(kept, p)
		}
	}
	cover.Providers = kept
	return e.state.PutCover(index, cover)
}
