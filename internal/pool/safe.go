package pool

import "math/big"

// SafeState is the pool's single liquidity account. TotalBalance is the cash
// actually held; RedemptionReserve is the slice of it already earmarked for
// settled-but-undisbursed redemptions; UnprocessedProfit earmarks per-tranche
// profit distributed into share value but not yet acknowledged by the epoch
// pipeline.
type SafeState struct {
	TotalBalance      *big.Int
	RedemptionReserve *big.Int
	UnprocessedProfit [TrancheCount]*big.Int
}

// Clone returns a deep copy of the safe state.
func (s *SafeState) Clone() *SafeState {
	if s == nil {
		return nil
	}
	clone := &SafeState{}
	if s.TotalBalance != nil {
		clone.TotalBalance = new(big.Int).Set(s.TotalBalance)
	}
	if s.RedemptionReserve != nil {
		clone.RedemptionReserve = new(big.Int).Set(s.RedemptionReserve)
	}
	for i, p := range s.UnprocessedProfit {
		if p != nil {
			clone.UnprocessedProfit[i] = new(big.Int).Set(p)
		}
	}
	return clone
}

func newSafeState() *SafeState {
	s := &SafeState{
		TotalBalance:      new(big.Int),
		RedemptionReserve: new(big.Int),
	}
	for i := range s.UnprocessedProfit {
		s.UnprocessedProfit[i] = new(big.Int)
	}
	return s
}

// Deposit books cash into the safe.
func (s *SafeState) Deposit(amount *big.Int) {
	s.TotalBalance.Add(s.TotalBalance, amount)
}

// Withdraw books cash out of the safe. The caller has already verified
// availability; the balance never goes negative here by construction.
func (s *SafeState) Withdraw(amount *big.Int) {
	s.TotalBalance.Sub(s.TotalBalance, amount)
}

// AvailableForPool is the cash the pool may spend on redemptions or
// drawdowns: the balance net of fee liabilities, the redemption reserve and
// the configured floor. Never negative.
func (s *SafeState) AvailableForPool(feeLiability, floor *big.Int) *big.Int {
	available := new(big.Int).Set(s.TotalBalance)
	available.Sub(available, s.RedemptionReserve)
	if feeLiability != nil {
		available.Sub(available, feeLiability)
	}
	if floor != nil {
		available.Sub(available, floor)
	}
	if available.Sign() < 0 {
		return new(big.Int)
	}
	return available
}

// AddUnprocessedProfit earmarks newly distributed profit for a tranche.
func (s *SafeState) AddUnprocessedProfit(t Tranche, amount *big.Int) {
	if s.UnprocessedProfit[t] == nil {
		s.UnprocessedProfit[t] = new(big.Int)
	}
	s.UnprocessedProfit[t].Add(s.UnprocessedProfit[t], amount)
}

// ResetUnprocessedProfit acknowledges all earmarked profit and returns the
// amounts cleared.
func (s *SafeState) ResetUnprocessedProfit() [TrancheCount]*big.Int {
	var cleared [TrancheCount]*big.Int
	for i := range s.UnprocessedProfit {
		if s.UnprocessedProfit[i] == nil {
			cleared[i] = new(big.Int)
		} else {
			cleared[i] = s.UnprocessedProfit[i]
		}
		s.UnprocessedProfit[i] = new(big.Int)
	}
	return cleared
}

// HasUnprocessedProfit reports whether any tranche earmark is nonzero.
func (s *SafeState) HasUnprocessedProfit() bool {
	for _, p := range s.UnprocessedProfit {
		if p != nil && p.Sign() != 0 {
			return true
		}
	}
	return false
}
