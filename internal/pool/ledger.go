package pool

import (
	"math/big"
	"sync"
)

// TokenLedger is the opaque transfer layer underneath the pool. Transfers are
// the external call boundary: engine operations finalize all ledger state
// before invoking one.
type TokenLedger interface {
	Transfer(from, to string, amount *big.Int) error
	BalanceOf(account string) *big.Int
}

// MemLedger is an in-memory token ledger with a mint faucet for genesis and
// simulation funding.
type MemLedger struct {
	mu       sync.Mutex
	balances map[string]*big.Int
}

// NewMemLedger returns an empty ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{balances: make(map[string]*big.Int)}
}

// Mint credits freshly created tokens to an account.
func (l *MemLedger) Mint(to string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(to, amount)
}

// Transfer moves tokens between accounts, rejecting overdrafts.
func (l *MemLedger) Transfer(from, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrZeroAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Sub(bal, amount)
	l.credit(to, amount)
	return nil
}

// BalanceOf returns a copy of the account balance.
func (l *MemLedger) BalanceOf(account string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bal, ok := l.balances[account]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (l *MemLedger) credit(to string, amount *big.Int) {
	if bal, ok := l.balances[to]; ok {
		bal.Add(bal, amount)
		return
	}
	l.balances[to] = new(big.Int).Set(amount)
}
