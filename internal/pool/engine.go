package pool

import (
	"fmt"
	"math/big"
	"time"
)

// Account names the engine books cash under on the token ledger.
const (
	SafeAccount      = "pool/safe"
	coverAccountStem = "pool/cover/"
)

// CoverAccount names the ledger account custodying one cover layer's cash.
func CoverAccount(index int) string {
	return fmt.Sprintf("%s%d", coverAccountStem, index)
}

// Engine executes the pool's state transitions. It is pure accounting: no
// logging, no I/O beyond the injected state, ledger and access policy, and a
// clock injected for determinism. Callers serialize access; every operation
// either completes fully or leaves state untouched.
type Engine struct {
	state  State
	ledger TokenLedger
	access AccessPolicy
	now    func() time.Time
}

// NewEngine wires an engine. The clock defaults to UTC wall time.
func NewEngine(state State, ledger TokenLedger, access AccessPolicy) *Engine {
	return &Engine{
		state:  state,
		ledger: ledger,
		access: access,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil || e.ledger == nil || e.access == nil {
		return ErrNilState
	}
	return nil
}

// guardActive rejects mutations while the pool is off or the protocol is
// paused.
func (e *Engine) guardActive() error {
	status, err := e.state.GetStatus()
	if err != nil {
		return err
	}
	if !status.On {
		return ErrPoolOff
	}
	if status.Paused {
		return ErrProtocolPaused
	}
	return nil
}

func (e *Engine) guardLender(t Tranche, lender string) error {
	if lender == "" {
		return ErrZeroAddress
	}
	approved, err := e.state.IsApprovedLender(t, lender)
	if err != nil {
		return err
	}
	if !approved {
		return ErrLenderNotApproved
	}
	return nil
}

func (e *Engine) requireCreditService(caller string) error {
	if !e.access.IsCreditService(caller) {
		return ErrNotAuthorized
	}
	return nil
}

func (e *Engine) requireOperator(caller string) error {
	if !e.access.IsPoolOperator(caller) {
		return ErrNotAuthorized
	}
	return nil
}

func (e *Engine) requireAdmin(caller string) error {
	if !e.access.IsProtocolAdmin(caller) {
		return ErrNotAuthorized
	}
	return nil
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return ErrZeroAmount
	}
	if amount.Sign() < 0 {
		return ErrZeroAmount
	}
	return nil
}

// refreshSeniorYield accrues the fixed-yield tracker to now and re-bases it
// on the current senior assets. Under the risk-adjusted policy the tracker
// sits idle.
func refreshSeniorYield(cfg *LPConfig, tracker *SeniorYieldTracker, seniorAssets *big.Int, now time.Time) {
	if cfg.TranchePolicy != PolicyFixedSeniorYield {
		return
	}
	tracker.Refresh(seniorAssets, cfg.FixedSeniorYieldBps, now)
}

func newBig() *big.Int { return new(big.Int) }

// loadCovers reads all cover layers in priority order.
func (e *Engine) loadCovers() ([]*FirstLossCover, error) {
	n, err := e.state.CoverCount()
	if err != nil {
		return nil, err
	}
	covers := make([]*FirstLossCover, n)
	for i := 0; i < n; i++ {
		c, err := e.state.GetCover(i)
		if err != nil {
			return nil, err
		}
		covers[i] = c
	}
	return covers, nil
}

func (e *Engine) putCovers(covers []*FirstLossCover) error {
	for i, c := range covers {
		if err := e.state.PutCover(i, c); err != nil {
			return err
		}
	}
	return nil
}
