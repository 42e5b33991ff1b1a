package pool

import (
	"sort"
)

type trancheLenderKey struct {
	tranche Tranche
	lender  string
}

type trancheEpochKey struct {
	tranche Tranche
	epochID uint64
}

// MemState is the in-memory State implementation the service runs on. All
// reads and writes exchange deep copies, so callers can never alias live
// records. It is not internally synchronized; the Service serializes access.
type MemState struct {
	tranches     [TrancheCount]*TrancheState
	tracker      *SeniorYieldTracker
	covers       []*FirstLossCover
	safe         *SafeState
	fees         *FeeAccrual
	credit       *CreditState
	epoch        *Epoch
	status       *PoolStatus
	lpConfig     *LPConfig
	feeStructure *FeeStructure

	positions  map[trancheLenderKey]*LenderPosition
	redemption map[trancheLenderKey]*RedemptionRecord
	summaries  map[trancheEpochKey]*EpochRedemptionSummary

	approved      map[trancheLenderKey]bool
	nonReinvesting map[trancheLenderKey]bool
}

// NewMemState returns an empty state with zeroed records.
func NewMemState() *MemState {
	st := &MemState{
		tracker:       &SeniorYieldTracker{},
		safe:          newSafeState(),
		fees:          &FeeAccrual{},
		credit:        &CreditState{},
		epoch:         &Epoch{},
		status:        &PoolStatus{},
		positions:     make(map[trancheLenderKey]*LenderPosition),
		redemption:    make(map[trancheLenderKey]*RedemptionRecord),
		summaries:     make(map[trancheEpochKey]*EpochRedemptionSummary),
		approved:      make(map[trancheLenderKey]bool),
		nonReinvesting: make(map[trancheLenderKey]bool),
	}
	for i := range st.tranches {
		st.tranches[i] = &TrancheState{}
	}
	return st
}

func (m *MemState) GetTranche(t Tranche) (*TrancheState, error) {
	if int(t) >= TrancheCount {
		return nil, ErrUnknownTranche
	}
	ts := m.tranches[t].Clone()
	ensureTrancheDefaults(ts)
	return ts, nil
}

func (m *MemState) PutTranche(t Tranche, ts *TrancheState) error {
	if int(t) >= TrancheCount {
		return ErrUnknownTranche
	}
	m.tranches[t] = ts.Clone()
	return nil
}

func (m *MemState) GetYieldTracker() (*SeniorYieldTracker, error) {
	tr := m.tracker.Clone()
	ensureTrackerDefaults(tr)
	return tr, nil
}

func (m *MemState) PutYieldTracker(tr *SeniorYieldTracker) error {
	m.tracker = tr.Clone()
	return nil
}

func (m *MemState) CoverCount() (int, error) { return len(m.covers), nil }

func (m *MemState) GetCover(index int) (*FirstLossCover, error) {
	if index < 0 || index >= len(m.covers) {
		return nil, ErrUnknownCover
	}
	c := m.covers[index].Clone()
	ensureCoverDefaults(c)
	return c, nil
}

func (m *MemState) PutCover(index int, c *FirstLossCover) error {
	if index < 0 || index >= len(m.covers) {
		return ErrUnknownCover
	}
	m.covers[index] = c.Clone()
	return nil
}

func (m *MemState) AddCover(c *FirstLossCover) (int, error) {
	m.covers = append(m.covers, c.Clone())
	return len(m.covers) - 1, nil
}

func (m *MemState) GetSafe() (*SafeState, error) {
	s := m.safe.Clone()
	ensureSafeDefaults(s)
	return s, nil
}

func (m *MemState) PutSafe(s *SafeState) error {
	m.safe = s.Clone()
	return nil
}

func (m *MemState) GetFees() (*FeeAccrual, error) {
	f := m.fees.Clone()
	ensureFeeDefaults(f)
	return f, nil
}

func (m *MemState) PutFees(f *FeeAccrual) error {
	m.fees = f.Clone()
	return nil
}

func (m *MemState) GetCredit() (*CreditState, error) {
	c := m.credit.Clone()
	ensureCreditDefaults(c)
	return c, nil
}

func (m *MemState) PutCredit(c *CreditState) error {
	m.credit = c.Clone()
	return nil
}

func (m *MemState) GetEpoch() (*Epoch, error) { return m.epoch.Clone(), nil }

func (m *MemState) PutEpoch(e *Epoch) error {
	m.epoch = e.Clone()
	return nil
}

func (m *MemState) GetStatus() (*PoolStatus, error) { return m.status.Clone(), nil }

func (m *MemState) PutStatus(s *PoolStatus) error {
	m.status = s.Clone()
	return nil
}

func (m *MemState) GetLPConfig() (*LPConfig, error) {
	if m.lpConfig == nil {
		return nil, ErrNilState
	}
	return m.lpConfig.Clone(), nil
}

func (m *MemState) PutLPConfig(c *LPConfig) error {
	m.lpConfig = c.Clone()
	return nil
}

func (m *MemState) GetFeeStructure() (*FeeStructure, error) {
	if m.feeStructure == nil {
		return nil, ErrNilState
	}
	return m.feeStructure.Clone(), nil
}

func (m *MemState) PutFeeStructure(f *FeeStructure) error {
	m.feeStructure = f.Clone()
	return nil
}

func (m *MemState) GetPosition(t Tranche, lender string) (*LenderPosition, error) {
	if p, ok := m.positions[trancheLenderKey{t, lender}]; ok {
		return p.Clone(), nil
	}
	return nil, nil
}

func (m *MemState) PutPosition(t Tranche, lender string, p *LenderPosition) error {
	m.positions[trancheLenderKey{t, lender}] = p.Clone()
	return nil
}

func (m *MemState) GetRedemptionRecord(t Tranche, lender string) (*RedemptionRecord, error) {
	if r, ok := m.redemption[trancheLenderKey{t, lender}]; ok {
		return r.Clone(), nil
	}
	return nil, nil
}

func (m *MemState) PutRedemptionRecord(t Tranche, lender string, r *RedemptionRecord) error {
	m.redemption[trancheLenderKey{t, lender}] = r.Clone()
	return nil
}

func (m *MemState) GetEpochSummary(t Tranche, epochID uint64) (*EpochRedemptionSummary, error) {
	if s, ok := m.summaries[trancheEpochKey{t, epochID}]; ok {
		return s.Clone(), nil
	}
	return nil, nil
}

func (m *MemState) PutEpochSummary(t Tranche, s *EpochRedemptionSummary) error {
	m.summaries[trancheEpochKey{t, s.EpochID}] = s.Clone()
	return nil
}

func (m *MemState) IsApprovedLender(t Tranche, addr string) (bool, error) {
	return m.approved[trancheLenderKey{t, addr}], nil
}

func (m *MemState) SetApprovedLender(t Tranche, addr string, approved bool) error {
	key := trancheLenderKey{t, addr}
	if approved {
		m.approved[key] = true
	} else {
		delete(m.approved, key)
	}
	return nil
}

func (m *MemState) ApprovedLenders(t Tranche) ([]string, error) {
	var out []string
	for k := range m.approved {
		if k.tranche == t {
			out = append(out, k.lender)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemState) NonReinvestingLenders(t Tranche) ([]string, error) {
	var out []string
	for k := range m.nonReinvesting {
		if k.tranche == t {
			out = append(out, k.lender)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemState) SetNonReinvesting(t Tranche, addr string, on bool) error {
	key := trancheLenderKey{t, addr}
	if on {
		m.nonReinvesting[key] = true
	} else {
		delete(m.nonReinvesting, key)
	}
	return nil
}

// Defaults keep nil big.Int fields out of engine arithmetic.

func ensureTrancheDefaults(ts *TrancheState) {
	if ts.TotalAssets == nil {
		ts.TotalAssets = newBig()
	}
	if ts.TotalShares == nil {
		ts.TotalShares = newBig()
	}
	if ts.TotalLoss == nil {
		ts.TotalLoss = newBig()
	}
}

func ensureTrackerDefaults(tr *SeniorYieldTracker) {
	if tr.TotalAssets == nil {
		tr.TotalAssets = newBig()
	}
	if tr.UnpaidYield == nil {
		tr.UnpaidYield = newBig()
	}
}

func ensureCoverDefaults(c *FirstLossCover) {
	if c.TotalAssets == nil {
		c.TotalAssets = newBig()
	}
	if c.TotalShares == nil {
		c.TotalShares = newBig()
	}
	if c.CoveredLoss == nil {
		c.CoveredLoss = newBig()
	}
	for _, p := range c.Providers {
		if p.Shares == nil {
			p.Shares = newBig()
		}
	}
}

func ensureSafeDefaults(s *SafeState) {
	if s.TotalBalance == nil {
		s.TotalBalance = newBig()
	}
	if s.RedemptionReserve == nil {
		s.RedemptionReserve = newBig()
	}
	for i := range s.UnprocessedProfit {
		if s.UnprocessedProfit[i] == nil {
			s.UnprocessedProfit[i] = newBig()
		}
	}
}

func ensureFeeDefaults(f *FeeAccrual) {
	if f.Protocol == nil {
		f.Protocol = newBig()
	}
	if f.PoolOwner == nil {
		f.PoolOwner = newBig()
	}
	if f.EvaluationAgent == nil {
		f.EvaluationAgent = newBig()
	}
}

func ensureCreditDefaults(c *CreditState) {
	if c.Outstanding == nil {
		c.Outstanding = newBig()
	}
}
