package pool

// State is the persistence boundary the engine runs against. Every record in
// the data model has a Get/Put pair; implementations must hand out copies the
// engine can mutate freely and must make Put effectively atomic per record.
type State interface {
	GetTranche(t Tranche) (*TrancheState, error)
	PutTranche(t Tranche, ts *TrancheState) error

	GetYieldTracker() (*SeniorYieldTracker, error)
	PutYieldTracker(tr *SeniorYieldTracker) error

	CoverCount() (int, error)
	GetCover(index int) (*FirstLossCover, error)
	PutCover(index int, c *FirstLossCover) error
	AddCover(c *FirstLossCover) (int, error)

	GetSafe() (*SafeState, error)
	PutSafe(s *SafeState) error

	GetFees() (*FeeAccrual, error)
	PutFees(f *FeeAccrual) error

	GetCredit() (*CreditState, error)
	PutCredit(c *CreditState) error

	GetEpoch() (*Epoch, error)
	PutEpoch(e *Epoch) error

	GetStatus() (*PoolStatus, error)
	PutStatus(s *PoolStatus) error

	GetLPConfig() (*LPConfig, error)
	PutLPConfig(c *LPConfig) error

	GetFeeStructure() (*FeeStructure, error)
	PutFeeStructure(f *FeeStructure) error

	GetPosition(t Tranche, lender string) (*LenderPosition, error)
	PutPosition(t Tranche, lender string, p *LenderPosition) error

	GetRedemptionRecord(t Tranche, lender string) (*RedemptionRecord, error)
	PutRedemptionRecord(t Tranche, lender string, r *RedemptionRecord) error

	GetEpochSummary(t Tranche, epochID uint64) (*EpochRedemptionSummary, error)
	PutEpochSummary(t Tranche, s *EpochRedemptionSummary) error

	IsApprovedLender(t Tranche, addr string) (bool, error)
	SetApprovedLender(t Tranche, addr string, approved bool) error
	ApprovedLenders(t Tranche) ([]string, error)

	NonReinvestingLenders(t Tranche) ([]string, error)
	SetNonReinvesting(t Tranche, addr string, on bool) error
}
