package api

import (
	"math/big"

	"github.com/stratafi/strata-backend/internal/markets"
	"github.com/stratafi/strata-backend/internal/pool"
	"github.com/stratafi/strata-backend/internal/repository"
)

// Amounts cross the API as base-10 strings in the pool's smallest unit, the
// same convention the report feed uses. bigString renders nil as "0" so DTOs
// never carry JSON nulls for money.
func bigString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

type TrancheDTO struct {
	Tranche     string `json:"tranche"`
	TotalAssets string `json:"totalAssets"`
	TotalShares string `json:"totalShares"`
	TotalLoss   string `json:"totalLoss"`
	SharePrice  string `json:"sharePrice"`
}

type CoverConfigDTO struct {
	CoverRatePerLossBps    uint64 `json:"coverRatePerLossBps"`
	CoverCapPerLoss        string `json:"coverCapPerLoss"`
	MinLiquidity           string `json:"minLiquidity"`
	MaxLiquidity           string `json:"maxLiquidity"`
	RiskYieldMultiplierBps uint64 `json:"riskYieldMultiplierBps"`
}

type CoverProviderDTO struct {
	Address string `json:"address"`
	Shares  string `json:"shares"`
}

type CoverDTO struct {
	Index       int                `json:"index"`
	Name        string             `json:"name"`
	TotalAssets string             `json:"totalAssets"`
	TotalShares string             `json:"totalShares"`
	CoveredLoss string             `json:"coveredLoss"`
	CashOnHand  string             `json:"cashOnHand"`
	SharePrice  string             `json:"sharePrice"`
	Config      CoverConfigDTO     `json:"config"`
	Providers   []CoverProviderDTO `json:"providers"`
}

type FeesDTO struct {
	Protocol        string `json:"protocol"`
	PoolOwner       string `json:"poolOwner"`
	EvaluationAgent string `json:"evaluationAgent"`
}

type YieldTrackerDTO struct {
	TotalAssets string `json:"totalAssets"`
	UnpaidYield string `json:"unpaidYield"`
	LastUpdated int64  `json:"lastUpdated"`
}

type EpochDTO struct {
	ID      uint64 `json:"id"`
	EndTime int64  `json:"endTime"`
}

type StatusDTO struct {
	On                   bool `json:"on"`
	Paused               bool `json:"paused"`
	CoverWithdrawalReady bool `json:"coverWithdrawalReady"`
}

type PoolStateDTO struct {
	Tranches          []TrancheDTO      `json:"tranches"`
	Covers            []CoverDTO        `json:"covers"`
	SafeBalance       string            `json:"safeBalance"`
	RedemptionReserve string            `json:"redemptionReserve"`
	UnprocessedProfit map[string]string `json:"unprocessedProfit"`
	Fees              FeesDTO           `json:"fees"`
	OutstandingCredit string            `json:"outstandingCredit"`
	AvailableToDraw   string            `json:"availableToDraw"`
	SeniorYield       *YieldTrackerDTO  `json:"seniorYield,omitempty"`
	Epoch             EpochDTO          `json:"epoch"`
	Status            StatusDTO         `json:"status"`
	AsOf              int64             `json:"asOf"`
}

func newTrancheDTO(v pool.TrancheView) TrancheDTO {
	return TrancheDTO{
		Tranche:     v.Tranche.String(),
		TotalAssets: bigString(v.TotalAssets),
		TotalShares: bigString(v.TotalShares),
		TotalLoss:   bigString(v.TotalLoss),
		SharePrice:  v.SharePrice.String(),
	}
}

func newCoverDTO(v pool.CoverLayerView) CoverDTO {
	dto := CoverDTO{
		Index:       v.Index,
		Name:        v.Name,
		TotalAssets: bigString(v.TotalAssets),
		TotalShares: bigString(v.TotalShares),
		CoveredLoss: bigString(v.CoveredLoss),
		CashOnHand:  bigString(v.CashOnHand),
		SharePrice:  v.SharePrice.String(),
		Config: CoverConfigDTO{
			CoverRatePerLossBps:    v.Config.CoverRatePerLossBps,
			CoverCapPerLoss:        bigString(v.Config.CoverCapPerLoss),
			MinLiquidity:           bigString(v.Config.MinLiquidity),
			MaxLiquidity:           bigString(v.Config.MaxLiquidity),
			RiskYieldMultiplierBps: v.Config.RiskYieldMultiplierBps,
		},
		Providers: make([]CoverProviderDTO, 0, len(v.Providers)),
	}
	for _, p := range v.Providers {
		dto.Providers = append(dto.Providers, CoverProviderDTO{
			Address: p.Address,
			Shares:  bigString(p.Shares),
		})
	}
	return dto
}

func newPoolStateDTO(snap *pool.PoolSnapshot) PoolStateDTO {
	dto := PoolStateDTO{
		Tranches:          make([]TrancheDTO, 0, pool.TrancheCount),
		Covers:            make([]CoverDTO, 0, len(snap.Covers)),
		SafeBalance:       bigString(snap.SafeBalance),
		RedemptionReserve: bigString(snap.RedemptionReserve),
		UnprocessedProfit: make(map[string]string, pool.TrancheCount),
		OutstandingCredit: bigString(snap.OutstandingCredit),
		AvailableToDraw:   bigString(snap.AvailableToDraw),
		AsOf:              snap.TakenAt.Unix(),
	}
	for _, t := range pool.Tranches {
		dto.Tranches = append(dto.Tranches, newTrancheDTO(snap.Tranches[t]))
		dto.UnprocessedProfit[t.String()] = bigString(snap.UnprocessedProfit[t])
	}
	for _, c := range snap.Covers {
		dto.Covers = append(dto.Covers, newCoverDTO(c))
	}
	if snap.Fees != nil {
		dto.Fees = FeesDTO{
			Protocol:        bigString(snap.Fees.Protocol),
			PoolOwner:       bigString(snap.Fees.PoolOwner),
			EvaluationAgent: bigString(snap.Fees.EvaluationAgent),
		}
	}
	if snap.YieldTracker != nil {
		dto.SeniorYield = &YieldTrackerDTO{
			TotalAssets: bigString(snap.YieldTracker.TotalAssets),
			UnpaidYield: bigString(snap.YieldTracker.UnpaidYield),
			LastUpdated: snap.YieldTracker.LastUpdated.Unix(),
		}
	}
	if snap.Epoch != nil {
		dto.Epoch = EpochDTO{ID: snap.Epoch.ID, EndTime: snap.Epoch.EndTime.Unix()}
	}
	if snap.Status != nil {
		dto.Status = StatusDTO{
			On:                   snap.Status.On,
			Paused:               snap.Status.Paused,
			CoverWithdrawalReady: snap.Status.CoverWithdrawalReady,
		}
	}
	return dto
}

type FeeStructureDTO struct {
	ProtocolFeeBps        uint64 `json:"protocolFeeBps"`
	PoolOwnerFeeBps       uint64 `json:"poolOwnerFeeBps"`
	EvaluationAgentFeeBps uint64 `json:"evaluationAgentFeeBps"`
}

type PoolConfigDTO struct {
	TranchePolicy                  string          `json:"tranchePolicy"`
	FixedSeniorYieldBps            uint64          `json:"fixedSeniorYieldBps"`
	TranchesRiskAdjustmentBps      uint64          `json:"tranchesRiskAdjustmentBps"`
	MaxSeniorJuniorRatio           uint64          `json:"maxSeniorJuniorRatio"`
	LiquidityCap                   string          `json:"liquidityCap"`
	LiquidityFloor                 string          `json:"liquidityFloor"`
	MinDepositAmount               string          `json:"minDepositAmount"`
	WithdrawalLockoutSec           int64           `json:"withdrawalLockoutSec"`
	MaxNonReinvestingLenders       int             `json:"maxNonReinvestingLenders"`
	PoolOwnerMinLiquidityBps       uint64          `json:"poolOwnerMinLiquidityBps"`
	EvaluationAgentMinLiquidityBps uint64          `json:"evaluationAgentMinLiquidityBps"`
	EpochPeriodUnit                string          `json:"epochPeriodUnit"`
	EpochPeriodLength              int             `json:"epochPeriodLength"`
	Fees                           FeeStructureDTO `json:"fees"`
}

func newPoolConfigDTO(cfg *pool.LPConfig, fees *pool.FeeStructure) PoolConfigDTO {
	dto := PoolConfigDTO{
		TranchePolicy:                  string(cfg.TranchePolicy),
		FixedSeniorYieldBps:            cfg.FixedSeniorYieldBps,
		TranchesRiskAdjustmentBps:      cfg.TranchesRiskAdjustmentBps,
		MaxSeniorJuniorRatio:           cfg.MaxSeniorJuniorRatio,
		LiquidityCap:                   bigString(cfg.LiquidityCap),
		LiquidityFloor:                 bigString(cfg.LiquidityFloor),
		MinDepositAmount:               bigString(cfg.MinDepositAmount),
		WithdrawalLockoutSec:           int64(cfg.WithdrawalLockout.Seconds()),
		MaxNonReinvestingLenders:       cfg.MaxNonReinvestingLenders,
		PoolOwnerMinLiquidityBps:       cfg.PoolOwnerMinLiquidityBps,
		EvaluationAgentMinLiquidityBps: cfg.EvaluationAgentMinLiquidityBps,
		EpochPeriodUnit:                string(cfg.EpochPeriodUnit),
		EpochPeriodLength:              cfg.EpochPeriodLength,
	}
	if fees != nil {
		dto.Fees = FeeStructureDTO{
			ProtocolFeeBps:        fees.ProtocolFeeBps,
			PoolOwnerFeeBps:       fees.PoolOwnerFeeBps,
			EvaluationAgentFeeBps: fees.EvaluationAgentFeeBps,
		}
	}
	return dto
}

type MarketsResponse struct {
	Markets []markets.Product `json:"markets"`
}

// CurrentEpochDTO joins the open epoch marker with the running redemption
// totals for one tranche.
type CurrentEpochDTO struct {
	Tranche         string `json:"tranche"`
	EpochID         uint64 `json:"epochId"`
	EndTime         int64  `json:"endTime"`
	SharesRequested string `json:"sharesRequested"`
	SharesProcessed string `json:"sharesProcessed"`
	AmountProcessed string `json:"amountProcessed"`
}

type SettlementDTO struct {
	Tranche         string `json:"tranche"`
	EpochID         uint64 `json:"epochId"`
	SharesRequested string `json:"sharesRequested"`
	SharesProcessed string `json:"sharesProcessed"`
	AmountProcessed string `json:"amountProcessed"`
	SharesCarried   string `json:"sharesCarried"`
	PriceBefore     string `json:"priceBefore"`
	PriceAfter      string `json:"priceAfter"`
	Digest          string `json:"digest,omitempty"`
	ClosedAt        int64  `json:"closedAt"`
}

func newSettlementDTO(rec repository.SettlementRecord) SettlementDTO {
	return SettlementDTO{
		Tranche:         rec.Tranche,
		EpochID:         rec.EpochID,
		SharesRequested: rec.SharesRequested,
		SharesProcessed: rec.SharesProcessed,
		AmountProcessed: rec.AmountProcessed,
		SharesCarried:   rec.SharesCarried,
		PriceBefore:     rec.PriceBefore.String(),
		PriceAfter:      rec.PriceAfter.String(),
		Digest:          rec.Digest,
		ClosedAt:        rec.ClosedAt.Unix(),
	}
}

func newSettlementDTOFromEngine(s *pool.EpochSettlement) SettlementDTO {
	digest, _ := s.Digest()
	return SettlementDTO{
		Tranche:         s.Tranche.String(),
		EpochID:         s.EpochID,
		SharesRequested: bigString(s.SharesRequested),
		SharesProcessed: bigString(s.SharesProcessed),
		AmountProcessed: bigString(s.AmountProcessed),
		SharesCarried:   bigString(s.SharesCarried),
		PriceBefore:     s.PriceBefore.String(),
		PriceAfter:      s.PriceAfter.String(),
		Digest:          digest,
		ClosedAt:        s.ClosedAt.Unix(),
	}
}

// ActivityItem is one recorded pool event attributed to an actor.
type ActivityItem struct {
	EventID string `json:"eventId"`
	Type    string `json:"type"`
	Tranche string `json:"tranche,omitempty"`
	Cover   string `json:"cover,omitempty"`
	Amount  string `json:"amount,omitempty"`
	Shares  string `json:"shares,omitempty"`
	EpochID uint64 `json:"epochId,omitempty"`
	At      int64  `json:"at"`
}

func newActivityItem(rec repository.EventRecord) ActivityItem {
	return ActivityItem{
		EventID: rec.EventID,
		Type:    rec.Type,
		Tranche: rec.Tranche,
		Cover:   rec.Cover,
		Amount:  rec.Amount,
		Shares:  rec.Shares,
		EpochID: rec.EpochID,
		At:      rec.At.Unix(),
	}
}

type LenderDTO struct {
	Tranche            string         `json:"tranche"`
	Address            string         `json:"address"`
	Shares             string         `json:"shares"`
	ShareValue         string         `json:"shareValue"`
	Principal          string         `json:"principal"`
	ReinvestYield      bool           `json:"reinvestYield"`
	LastDepositTime    int64          `json:"lastDepositTime"`
	PendingShares      string         `json:"pendingShares"`
	PendingPrincipal   string         `json:"pendingPrincipal"`
	WithdrawableAmount string         `json:"withdrawableAmount"`
	CancellableShares  string         `json:"cancellableShares"`
	Activity           []ActivityItem `json:"activity,omitempty"`
}

func newLenderDTO(v *pool.LenderView) LenderDTO {
	dto := LenderDTO{
		Tranche:            v.Tranche.String(),
		Address:            v.Lender,
		Shares:             bigString(v.Shares),
		ShareValue:         bigString(v.ShareValue),
		Principal:          bigString(v.Principal),
		ReinvestYield:      v.ReinvestYield,
		PendingShares:      bigString(v.PendingShares),
		PendingPrincipal:   bigString(v.PendingPrincipal),
		WithdrawableAmount: bigString(v.WithdrawableAmount),
		CancellableShares:  bigString(v.CancellableShares),
	}
	if !v.LastDepositTime.IsZero() {
		dto.LastDepositTime = v.LastDepositTime.Unix()
	}
	return dto
}

type PricePointDTO struct {
	Bucket  int64  `json:"bucket"`
	EpochID uint64 `json:"epochId"`
	Price   string `json:"price"`
}

type HistoryDTO struct {
	Tranche  string          `json:"tranche"`
	Interval string          `json:"interval"`
	Points   []PricePointDTO `json:"points"`
}

type PaginatedResponse struct {
	Data    interface{} `json:"data"`
	Cursor  string      `json:"cursor,omitempty"`
	HasMore bool        `json:"hasMore"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type ReadinessDTO struct {
	Status  string   `json:"status"`
	Reasons []string `json:"reasons,omitempty"`
}

// Mutation request/response bodies. The acting account travels in the body;
// the engine decides whether it is allowed to act.

type DepositRequest struct {
	Lender string `json:"lender"`
	Amount string `json:"amount"`
}

type DepositResponse struct {
	Tranche      string `json:"tranche"`
	Lender       string `json:"lender"`
	Amount       string `json:"amount"`
	SharesMinted string `json:"sharesMinted"`
}

type RedemptionRequest struct {
	Lender string `json:"lender"`
	Shares string `json:"shares"`
}

type RedemptionResponse struct {
	Tranche string `json:"tranche"`
	Lender  string `json:"lender"`
	Shares  string `json:"shares"`
	EpochID uint64 `json:"epochId"`
	Status  string `json:"status"`
}

type DisburseRequest struct {
	Lender string `json:"lender"`
}

type DisburseResponse struct {
	Tranche string `json:"tranche"`
	Lender  string `json:"lender"`
	Amount  string `json:"amount"`
}

type ReinvestRequest struct {
	Reinvest bool `json:"reinvest"`
}

type LenderApprovalRequest struct {
	Actor  string `json:"actor"`
	Lender string `json:"lender"`
}

type CoverDepositRequest struct {
	Provider string `json:"provider"`
	Amount   string `json:"amount"`
}

type CoverDepositResponse struct {
	Cover        int    `json:"cover"`
	Provider     string `json:"provider"`
	Amount       string `json:"amount"`
	SharesMinted string `json:"sharesMinted"`
}

type CoverRedeemRequest struct {
	Provider string `json:"provider"`
	Shares   string `json:"shares"`
	Receiver string `json:"receiver,omitempty"`
}

type CoverRedeemResponse struct {
	Cover    int    `json:"cover"`
	Provider string `json:"provider"`
	Shares   string `json:"shares"`
	Amount   string `json:"amount"`
}

type CoverPayoutRequest struct {
	Actor string `json:"actor"`
}

type YieldPayoutDTO struct {
	Account      string `json:"account"`
	Amount       string `json:"amount"`
	SharesBurned string `json:"sharesBurned"`
}

type CoverPayoutResponse struct {
	Cover   int              `json:"cover"`
	Payouts []YieldPayoutDTO `json:"payouts"`
}

type CoverProviderRequest struct {
	Actor    string `json:"actor"`
	Provider string `json:"provider"`
}

type CoverConfigRequest struct {
	Actor  string           `json:"actor"`
	Config pool.CoverConfig `json:"config"`
}

type PoolConfigUpdateRequest struct {
	Actor  string        `json:"actor"`
	Config pool.LPConfig `json:"config"`
}

type FeeStructureUpdateRequest struct {
	Actor string            `json:"actor"`
	Fees  pool.FeeStructure `json:"fees"`
}

// StatusUpdateRequest flips only the flags present in the body.
type StatusUpdateRequest struct {
	Actor                string `json:"actor"`
	On                   *bool  `json:"on,omitempty"`
	Paused               *bool  `json:"paused,omitempty"`
	CoverWithdrawalReady *bool  `json:"coverWithdrawalReady,omitempty"`
}

// Fee withdrawal buckets.
const (
	FeeBucketProtocol        = "protocol"
	FeeBucketPoolOwner       = "pool_owner"
	FeeBucketEvaluationAgent = "evaluation_agent"
)

type FeeWithdrawalRequest struct {
	Actor    string `json:"actor"`
	Bucket   string `json:"bucket"`
	Receiver string `json:"receiver,omitempty"`
	Amount   string `json:"amount"`
}

type CloseEpochRequest struct {
	Actor string `json:"actor"`
}

type CloseEpochResponse struct {
	Settlements []SettlementDTO `json:"settlements"`
}

type AckResponse struct {
	Status string `json:"status"`
}
