package jobs

import (
	"github.com/stratafi/strata-backend/internal/pool"
)

// Payload types pushed over the pub/sub channels. Amounts are decimal
// strings so web clients never round large integers.

type TrancheStateEvent struct {
	Tranche     string `json:"tranche"`
	TotalAssets string `json:"total_assets"`
	TotalShares string `json:"total_shares"`
	SharePrice  string `json:"share_price"`
}

type PoolStateEvent struct {
	Type              string              `json:"type"`
	Status            string              `json:"status"`
	EpochID           uint64              `json:"epoch_id"`
	SafeBalance       string              `json:"safe_balance"`
	OutstandingCredit string              `json:"outstanding_credit"`
	Tranches          []TrancheStateEvent `json:"tranches"`
	At                int64               `json:"at"`
}

type SettlementEvent struct {
	Type            string `json:"type"`
	Tranche         string `json:"tranche"`
	EpochID         uint64 `json:"epoch_id"`
	SharesRequested string `json:"shares_requested"`
	SharesProcessed string `json:"shares_processed"`
	AmountProcessed string `json:"amount_processed"`
	SharesCarried   string `json:"shares_carried"`
	PriceBefore     string `json:"price_before"`
	PriceAfter      string `json:"price_after"`
	ClosedAt        int64  `json:"closed_at"`
}

// NewPoolStateEvent flattens a snapshot into the wire shape.
func NewPoolStateEvent(snap *pool.PoolSnapshot) PoolStateEvent {
	ev := PoolStateEvent{
		Type:              "pool_state",
		Status:            statusString(snap.Status),
		SafeBalance:       snap.SafeBalance.String(),
		OutstandingCredit: snap.OutstandingCredit.String(),
		At:                snap.TakenAt.Unix(),
	}
	if snap.Epoch != nil {
		ev.EpochID = snap.Epoch.ID
	}
	for _, tv := range snap.Tranches {
		ev.Tranches = append(ev.Tranches, TrancheStateEvent{
			Tranche:     tv.Tranche.String(),
			TotalAssets: tv.TotalAssets.String(),
			TotalShares: tv.TotalShares.String(),
			SharePrice:  tv.SharePrice.String(),
		})
	}
	return ev
}

func NewSettlementEvent(s *pool.EpochSettlement) SettlementEvent {
	return SettlementEvent{
		Type:            "epoch_settled",
		Tranche:         s.Tranche.String(),
		EpochID:         s.EpochID,
		SharesRequested: s.SharesRequested.String(),
		SharesProcessed: s.SharesProcessed.String(),
		AmountProcessed: s.AmountProcessed.String(),
		SharesCarried:   s.SharesCarried.String(),
		PriceBefore:     s.PriceBefore.String(),
		PriceAfter:      s.PriceAfter.String(),
		ClosedAt:        s.ClosedAt.Unix(),
	}
}

func statusString(st *pool.PoolStatus) string {
	switch {
	case st == nil:
		return "unknown"
	case st.Paused:
		return "paused"
	case st.On:
		return "on"
	default:
		return "off"
	}
}
