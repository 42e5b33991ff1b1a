package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"time"

	"github.com/fardream/go-bcs/bcs"
	"github.com/shopspring/decimal"
)

// EpochSettlement is the auditable record one tranche emits when an epoch
// closes: what was requested, what the pool could fund, and the share price
// on both sides of the settlement.
type EpochSettlement struct {
	Tranche         Tranche
	EpochID         uint64
	SharesRequested *big.Int
	SharesProcessed *big.Int
	AmountProcessed *big.Int
	SharesCarried   *big.Int
	PriceBefore     decimal.Decimal
	PriceAfter      decimal.Decimal
	ClosedAt        time.Time
}

// settlementEnvelope is the canonical BCS layout digests are computed over.
// Amounts travel as base-10 strings so arbitrary-precision values encode
// deterministically.
type settlementEnvelope struct {
	Tranche         uint8
	EpochID         uint64
	SharesRequested string
	SharesProcessed string
	AmountProcessed string
	SharesCarried   string
	PriceBefore     string
	PriceAfter      string
	ClosedAtUnix    int64
}

// Digest returns the SHA-256 of the settlement's canonical BCS encoding.
// Stable across processes, so downstream stores can verify records were not
// altered.
func (s *EpochSettlement) Digest() (string, error) {
	env := settlementEnvelope{
		Tranche:         uint8(s.Tranche),
		EpochID:         s.EpochID,
		SharesRequested: s.SharesRequested.String(),
		SharesProcessed: s.SharesProcessed.String(),
		AmountProcessed: s.AmountProcessed.String(),
		SharesCarried:   s.SharesCarried.String(),
		PriceBefore:     s.PriceBefore.String(),
		PriceAfter:      s.PriceAfter.String(),
		ClosedAtUnix:    s.ClosedAt.Unix(),
	}
	raw, err := bcs.Marshal(&env)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
