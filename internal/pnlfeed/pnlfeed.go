package pnlfeed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/big"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/fardream/go-bcs/bcs"
)

// Report kinds emitted by the credit side.
const (
	KindPayment  = "payment"  // borrower cash in; Yield carries the interest portion
	KindDrawdown = "drawdown" // pool cash out to the borrower side
	KindLoss     = "loss"     // written-off exposure
	KindRecovery = "recovery" // cash recovered against prior losses
)

var (
	ErrUnknownKind  = errors.New("pnlfeed: unknown report kind")
	ErrBadAmount    = errors.New("pnlfeed: amount is not a base-10 integer")
	ErrNoSignature  = errors.New("pnlfeed: report carries no signature")
	ErrBadSignature = errors.New("pnlfeed: signature verification failed")
)

// Report is one credit-side outcome. Amounts travel as base-10 strings in the
// pool's smallest unit; Sequence is assigned upstream and strictly increases,
// which is what lets a consumer resume after a restart.
type Report struct {
	Sequence  uint64 `json:"sequence"`
	Kind      string `json:"kind"`
	Amount    string `json:"amount"`
	Yield     string `json:"yield,omitempty"`    // payment interest portion, subset of Amount
	Borrower  string `json:"borrower,omitempty"` // drawdown recipient
	At        int64  `json:"at"`                 // unix seconds
	Signature string `json:"signature,omitempty"`
}

// reportEnvelope is the canonical BCS layout signatures are computed over.
// The Signature field itself is excluded.
type reportEnvelope struct {
	Sequence uint64
	Kind     string
	Amount   string
	Yield    string
	Borrower string
	AtUnix   int64
}

// Digest returns the SHA-256 of the report's canonical BCS encoding.
func (r *Report) Digest() ([]byte, error) {
	env := reportEnvelope{
		Sequence: r.Sequence,
		Kind:     r.Kind,
		Amount:   r.Amount,
		Yield:    r.Yield,
		Borrower: r.Borrower,
		AtUnix:   r.At,
	}
	raw, err := bcs.Marshal(&env)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

// AmountInt parses the cash amount. An empty string reads as zero.
func (r *Report) AmountInt() (*big.Int, error) {
	return parseAmount(r.Amount)
}

// YieldInt parses the payment yield portion. An empty string reads as zero.
func (r *Report) YieldInt() (*big.Int, error) {
	return parseAmount(r.Yield)
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, ErrBadAmount
	}
	return n, nil
}

// Validate checks the report is well formed before it reaches the engine:
// known kind, parseable non-negative amounts, yield only on payments and
// never exceeding the cash received.
func (r *Report) Validate() error {
	switch r.Kind {
	case KindPayment, KindDrawdown, KindLoss, KindRecovery:
	default:
		return ErrUnknownKind
	}
	amount, err := r.AmountInt()
	if err != nil {
		return err
	}
	yield, err := r.YieldInt()
	if err != nil {
		return err
	}
	if r.Kind != KindPayment && yield.Sign() != 0 {
		return ErrBadAmount
	}
	if yield.Cmp(amount) > 0 {
		return ErrBadAmount
	}
	return nil
}

// Sign computes the digest and attaches a hex-encoded DER signature.
func (r *Report) Sign(priv *secp256k1.PrivateKey) error {
	digest, err := r.Digest()
	if err != nil {
		return err
	}
	sig := ecdsa.Sign(priv, digest)
	r.Signature = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks the attached signature against the given public key.
func (r *Report) Verify(pub *secp256k1.PublicKey) error {
	if r.Signature == "" {
		return ErrNoSignature
	}
	der, err := hex.DecodeString(r.Signature)
	if err != nil {
		return ErrBadSignature
	}
	sig, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		return ErrBadSignature
	}
	digest, err := r.Digest()
	if err != nil {
		return err
	}
	if !sig.Verify(digest, pub) {
		return ErrBadSignature
	}
	return nil
}

// ParsePublicKey decodes a hex-encoded compressed secp256k1 public key.
func ParsePublicKey(hexKey string) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, err
	}
	return secp256k1.ParsePubKey(raw)
}

// Provider defines the interface for PnL report sources
type Provider interface {
	// Run streams reports into out until ctx is cancelled. Reports are
	// delivered in sequence order; Run blocks rather than drop one.
	Run(ctx context.Context, out chan<- Report) error

	// Name returns the provider identifier
	Name() string

	// Health returns current provider health status
	Health() ProviderHealth
}

// ProviderHealth represents the current status of a provider
type ProviderHealth struct {
	Healthy     bool      `json:"healthy"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success"`
	Reconnects  int       `json:"reconnects"`
}
