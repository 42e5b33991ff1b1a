package pnlfeed

import (
	"encoding/hex"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport() Report {
	return Report{
		Sequence: 7,
		Kind:     KindPayment,
		Amount:   "105000000",
		Yield:    "5000000",
		At:       1741219200,
	}
}

func TestReportDigestIsStable(t *testing.T) {
	r := sampleReport()
	a, err := r.Digest()
	require.NoError(t, err)
	b, err := r.Digest()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestReportDigestCoversEveryField(t *testing.T) {
	baseReport := sampleReport()
	base, err := baseReport.Digest()
	require.NoError(t, err)

	mutations := []func(*Report){
		func(r *Report) { r.Sequence = 8 },
		func(r *Report) { r.Kind = KindLoss },
		func(r *Report) { r.Amount = "105000001" },
		func(r *Report) { r.Yield = "5000001" },
		func(r *Report) { r.Borrower = "borrower-1" },
		func(r *Report) { r.At = 1741219201 },
	}
	for i, mutate := range mutations {
		r := sampleReport()
		mutate(&r)
		got, err := r.Digest()
		require.NoError(t, err)
		assert.NotEqual(t, base, got, "mutation %d did not change the digest", i)
	}
}

func TestReportDigestIgnoresSignature(t *testing.T) {
	r := sampleReport()
	unsigned, err := r.Digest()
	require.NoError(t, err)

	r.Signature = "deadbeef"
	signed, err := r.Digest()
	require.NoError(t, err)
	assert.Equal(t, unsigned, signed)
}

func TestSignAndVerify(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	r := sampleReport()
	require.NoError(t, r.Sign(priv))
	require.NotEmpty(t, r.Signature)

	require.NoError(t, r.Verify(priv.PubKey()))
}

func TestVerifyRejectsTamperedReport(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	r := sampleReport()
	require.NoError(t, r.Sign(priv))

	r.Amount = "205000000"
	assert.ErrorIs(t, r.Verify(priv.PubKey()), ErrBadSignature)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signer, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	other, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	r := sampleReport()
	require.NoError(t, r.Sign(signer))
	assert.ErrorIs(t, r.Verify(other.PubKey()), ErrBadSignature)
}

func TestVerifyRequiresSignature(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	r := sampleReport()
	assert.ErrorIs(t, r.Verify(priv.PubKey()), ErrNoSignature)

	r.Signature = "not hex"
	assert.ErrorIs(t, r.Verify(priv.PubKey()), ErrBadSignature)
}

func TestParsePublicKeyRoundTrip(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	compressed := hex.EncodeToString(priv.PubKey().SerializeCompressed())

	pub, err := ParsePublicKey(compressed)
	require.NoError(t, err)
	assert.True(t, pub.IsEqual(priv.PubKey()))

	_, err = ParsePublicKey("zz")
	assert.Error(t, err)
	_, err = ParsePublicKey("0102")
	assert.Error(t, err)
}

func TestAmountParsing(t *testing.T) {
	r := Report{Amount: "", Yield: ""}
	amount, err := r.AmountInt()
	require.NoError(t, err)
	assert.Zero(t, amount.Sign())

	r.Amount = "12345678901234567890123456789"
	amount, err = r.AmountInt()
	require.NoError(t, err)
	assert.Equal(t, "12345678901234567890123456789", amount.String())

	r.Amount = "-5"
	_, err = r.AmountInt()
	assert.ErrorIs(t, err, ErrBadAmount)

	r.Amount = "1.5"
	_, err = r.AmountInt()
	assert.ErrorIs(t, err, ErrBadAmount)
}

func TestValidate(t *testing.T) {
	valid := sampleReport()
	require.NoError(t, valid.Validate())

	r := sampleReport()
	r.Kind = "dividend"
	assert.ErrorIs(t, r.Validate(), ErrUnknownKind)

	r = sampleReport()
	r.Amount = "abc"
	assert.ErrorIs(t, r.Validate(), ErrBadAmount)

	// Yield above the cash received is impossible.
	r = sampleReport()
	r.Yield = "205000000"
	assert.ErrorIs(t, r.Validate(), ErrBadAmount)

	// Yield only makes sense on payments.
	r = sampleReport()
	r.Kind = KindDrawdown
	assert.ErrorIs(t, r.Validate(), ErrBadAmount)

	r = Report{Sequence: 1, Kind: KindLoss, Amount: "1000", At: 1741219200}
	require.NoError(t, r.Validate())
}
