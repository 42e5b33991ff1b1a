package mock

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stratafi/strata-backend/internal/pnlfeed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGeneratorDeterministicUnderSeed(t *testing.T) {
	cfg := Config{Seed: 42}
	a := NewGenerator(zap.NewNop().Sugar(), cfg)
	b := NewGenerator(zap.NewNop().Sugar(), cfg)
	now := time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 200; i++ {
		require.Equal(t, a.next(now), b.next(now), "tick %d diverged", i)
	}
}

func TestGeneratorSeedsDiverge(t *testing.T) {
	a := NewGenerator(zap.NewNop().Sugar(), Config{Seed: 1})
	b := NewGenerator(zap.NewNop().Sugar(), Config{Seed: 2})
	now := time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)

	var fromA, fromB []pnlfeed.Report
	for i := 0; i < 50; i++ {
		fromA = append(fromA, a.next(now)...)
		fromB = append(fromB, b.next(now)...)
	}
	assert.NotEqual(t, fromA, fromB)
}

func TestGeneratorReportStream(t *testing.T) {
	g := NewGenerator(zap.NewNop().Sugar(), Config{Seed: 7})
	now := time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)

	seen := make(map[string]bool)
	var lastSeq uint64
	for i := 0; i < 2000; i++ {
		for _, r := range g.next(now) {
			require.NoError(t, r.Validate(), "report %d invalid", r.Sequence)
			require.Greater(t, r.Sequence, lastSeq, "sequence must strictly increase")
			lastSeq = r.Sequence
			seen[r.Kind] = true

			switch r.Kind {
			case pnlfeed.KindPayment:
				amount, err := r.AmountInt()
				require.NoError(t, err)
				yield, err := r.YieldInt()
				require.NoError(t, err)
				assert.Positive(t, yield.Sign(), "payments carry a yield portion")
				assert.LessOrEqual(t, yield.Cmp(amount), 0)
			case pnlfeed.KindDrawdown:
				assert.NotEmpty(t, r.Borrower)
			}
		}
		now = now.Add(time.Minute)
	}

	// Two thousand servicing periods surface every outcome the book can take.
	for _, kind := range []string{pnlfeed.KindPayment, pnlfeed.KindDrawdown, pnlfeed.KindLoss, pnlfeed.KindRecovery} {
		assert.True(t, seen[kind], "kind %s never emitted", kind)
	}
}

func TestGeneratorOutstandingAccessors(t *testing.T) {
	g := NewGenerator(zap.NewNop().Sugar(), Config{Seed: 1})

	g.SetOutstanding(big.NewInt(5_000_000))
	got := g.GetOutstanding()
	assert.Equal(t, "5000000", got.String())

	// The returned value is a copy.
	got.SetInt64(1)
	assert.Equal(t, "5000000", g.GetOutstanding().String())

	// Zero and nil are ignored.
	g.SetOutstanding(nil)
	g.SetOutstanding(big.NewInt(0))
	assert.Equal(t, "5000000", g.GetOutstanding().String())
}

func TestGeneratorRunStopsOnCancel(t *testing.T) {
	g := NewGenerator(zap.NewNop().Sugar(), Config{Seed: 3, Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan pnlfeed.Report, 16)
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, out) }()

	select {
	case r := <-out:
		require.NoError(t, r.Validate())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mock report")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}

	assert.Equal(t, "mock", g.Name())
	assert.True(t, g.Health().Healthy)
}
