package httpfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stratafi/strata-backend/internal/pnlfeed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func receiveReport(t *testing.T, out <-chan pnlfeed.Report) pnlfeed.Report {
	t.Helper()
	select {
	case r := <-out:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for report")
		return pnlfeed.Report{}
	}
}

func TestProviderPollsAndResumes(t *testing.T) {
	var mu sync.Mutex
	var afters []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		after := r.URL.Query().Get("after")
		mu.Lock()
		afters = append(afters, after)
		mu.Unlock()

		var batch []pnlfeed.Report
		if after == "0" {
			batch = []pnlfeed.Report{
				{Sequence: 1, Kind: pnlfeed.KindPayment, Amount: "1000", Yield: "100", At: 1741219200},
				{Sequence: 2, Kind: pnlfeed.KindDrawdown, Amount: "500", Borrower: "b-1", At: 1741219260},
			}
		}
		if err := json.NewEncoder(w).Encode(batch); err != nil {
			t.Errorf("encode batch: %v", err)
		}
	}))
	defer srv.Close()

	p := NewProvider(zap.NewNop().Sugar(), Config{
		BaseURL:       srv.URL,
		PollInterval:  20 * time.Millisecond,
		RetryInterval: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan pnlfeed.Report, 8)
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, out) }()

	first := receiveReport(t, out)
	second := receiveReport(t, out)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, pnlfeed.KindPayment, first.Kind)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, "b-1", second.Borrower)
	assert.Equal(t, uint64(2), p.After())

	// The next poll must ask for reports after the last delivered sequence.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, a := range afters {
			if a == "2" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	health := p.Health()
	assert.True(t, health.Healthy)
	assert.Empty(t, health.LastError)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestProviderSkipsReplaysAndMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Sequence 5 sits at the resume point, 6 carries an unknown kind;
		// only 7 should come through.
		batch := []pnlfeed.Report{
			{Sequence: 5, Kind: pnlfeed.KindPayment, Amount: "1000", At: 1741219200},
			{Sequence: 6, Kind: "dividend", Amount: "1000", At: 1741219200},
			{Sequence: 7, Kind: pnlfeed.KindRecovery, Amount: "250", At: 1741219200},
		}
		if err := json.NewEncoder(w).Encode(batch); err != nil {
			t.Errorf("encode batch: %v", err)
		}
	}))
	defer srv.Close()

	p := NewProvider(zap.NewNop().Sugar(), Config{
		BaseURL:      srv.URL,
		PollInterval: time.Hour, // single poll
	})
	p.SetAfter(5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan pnlfeed.Report, 8)
	go func() {
		if err := p.Run(ctx, out); err != nil && ctx.Err() == nil {
			t.Errorf("Run: %v", err)
		}
	}()

	got := receiveReport(t, out)
	assert.Equal(t, uint64(7), got.Sequence)
	assert.Equal(t, uint64(7), p.After())

	select {
	case extra := <-out:
		t.Fatalf("unexpected extra report: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProviderBacksOffOnServerError(t *testing.T) {
	var mu sync.Mutex
	polls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		polls++
		failing := polls <= 2
		mu.Unlock()

		if failing {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if err := json.NewEncoder(w).Encode([]pnlfeed.Report{
			{Sequence: 1, Kind: pnlfeed.KindPayment, Amount: "1000", At: 1741219200},
		}); err != nil {
			t.Errorf("encode batch: %v", err)
		}
	}))
	defer srv.Close()

	p := NewProvider(zap.NewNop().Sugar(), Config{
		BaseURL:       srv.URL,
		PollInterval:  time.Hour,
		RetryInterval: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan pnlfeed.Report, 8)
	go func() {
		if err := p.Run(ctx, out); err != nil && ctx.Err() == nil {
			t.Errorf("Run: %v", err)
		}
	}()

	// While the server is failing the provider reports unhealthy.
	require.Eventually(t, func() bool {
		h := p.Health()
		return !h.Healthy && h.LastError != ""
	}, 2*time.Second, 10*time.Millisecond)

	got := receiveReport(t, out)
	assert.Equal(t, uint64(1), got.Sequence)

	require.Eventually(t, func() bool {
		h := p.Health()
		return h.Healthy && h.Reconnects >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProviderDefaults(t *testing.T) {
	p := NewProvider(zap.NewNop().Sugar(), Config{BaseURL: "http://localhost:9"})
	assert.Equal(t, DefaultPollInterval, p.cfg.PollInterval)
	assert.Equal(t, DefaultRetryInterval, p.cfg.RetryInterval)
	assert.Equal(t, "http", p.Name())
}
