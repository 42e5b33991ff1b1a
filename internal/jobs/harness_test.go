package jobs

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stratafi/strata-backend/internal/calc"
	"github.com/stratafi/strata-backend/internal/pool"
	"github.com/stratafi/strata-backend/internal/store"
	"github.com/stratafi/strata-backend/pkg/kv"
	"github.com/stratafi/strata-backend/pkg/kv/memory"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	addrOperator = "operator"
	addrCredit   = "credit-service"
	addrLender   = "lender-1"
)

// poolStart sits in the past so the genesis epoch is immediately due.
var poolStart = time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)

type captureRecorder struct {
	mu          sync.Mutex
	settlements []*pool.EpochSettlement
	events      []*pool.PoolEvent
	err         error
}

func (r *captureRecorder) RecordSettlements(_ context.Context, s []*pool.EpochSettlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.settlements = append(r.settlements, s...)
	return nil
}

func (r *captureRecorder) RecordEvent(_ context.Context, ev *pool.PoolEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *captureRecorder) settled() []*pool.EpochSettlement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*pool.EpochSettlement(nil), r.settlements...)
}

type harness struct {
	service *pool.Service
	ledger  *pool.MemLedger
	rec     *captureRecorder
	cache   *store.Cache
	markers kv.Store
}

// newHarness builds a live pool behind an in-memory cache and marker store.
// The credit-service account is funded so payments and recoveries can settle.
func newHarness(t *testing.T) *harness {
	t.Helper()

	state := pool.NewMemState()
	ledger := pool.NewMemLedger()
	engine := pool.NewEngine(state, ledger, pool.Roles{
		PoolOperators:     []string{addrOperator},
		CreditService:     addrCredit,
		PoolOwnerTreasury: "owner-treasury",
		EvaluationAgent:   "evaluation-agent",
		ProtocolTreasury:  "protocol-treasury",
	})

	cache, err := store.NewCache("invalid:6379", zap.NewNop().Sugar(), nil)
	require.NoError(t, err)
	require.True(t, cache.IsInMemoryMode())

	rec := &captureRecorder{}
	svc := pool.NewService(engine, NewFanoutRecorder(rec, cache, nil), nil)

	require.NoError(t, svc.InitGenesis(context.Background(), &pool.Genesis{
		Config: &pool.LPConfig{
			TranchePolicy:       pool.PolicyFixedSeniorYield,
			FixedSeniorYieldBps: 1200,
			EpochPeriodUnit:     calc.PeriodDay,
			EpochPeriodLength:   1,
		},
		Fees:       &pool.FeeStructure{},
		EpochStart: poolStart,
	}))

	ledger.Mint(addrCredit, big.NewInt(10_000_000))

	return &harness{
		service: svc,
		ledger:  ledger,
		rec:     rec,
		cache:   cache,
		markers: memory.NewStore(),
	}
}

// deposit funds the lender and supplies a tranche through the service.
func (h *harness) deposit(t *testing.T, tr pool.Tranche, lender string, amount int64) *big.Int {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.service.ApproveLender(ctx, addrOperator, tr, lender))
	h.ledger.Mint(lender, big.NewInt(amount))
	shares, err := h.service.Deposit(ctx, tr, lender, big.NewInt(amount))
	require.NoError(t, err)
	return shares
}
