package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/stratafi/strata-backend/internal/calc"
	"github.com/stratafi/strata-backend/internal/config"
	"github.com/stratafi/strata-backend/internal/markets"
	"github.com/stratafi/strata-backend/internal/pool"
	"github.com/stratafi/strata-backend/internal/repository"
	"github.com/stratafi/strata-backend/internal/store"
	"github.com/stratafi/strata-backend/pkg/kv/memory"
)

const (
	addrAdmin    = "protocol-admin"
	addrOperator = "operator"
	addrCredit   = "credit-service"
	addrLender1  = "lender-1"
	addrLender2  = "lender-2"
	addrProvider = "cover-provider"
	addrOwner    = "owner-treasury"
	addrEA       = "evaluation-agent"
	addrTreasury = "protocol-treasury"
)

// poolStart sits in the past so the genesis epoch is immediately due.
var poolStart = time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)

// fakeRepo satisfies RepositoryInterface and records the arguments of the
// last call so tests can check what the handlers asked for.
type fakeRepo struct {
	settlements []repository.SettlementRecord
	nextCursor  string
	points      []repository.PricePoint
	events      []repository.EventRecord
	pingErr     error

	gotTranche  string
	gotInterval string
	gotLimit    int
	gotCursor   string
}

func (f *fakeRepo) ListSettlements(_ context.Context, tranche string, limit int, cursor string) ([]repository.SettlementRecord, string, error) {
	f.gotTranche, f.gotLimit, f.gotCursor = tranche, limit, cursor
	return f.settlements, f.nextCursor, nil
}

func (f *fakeRepo) SharePriceHistory(_ context.Context, tranche, interval string, limit int) ([]repository.PricePoint, error) {
	f.gotTranche, f.gotInterval, f.gotLimit = tranche, interval, limit
	return f.points, nil
}

func (f *fakeRepo) ListEventsByActor(context.Context, string, int, string) ([]repository.EventRecord, string, error) {
	return f.events, "", nil
}

func (f *fakeRepo) Ping(context.Context) error { return f.pingErr }

type serverOptions struct {
	genesis      *pool.Genesis
	adminKeyHash string
	feedPubKey   string
}

type testServer struct {
	router  http.Handler
	service *pool.Service
	ledger  *pool.MemLedger
	repo    *fakeRepo
	cache   *store.Cache
	cfg     *config.Config
}

func defaultGenesis() *pool.Genesis {
	return &pool.Genesis{
		Config: &pool.LPConfig{
			TranchePolicy:       pool.PolicyFixedSeniorYield,
			FixedSeniorYieldBps: 1200,
			EpochPeriodUnit:     calc.PeriodDay,
			EpochPeriodLength:   1,
		},
		Fees:       &pool.FeeStructure{},
		EpochStart: poolStart,
	}
}

// coverGenesis adds one first-loss layer with an approved provider.
func coverGenesis() *pool.Genesis {
	g := defaultGenesis()
	g.Covers = []pool.CoverGenesis{{
		Name: "borrower",
		Config: pool.CoverConfig{
			CoverRatePerLossBps:    10_000,
			CoverCapPerLoss:        big.NewInt(1_000_000),
			MinLiquidity:           big.NewInt(0),
			MaxLiquidity:           big.NewInt(10_000_000),
			RiskYieldMultiplierBps: 20_000,
		},
		Providers: []string{addrProvider},
	}}
	return g
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWith(t, serverOptions{})
}

func newTestServerWith(t *testing.T, opts serverOptions) *testServer {
	t.Helper()

	genesis := opts.genesis
	if genesis == nil {
		genesis = defaultGenesis()
	}
	ledger := pool.NewMemLedger()
	engine := pool.NewEngine(pool.NewMemState(), ledger, pool.Roles{
		ProtocolAdmins:    []string{addrAdmin},
		PoolOperators:     []string{addrOperator},
		CreditService:     addrCredit,
		PoolOwnerTreasury: addrOwner,
		EvaluationAgent:   addrEA,
		ProtocolTreasury:  addrTreasury,
	})
	svc := pool.NewService(engine, nil, nil)
	require.NoError(t, svc.InitGenesis(context.Background(), genesis))
	// Working float for the credit-service actor.
	ledger.Mint(addrCredit, big.NewInt(100_000_000))

	// An unreachable address drops the cache into in-memory mode.
	cache, err := store.NewCache("invalid:6379", zap.NewNop().Sugar(), nil)
	require.NoError(t, err)
	require.True(t, cache.IsInMemoryMode())

	repo := &fakeRepo{}
	cfg := &config.Config{
		Env:  "test",
		Jobs: config.JobsConfig{HistoryLimit: 500},
		Security: config.SecurityConfig{
			RateLimitRPM: 600,
			AdminKeyHash: opts.adminKeyHash,
		},
		Feed: config.FeedConfig{PublicKeyHex: opts.feedPubKey},
	}

	h, err := NewHandler(svc, ledger, markets.NewService(genesis.Config, "USDC"), repo,
		nil, nil, cache, memory.NewStore(), cfg, zap.NewNop().Sugar(), nil)
	require.NoError(t, err)

	m := NewMiddleware(zap.NewNop().Sugar(), nil)
	router := h.Routes(m, []string{"http://localhost:3000"}, cfg.Security.RateLimitRPM)

	return &testServer{router: router, service: svc, ledger: ledger, repo: repo, cache: cache, cfg: cfg}
}

func (ts *testServer) request(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) rawRequest(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func (ts *testServer) approveLender(t *testing.T, tranche, lender string) {
	t.Helper()
	rec := ts.request(t, http.MethodPost, "/v1/tranches/"+tranche+"/lenders",
		LenderApprovalRequest{Actor: addrOperator, Lender: lender}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (ts *testServer) deposit(t *testing.T, tranche, lender, amount string) DepositResponse {
	t.Helper()
	rec := ts.request(t, http.MethodPost, "/v1/tranches/"+tranche+"/deposits",
		DepositRequest{Lender: lender, Amount: amount}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp DepositResponse
	decodeBody(t, rec, &resp)
	return resp
}

func TestHealthAndReadiness(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = ts.request(t, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ready ReadinessDTO
	decodeBody(t, rec, &ready)
	assert.Equal(t, "ready", ready.Status)

	// A broken settlement store turns readiness off.
	ts.repo.pingErr = errors.New("connection refused")
	rec = ts.request(t, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	decodeBody(t, rec, &ready)
	assert.Equal(t, "unavailable", ready.Status)
	assert.NotEmpty(t, ready.Reasons)
}

func TestGetPoolState(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodGet, "/v1/pool/state", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var dto PoolStateDTO
	decodeBody(t, rec, &dto)
	require.Len(t, dto.Tranches, 2)
	assert.Equal(t, "senior", dto.Tranches[0].Tranche)
	assert.Equal(t, "junior", dto.Tranches[1].Tranche)
	assert.Equal(t, "0", dto.SafeBalance)
	assert.Equal(t, "0", dto.OutstandingCredit)
	assert.Equal(t, uint64(1), dto.Epoch.ID)
	assert.True(t, dto.Status.On)
	assert.False(t, dto.Status.Paused)
}

func TestGetPoolConfig(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodGet, "/v1/pool/config", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var dto PoolConfigDTO
	decodeBody(t, rec, &dto)
	assert.Equal(t, "fixed", dto.TranchePolicy)
	assert.Equal(t, uint64(1200), dto.FixedSeniorYieldBps)
	assert.Equal(t, "day", dto.EpochPeriodUnit)
	assert.Equal(t, 1, dto.EpochPeriodLength)
}

func TestListMarkets(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodGet, "/v1/markets", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp MarketsResponse
	decodeBody(t, rec, &resp)
	assert.Len(t, resp.Markets, 2)
}

func TestDepositFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.approveLender(t, "junior", addrLender1)

	resp := ts.deposit(t, "junior", addrLender1, "250000")
	assert.Equal(t, "junior", resp.Tranche)
	assert.Equal(t, addrLender1, resp.Lender)
	assert.Equal(t, "250000", resp.Amount)
	assert.Equal(t, "250000", resp.SharesMinted)

	rec := ts.request(t, http.MethodGet, "/v1/tranches/junior/lenders/"+addrLender1, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var lender LenderDTO
	decodeBody(t, rec, &lender)
	assert.Equal(t, "250000", lender.Shares)
	assert.Equal(t, "250000", lender.Principal)
	assert.Equal(t, "0", lender.PendingShares)
	assert.True(t, lender.ReinvestYield)

	rec = ts.request(t, http.MethodGet, "/v1/pool/state", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state PoolStateDTO
	decodeBody(t, rec, &state)
	assert.Equal(t, "250000", state.SafeBalance)
	assert.Equal(t, "250000", state.Tranches[1].TotalAssets)
	assert.Equal(t, "0", state.Tranches[0].TotalAssets)
}

func TestDepositValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/v1/tranches/junior/deposits",
		DepositRequest{Lender: addrLender1, Amount: "12.5"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp ErrorResponse
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "INVALID_AMOUNT", errResp.Code)

	rec = ts.request(t, http.MethodPost, "/v1/tranches/junior/deposits",
		DepositRequest{Amount: "1000"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "MISSING_PARAMETER", errResp.Code)

	// Unknown tranche segments 404 before the body is looked at.
	rec = ts.request(t, http.MethodPost, "/v1/tranches/mezzanine/deposits",
		DepositRequest{Lender: addrLender1, Amount: "1000"}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "UNKNOWN_TRANCHE", errResp.Code)

	// Approval gates the deposit itself.
	rec = ts.request(t, http.MethodPost, "/v1/tranches/junior/deposits",
		DepositRequest{Lender: addrLender1, Amount: "1000"}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "LENDER_NOT_APPROVED", errResp.Code)
}

func TestRedemptionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.approveLender(t, "junior", addrLender1)
	ts.deposit(t, "junior", addrLender1, "200000")

	rec := ts.request(t, http.MethodPost, "/v1/tranches/junior/redemptions",
		RedemptionRequest{Lender: addrLender1, Shares: "50000"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var redemption RedemptionResponse
	decodeBody(t, rec, &redemption)
	assert.Equal(t, "queued", redemption.Status)
	assert.Equal(t, uint64(1), redemption.EpochID)

	rec = ts.request(t, http.MethodGet, "/v1/tranches/junior/epochs/current", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var epoch CurrentEpochDTO
	decodeBody(t, rec, &epoch)
	assert.Equal(t, uint64(1), epoch.EpochID)
	assert.Equal(t, "50000", epoch.SharesRequested)
	assert.Equal(t, "0", epoch.SharesProcessed)

	rec = ts.request(t, http.MethodPost, "/v1/tranches/junior/redemptions/cancel",
		RedemptionRequest{Lender: addrLender1, Shares: "20000"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeBody(t, rec, &redemption)
	assert.Equal(t, "cancelled", redemption.Status)

	// The cancel rewrites the cached lender view, so the read is fresh.
	rec = ts.request(t, http.MethodGet, "/v1/tranches/junior/lenders/"+addrLender1, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var lender LenderDTO
	decodeBody(t, rec, &lender)
	assert.Equal(t, "170000", lender.Shares)
	assert.Equal(t, "30000", lender.PendingShares)
	assert.Equal(t, "30000", lender.CancellableShares)
}

func TestSetReinvest(t *testing.T) {
	ts := newTestServer(t)
	ts.approveLender(t, "junior", addrLender1)
	ts.deposit(t, "junior", addrLender1, "10000")

	rec := ts.request(t, http.MethodPut, "/v1/tranches/junior/lenders/"+addrLender1+"/reinvest",
		ReinvestRequest{Reinvest: false}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	view, err := ts.service.LenderView(pool.TrancheJunior, addrLender1)
	require.NoError(t, err)
	assert.False(t, view.ReinvestYield)
}

func TestRemoveLender(t *testing.T) {
	ts := newTestServer(t)
	ts.approveLender(t, "senior", addrLender2)

	rec := ts.request(t, http.MethodDelete,
		"/v1/tranches/senior/lenders/"+addrLender2+"?actor="+addrOperator, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ack AckResponse
	decodeBody(t, rec, &ack)
	assert.Equal(t, "removed", ack.Status)

	// Deposits stop working once the approval is gone.
	rec = ts.request(t, http.MethodPost, "/v1/tranches/senior/deposits",
		DepositRequest{Lender: addrLender2, Amount: "1000"}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListSettlements(t *testing.T) {
	ts := newTestServer(t)
	closed := time.Date(2025, 3, 6, 0, 0, 0, 0, time.UTC)
	ts.repo.settlements = []repository.SettlementRecord{
		{
			Tranche:         "senior",
			EpochID:         2,
			SharesRequested: "1000",
			SharesProcessed: "1000",
			AmountProcessed: "1050",
			SharesCarried:   "0",
			PriceBefore:     decimal.RequireFromString("1.05"),
			PriceAfter:      decimal.RequireFromString("1.05"),
			ClosedAt:        closed.Add(24 * time.Hour),
		},
		{
			Tranche:         "senior",
			EpochID:         1,
			SharesRequested: "500",
			SharesProcessed: "500",
			AmountProcessed: "500",
			SharesCarried:   "0",
			PriceBefore:     decimal.NewFromInt(1),
			PriceAfter:      decimal.NewFromInt(1),
			ClosedAt:        closed,
		},
	}
	ts.repo.nextCursor = "opaque-cursor"

	rec := ts.request(t, http.MethodGet, "/v1/tranches/senior/settlements?limit=75&cursor=abc", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "senior", ts.repo.gotTranche)
	assert.Equal(t, 75, ts.repo.gotLimit)
	assert.Equal(t, "abc", ts.repo.gotCursor)

	var page struct {
		Data    []SettlementDTO `json:"data"`
		Cursor  string          `json:"cursor"`
		HasMore bool            `json:"hasMore"`
	}
	decodeBody(t, rec, &page)
	require.Len(t, page.Data, 2)
	assert.Equal(t, uint64(2), page.Data[0].EpochID)
	assert.Equal(t, "1.05", page.Data[0].PriceBefore)
	assert.Equal(t, "opaque-cursor", page.Cursor)
	assert.True(t, page.HasMore)

	// The limit is clamped and defaults are applied.
	ts.request(t, http.MethodGet, "/v1/tranches/senior/settlements?limit=9999", nil, nil)
	assert.Equal(t, 200, ts.repo.gotLimit)
	ts.request(t, http.MethodGet, "/v1/tranches/senior/settlements", nil, nil)
	assert.Equal(t, 50, ts.repo.gotLimit)
}

func TestGetHistory(t *testing.T) {
	ts := newTestServer(t)
	bucket := time.Date(2025, 3, 6, 0, 0, 0, 0, time.UTC)
	ts.repo.points = []repository.PricePoint{
		{Bucket: bucket.Add(24 * time.Hour), EpochID: 2, Price: decimal.RequireFromString("1.02")},
		{Bucket: bucket, EpochID: 1, Price: decimal.NewFromInt(1)},
	}

	rec := ts.request(t, http.MethodGet, "/v1/history?tranche=junior&interval=week&limit=10", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "junior", ts.repo.gotTranche)
	assert.Equal(t, "week", ts.repo.gotInterval)
	assert.Equal(t, 10, ts.repo.gotLimit)

	var dto HistoryDTO
	decodeBody(t, rec, &dto)
	assert.Equal(t, "junior", dto.Tranche)
	assert.Equal(t, "week", dto.Interval)
	require.Len(t, dto.Points, 2)
	assert.Equal(t, "1.02", dto.Points[0].Price)
	assert.Equal(t, uint64(2), dto.Points[0].EpochID)

	// Defaults: senior tranche, day buckets, configured row limit.
	rec = ts.request(t, http.MethodGet, "/v1/history", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "senior", ts.repo.gotTranche)
	assert.Equal(t, "day", ts.repo.gotInterval)
	assert.Equal(t, 500, ts.repo.gotLimit)

	rec = ts.request(t, http.MethodGet, "/v1/history?interval=minute", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp ErrorResponse
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "INVALID_INTERVAL", errResp.Code)

	rec = ts.request(t, http.MethodGet, "/v1/history?tranche=equity", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "UNKNOWN_TRANCHE", errResp.Code)
}

func TestGetLenderActivity(t *testing.T) {
	ts := newTestServer(t)
	ts.approveLender(t, "junior", addrLender1)
	ts.deposit(t, "junior", addrLender1, "5000")
	ts.repo.events = []repository.EventRecord{{
		Sequence: 1,
		EventID:  "evt-1",
		Type:     "deposit",
		Tranche:  "junior",
		Actor:    addrLender1,
		Amount:   "5000",
		Shares:   "5000",
		EpochID:  1,
		At:       poolStart,
	}}

	rec := ts.request(t, http.MethodGet, "/v1/tranches/junior/lenders/"+addrLender1, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var lender LenderDTO
	decodeBody(t, rec, &lender)
	require.Len(t, lender.Activity, 1)
	assert.Equal(t, "evt-1", lender.Activity[0].EventID)
	assert.Equal(t, "deposit", lender.Activity[0].Type)
	assert.Equal(t, "5000", lender.Activity[0].Amount)
}

func TestCoverLifecycle(t *testing.T) {
	ts := newTestServerWith(t, serverOptions{genesis: coverGenesis()})

	rec := ts.request(t, http.MethodPost, "/v1/covers/0/deposits",
		CoverDepositRequest{Provider: addrProvider, Amount: "500000"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var dep CoverDepositResponse
	decodeBody(t, rec, &dep)
	assert.Equal(t, 0, dep.Cover)
	assert.Equal(t, "500000", dep.SharesMinted)

	rec = ts.request(t, http.MethodGet, "/v1/covers", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var covers []CoverDTO
	decodeBody(t, rec, &covers)
	require.Len(t, covers, 1)
	assert.Equal(t, "borrower", covers[0].Name)
	assert.Equal(t, "500000", covers[0].TotalAssets)
	require.Len(t, covers[0].Providers, 1)
	assert.Equal(t, addrProvider, covers[0].Providers[0].Address)

	rec = ts.request(t, http.MethodPost, "/v1/covers/0/redemptions",
		CoverRedeemRequest{Provider: addrProvider, Shares: "200000"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var red CoverRedeemResponse
	decodeBody(t, rec, &red)
	assert.Equal(t, "200000", red.Shares)
	assert.Equal(t, "200000", red.Amount)
	assert.Zero(t, ts.ledger.BalanceOf(addrProvider).Cmp(big.NewInt(200000)))

	rec = ts.request(t, http.MethodGet, "/v1/covers/0", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cover CoverDTO
	decodeBody(t, rec, &cover)
	assert.Equal(t, "300000", cover.TotalAssets)

	rec = ts.request(t, http.MethodGet, "/v1/covers/7", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCoverProviderRoster(t *testing.T) {
	ts := newTestServerWith(t, serverOptions{genesis: coverGenesis()})

	rec := ts.request(t, http.MethodPost, "/v1/covers/0/providers",
		CoverProviderRequest{Actor: addrOperator, Provider: addrLender2}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.request(t, http.MethodDelete,
		"/v1/covers/0/providers/"+addrLender2+"?actor="+addrOperator, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A provider holding shares cannot be removed.
	rec = ts.request(t, http.MethodPost, "/v1/covers/0/deposits",
		CoverDepositRequest{Provider: addrProvider, Amount: "1000"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.request(t, http.MethodDelete,
		"/v1/covers/0/providers/"+addrProvider+"?actor="+addrOperator, nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	var errResp ErrorResponse
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "PROVIDER_HAS_SHARES", errResp.Code)
}

func TestUpdatePoolStatus(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPut, "/v1/pool/status",
		StatusUpdateRequest{Actor: addrAdmin}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	paused := true
	rec = ts.request(t, http.MethodPut, "/v1/pool/status",
		StatusUpdateRequest{Actor: addrAdmin, Paused: &paused}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var status StatusDTO
	decodeBody(t, rec, &status)
	assert.True(t, status.Paused)
	assert.True(t, status.On)

	// The pause blocks deposits until it is lifted.
	ts.approveLender(t, "junior", addrLender1)
	rec = ts.request(t, http.MethodPost, "/v1/tranches/junior/deposits",
		DepositRequest{Lender: addrLender1, Amount: "1000"}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	var errResp ErrorResponse
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "PROTOCOL_PAUSED", errResp.Code)

	// Only admins may flip the flags.
	off := false
	rec = ts.request(t, http.MethodPut, "/v1/pool/status",
		StatusUpdateRequest{Actor: addrLender1, Paused: &off}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUpdatePoolConfig(t *testing.T) {
	ts := newTestServer(t)

	next := pool.LPConfig{
		TranchePolicy:             pool.PolicyRiskAdjusted,
		TranchesRiskAdjustmentBps: 2000,
		MaxSeniorJuniorRatio:      4,
		EpochPeriodUnit:           calc.PeriodDay,
		EpochPeriodLength:         1,
	}
	rec := ts.request(t, http.MethodPut, "/v1/pool/config",
		PoolConfigUpdateRequest{Actor: addrAdmin, Config: next}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var dto PoolConfigDTO
	decodeBody(t, rec, &dto)
	assert.Equal(t, "riskadjusted", dto.TranchePolicy)
	assert.Equal(t, uint64(4), dto.MaxSeniorJuniorRatio)

	// Non-admins are rejected by the engine.
	rec = ts.request(t, http.MethodPut, "/v1/pool/config",
		PoolConfigUpdateRequest{Actor: addrOperator, Config: next}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestFeeWithdrawals(t *testing.T) {
	g := defaultGenesis()
	g.Fees = &pool.FeeStructure{ProtocolFeeBps: 1000, PoolOwnerFeeBps: 500, EvaluationAgentFeeBps: 300}
	ts := newTestServerWith(t, serverOptions{genesis: g})
	ts.approveLender(t, "junior", addrLender1)
	ts.deposit(t, "junior", addrLender1, "500000")

	ctx := context.Background()
	require.NoError(t, ts.service.ReceivePayment(ctx, addrCredit, big.NewInt(100_000)))
	_, err := ts.service.ReportPnL(ctx, addrCredit, big.NewInt(100_000), big.NewInt(0), big.NewInt(0))
	require.NoError(t, err)

	rec := ts.request(t, http.MethodPost, "/v1/pool/fees/withdrawals",
		FeeWithdrawalRequest{Actor: addrOwner, Bucket: FeeBucketPoolOwner, Amount: "1000"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Zero(t, ts.ledger.BalanceOf(addrOwner).Cmp(big.NewInt(1000)))

	rec = ts.request(t, http.MethodPost, "/v1/pool/fees/withdrawals",
		FeeWithdrawalRequest{Actor: addrAdmin, Bucket: FeeBucketProtocol, Receiver: addrTreasury, Amount: "2000"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Zero(t, ts.ledger.BalanceOf(addrTreasury).Cmp(big.NewInt(2000)))

	// Protocol withdrawals need an explicit receiver.
	rec = ts.request(t, http.MethodPost, "/v1/pool/fees/withdrawals",
		FeeWithdrawalRequest{Actor: addrAdmin, Bucket: FeeBucketProtocol, Amount: "10"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.request(t, http.MethodPost, "/v1/pool/fees/withdrawals",
		FeeWithdrawalRequest{Actor: addrAdmin, Bucket: "marketing", Amount: "10"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp ErrorResponse
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "INVALID_BUCKET", errResp.Code)
}

func TestCloseEpochOverREST(t *testing.T) {
	ts := newTestServer(t)
	ts.approveLender(t, "junior", addrLender1)
	ts.approveLender(t, "senior", addrLender2)
	ts.deposit(t, "junior", addrLender1, "200000")
	ts.deposit(t, "senior", addrLender2, "100000")

	rec := ts.request(t, http.MethodPost, "/v1/tranches/junior/redemptions",
		RedemptionRequest{Lender: addrLender1, Shares: "50000"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.request(t, http.MethodPost, "/v1/pool/epochs/close",
		CloseEpochRequest{Actor: addrOperator}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp CloseEpochResponse
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Settlements, 2)

	var junior SettlementDTO
	for _, s := range resp.Settlements {
		if s.Tranche == "junior" {
			junior = s
		}
	}
	assert.Equal(t, uint64(1), junior.EpochID)
	assert.Equal(t, "50000", junior.SharesRequested)
	assert.Equal(t, "50000", junior.SharesProcessed)
	assert.Equal(t, "50000", junior.AmountProcessed)
	assert.Equal(t, "0", junior.SharesCarried)
	assert.NotEmpty(t, junior.Digest)

	epoch, err := ts.service.CurrentEpoch()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), epoch.ID)

	// The processed amount is claimable immediately.
	rec = ts.request(t, http.MethodPost, "/v1/tranches/junior/disbursements",
		DisburseRequest{Lender: addrLender1}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var dis DisburseResponse
	decodeBody(t, rec, &dis)
	assert.Equal(t, "50000", dis.Amount)
	assert.Zero(t, ts.ledger.BalanceOf(addrLender1).Cmp(big.NewInt(50000)))
}

func TestAdminKeyGuard(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("test-key"), bcrypt.MinCost)
	require.NoError(t, err)
	ts := newTestServerWith(t, serverOptions{adminKeyHash: string(hash)})

	// Reads stay open.
	rec := ts.request(t, http.MethodGet, "/v1/pool/state", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := LenderApprovalRequest{Actor: addrOperator, Lender: addrLender1}
	rec = ts.request(t, http.MethodPost, "/v1/tranches/junior/lenders", body, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.request(t, http.MethodPost, "/v1/tranches/junior/lenders", body,
		map[string]string{"X-Api-Key": "wrong-key"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.request(t, http.MethodPost, "/v1/tranches/junior/lenders", body,
		map[string]string{"X-Api-Key": "test-key"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestIdempotencyReplay(t *testing.T) {
	ts := newTestServer(t)
	ts.approveLender(t, "junior", addrLender1)

	body := DepositRequest{Lender: addrLender1, Amount: "150000"}
	headers := map[string]string{"Idempotency-Key": "dep-1"}

	first := ts.request(t, http.MethodPost, "/v1/tranches/junior/deposits", body, headers)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.Empty(t, first.Header().Get("Idempotency-Replayed"))

	second := ts.request(t, http.MethodPost, "/v1/tranches/junior/deposits", body, headers)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotency-Replayed"))
	assert.Equal(t, first.Body.String(), second.Body.String())

	// The engine saw exactly one deposit.
	view, err := ts.service.LenderView(pool.TrancheJunior, addrLender1)
	require.NoError(t, err)
	assert.Zero(t, view.Shares.Cmp(big.NewInt(150000)))

	// A fresh key runs the handler again.
	third := ts.request(t, http.MethodPost, "/v1/tranches/junior/deposits", body,
		map[string]string{"Idempotency-Key": "dep-2"})
	require.Equal(t, http.StatusOK, third.Code)
	view, err = ts.service.LenderView(pool.TrancheJunior, addrLender1)
	require.NoError(t, err)
	assert.Zero(t, view.Shares.Cmp(big.NewInt(300000)))
}

func TestStreamingUnconfigured(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodGet, "/v1/ws", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var errResp ErrorResponse
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "STREAM_UNAVAILABLE", errResp.Code)

	rec = ts.request(t, http.MethodGet, "/v1/stream", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
