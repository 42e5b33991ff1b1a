package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/stratafi/strata-backend/internal/config"
	"github.com/stratafi/strata-backend/internal/jobs"
	"github.com/stratafi/strata-backend/internal/markets"
	"github.com/stratafi/strata-backend/internal/pnlfeed"
	"github.com/stratafi/strata-backend/internal/pool"
	"github.com/stratafi/strata-backend/internal/repository"
	"github.com/stratafi/strata-backend/internal/store"
	"github.com/stratafi/strata-backend/internal/util"
	"github.com/stratafi/strata-backend/internal/ws"
	"github.com/stratafi/strata-backend/pkg/kv"
)

// MetricsInterface is the slice of the metrics registry the handlers touch
// directly. Request latency is recorded once by the middleware chain.
type MetricsInterface interface {
	RecordCacheHit(ctx context.Context, key string)
	RecordCacheMiss(ctx context.Context, key string)
}

// RepositoryInterface is the read-side storage surface the handlers query.
type RepositoryInterface interface {
	ListSettlements(ctx context.Context, tranche string, limit int, cursor string) ([]repository.SettlementRecord, string, error)
	SharePriceHistory(ctx context.Context, tranche, interval string, limit int) ([]repository.PricePoint, error)
	ListEventsByActor(ctx context.Context, actor string, limit int, cursor string) ([]repository.EventRecord, string, error)
	Ping(ctx context.Context) error
}

// LedgerInterface is the token ledger slice the deposit surface uses to fund
// simulator wallets.
type LedgerInterface interface {
	BalanceOf(account string) *big.Int
	Mint(to string, amount *big.Int)
}

// Handler serves the REST and JSON-RPC surfaces over the pool engine.
type Handler struct {
	service     *pool.Service
	ledger      LedgerInterface
	marketsSvc  *markets.Service
	repo        RepositoryInterface
	wsHub       *ws.Hub
	sseHandler  *ws.SSEHandler
	cache       *store.Cache
	idempotency kv.Store
	creditKey   *secp256k1.PublicKey
	config      *config.Config
	logger      *zap.SugaredLogger
	metrics     MetricsInterface
	flights     util.Group
}

// NewHandler wires the HTTP surface over the pool engine and its read-side
// stores. The credit service public key, when configured, gates signed
// JSON-RPC report submissions.
func NewHandler(
	service *pool.Service,
	ledger LedgerInterface,
	marketsSvc *markets.Service,
	repo RepositoryInterface,
	wsHub *ws.Hub,
	sseHandler *ws.SSEHandler,
	cache *store.Cache,
	idempotency kv.Store,
	cfg *config.Config,
	logger *zap.SugaredLogger,
	metrics MetricsInterface,
) (*Handler, error) {
	h := &Handler{
		service:     service,
		ledger:      ledger,
		marketsSvc:  marketsSvc,
		repo:        repo,
		wsHub:       wsHub,
		sseHandler:  sseHandler,
		cache:       cache,
		idempotency: idempotency,
		config:      cfg,
		logger:      logger,
		metrics:     metrics,
	}
	if cfg.Feed.PublicKeyHex != "" {
		key, err := pnlfeed.ParsePublicKey(cfg.Feed.PublicKeyHex)
		if err != nil {
			return nil, fmt.Errorf("parse credit service key: %w", err)
		}
		h.creditKey = key
	}
	return h, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Status and headers are already on the wire.
		return
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

// poolErrorStatus maps engine errors onto HTTP statuses and stable error
// codes clients can switch on.
func poolErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, pool.ErrNotAuthorized):
		return http.StatusForbidden, "NOT_AUTHORIZED"
	case errors.Is(err, pool.ErrLenderNotApproved):
		return http.StatusForbidden, "LENDER_NOT_APPROVED"
	case errors.Is(err, pool.ErrProviderNotApproved):
		return http.StatusForbidden, "PROVIDER_NOT_APPROVED"
	case errors.Is(err, pool.ErrUnknownTranche):
		return http.StatusNotFound, "UNKNOWN_TRANCHE"
	case errors.Is(err, pool.ErrUnknownCover):
		return http.StatusNotFound, "UNKNOWN_COVER"
	case errors.Is(err, pool.ErrZeroAmount), errors.Is(err, pool.ErrZeroAddress):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, pool.ErrDepositTooSmall):
		return http.StatusBadRequest, "DEPOSIT_TOO_SMALL"
	case errors.Is(err, pool.ErrLiquidityCapExceeded),
		errors.Is(err, pool.ErrSeniorRatioExceeded),
		errors.Is(err, pool.ErrProviderRosterFull),
		errors.Is(err, pool.ErrLenderRosterFull):
		return http.StatusConflict, "CAPACITY_EXCEEDED"
	case errors.Is(err, pool.ErrInsufficientShares),
		errors.Is(err, pool.ErrInsufficientBalance),
		errors.Is(err, pool.ErrInsufficientLiquidity):
		return http.StatusConflict, "INSUFFICIENT_FUNDS"
	case errors.Is(err, pool.ErrPoolOff):
		return http.StatusConflict, "POOL_OFF"
	case errors.Is(err, pool.ErrProtocolPaused):
		return http.StatusConflict, "PROTOCOL_PAUSED"
	case errors.Is(err, pool.ErrEpochNotEnded):
		return http.StatusConflict, "EPOCH_NOT_ENDED"
	case errors.Is(err, pool.ErrUnprocessedProfit):
		return http.StatusConflict, "UNRECONCILED_PROFIT"
	case errors.Is(err, pool.ErrWithdrawalLockout):
		return http.StatusConflict, "WITHDRAWAL_LOCKED"
	case errors.Is(err, pool.ErrCoverMinLiquidity), errors.Is(err, pool.ErrMinLiquidityRequired):
		return http.StatusConflict, "LIQUIDITY_FLOOR"
	case errors.Is(err, pool.ErrProviderHasShares):
		return http.StatusConflict, "PROVIDER_HAS_SHARES"
	default:
		return http.StatusInternalServerError, "POOL_ERROR"
	}
}

func writePoolError(w http.ResponseWriter, err error) {
	status, code := poolErrorStatus(err)
	writeError(w, status, code, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Request body must be valid JSON")
		return false
	}
	return true
}

// parseAmount accepts non-negative base-10 integers in the asset's smallest
// unit. The engine decides whether zero is acceptable for the operation.
func parseAmount(s string) (*big.Int, bool) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}

func (h *Handler) trancheParam(w http.ResponseWriter, r *http.Request) (pool.Tranche, bool) {
	t, err := pool.ParseTranche(chi.URLParam(r, "tranche"))
	if err != nil {
		writeError(w, http.StatusNotFound, "UNKNOWN_TRANCHE", "Tranche must be \"senior\" or \"junior\"")
		return 0, false
	}
	return t, true
}

func coverIndexParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || idx < 0 {
		writeError(w, http.StatusNotFound, "UNKNOWN_COVER", "Cover index must be a non-negative integer")
		return 0, false
	}
	return idx, true
}

// snapshot serves pool state through the cache, collapsing concurrent misses
// into a single engine read.
func (h *Handler) snapshot(ctx context.Context) (*pool.PoolSnapshot, error) {
	if h.cache != nil {
		var snap pool.PoolSnapshot
		if err := h.cache.GetPoolState(ctx, &snap); err == nil {
			if h.metrics != nil {
				h.metrics.RecordCacheHit(ctx, store.KeyPoolState)
			}
			return &snap, nil
		}
		if h.metrics != nil {
			h.metrics.RecordCacheMiss(ctx, store.KeyPoolState)
		}
	}
	v, err, _ := h.flights.Do("pool:snapshot", func() (interface{}, error) {
		snap, err := h.service.Snapshot()
		if err != nil {
			return nil, err
		}
		if h.cache != nil {
			if err := h.cache.SetPoolState(ctx, snap); err != nil {
				h.logger.Warnw("Failed to cache pool state", "error", err)
			}
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*pool.PoolSnapshot), nil
}

// refreshState re-snapshots the engine after a mutation, updates the cache
// and the derived markets view, and fans the new state out to stream
// subscribers. Best effort: the mutation already committed.
func (h *Handler) refreshState(ctx context.Context) *pool.PoolSnapshot {
	snap, err := h.service.Snapshot()
	if err != nil {
		h.logger.Warnw("Failed to snapshot pool after mutation", "error", err)
		return nil
	}
	if h.cache != nil {
		if err := h.cache.SetPoolState(ctx, snap); err != nil {
			h.logger.Warnw("Failed to cache pool state", "error", err)
		}
		if err := h.cache.Publish(ctx, store.ChannelPoolState, jobs.NewPoolStateEvent(snap)); err != nil {
			h.logger.Warnw("Failed to publish pool state", "error", err)
		}
	}
	if h.marketsSvc != nil {
		h.marketsSvc.Refresh(snap)
	}
	return snap
}

// fundWallet tops an account up to the requested amount. Deposits on this
// surface are simulator money; the mint keeps the engine's balance checks
// meaningful without an external faucet.
func (h *Handler) fundWallet(account string, amount *big.Int) {
	if h.ledger == nil || account == "" || amount == nil || amount.Sign() <= 0 {
		return
	}
	balance := h.ledger.BalanceOf(account)
	if balance.Cmp(amount) < 0 {
		h.ledger.Mint(account, new(big.Int).Sub(amount, balance))
	}
}

func (h *Handler) cacheLenderView(ctx context.Context, t pool.Tranche, lender string) {
	if h.cache == nil {
		return
	}
	view, err := h.service.LenderView(t, lender)
	if err != nil {
		return
	}
	if err := h.cache.SetLenderView(ctx, t.String(), lender, newLenderDTO(view)); err != nil {
		h.logger.Debugw("Failed to cache lender view", "tranche", t.String(), "lender", lender, "error", err)
	}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Readyz reports whether the engine and its stores can serve traffic.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var reasons []string
	if _, err := h.service.CurrentEpoch(); err != nil {
		reasons = append(reasons, "pool engine not initialized")
	}
	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			reasons = append(reasons, "database unreachable")
		}
	}
	if h.cache != nil && !h.cache.IsInMemoryMode() {
		if err := h.cache.Ping(ctx); err != nil {
			reasons = append(reasons, "cache unreachable")
		}
	}
	if len(reasons) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, ReadinessDTO{Status: "unavailable", Reasons: reasons})
		return
	}
	writeJSON(w, http.StatusOK, ReadinessDTO{Status: "ready"})
}

// GetPoolState returns the full pool snapshot.
func (h *Handler) GetPoolState(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshot(r.Context())
	if err != nil {
		h.logger.Errorw("Failed to snapshot pool", "error", err)
		writeError(w, http.StatusInternalServerError, "SNAPSHOT_FAILED", "Failed to read pool state")
		return
	}
	writeJSON(w, http.StatusOK, newPoolStateDTO(snap))
}

// GetPoolConfig returns the lender-pool configuration and fee structure.
func (h *Handler) GetPoolConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.cache != nil {
		var dto PoolConfigDTO
		if err := h.cache.GetPoolConfig(ctx, &dto); err == nil {
			if h.metrics != nil {
				h.metrics.RecordCacheHit(ctx, store.KeyPoolConfig)
			}
			writeJSON(w, http.StatusOK, dto)
			return
		}
		if h.metrics != nil {
			h.metrics.RecordCacheMiss(ctx, store.KeyPoolConfig)
		}
	}
	cfg, err := h.service.LPConfigView()
	if err != nil {
		writePoolError(w, err)
		return
	}
	fees, err := h.service.FeeStructureView()
	if err != nil {
		writePoolError(w, err)
		return
	}
	dto := newPoolConfigDTO(cfg, fees)
	if h.cache != nil {
		if err := h.cache.SetPoolConfig(ctx, dto); err != nil {
			h.logger.Debugw("Failed to cache pool config", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListMarkets returns the tranche and cover products as market listings.
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	if h.marketsSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "MARKETS_UNAVAILABLE", "Markets view is not configured")
		return
	}
	ctx := r.Context()
	if h.cache != nil {
		var resp MarketsResponse
		if err := h.cache.GetMarkets(ctx, &resp); err == nil {
			if h.metrics != nil {
				h.metrics.RecordCacheHit(ctx, store.KeyMarkets)
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
		if h.metrics != nil {
			h.metrics.RecordCacheMiss(ctx, store.KeyMarkets)
		}
	}
	if snap, err := h.snapshot(ctx); err == nil {
		h.marketsSvc.Refresh(snap)
	}
	resp := MarketsResponse{Markets: h.marketsSvc.List()}
	if h.cache != nil {
		if err := h.cache.SetMarkets(ctx, resp); err != nil {
			h.logger.Debugw("Failed to cache markets", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCurrentEpoch returns the open epoch and its running redemption totals
// for one tranche.
func (h *Handler) GetCurrentEpoch(w http.ResponseWriter, r *http.Request) {
	t, ok := h.trancheParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if h.cache != nil {
		var dto CurrentEpochDTO
		if err := h.cache.GetCurrentEpoch(ctx, t.String(), &dto); err == nil {
			if h.metrics != nil {
				h.metrics.RecordCacheHit(ctx, store.KeyEpochCurrent)
			}
			writeJSON(w, http.StatusOK, dto)
			return
		}
		if h.metrics != nil {
			h.metrics.RecordCacheMiss(ctx, store.KeyEpochCurrent)
		}
	}
	epoch, err := h.service.CurrentEpoch()
	if err != nil {
		writePoolError(w, err)
		return
	}
	dto := CurrentEpochDTO{
		Tranche:         t.String(),
		EpochID:         epoch.ID,
		EndTime:         epoch.EndTime.Unix(),
		SharesRequested: "0",
		SharesProcessed: "0",
		AmountProcessed: "0",
	}
	if summary, err := h.service.EpochSummaryView(t, epoch.ID); err == nil && summary != nil {
		dto.SharesRequested = bigString(summary.TotalSharesRequested)
		dto.SharesProcessed = bigString(summary.TotalSharesProcessed)
		dto.AmountProcessed = bigString(summary.TotalAmountProcessed)
	}
	if h.cache != nil {
		if err := h.cache.SetCurrentEpoch(ctx, t.String(), dto); err != nil {
			h.logger.Debugw("Failed to cache current epoch", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListSettlements pages through closed-epoch settlements for one tranche,
// newest first.
func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	t, ok := h.trancheParam(w, r)
	if !ok {
		return
	}
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Settlement history requires database storage")
		return
	}
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	records, next, err := h.repo.ListSettlements(r.Context(), t.String(), limit, r.URL.Query().Get("cursor"))
	if err != nil {
		h.logger.Errorw("Failed to list settlements", "tranche", t.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "QUERY_FAILED", "Failed to list settlements")
		return
	}
	data := make([]SettlementDTO, 0, len(records))
	for _, rec := range records {
		data = append(data, newSettlementDTO(rec))
	}
	writeJSON(w, http.StatusOK, PaginatedResponse{Data: data, Cursor: next, HasMore: next != ""})
}

// GetLender returns one lender's position in a tranche, with recent activity
// attached when the event store is reachable.
func (h *Handler) GetLender(w http.ResponseWriter, r *http.Request) {
	t, ok := h.trancheParam(w, r)
	if !ok {
		return
	}
	address := chi.URLParam(r, "address")
	if address == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PARAMETER", "Lender address is required")
		return
	}
	ctx := r.Context()
	var dto LenderDTO
	cached := false
	if h.cache != nil {
		if err := h.cache.GetLenderView(ctx, t.String(), address, &dto); err == nil {
			cached = true
			if h.metrics != nil {
				h.metrics.RecordCacheHit(ctx, store.KeyLenderView)
			}
		} else if h.metrics != nil {
			h.metrics.RecordCacheMiss(ctx, store.KeyLenderView)
		}
	}
	if !cached {
		view, err := h.service.LenderView(t, address)
		if err != nil {
			writePoolError(w, err)
			return
		}
		dto = newLenderDTO(view)
		if h.cache != nil {
			if err := h.cache.SetLenderView(ctx, t.String(), address, dto); err != nil {
				h.logger.Debugw("Failed to cache lender view", "error", err)
			}
		}
	}
	if h.repo != nil {
		if events, _, err := h.repo.ListEventsByActor(ctx, address, 20, ""); err == nil {
			items := make([]ActivityItem, 0, len(events))
			for _, ev := range events {
				items = append(items, newActivityItem(ev))
			}
			dto.Activity = items
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListCovers returns every first-loss cover layer.
func (h *Handler) ListCovers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.cache != nil {
		var covers []CoverDTO
		if err := h.cache.GetCoverLayers(ctx, &covers); err == nil {
			if h.metrics != nil {
				h.metrics.RecordCacheHit(ctx, store.KeyCoverLayers)
			}
			writeJSON(w, http.StatusOK, covers)
			return
		}
		if h.metrics != nil {
			h.metrics.RecordCacheMiss(ctx, store.KeyCoverLayers)
		}
	}
	snap, err := h.snapshot(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SNAPSHOT_FAILED", "Failed to read pool state")
		return
	}
	covers := make([]CoverDTO, 0, len(snap.Covers))
	for _, c := range snap.Covers {
		covers = append(covers, newCoverDTO(c))
	}
	if h.cache != nil {
		if err := h.cache.SetCoverLayers(ctx, covers); err != nil {
			h.logger.Debugw("Failed to cache cover layers", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, covers)
}

// GetCover returns one cover layer by index.
func (h *Handler) GetCover(w http.ResponseWriter, r *http.Request) {
	idx, ok := coverIndexParam(w, r)
	if !ok {
		return
	}
	snap, err := h.snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SNAPSHOT_FAILED", "Failed to read pool state")
		return
	}
	if idx >= len(snap.Covers) {
		writeError(w, http.StatusNotFound, "UNKNOWN_COVER", "No cover layer at this index")
		return
	}
	writeJSON(w, http.StatusOK, newCoverDTO(snap.Covers[idx]))
}

var historyIntervals = map[string]bool{"hour": true, "day": true, "week": true, "month": true}

// GetHistory returns bucketed share price history for a tranche.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Price history requires database storage")
		return
	}
	trancheStr := r.URL.Query().Get("tranche")
	if trancheStr == "" {
		trancheStr = "senior"
	}
	t, err := pool.ParseTranche(trancheStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "UNKNOWN_TRANCHE", "Tranche must be \"senior\" or \"junior\"")
		return
	}
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = "day"
	}
	if !historyIntervals[interval] {
		writeError(w, http.StatusBadRequest, "INVALID_INTERVAL", "Interval must be one of: hour, day, week, month")
		return
	}
	limit := h.config.Jobs.HistoryLimit
	if limit <= 0 {
		limit = 500
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 2000 {
			limit = parsed
		}
	}
	points, err := h.repo.SharePriceHistory(r.Context(), t.String(), interval, limit)
	if err != nil {
		h.logger.Errorw("Failed to load share price history", "tranche", t.String(), "interval", interval, "error", err)
		writeError(w, http.StatusInternalServerError, "QUERY_FAILED", "Failed to load share price history")
		return
	}
	dto := HistoryDTO{Tranche: t.String(), Interval: interval, Points: make([]PricePointDTO, 0, len(points))}
	for _, p := range points {
		dto.Points = append(dto.Points, PricePointDTO{Bucket: p.Bucket.Unix(), EpochID: p.EpochID, Price: p.Price.String()})
	}
	writeJSON(w, http.StatusOK, dto)
}

// Deposit moves assets from a lender's wallet into a tranche and mints
// shares at the current price.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	t, ok := h.trancheParam(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Lender == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PARAMETER", "Lender address is required")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be a non-negative base-10 integer")
		return
	}
	ctx := r.Context()
	h.fundWallet(req.Lender, amount)
	shares, err := h.service.Deposit(ctx, t, req.Lender, amount)
	if err != nil {
		writePoolError(w, err)
		return
	}
	h.refreshState(ctx)
	h.cacheLenderView(ctx, t, req.Lender)
	writeJSON(w, http.StatusOK, DepositResponse{
		Tranche:      t.String(),
		Lender:       req.Lender,
		Amount:       amount.String(),
		SharesMinted: shares.String(),
	})
}

// RequestRedemption queues shares for redemption in the current epoch.
func (h *Handler) RequestRedemption(w http.ResponseWriter, r *http.Request) {
	t, ok := h.trancheParam(w, r)
	if !ok {
		return
	}
	var req RedemptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Lender == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PARAMETER", "Lender address is required")
		return
	}
	shares, ok := parseAmount(req.Shares)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "Shares must be a non-negative base-10 integer")
		return
	}
	ctx := r.Context()
	if err := h.service.AddRedemptionRequest(ctx, t, req.Lender, shares); err != nil {
		writePoolError(w, err)
		return
	}
	resp := RedemptionResponse{Tranche: t.String(), Lender: req.Lender, Shares: shares.String(), Status: "queued"}
	if epoch, err := h.service.CurrentEpoch(); err == nil {
		resp.EpochID = epoch.ID
	}
	h.refreshState(ctx)
	h.cacheLenderView(ctx, t, req.Lender)
	writeJSON(w, http.StatusOK, resp)
}

// CancelRedemption removes queued shares from the current epoch.
func (h *Handler) CancelRedemption(w http.ResponseWriter, r *http.Request) {
	t, ok := h.trancheParam(w, r)
	if !ok {
		return
	}
	var req RedemptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Lender == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PARAMETER", "Lender address is required")
		return
	}
	shares, ok := parseAmount(req.Shares)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "Shares must be a non-negative base-10 integer")
		return
	}
	ctx := r.Context()
	if err := h.service.CancelRedemptionRequest(ctx, t, req.Lender, shares); err != nil {
		writePoolError(w, err)
		return
	}
	resp := RedemptionResponse{Tranche: t.String(), Lender: req.Lender, Shares: shares.String(), Status: "cancelled"}
	if epoch, err := h.service.CurrentEpoch(); err == nil {
		resp.EpochID = epoch.ID
	}
	h.refreshState(ctx)
	h.cacheLenderView(ctx, t, req.Lender)
	writeJSON(w, http.StatusOK, resp)
}

// Disburse pays out a lender's processed redemptions.
func (h *Handler) Disburse(w http.ResponseWriter, r *http.Request) {
	t, ok := h.trancheParam(w, r)
	if !ok {
		return
	}
	var req DisburseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Lender == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PARAMETER", "Lender address is required")
		return
	}
	ctx := r.Context()
	amount, err := h.service.Disburse(ctx, t, req.Lender)
	if err != nil {
		writePoolError(w, err)
		return
	}
	h.refreshState(ctx)
	h.cacheLenderView(ctx, t, req.Lender)
	writeJSON(w, http.StatusOK, DisburseResponse{Tranche: t.String(), Lender: req.Lender, Amount: amount.String()})
}

// SetReinvest flips a lender's yield reinvestment flag.
func (h *Handler) SetReinvest(w http.ResponseWriter, r *http.Request) {
	t, ok := h.trancheParam(w, r)
	if !ok {
		return
	}
	address := chi.URLParam(r, "address")
	if address == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PARAMETER", "Lender address is required")
		return
	}
	var req ReinvestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	if err := h.service.SetReinvestYield(ctx, t, address, req.Reinvest); err != nil {
		writePoolError(w, err)
		return
	}
	h.cacheLenderView(ctx, t, address)
	writeJSON(w, http.StatusOK, AckResponse{Status: "ok"})
}

// ApproveLender adds a lender to a tranche's roster.
func (h *Handler) ApproveLender(w http.ResponseWriter, r *http.Request) {
	t, ok := h.trancheParam(w, r)
	if !ok {
		return
	}
	var req LenderApprovalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Lender == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PARAMETER", "Lender address is required")
		return
	}
	if err := h.service.ApproveLender(r.Context(), req.Actor, t, req.Lender); err != nil {
		writePoolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AckResponse{Status: "approved"})
}

// RemoveLender drops a lender from a tranche's roster. The lender must hold
// no shares.
func (h *Handler) RemoveLender(w http.ResponseWriter, r *http.Request) {
	t, ok := h.trancheParam(w, r)
	if !ok {
		return
	}
	address := chi.URLParam(r, "address")
	actor := r.URL.Query().Get("actor")
	if err := h.service.RemoveLender(r.Context(), actor, t, address); err != nil {
		writePoolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AckResponse{Status: "removed"})
}

// DepositCover moves assets from a provider's wallet into a cover layer.
func (h *Handler) DepositCover(w http.ResponseWriter, r *http.Request) {
	idx, ok := coverIndexParam(w, r)
	if !ok {
		return
	}
	var req CoverDepositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PARAMETER", "Provider address is required")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be a non-negative base-10 integer")
		return
	}
	ctx := r.Context()
	h.fundWallet(req.Provider, amount)
	shares, err := h.service.DepositCover(ctx, idx, req.Provider, amount)
	if err != nil {
		writePoolError(w, err)
		return
	}
	h.refreshState(ctx)
	writeJSON(w, http.StatusOK, CoverDepositResponse{
		Cover:        idx,
		Provider:     req.Provider,
		Amount:       amount.String(),
		SharesMinted: shares.String(),
	})
}

// RedeemCover burns cover shares and pays the receiver from the layer's
// cash.
func (h *Handler) RedeemCover(w http.ResponseWriter, r *http.Request) {
	idx, ok := coverIndexParam(w, r)
	if !ok {
		return
	}
	var req CoverRedeemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PARAMETER", "Provider address is required")
		return
	}
	shares, ok := parseAmount(req.Shares)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "Shares must be a non-negative base-10 integer")
		return
	}
	receiver := req.Receiver
	if receiver == "" {
		receiver = req.Provider
	}
	ctx := r.Context()
	amount, err := h.service.RedeemCover(ctx, idx, req.Provider, shares, receiver)
	if err != nil {
		writePoolError(w, err)
		return
	}
	h.refreshState(ctx)
	writeJSON(w, http.StatusOK, CoverRedeemResponse{
		Cover:    idx,
		Provider: req.Provider,
		Shares:   shares.String(),
		Amount:   amount.String(),
	})
}

// PayoutCoverYield distributes a cover layer's accumulated yield to its
// providers.
func (h *Handler) PayoutCoverYield(w http.ResponseWriter, r *http.Request) {
	idx, ok := coverIndexParam(w, r)
	if !ok {
		return
	}
	var req CoverPayoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	payouts, err := h.service.PayoutCoverYield(ctx, req.Actor, idx)
	if err != nil {
		writePoolError(w, err)
		return
	}
	h.refreshState(ctx)
	dtos := make([]YieldPayoutDTO, 0, len(payouts))
	for _, p := range payouts {
		dtos = append(dtos, YieldPayoutDTO{Account: p.Lender, Amount: bigString(p.Amount), SharesBurned: bigString(p.SharesBurned)})
	}
	writeJSON(w, http.StatusOK, CoverPayoutResponse{Cover: idx, Payouts: dtos})
}

// AddCoverProvider approves an account as a cover layer provider.
func (h *Handler) AddCoverProvider(w http.ResponseWriter, r *http.Request) {
	idx, ok := coverIndexParam(w, r)
	if !ok {
		return
	}
	var req CoverProviderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PARAMETER", "Provider address is required")
		return
	}
	if err := h.service.AddCoverProvider(r.Context(), req.Actor, idx, req.Provider); err != nil {
		writePoolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AckResponse{Status: "approved"})
}

// RemoveCoverProvider drops a provider from a cover layer. The provider must
// hold no shares.
func (h *Handler) RemoveCoverProvider(w http.ResponseWriter, r *http.Request) {
	idx, ok := coverIndexParam(w, r)
	if !ok {
		return
	}
	address := chi.URLParam(r, "address")
	actor := r.URL.Query().Get("actor")
	if err := h.service.RemoveCoverProvider(r.Context(), actor, idx, address); err != nil {
		writePoolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AckResponse{Status: "removed"})
}

// SetCoverConfigHandler replaces one cover layer's configuration.
func (h *Handler) SetCoverConfigHandler(w http.ResponseWriter, r *http.Request) {
	idx, ok := coverIndexParam(w, r)
	if !ok {
		return
	}
	var req CoverConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	if err := h.service.SetCoverConfig(ctx, req.Actor, idx, req.Config); err != nil {
		writePoolError(w, err)
		return
	}
	h.refreshState(ctx)
	writeJSON(w, http.StatusOK, AckResponse{Status: "updated"})
}

// UpdatePoolConfig replaces the lender-pool configuration.
func (h *Handler) UpdatePoolConfig(w http.ResponseWriter, r *http.Request) {
	var req PoolConfigUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	if err := h.service.SetLPConfig(ctx, req.Actor, &req.Config); err != nil {
		writePoolError(w, err)
		return
	}
	h.refreshState(ctx)
	h.respondPoolConfig(ctx, w)
}

// UpdateFeeStructure replaces the pool's fee splits.
func (h *Handler) UpdateFeeStructure(w http.ResponseWriter, r *http.Request) {
	var req FeeStructureUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	if err := h.service.SetFeeStructure(ctx, req.Actor, &req.Fees); err != nil {
		writePoolError(w, err)
		return
	}
	h.respondPoolConfig(ctx, w)
}

// respondPoolConfig writes the fresh configuration back through the cache so
// config reads see operator changes immediately.
func (h *Handler) respondPoolConfig(ctx context.Context, w http.ResponseWriter) {
	cfg, err := h.service.LPConfigView()
	if err != nil {
		writeJSON(w, http.StatusOK, AckResponse{Status: "updated"})
		return
	}
	fees, err := h.service.FeeStructureView()
	if err != nil {
		writeJSON(w, http.StatusOK, AckResponse{Status: "updated"})
		return
	}
	dto := newPoolConfigDTO(cfg, fees)
	if h.cache != nil {
		if err := h.cache.SetPoolConfig(ctx, dto); err != nil {
			h.logger.Debugw("Failed to cache pool config", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// UpdatePoolStatus flips the pool flags present in the body.
func (h *Handler) UpdatePoolStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.On == nil && req.Paused == nil && req.CoverWithdrawalReady == nil {
		writeError(w, http.StatusBadRequest, "MISSING_PARAMETER", "At least one status flag is required")
		return
	}
	ctx := r.Context()
	if req.On != nil {
		if err := h.service.SetPoolOn(ctx, req.Actor, *req.On); err != nil {
			writePoolError(w, err)
			return
		}
	}
	if req.Paused != nil {
		if err := h.service.SetPaused(ctx, req.Actor, *req.Paused); err != nil {
			writePoolError(w, err)
			return
		}
	}
	if req.CoverWithdrawalReady != nil {
		if err := h.service.SetCoverWithdrawalReady(ctx, req.Actor, *req.CoverWithdrawalReady); err != nil {
			writePoolError(w, err)
			return
		}
	}
	snap := h.refreshState(ctx)
	if snap != nil && snap.Status != nil {
		writeJSON(w, http.StatusOK, StatusDTO{
			On:                   snap.Status.On,
			Paused:               snap.Status.Paused,
			CoverWithdrawalReady: snap.Status.CoverWithdrawalReady,
		})
		return
	}
	writeJSON(w, http.StatusOK, AckResponse{Status: "updated"})
}

// WithdrawFees pays accrued fees out of one bucket.
func (h *Handler) WithdrawFees(w http.ResponseWriter, r *http.Request) {
	var req FeeWithdrawalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be a non-negative base-10 integer")
		return
	}
	ctx := r.Context()
	var err error
	switch req.Bucket {
	case FeeBucketProtocol:
		if req.Receiver == "" {
			writeError(w, http.StatusBadRequest, "MISSING_PARAMETER", "Receiver is required for protocol fee withdrawals")
			return
		}
		err = h.service.WithdrawProtocolFee(ctx, req.Actor, req.Receiver, amount)
	case FeeBucketPoolOwner:
		err = h.service.WithdrawPoolOwnerFee(ctx, req.Actor, amount)
	case FeeBucketEvaluationAgent:
		err = h.service.WithdrawEAFee(ctx, req.Actor, amount)
	default:
		writeError(w, http.StatusBadRequest, "INVALID_BUCKET", "Bucket must be one of: protocol, pool_owner, evaluation_agent")
		return
	}
	if err != nil {
		writePoolError(w, err)
		return
	}
	h.refreshState(ctx)
	writeJSON(w, http.StatusOK, AckResponse{Status: "withdrawn"})
}

// CloseEpoch runs the settlement pipeline by hand: reconcile stray profit,
// close the epoch, then process tranche yield payouts. Same sequence the
// scheduler runs.
func (h *Handler) CloseEpoch(w http.ResponseWriter, r *http.Request) {
	var req CloseEpochRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	if _, err := h.service.ReconcileProfit(ctx, req.Actor); err != nil {
		h.logger.Warnw("Profit reconcile before close failed", "error", err)
	}
	settlements, err := h.service.CloseEpoch(ctx, req.Actor)
	if err != nil {
		writePoolError(w, err)
		return
	}
	for _, t := range pool.Tranches {
		if _, err := h.service.ProcessYieldForLenders(ctx, req.Actor, t); err != nil {
			h.logger.Warnw("Yield processing after close failed", "tranche", t.String(), "error", err)
		}
	}
	h.refreshState(ctx)
	dtos := make([]SettlementDTO, 0, len(settlements))
	for _, s := range settlements {
		dtos = append(dtos, newSettlementDTOFromEngine(s))
	}
	writeJSON(w, http.StatusOK, CloseEpochResponse{Settlements: dtos})
}

// HandleWebSocket upgrades the connection and hands it to the hub.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.wsHub == nil {
		writeError(w, http.StatusServiceUnavailable, "STREAM_UNAVAILABLE", "WebSocket streaming is not configured")
		return
	}
	h.wsHub.HandleWebSocket(w, r)
}

// HandleSSE streams pool events over server-sent events.
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	if h.sseHandler == nil {
		writeError(w, http.StatusServiceUnavailable, "STREAM_UNAVAILABLE", "Event streaming is not configured")
		return
	}
	h.sseHandler.HandleSSE(w, r)
}
