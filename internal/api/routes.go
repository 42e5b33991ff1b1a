package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (h *Handler) Routes(m *Middleware, corsOrigins []string, rateLimitRPM int) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(m.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(m.Compress)
	r.Use(m.Timeout(15 * time.Second))
	r.Use(middleware.Heartbeat("/ping"))

	// CORS and rate limiting - configured from main
	r.Use(m.CORS(corsOrigins))
	r.Use(m.RateLimit(rateLimitRPM))

	// Health endpoints
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	// Mutating routes sit behind the operator key and the idempotency
	// replay layer.
	adminKey := m.AdminKey(h.config.Security.AdminKeyHash)
	idempotency := m.Idempotency(h.idempotency)

	// v1 API routes
	r.Route("/v1", func(r chi.Router) {
		// JSON-RPC endpoint for the credit-side collaborator
		r.Post("/jsonrpc", h.HandleJSONRPC)

		// Markets
		r.Get("/markets", h.ListMarkets)

		// Pool state & operator controls
		r.Route("/pool", func(r chi.Router) {
			r.Get("/state", h.GetPoolState)
			r.Get("/config", h.GetPoolConfig)

			r.Group(func(r chi.Router) {
				r.Use(adminKey)
				r.Use(idempotency)
				r.Put("/config", h.UpdatePoolConfig)
				r.Put("/fees", h.UpdateFeeStructure)
				r.Post("/fees/withdrawals", h.WithdrawFees)
				r.Put("/status", h.UpdatePoolStatus)
				r.Post("/epochs/close", h.CloseEpoch)
			})
		})

		// Tranches: lender positions and the redemption lifecycle
		r.Route("/tranches/{tranche}", func(r chi.Router) {
			r.Get("/epochs/current", h.GetCurrentEpoch)
			r.Get("/settlements", h.ListSettlements)
			r.Get("/lenders/{address}", h.GetLender)

			r.Group(func(r chi.Router) {
				r.Use(adminKey)
				r.Use(idempotency)
				r.Post("/deposits", h.Deposit)
				r.Post("/redemptions", h.RequestRedemption)
				r.Post("/redemptions/cancel", h.CancelRedemption)
				r.Post("/disbursements", h.Disburse)
				r.Post("/lenders", h.ApproveLender)
				r.Delete("/lenders/{address}", h.RemoveLender)
				r.Put("/lenders/{address}/reinvest", h.SetReinvest)
			})
		})

		// First-loss covers
		r.Route("/covers", func(r chi.Router) {
			r.Get("/", h.ListCovers)
			r.Get("/{index}", h.GetCover)

			r.Group(func(r chi.Router) {
				r.Use(adminKey)
				r.Use(idempotency)
				r.Post("/{index}/deposits", h.DepositCover)
				r.Post("/{index}/redemptions", h.RedeemCover)
				r.Post("/{index}/yield", h.PayoutCoverYield)
				r.Post("/{index}/providers", h.AddCoverProvider)
				r.Delete("/{index}/providers/{address}", h.RemoveCoverProvider)
				r.Put("/{index}/config", h.SetCoverConfigHandler)
			})
		})

		// Chart data
		r.Get("/history", h.GetHistory)

		// Live updates
		r.Get("/stream", h.HandleSSE)
		r.Get("/ws", h.HandleWebSocket)
	})

	return r
}
