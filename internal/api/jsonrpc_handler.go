package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/stratafi/strata-backend/internal/jobs"
	"github.com/stratafi/strata-backend/internal/pnlfeed"
	"github.com/stratafi/strata-backend/internal/pool"
)

// HandleJSONRPC handles JSON-RPC 2.0 requests. This is the surface the
// credit-side collaborator pushes PnL reports and credit movements through
// when it calls us instead of the other way around.
func (h *Handler) HandleJSONRPC(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// Parse JSON-RPC request
	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendJSONRPCError(w, nil, JSONRPCParseError, "Parse error", err.Error())
		return
	}

	// Validate JSON-RPC version
	if req.JSONRPC != "2.0" {
		h.sendJSONRPCError(w, req.ID, JSONRPCInvalidRequest, "Invalid Request", "jsonrpc must be '2.0'")
		return
	}

	switch req.Method {
	case MethodReportPnL:
		h.handleReportPnL(w, r, &req)
	case MethodReceivePayment:
		h.handleReceivePayment(w, r, &req)
	case MethodDrawdown:
		h.handleDrawdown(w, r, &req)
	case MethodCloseEpoch:
		h.handleCloseEpochRPC(w, r, &req)
	case MethodGetPoolState:
		h.handleGetPoolStateRPC(w, r, &req)
	default:
		h.sendJSONRPCError(w, req.ID, JSONRPCMethodNotFound, "Method not found", fmt.Sprintf("Method '%s' not found", req.Method))
	}
}

// decodeRPCParams re-marshals the loosely typed params field into the
// method's parameter struct.
func decodeRPCParams(params interface{}, dst interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func (h *Handler) handleReportPnL(w http.ResponseWriter, r *http.Request, req *JSONRPCRequest) {
	var params ReportPnLParams
	if err := decodeRPCParams(req.Params, &params); err != nil {
		h.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "Invalid params", err.Error())
		return
	}
	if err := params.Report.Validate(); err != nil {
		h.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "Invalid report", err.Error())
		return
	}
	// Same trust model as the polled feed: signatures are checked whenever a
	// credit service key is configured.
	if h.creditKey != nil {
		if err := params.Report.Verify(h.creditKey); err != nil {
			h.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "Invalid signature", err.Error())
			return
		}
	}
	ctx := r.Context()
	if err := jobs.ApplyReport(ctx, h.service, params.Actor, params.Report); err != nil {
		h.sendPoolRPCError(w, req.ID, err)
		return
	}
	h.logger.Infow("Applied PnL report over JSON-RPC",
		"sequence", params.Report.Sequence,
		"kind", params.Report.Kind,
		"amount", params.Report.Amount,
	)
	snap := h.refreshState(ctx)
	result := ReportPnLResult{
		Sequence:          params.Report.Sequence,
		Kind:              params.Report.Kind,
		SafeBalance:       "0",
		OutstandingCredit: "0",
	}
	if snap != nil {
		result.SafeBalance = bigString(snap.SafeBalance)
		result.OutstandingCredit = bigString(snap.OutstandingCredit)
	}
	h.sendJSONRPCResult(w, req.ID, result)
}

func (h *Handler) handleReceivePayment(w http.ResponseWriter, r *http.Request, req *JSONRPCRequest) {
	var params ReceivePaymentParams
	if err := decodeRPCParams(req.Params, &params); err != nil {
		h.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "Invalid params", err.Error())
		return
	}
	amount, ok := parseAmount(params.Amount)
	if !ok {
		h.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "Invalid amount", "Amount must be a non-negative base-10 integer")
		return
	}
	ctx := r.Context()
	if err := h.service.ReceivePayment(ctx, params.Actor, amount); err != nil {
		h.sendPoolRPCError(w, req.ID, err)
		return
	}
	h.sendCreditBalances(w, req.ID, h.refreshState(ctx))
}

func (h *Handler) handleDrawdown(w http.ResponseWriter, r *http.Request, req *JSONRPCRequest) {
	var params DrawdownParams
	if err := decodeRPCParams(req.Params, &params); err != nil {
		h.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "Invalid params", err.Error())
		return
	}
	amount, ok := parseAmount(params.Amount)
	if !ok {
		h.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "Invalid amount", "Amount must be a non-negative base-10 integer")
		return
	}
	to := params.To
	if to == "" {
		to = params.Actor
	}
	ctx := r.Context()
	if err := h.service.Drawdown(ctx, params.Actor, to, amount); err != nil {
		h.sendPoolRPCError(w, req.ID, err)
		return
	}
	h.sendCreditBalances(w, req.ID, h.refreshState(ctx))
}

func (h *Handler) handleCloseEpochRPC(w http.ResponseWriter, r *http.Request, req *JSONRPCRequest) {
	var params CloseEpochParams
	if err := decodeRPCParams(req.Params, &params); err != nil {
		h.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "Invalid params", err.Error())
		return
	}
	ctx := r.Context()
	if _, err := h.service.ReconcileProfit(ctx, params.Actor); err != nil {
		h.logger.Warnw("Profit reconcile before close failed", "error", err)
	}
	settlements, err := h.service.CloseEpoch(ctx, params.Actor)
	if err != nil {
		h.sendPoolRPCError(w, req.ID, err)
		return
	}
	for _, t := range pool.Tranches {
		if _, err := h.service.ProcessYieldForLenders(ctx, params.Actor, t); err != nil {
			h.logger.Warnw("Yield processing after close failed", "tranche", t.String(), "error", err)
		}
	}
	h.refreshState(ctx)
	dtos := make([]SettlementDTO, 0, len(settlements))
	for _, s := range settlements {
		dtos = append(dtos, newSettlementDTOFromEngine(s))
	}
	h.sendJSONRPCResult(w, req.ID, CloseEpochResult{Settlements: dtos})
}

func (h *Handler) handleGetPoolStateRPC(w http.ResponseWriter, r *http.Request, req *JSONRPCRequest) {
	snap, err := h.snapshot(r.Context())
	if err != nil {
		h.sendJSONRPCError(w, req.ID, JSONRPCInternalError, "Internal error", err.Error())
		return
	}
	h.sendJSONRPCResult(w, req.ID, newPoolStateDTO(snap))
}

func (h *Handler) sendCreditBalances(w http.ResponseWriter, id interface{}, snap *pool.PoolSnapshot) {
	result := CreditBalancesResult{Status: "ok", SafeBalance: "0", OutstandingCredit: "0"}
	if snap != nil {
		result.SafeBalance = bigString(snap.SafeBalance)
		result.OutstandingCredit = bigString(snap.OutstandingCredit)
	}
	h.sendJSONRPCResult(w, id, result)
}

// jsonrpcErrorFor keeps argument mistakes distinguishable from engine
// failures without leaving the standard code set.
func jsonrpcErrorFor(err error) (int, string) {
	switch {
	case errors.Is(err, pool.ErrZeroAmount),
		errors.Is(err, pool.ErrZeroAddress),
		errors.Is(err, pool.ErrUnknownTranche),
		errors.Is(err, pool.ErrDepositTooSmall),
		errors.Is(err, pnlfeed.ErrUnknownKind),
		errors.Is(err, pnlfeed.ErrBadAmount):
		return JSONRPCInvalidParams, "Invalid params"
	default:
		return JSONRPCInternalError, "Internal error"
	}
}

func (h *Handler) sendPoolRPCError(w http.ResponseWriter, id interface{}, err error) {
	code, message := jsonrpcErrorFor(err)
	h.sendJSONRPCError(w, id, code, message, err.Error())
}

func (h *Handler) sendJSONRPCResult(w http.ResponseWriter, id interface{}, result interface{}) {
	response := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

func (h *Handler) sendJSONRPCError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	errorResp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}

	w.WriteHeader(http.StatusOK) // JSON-RPC errors are sent with HTTP 200
	json.NewEncoder(w).Encode(errorResp)
}
