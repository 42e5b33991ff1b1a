package api

import "github.com/stratafi/strata-backend/internal/pnlfeed"

// JSON-RPC 2.0 request structure
type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// JSON-RPC 2.0 response structure
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// JSON-RPC 2.0 error structure
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// JSON-RPC error codes (following standard)
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// Methods exposed to the credit-side collaborator.
const (
	MethodReportPnL      = "strata_reportPnL"
	MethodReceivePayment = "strata_receivePayment"
	MethodDrawdown       = "strata_drawdown"
	MethodCloseEpoch     = "strata_closeEpoch"
	MethodGetPoolState   = "strata_getPoolState"
)

// strata_reportPnL parameters. The report travels in the feed's canonical
// shape so one signature scheme covers both transports.
type ReportPnLParams struct {
	Actor  string         `json:"actor"`
	Report pnlfeed.Report `json:"report"`
}

// strata_reportPnL result
type ReportPnLResult struct {
	Sequence          uint64 `json:"sequence"`
	Kind              string `json:"kind"`
	SafeBalance       string `json:"safeBalance"`
	OutstandingCredit string `json:"outstandingCredit"`
}

// strata_receivePayment parameters
type ReceivePaymentParams struct {
	Actor  string `json:"actor"`
	Amount string `json:"amount"`
}

// strata_drawdown parameters
type DrawdownParams struct {
	Actor  string `json:"actor"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// strata_receivePayment and strata_drawdown result
type CreditBalancesResult struct {
	Status            string `json:"status"`
	SafeBalance       string `json:"safeBalance"`
	OutstandingCredit string `json:"outstandingCredit"`
}

// strata_closeEpoch parameters
type CloseEpochParams struct {
	Actor string `json:"actor"`
}

// strata_closeEpoch result
type CloseEpochResult struct {
	Settlements []SettlementDTO `json:"settlements"`
}
