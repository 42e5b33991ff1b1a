package pool

import "errors"

// Every rejection carries a named condition so callers can tell "retry later"
// from "fundamentally invalid". Errors never leave partial state behind.
var (
	ErrNilState = errors.New("pool: state not configured")

	// Authorization.
	ErrNotAuthorized       = errors.New("pool: caller not authorized")
	ErrLenderNotApproved   = errors.New("pool: lender not approved for tranche")
	ErrProviderNotApproved = errors.New("pool: cover provider not approved")

	// Validation.
	ErrZeroAmount           = errors.New("pool: amount must be positive")
	ErrZeroAddress          = errors.New("pool: address must not be empty")
	ErrDepositTooSmall      = errors.New("pool: amount below minimum deposit")
	ErrLiquidityCapExceeded = errors.New("pool: liquidity cap exceeded")
	ErrSeniorRatioExceeded  = errors.New("pool: senior to junior ratio exceeded")
	ErrInsufficientShares   = errors.New("pool: insufficient shares")
	ErrInsufficientBalance  = errors.New("pool: insufficient balance")
	ErrUnknownTranche       = errors.New("pool: unknown tranche")
	ErrUnknownCover         = errors.New("pool: unknown cover layer")
	ErrProviderHasShares    = errors.New("pool: provider still holds shares")

	// Invariant protection.
	ErrPoolOff               = errors.New("pool: pool is off")
	ErrProtocolPaused        = errors.New("pool: protocol paused")
	ErrEpochNotEnded         = errors.New("pool: epoch end time not reached")
	ErrUnprocessedProfit     = errors.New("pool: unreconciled tranche profit")
	ErrWithdrawalLockout     = errors.New("pool: withdrawal lockout not elapsed")
	ErrCoverMinLiquidity     = errors.New("pool: cover below minimum liquidity")
	ErrInsufficientLiquidity = errors.New("pool: insufficient pool liquidity")
	ErrMinLiquidityRequired  = errors.New("pool: privileged lender must retain minimum liquidity")

	// Capacity.
	ErrProviderRosterFull = errors.New("pool: cover provider roster full")
	ErrLenderRosterFull   = errors.New("pool: non-reinvesting lender roster full")
)
