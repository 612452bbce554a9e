package errors

import (
	"errors"
	"fmt"
)

// Taxonomy kinds. Every error returned by the risk core wraps exactly one of these.
var (
	// ErrValidation rejects an instruction whose inputs are not acceptable.
	ErrValidation = errors.New("validation error")

	// ErrMath indicates checked arithmetic overflowed, underflowed or divided by zero.
	ErrMath = errors.New("math error")

	// ErrInsufficientReserve indicates a PnL or insurance reserve cannot cover a payout.
	// Retryable once the reserve is replenished.
	ErrInsufficientReserve = errors.New("insufficient reserve")

	// ErrInvalidOracle indicates a stale, uncertain or non-positive oracle price.
	ErrInvalidOracle = errors.New("stale or invalid oracle")

	// ErrPreconditionFailed indicates the account is not in the state the instruction requires.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrMarketNotFound indicates an unknown market index.
	ErrMarketNotFound = errors.New("market not found")
)

// Validation errors

var (
	ErrSelfLiquidation       = fmt.Errorf("%w: liquidator cannot liquidate itself", ErrValidation)
	ErrMarketPaused          = fmt.Errorf("%w: market operation paused", ErrValidation)
	ErrWrongMarketType       = fmt.Errorf("%w: wrong market type", ErrValidation)
	ErrNotExpired            = fmt.Errorf("%w: market has not expired", ErrValidation)
	ErrAlreadySettled        = fmt.Errorf("%w: market already in settlement", ErrValidation)
	ErrMarketNotSettling     = fmt.Errorf("%w: market is not in settlement", ErrValidation)
	ErrAccountBankrupt       = fmt.Errorf("%w: account is bankrupt", ErrValidation)
	ErrLiquidatorMargin      = fmt.Errorf("%w: liquidator does not meet initial margin", ErrValidation)
	ErrInvalidParams         = fmt.Errorf("%w: invalid market parameters", ErrValidation)
	ErrFillPriceOutOfBand    = fmt.Errorf("%w: fill price outside liquidation band", ErrValidation)
	ErrSwapMismatch          = fmt.Errorf("%w: swap balances do not match pending swap", ErrValidation)
	ErrSwapPending           = fmt.Errorf("%w: swap already pending on market", ErrValidation)
	ErrLiquidationUnsafe     = fmt.Errorf("%w: liquidation did not improve account health", ErrValidation)
	ErrPositionSlotsExceeded = fmt.Errorf("%w: no free position slot", ErrValidation)
	ErrZeroAmount            = fmt.Errorf("%w: nothing to transfer", ErrValidation)
)

// Precondition errors

var (
	ErrSufficientCollateral = fmt.Errorf("%w: account has sufficient collateral", ErrPreconditionFailed)
	ErrNotBeingLiquidated   = fmt.Errorf("%w: account is not being liquidated", ErrPreconditionFailed)
	ErrNotBankrupt          = fmt.Errorf("%w: account is not bankrupt", ErrPreconditionFailed)
	ErrOpenOrders           = fmt.Errorf("%w: position has open orders", ErrPreconditionFailed)
	ErrPositionOpen         = fmt.Errorf("%w: position base size is not zero", ErrPreconditionFailed)
	ErrNoNegativePnl        = fmt.Errorf("%w: position has no negative pnl", ErrPreconditionFailed)
	ErrNoLiability          = fmt.Errorf("%w: account has no liability in market", ErrPreconditionFailed)
	ErrNoAsset              = fmt.Errorf("%w: account has no deposit in market", ErrPreconditionFailed)
	ErrLiquidatorHasAsset   = fmt.Errorf("%w: liquidator holds liability currency", ErrPreconditionFailed)
	ErrNoPendingSwap        = fmt.Errorf("%w: no pending swap", ErrPreconditionFailed)
	ErrDuplicateInstruction = fmt.Errorf("%w: instruction key already committed", ErrPreconditionFailed)
	ErrClockRegressed       = fmt.Errorf("%w: instruction clock behind account", ErrPreconditionFailed)
)

// Reserve errors

var (
	ErrPnlPoolShort        = fmt.Errorf("%w: pnl pool", ErrInsufficientReserve)
	ErrInsuranceFundShort  = fmt.Errorf("%w: insurance fund", ErrInsufficientReserve)
	ErrInsufficientBalance = fmt.Errorf("%w: token balance", ErrInsufficientReserve)
)

// Math errors

var (
	ErrOverflow     = fmt.Errorf("%w: overflow", ErrMath)
	ErrDivideByZero = fmt.Errorf("%w: divide by zero", ErrMath)
	ErrNegative     = fmt.Errorf("%w: unexpected negative value", ErrMath)
)

// KindOf returns the taxonomy kind name of err, used as a metric label.
func KindOf(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrMath):
		return "math"
	case errors.Is(err, ErrInsufficientReserve):
		return "insufficient_reserve"
	case errors.Is(err, ErrInvalidOracle):
		return "invalid_oracle"
	case errors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, ErrMarketNotFound):
		return "market_not_found"
	default:
		return "unknown"
	}
}

// Retryable reports whether the instruction may succeed later without input changes.
func Retryable(err error) bool {
	return errors.Is(err, ErrInsufficientReserve)
}

// Is checks if err is or wraps target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func New(message string) error {
	return errors.New(message)
}

func Newf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
