package cdp

import (
	"errors"
	"fmt"

	"settlecore/native/collateral"
	"settlecore/native/distribution"
	"settlecore/native/staking"
)

// Error classes. Every sentinel below wraps exactly one of them so callers can
// branch with errors.Is(err, cdp.ErrTiming) and the like.
var (
	ErrCapacity      = errors.New("capacity")
	ErrTiming        = errors.New("timing")
	ErrIntegrity     = errors.New("integrity")
	ErrAuthorization = errors.New("authorization")
	ErrState         = errors.New("state")
)

type classedError struct {
	class error
	msg   string
}

func (e *classedError) Error() string { return e.msg }
func (e *classedError) Unwrap() error { return e.class }

func classed(class error, msg string) error {
	return &classedError{class: class, msg: msg}
}

var (
	errNilState = classed(ErrState, "cdp engine: state not configured")

	ErrQueueFull     = classed(ErrCapacity, "cdp engine: redemption queue full")
	ErrNoImprovement = classed(ErrCapacity, "cdp engine: candidate list full and no submitted loan ranks better")

	ErrTooEarly        = classed(ErrTiming, "cdp engine: settlement delay not elapsed")
	ErrBootstrapPeriod = classed(ErrTiming, "cdp engine: redemptions disabled during bootstrap period")

	ErrDuplicateCandidate = classed(ErrIntegrity, "cdp engine: duplicate entry in batch")
	ErrBatchSize          = classed(ErrIntegrity, "cdp engine: batch size out of bounds")
	ErrBatchMismatch      = classed(ErrIntegrity, "cdp engine: batch does not cover the first ranked candidate")
	ErrUnknownOrder       = classed(ErrIntegrity, "cdp engine: order not found")
	ErrUnknownLoan        = classed(ErrIntegrity, "cdp engine: loan not found")
	ErrUnknownAsset       = classed(ErrIntegrity, "cdp engine: unknown asset")
	ErrInvalidAmount      = classed(ErrIntegrity, "cdp engine: amount must be positive")
	ErrInvalidPrices      = classed(ErrIntegrity, "cdp engine: invalid price snapshot")
	ErrLastLoan           = classed(ErrIntegrity, "cdp engine: cannot liquidate the last active loan")
	ErrArithmetic         = classed(ErrIntegrity, "cdp engine: arithmetic overflow")

	ErrUnauthorized = classed(ErrAuthorization, "cdp engine: caller not authorised for this record")

	ErrNotCleared          = classed(ErrState, "cdp engine: liquidation gains not cleared")
	ErrNothingToClear      = classed(ErrState, "cdp engine: nothing to clear")
	ErrOrderInProgress     = classed(ErrState, "cdp engine: order already partially settled")
	ErrOrderNotFilling     = classed(ErrState, "cdp engine: order has no ranked candidates")
	ErrInsufficientPool    = classed(ErrState, "cdp engine: stability pool cannot cover the debt")
	ErrInsufficientBalance = classed(ErrState, "cdp engine: insufficient balance")
	ErrNotLiquidatable     = classed(ErrState, "cdp engine: loan not eligible for liquidation")
	ErrBelowMCR            = classed(ErrState, "cdp engine: collateral ratio below minimum")
	ErrAmountTooSmall      = classed(ErrState, "cdp engine: redemption amount below minimum")
	ErrExceedsSupply       = classed(ErrState, "cdp engine: cannot redeem more than outstanding supply")
	ErrSystemBelowMCR      = classed(ErrState, "cdp engine: system collateral ratio below minimum")
	ErrNoDeposit           = classed(ErrState, "cdp engine: no stability deposit")
	ErrNoDebt              = classed(ErrState, "cdp engine: no outstanding debt")
	ErrNothingStaked       = classed(ErrState, "cdp engine: nothing staked")
	ErrNoStakingReward     = classed(ErrState, "cdp engine: no staking reward to harvest")
)

// Retryable reports whether err is a Capacity or Timing error. Those leave state
// untouched and may succeed on a later attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrCapacity) || errors.Is(err, ErrTiming)
}

// classify turns arithmetic failures from the numeric packages into fatal
// integrity errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, collateral.ErrOverflow),
		errors.Is(err, collateral.ErrUnderflow),
		errors.Is(err, collateral.ErrDivByZero),
		errors.Is(err, distribution.ErrCorrupt),
		errors.Is(err, distribution.ErrWidth),
		errors.Is(err, staking.ErrWidth):
		return fmt.Errorf("%w: %w", ErrArithmetic, err)
	case errors.Is(err, collateral.ErrAssetIndex):
		return fmt.Errorf("%w: %w", ErrUnknownAsset, err)
	case errors.Is(err, collateral.ErrPriceCount), errors.Is(err, collateral.ErrZeroPrice):
		return fmt.Errorf("%w: %w", ErrInvalidPrices, err)
	case errors.Is(err, staking.ErrZeroAmount):
		return fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	case errors.Is(err, staking.ErrNothingStaked):
		return fmt.Errorf("%w: %w", ErrNothingStaked, err)
	case errors.Is(err, staking.ErrNoReward):
		return fmt.Errorf("%w: %w", ErrNoStakingReward, err)
	case errors.Is(err, distribution.ErrEmptyPool), errors.Is(err, distribution.ErrDebtExceedsDeposits):
		return fmt.Errorf("%w: %w", ErrInsufficientPool, err)
	}
	return err
}
