package domain

import "errors"

var (
	ErrUnauthorizedCallback    = errors.New("unauthorized callback")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrMalformedRequest        = errors.New("malformed request")
	ErrInvalidTolerance        = errors.New("invalid tolerance")
	ErrDeadlineExceeded        = errors.New("deadline exceeded")
	ErrDeadlineInPast          = errors.New("deadline in past")
	ErrZeroAmount              = errors.New("zero amount")
	ErrSlippageViolation       = errors.New("slippage violation")
	ErrVenueCallFailed         = errors.New("venue call failed")
	ErrUnprofitableArbitrage   = errors.New("unprofitable arbitrage")
	ErrArithmeticOverflow      = errors.New("arithmetic overflow")
	ErrRepaymentTransferFailed = errors.New("repayment transfer failed")

	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrNotFound              = errors.New("not found")
	ErrLockHeld              = errors.New("lock already held")
)

// taxonomy lists the classified errors in the order ErrorKind checks them.
// Errors that commonly wrap others (venue failures wrapping slippage) come
// after the more specific ones.
var taxonomy = []struct {
	err  error
	kind string
}{
	{ErrUnauthorizedCallback, "UnauthorizedCallback"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrMalformedRequest, "MalformedRequest"},
	{ErrInvalidTolerance, "InvalidTolerance"},
	{ErrDeadlineExceeded, "DeadlineExceeded"},
	{ErrDeadlineInPast, "DeadlineInPast"},
	{ErrZeroAmount, "ZeroAmount"},
	{ErrSlippageViolation, "SlippageViolation"},
	{ErrUnprofitableArbitrage, "UnprofitableArbitrage"},
	{ErrArithmeticOverflow, "ArithmeticOverflow"},
	{ErrRepaymentTransferFailed, "RepaymentTransferFailed"},
	{ErrVenueCallFailed, "VenueCallFailed"},
	{ErrInsufficientBalance, "InsufficientBalance"},
	{ErrLockHeld, "LockHeld"},
}

// ErrorKind returns the taxonomy name of err, or "Internal" when err does not
// wrap any classified error. A nil error has an empty kind.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, t := range taxonomy {
		if errors.Is(err, t.err) {
			return t.kind
		}
	}
	return "Internal"
}
