package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Strategy and risk errors
	ErrInsufficientHistory = errors.New("insufficient bar history for indicators")
	ErrZeroStopDistance    = errors.New("stop distance must be positive")
	ErrSizeTooSmall        = errors.New("position size rounds to zero")
	ErrRiskHalted          = errors.New("circuit breaker halted new entries")
	ErrKillSwitch          = errors.New("daily loss kill switch engaged")
	ErrExposureLimit       = errors.New("exposure limit exceeded")
	ErrSpreadTooWide       = errors.New("bid/ask spread too wide for entry")

	// Ledger errors
	ErrPositionAlreadyOpen = errors.New("position already open for symbol")
	ErrNoPosition          = errors.New("no open position for symbol")
	ErrInvalidTransition   = errors.New("invalid order state transition")
	ErrLedgerInconsistent  = errors.New("ledger consistency violated")

	// Execution errors
	ErrOrderRejected  = errors.New("order rejected")
	ErrOrderTimeout   = errors.New("order fill confirmation timed out")
	ErrOrderCancelled = errors.New("order cancelled")

	// Backtest errors
	ErrInsufficientData = errors.New("insufficient data for backtest window")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")

	// Storage Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
)

// IsTransient reports whether an exchange error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrExchangeUnavailable) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrTimeout)
}
