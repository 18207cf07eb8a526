package ports

import "errors"

// Standard application-level errors.
// Adapters and engine components wrap underlying errors with these standard
// errors so callers can classify failures with errors.Is.
var (
	// General errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Evaluator errors
	ErrTimeout          = errors.New("evaluation exceeded its time bound")
	ErrResourceExceeded = errors.New("evaluation exceeded its resource bound")
	ErrInvalidStrategy  = errors.New("strategy code failed load-time validation")
	ErrRuntimeFault     = errors.New("strategy code failed during execution")

	// Coordinator / registry errors
	ErrOverloaded    = errors.New("evaluation queue is full")
	ErrQuotaExceeded = errors.New("running-strategy quota exceeded")
	ErrAlreadyExists = errors.New("resource is already registered")

	// Decision / execution errors
	ErrValidationRejected   = errors.New("trade decision rejected by validation")
	ErrOrderNotFound        = errors.New("order not found on the execution backend")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")

	// Feed errors
	ErrConnectionFailed = errors.New("failed to connect to the market data feed")
	ErrRateLimited      = errors.New("feed rate limit exceeded")

	// Persistence errors
	ErrPersistenceFailure = errors.New("durable write failed")
	ErrDuplicateEntry     = errors.New("database record already exists")
	ErrDBConnection       = errors.New("database connection error")
	ErrQueryFailed        = errors.New("database query failed")
)
