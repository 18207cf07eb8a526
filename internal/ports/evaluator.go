package ports

import (
	"context"

	"pulseTrader/internal/domain"
)

// EvalResult is the outcome of one sandboxed strategy evaluation.
type EvalResult struct {
	Matched  bool
	Decision *domain.TradeDecision // nil when Matched is false
}

// StrategyEvaluator executes untrusted strategy code against a read-only
// market snapshot.
type StrategyEvaluator interface {
	// ValidateCode checks that the code compiles against the sandbox symbol
	// table without executing it. Returns an error wrapping
	// ErrInvalidStrategy on failure.
	ValidateCode(code string) error

	// Evaluate runs the code against the snapshot, bounded by the context
	// deadline. Errors wrap ErrTimeout, ErrResourceExceeded or
	// ErrRuntimeFault; the caller treats any error as "no match".
	Evaluate(ctx context.Context, code string, snapshot *domain.MarketSnapshot) (EvalResult, error)
}
