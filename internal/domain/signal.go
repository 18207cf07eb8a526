package domain

import "time"

// Signal records a match between a strategy and a market snapshot at a point
// in time. Exactly one signal exists per (StrategyID, Symbol, TriggerCloseTime);
// the persistence layer enforces the uniqueness.
type Signal struct {
	ID               string    // Unique identifier
	StrategyID       string    // Strategy that produced the signal
	Symbol           string    // Symbol the signal fired on
	Interval         string    // Interval of the triggering candle
	TriggerCloseTime time.Time // Close time of the candle that triggered the evaluation
	Confidence       float64   // Optional confidence reported by the strategy (0 if unset)
	CreatedAt        time.Time
}
