package position

import "pulseTrader/internal/domain"

// UnrealizedPnL is the mark-to-market profit of the still-open quantity.
// Recomputed from scratch on every price update, never drifted incrementally.
func UnrealizedPnL(side domain.Side, entryPrice, markPrice, remainingQty float64) float64 {
	if remainingQty <= 0 {
		return 0
	}
	if side == domain.Long {
		return (markPrice - entryPrice) * remainingQty
	}
	return (entryPrice - markPrice) * remainingQty
}

// RealizedPnL is the profit locked in by filling qty at fillPrice against
// the position's average entry price.
func RealizedPnL(side domain.Side, entryPrice, fillPrice, qty float64) float64 {
	if qty <= 0 {
		return 0
	}
	if side == domain.Long {
		return (fillPrice - entryPrice) * qty
	}
	return (entryPrice - fillPrice) * qty
}
