package domain

import "time"

// Position represents an open or historical holding resulting from an
// executed entry decision. Only the position manager mutates positions, and
// only in response to validated decisions or fills.
type Position struct {
	ID                string         // Unique identifier
	StrategyID        string         // Strategy that opened the position
	OwnerID           string         // Owner of the strategy
	Symbol            string         // Trading symbol
	Side              Side           // LONG or SHORT
	EntryPrice        float64        // Average fill price of the entry
	EntryQty          float64        // Original entered quantity
	RemainingQty      float64        // Quantity still open (0 once closed)
	StopLoss          float64        // Current protective stop price
	TakeProfits       []TakeProfit   // Current take-profit levels
	Status            PositionStatus // open, closing, closed
	RealizedPnL       float64        // Accumulated realized P&L from fills
	UnrealizedPnL     float64        // Mark-to-market P&L of the remaining quantity
	OpenedAt          time.Time
	ClosedAt          time.Time // Zero value while open
	CloseReason       CloseReason
	ModificationCount int // Number of accepted risk modifications
}

// IsOpen reports whether the position still has exposure.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// OrderModification is an append-only audit record of a risk change applied
// (or rejected) on a position. It references the position by ID only.
type OrderModification struct {
	ID               string
	PositionID       string
	Type             string // e.g., "stop_loss", "take_profit"
	Previous         float64
	New              float64
	Reason           string
	TriggeredBy      string // Strategy ID or "manual"
	Timestamp        time.Time
	ValidationResult string // "accepted" or the joined validation errors
}
