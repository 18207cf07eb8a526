package domain

// Side represents the direction of a position or order.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Opposite returns the closing side for an entry side.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// PositionStatus represents the lifecycle state of a trading position.
type PositionStatus string

const (
	StatusOpen    PositionStatus = "open"
	StatusClosing PositionStatus = "closing"
	StatusClosed  PositionStatus = "closed"
)

// StrategyState represents the lifecycle state of a loaded strategy.
type StrategyState string

const (
	StateStopped  StrategyState = "stopped"
	StateStarting StrategyState = "starting"
	StateRunning  StrategyState = "running"
	StateStopping StrategyState = "stopping"
)

// IsValid reports whether the state is one of the known lifecycle states.
func (s StrategyState) IsValid() bool {
	switch s {
	case StateStopped, StateStarting, StateRunning, StateStopping:
		return true
	}
	return false
}

// CloseReason indicates why a position was closed.
type CloseReason string

const (
	CloseReasonStopLoss   CloseReason = "SL"
	CloseReasonTakeProfit CloseReason = "TP"
	CloseReasonStrategy   CloseReason = "STRATEGY"
	CloseReasonManual     CloseReason = "MANUAL"
)
