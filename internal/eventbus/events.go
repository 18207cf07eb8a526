package eventbus

import "pulseTrader/internal/domain"

// EventType identifies the kind of an event on the bus.
type EventType string

const (
	EventCandleClosed     EventType = "candle_closed"
	EventSignalCreated    EventType = "signal_created"
	EventPositionOpened   EventType = "position_opened"
	EventPositionModified EventType = "position_modified"
	EventPositionClosed   EventType = "position_closed"
)

// Event is anything published on the bus. Events sharing a Key are delivered
// to a given subscriber in publish order.
type Event interface {
	Type() EventType
	Key() string
}

// CandleClosed announces that a candle's window has fully elapsed and the
// candle is stored.
type CandleClosed struct {
	Candle domain.Candle
}

func (e CandleClosed) Type() EventType { return EventCandleClosed }
func (e CandleClosed) Key() string     { return e.Candle.Symbol + "@" + e.Candle.Interval }

// SignalCreated announces a newly persisted signal.
type SignalCreated struct {
	Signal domain.Signal
}

func (e SignalCreated) Type() EventType { return EventSignalCreated }
func (e SignalCreated) Key() string     { return e.Signal.Symbol + "@" + e.Signal.Interval }

// PositionOpened announces a newly opened position.
type PositionOpened struct {
	Position domain.Position
}

func (e PositionOpened) Type() EventType { return EventPositionOpened }
func (e PositionOpened) Key() string     { return e.Position.Symbol }

// PositionModified announces an accepted risk modification on a position.
type PositionModified struct {
	Position domain.Position
}

func (e PositionModified) Type() EventType { return EventPositionModified }
func (e PositionModified) Key() string     { return e.Position.Symbol }

// PositionClosed announces a fully closed position.
type PositionClosed struct {
	Position domain.Position
}

func (e PositionClosed) Type() EventType { return EventPositionClosed }
func (e PositionClosed) Key() string     { return e.Position.Symbol }
