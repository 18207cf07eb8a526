package engine

import (
	"context"
	"fmt"
	"time"

	"pulseTrader/internal/coordinator"
	"pulseTrader/internal/domain"
	"pulseTrader/internal/eventbus"
	"pulseTrader/internal/ports"
	"pulseTrader/internal/position"
	"pulseTrader/internal/registry"
)

// outboundEvents are the event types exposed to external consumers.
var outboundEvents = []eventbus.EventType{
	eventbus.EventSignalCreated,
	eventbus.EventPositionOpened,
	eventbus.EventPositionModified,
	eventbus.EventPositionClosed,
}

// Config holds the already-wired engine components.
type Config struct {
	Registry    *registry.Registry
	Coordinator *coordinator.Coordinator
	Positions   *position.Manager
	PositionDB  ports.PositionRepository
	SignalDB    ports.SignalRepository
	Bus         *eventbus.Bus
	Logger      ports.Logger
}

// Engine is the control-plane facade over the running core: strategy
// lifecycle operations, read-only queries over persisted state, and the
// outbound event stream for UI/notification consumers.
type Engine struct {
	registry    *registry.Registry
	coordinator *coordinator.Coordinator
	positions   *position.Manager
	positionDB  ports.PositionRepository
	signalDB    ports.SignalRepository
	bus         *eventbus.Bus
	logger      ports.Logger
}

// New creates the engine facade.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil || cfg.Coordinator == nil || cfg.Positions == nil ||
		cfg.PositionDB == nil || cfg.SignalDB == nil || cfg.Bus == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("engine: missing required dependencies: %w", ports.ErrConfigurationError)
	}
	return &Engine{
		registry:    cfg.Registry,
		coordinator: cfg.Coordinator,
		positions:   cfg.Positions,
		positionDB:  cfg.PositionDB,
		signalDB:    cfg.SignalDB,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
	}, nil
}

// StartStrategy starts a strategy and returns its resulting lifecycle state.
// Starting an already-running strategy is a no-op success.
func (e *Engine) StartStrategy(ctx context.Context, id string) (domain.StrategyState, error) {
	ls, err := e.registry.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if ls == nil {
		return "", fmt.Errorf("strategy %s: %w", id, ports.ErrNotFound)
	}
	if ls.IsRunning() {
		return ls.State(), nil
	}
	if err := e.registry.Start(ctx, id); err != nil {
		return ls.State(), err
	}
	return ls.State(), nil
}

// StopStrategy stops a strategy and returns its resulting lifecycle state.
// Stopping a strategy that is already stopped or on its way down is a no-op
// success. The current evaluation cycle, if any, finishes on its own; no
// further cycles are scheduled.
func (e *Engine) StopStrategy(ctx context.Context, id string) (domain.StrategyState, error) {
	ls, err := e.registry.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if ls == nil {
		return "", fmt.Errorf("strategy %s: %w", id, ports.ErrNotFound)
	}
	if state := ls.State(); state == domain.StateStopped || state == domain.StateStopping {
		return state, nil
	}
	if err := e.registry.Stop(ctx, id); err != nil {
		return ls.State(), err
	}
	return ls.State(), nil
}

// GetPositions returns an owner's persisted positions, newest first.
func (e *Engine) GetPositions(ctx context.Context, ownerID string) ([]*domain.Position, error) {
	return e.positionDB.FindPositionsByOwner(ctx, ownerID)
}

// GetSignals returns a strategy's signals created at or after since.
func (e *Engine) GetSignals(ctx context.Context, strategyID string, since time.Time) ([]*domain.Signal, error) {
	return e.signalDB.FindByStrategy(ctx, strategyID, since)
}

// OpenPositions returns the in-memory view of positions with live exposure.
func (e *Engine) OpenPositions() []*domain.Position {
	return e.positions.Open()
}

// Events returns a stream of outbound events (signals and position
// lifecycle) plus a cancel function that releases the subscriptions.
// Delivery is best effort: a slow consumer loses events rather than
// stalling the engine.
func (e *Engine) Events(buffer int) (<-chan eventbus.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	out := make(chan eventbus.Event, buffer)
	subs := make([]*eventbus.Subscription, 0, len(outboundEvents))
	for _, et := range outboundEvents {
		subs = append(subs, e.bus.Subscribe(et, func(ev eventbus.Event) {
			select {
			case out <- ev:
			default:
			}
		}))
	}
	cancel := func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
	return out, cancel
}

// Metrics aggregates counters from the engine's components.
func (e *Engine) Metrics() map[string]interface{} {
	out := e.registry.GetMetrics()
	for k, v := range e.coordinator.Metrics() {
		out["coordinator_"+k] = v
	}
	return out
}
