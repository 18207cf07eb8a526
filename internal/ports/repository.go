package ports

import (
	"context"
	"time"

	"pulseTrader/internal/domain"
)

// StrategyRepository stores and retrieves strategy definitions.
type StrategyRepository interface {
	// CreateStrategy saves a new strategy.
	CreateStrategy(ctx context.Context, s *domain.Strategy) error
	// UpdateStrategy modifies an existing strategy definition.
	UpdateStrategy(ctx context.Context, s *domain.Strategy) error
	// FindStrategyByID retrieves a strategy by ID. Returns nil, nil if not found.
	FindStrategyByID(ctx context.Context, id string) (*domain.Strategy, error)
	// FindSystemOwned retrieves all strategies without an owner, for eager
	// loading at startup.
	FindSystemOwned(ctx context.Context) ([]*domain.Strategy, error)
	// FindByOwner retrieves all strategies belonging to a user.
	FindByOwner(ctx context.Context, ownerID string) ([]*domain.Strategy, error)
}

// PositionRepository stores and retrieves trading positions.
type PositionRepository interface {
	// CreatePosition saves a new position.
	CreatePosition(ctx context.Context, pos *domain.Position) error
	// UpdatePosition modifies an existing position.
	UpdatePosition(ctx context.Context, pos *domain.Position) error
	// FindPositionByID retrieves a position by ID. Returns nil, nil if not found.
	FindPositionByID(ctx context.Context, id string) (*domain.Position, error)
	// FindOpen retrieves all positions not yet closed, for state recovery.
	FindOpen(ctx context.Context) ([]*domain.Position, error)
	// FindPositionsByOwner retrieves all positions for an owner, newest first.
	FindPositionsByOwner(ctx context.Context, ownerID string) ([]*domain.Position, error)
}

// SignalRepository stores and retrieves signals. CreateSignal enforces the
// (strategyID, symbol, triggerCloseTime) uniqueness constraint and returns
// ErrDuplicateEntry on a second insert for the same tuple.
type SignalRepository interface {
	CreateSignal(ctx context.Context, sig *domain.Signal) error
	// FindByStrategy retrieves signals for a strategy created at or after
	// since, oldest first.
	FindByStrategy(ctx context.Context, strategyID string, since time.Time) ([]*domain.Signal, error)
}

// OrderModificationRepository appends to the audit log of risk changes.
// Records are never updated or deleted.
type OrderModificationRepository interface {
	Append(ctx context.Context, mod *domain.OrderModification) error
	FindByPosition(ctx context.Context, positionID string) ([]*domain.OrderModification, error)
}
