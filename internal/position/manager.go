package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pulseTrader/internal/domain"
	"pulseTrader/internal/eventbus"
	"pulseTrader/internal/ports"
	"pulseTrader/internal/validation"
)

// closeEpsilon is the residual quantity below which a position counts as
// fully closed, absorbing float accumulation across partial fills.
const closeEpsilon = 1e-9

// entry pairs a position with its per-position lock and execution state.
// All mutations of the position happen under mu, one at a time.
type entry struct {
	mu sync.Mutex

	pos            *domain.Position
	lastModifiedAt time.Time
	stopOrderID    string
	tpOrderIDs     []string
	pendingReason  domain.CloseReason
}

// Config holds the dependencies for the position manager.
type Config struct {
	Positions     ports.PositionRepository
	Modifications ports.OrderModificationRepository
	Backend       ports.ExecutionBackend
	Bus           *eventbus.Bus
	Validator     *validation.Validator
	Logger        ports.Logger
	// Writer is optional; a default one is created when nil.
	Writer *Writer
}

// Manager is the single writer for position state. Decisions arrive already
// matched by a strategy; the manager validates them against current position
// state, applies accepted ones, issues orders to the execution backend, and
// absorbs the resulting fills. Durable writes go through the async Writer so
// no position lock is ever held across storage I/O.
type Manager struct {
	posRepo   ports.PositionRepository
	modRepo   ports.OrderModificationRepository
	backend   ports.ExecutionBackend
	bus       *eventbus.Bus
	validator *validation.Validator
	logger    ports.Logger
	writer    *Writer

	mu      sync.RWMutex
	entries map[string]*entry // position ID -> entry
	open    map[string]string // strategyID|symbol -> position ID
}

// NewManager creates the position manager and registers it as the execution
// backend's fill handler.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Positions == nil || cfg.Modifications == nil || cfg.Backend == nil ||
		cfg.Bus == nil || cfg.Validator == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("position manager: missing required dependencies: %w", ports.ErrConfigurationError)
	}
	m := &Manager{
		posRepo:   cfg.Positions,
		modRepo:   cfg.Modifications,
		backend:   cfg.Backend,
		bus:       cfg.Bus,
		validator: cfg.Validator,
		logger:    cfg.Logger,
		writer:    cfg.Writer,
		entries:   make(map[string]*entry),
		open:      make(map[string]string),
	}
	if m.writer == nil {
		m.writer = NewWriter(cfg.Logger, 0, 0, 0)
	}
	m.writer.SetReconciler(m.reconcileWrite)
	m.backend.SetFillHandler(m.HandleFill)
	return m, nil
}

// Recover loads open positions from storage into memory and re-issues their
// protective orders on the execution backend. Called once at startup before
// any decisions flow.
func (m *Manager) Recover(ctx context.Context) error {
	positions, err := m.posRepo.FindOpen(ctx)
	if err != nil {
		return fmt.Errorf("recovering open positions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pos := range positions {
		e := &entry{pos: pos}
		m.entries[pos.ID] = e
		m.open[openKey(pos.StrategyID, pos.Symbol)] = pos.ID

		if pos.StopLoss > 0 {
			orderID, err := m.backend.PlaceOrder(ctx, ports.OrderRequest{
				PositionID: pos.ID,
				Symbol:     pos.Symbol,
				Side:       pos.Side.Opposite(),
				Type:       ports.OrderTypeStopMarket,
				Quantity:   pos.RemainingQty,
				StopPrice:  pos.StopLoss,
			})
			if err != nil {
				m.logger.Error(ctx, err, "Failed to re-issue protective stop on recovery", map[string]interface{}{
					"positionID": pos.ID, "symbol": pos.Symbol,
				})
			} else {
				e.stopOrderID = orderID
			}
		}
		m.reissueTakeProfits(ctx, e)
	}
	m.logger.Info(ctx, "Recovered open positions", map[string]interface{}{"count": len(positions)})
	return nil
}

// Apply validates and applies one trade decision for a strategy on a symbol.
// The returned result carries the validation outcome; err is non-nil only for
// infrastructure failures (order placement), never for rejected decisions.
func (m *Manager) Apply(ctx context.Context, strat *domain.Strategy, symbol string, d *domain.TradeDecision, markPrice float64) (validation.Result, error) {
	if d == nil || d.Kind == domain.DecisionNoTrade {
		return validation.Result{IsValid: true}, nil
	}
	switch d.Kind {
	case domain.DecisionEnter:
		return m.applyEnter(ctx, strat, symbol, d, markPrice)
	case domain.DecisionExit:
		return m.applyOnOpen(ctx, strat, symbol, d, markPrice, m.applyExit)
	case domain.DecisionModifyRisk:
		return m.applyOnOpen(ctx, strat, symbol, d, markPrice, m.applyModifyRisk)
	default:
		res := m.validator.Validate(validation.Input{Decision: d, MarkPrice: markPrice, Now: time.Now()})
		return res, nil
	}
}

func (m *Manager) applyEnter(ctx context.Context, strat *domain.Strategy, symbol string, d *domain.TradeDecision, markPrice float64) (validation.Result, error) {
	now := time.Now()
	key := openKey(strat.ID, symbol)

	m.mu.Lock()
	var current *domain.Position
	if id, ok := m.open[key]; ok {
		current = m.entries[id].pos
	}
	res := m.validator.Validate(validation.Input{Decision: d, Position: current, MarkPrice: markPrice, Now: now})
	if !res.IsValid {
		m.mu.Unlock()
		m.logger.Warn(ctx, "Entry decision rejected", map[string]interface{}{
			"strategyID": strat.ID, "symbol": symbol, "result": res.String(),
		})
		return res, nil
	}

	pos := &domain.Position{
		ID:           uuid.NewString(),
		StrategyID:   strat.ID,
		OwnerID:      strat.OwnerID,
		Symbol:       symbol,
		Side:         d.Side,
		EntryPrice:   markPrice,
		EntryQty:     d.Size,
		RemainingQty: d.Size,
		StopLoss:     d.StopLoss,
		TakeProfits:  append([]domain.TakeProfit(nil), d.TakeProfits...),
		Status:       domain.StatusOpen,
		OpenedAt:     now,
	}
	e := &entry{pos: pos}
	m.entries[pos.ID] = e
	m.open[key] = pos.ID
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := m.backend.PlaceOrder(ctx, ports.OrderRequest{
		PositionID: pos.ID,
		Symbol:     symbol,
		Side:       d.Side,
		Type:       ports.OrderTypeMarket,
		Quantity:   d.Size,
	}); err != nil {
		m.removeEntry(pos.ID, key)
		return res, fmt.Errorf("placing entry order: %w", err)
	}

	stopID, err := m.backend.PlaceOrder(ctx, ports.OrderRequest{
		PositionID: pos.ID,
		Symbol:     symbol,
		Side:       d.Side.Opposite(),
		Type:       ports.OrderTypeStopMarket,
		Quantity:   d.Size,
		StopPrice:  d.StopLoss,
	})
	if err != nil {
		// Exposure exists but is unprotected; surface loudly, keep the position.
		m.logger.Error(ctx, err, "Failed to place protective stop after entry", map[string]interface{}{
			"positionID": pos.ID, "symbol": symbol,
		})
	} else {
		e.stopOrderID = stopID
	}
	m.reissueTakeProfits(ctx, e)

	snapshot := clonePosition(pos)
	m.writer.Enqueue("create position", snapshot.ID, func(ctx context.Context) error {
		return m.posRepo.CreatePosition(ctx, snapshot)
	})
	m.bus.Publish(eventbus.PositionOpened{Position: *snapshot})
	m.logger.Info(ctx, "Position opened", map[string]interface{}{
		"positionID": pos.ID, "strategyID": strat.ID, "symbol": symbol,
		"side": string(pos.Side), "qty": pos.EntryQty, "stopLoss": pos.StopLoss,
	})
	return res, nil
}

type applyFn func(ctx context.Context, strat *domain.Strategy, e *entry, d *domain.TradeDecision, markPrice float64) (validation.Result, error)

// applyOnOpen resolves the open position for (strategy, symbol) and runs the
// mutation under its lock. Decisions that require an open position when none
// exists still go through the validator so the rejection reasons are uniform.
func (m *Manager) applyOnOpen(ctx context.Context, strat *domain.Strategy, symbol string, d *domain.TradeDecision, markPrice float64, apply applyFn) (validation.Result, error) {
	m.mu.RLock()
	var e *entry
	if id, ok := m.open[openKey(strat.ID, symbol)]; ok {
		e = m.entries[id]
	}
	m.mu.RUnlock()

	if e == nil {
		res := m.validator.Validate(validation.Input{Decision: d, MarkPrice: markPrice, Now: time.Now()})
		m.logger.Warn(ctx, "Decision rejected, no open position", map[string]interface{}{
			"strategyID": strat.ID, "symbol": symbol, "kind": string(d.Kind), "result": res.String(),
		})
		return res, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return apply(ctx, strat, e, d, markPrice)
}

func (m *Manager) applyExit(ctx context.Context, strat *domain.Strategy, e *entry, d *domain.TradeDecision, markPrice float64) (validation.Result, error) {
	pos := e.pos
	res := m.validator.Validate(validation.Input{Decision: d, Position: pos, MarkPrice: markPrice, Now: time.Now()})
	if !res.IsValid {
		m.logger.Warn(ctx, "Exit decision rejected", map[string]interface{}{
			"positionID": pos.ID, "result": res.String(),
		})
		return res, nil
	}

	qty := d.ExitQuantity
	if qty == 0 || qty >= pos.RemainingQty {
		qty = pos.RemainingQty
		pos.Status = domain.StatusClosing
		e.pendingReason = domain.CloseReasonStrategy
	}

	if _, err := m.backend.PlaceOrder(ctx, ports.OrderRequest{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side.Opposite(),
		Type:       ports.OrderTypeMarket,
		Quantity:   qty,
	}); err != nil {
		pos.Status = domain.StatusOpen
		e.pendingReason = ""
		return res, fmt.Errorf("placing exit order: %w", err)
	}

	m.persistUpdate(pos)
	m.logger.Info(ctx, "Exit order issued", map[string]interface{}{
		"positionID": pos.ID, "qty": qty, "full": pos.Status == domain.StatusClosing,
	})
	return res, nil
}

func (m *Manager) applyModifyRisk(ctx context.Context, strat *domain.Strategy, e *entry, d *domain.TradeDecision, markPrice float64) (validation.Result, error) {
	pos := e.pos
	now := time.Now()
	res := m.validator.Validate(validation.Input{
		Decision:       d,
		Position:       pos,
		MarkPrice:      markPrice,
		LastModifiedAt: e.lastModifiedAt,
		Now:            now,
	})

	// Every attempted risk change leaves an audit record, accepted or not.
	m.appendAudit(pos, d, strat.ID, now, res)

	if !res.IsValid {
		m.logger.Warn(ctx, "Risk modification rejected", map[string]interface{}{
			"positionID": pos.ID, "result": res.String(),
		})
		return res, nil
	}

	if d.NewStopLoss != 0 {
		if e.stopOrderID != "" {
			if err := m.backend.ModifyOrder(ctx, e.stopOrderID, d.NewStopLoss); err != nil {
				return res, fmt.Errorf("moving protective stop: %w", err)
			}
		}
		pos.StopLoss = d.NewStopLoss
	}
	if d.NewTakeProfits != nil {
		m.cancelTakeProfits(ctx, e)
		pos.TakeProfits = append([]domain.TakeProfit(nil), d.NewTakeProfits...)
		m.reissueTakeProfits(ctx, e)
	}
	pos.ModificationCount++
	e.lastModifiedAt = now

	snapshot := m.persistUpdate(pos)
	m.bus.Publish(eventbus.PositionModified{Position: *snapshot})
	m.logger.Info(ctx, "Risk modified", map[string]interface{}{
		"positionID": pos.ID, "stopLoss": pos.StopLoss, "modifications": pos.ModificationCount,
	})
	return res, nil
}

// HandleFill absorbs a fill from the execution backend. Entry fills pin the
// average entry price; reducing fills realize P&L and may close the position.
func (m *Manager) HandleFill(fill ports.Fill) {
	ctx := context.Background()
	m.mu.RLock()
	e := m.entries[fill.PositionID]
	m.mu.RUnlock()
	if e == nil {
		m.logger.Warn(ctx, "Fill for unknown position", map[string]interface{}{
			"positionID": fill.PositionID, "orderID": fill.OrderID,
		})
		return
	}

	e.mu.Lock()
	pos := e.pos
	var closed bool
	if fill.Type == ports.OrderTypeMarket && fill.Side == pos.Side {
		// Entry confirmation: the fill price is the authoritative average.
		pos.EntryPrice = fill.Price
		pos.UnrealizedPnL = UnrealizedPnL(pos.Side, pos.EntryPrice, fill.Price, pos.RemainingQty)
		m.persistUpdate(pos)
	} else {
		closed = m.applyReducingFill(ctx, e, fill)
	}
	key := openKey(pos.StrategyID, pos.Symbol)
	id := pos.ID
	e.mu.Unlock()

	if closed {
		m.removeEntry(id, key)
	}
}

// applyReducingFill is called with the entry lock held. Returns true when the
// position fully closed.
func (m *Manager) applyReducingFill(ctx context.Context, e *entry, fill ports.Fill) bool {
	pos := e.pos
	qty := fill.Quantity
	if qty > pos.RemainingQty {
		qty = pos.RemainingQty
	}
	pos.RealizedPnL += RealizedPnL(pos.Side, pos.EntryPrice, fill.Price, qty)
	pos.RemainingQty -= qty

	reason := e.pendingReason
	switch fill.Type {
	case ports.OrderTypeStopMarket:
		reason = domain.CloseReasonStopLoss
		e.stopOrderID = ""
	case ports.OrderTypeTakeProfit:
		reason = domain.CloseReasonTakeProfit
		e.tpOrderIDs = removeID(e.tpOrderIDs, fill.OrderID)
	}

	if pos.RemainingQty <= closeEpsilon {
		m.finalizeClose(ctx, e, reason, fill.FilledAt)
		return true
	}

	pos.UnrealizedPnL = UnrealizedPnL(pos.Side, pos.EntryPrice, fill.Price, pos.RemainingQty)
	snapshot := m.persistUpdate(pos)
	m.bus.Publish(eventbus.PositionModified{Position: *snapshot})
	m.logger.Info(ctx, "Partial fill applied", map[string]interface{}{
		"positionID": pos.ID, "filledQty": qty, "remainingQty": pos.RemainingQty,
		"realizedPnL": pos.RealizedPnL,
	})
	return false
}

// finalizeClose is called with the entry lock held.
func (m *Manager) finalizeClose(ctx context.Context, e *entry, reason domain.CloseReason, at time.Time) {
	pos := e.pos
	if reason == "" {
		reason = domain.CloseReasonStrategy
	}
	if e.stopOrderID != "" {
		if err := m.backend.CancelOrder(ctx, e.stopOrderID); err != nil {
			m.logger.Warn(ctx, "Failed to cancel stop after close", map[string]interface{}{
				"positionID": pos.ID, "orderID": e.stopOrderID, "error": err.Error(),
			})
		}
		e.stopOrderID = ""
	}
	m.cancelTakeProfits(ctx, e)

	pos.Status = domain.StatusClosed
	pos.RemainingQty = 0
	pos.UnrealizedPnL = 0
	pos.ClosedAt = at
	pos.CloseReason = reason

	snapshot := m.persistUpdate(pos)
	m.bus.Publish(eventbus.PositionClosed{Position: *snapshot})
	m.logger.Info(ctx, "Position closed", map[string]interface{}{
		"positionID": pos.ID, "reason": string(reason), "realizedPnL": pos.RealizedPnL,
	})
}

// OnPrice recomputes unrealized P&L for all open positions on a symbol.
// Pure recomputation from entry price, never an incremental adjustment.
func (m *Manager) OnPrice(symbol string, markPrice float64) {
	m.mu.RLock()
	var affected []*entry
	for _, e := range m.entries {
		if e.pos.Symbol == symbol {
			affected = append(affected, e)
		}
	}
	m.mu.RUnlock()

	for _, e := range affected {
		e.mu.Lock()
		if e.pos.IsOpen() {
			e.pos.UnrealizedPnL = UnrealizedPnL(e.pos.Side, e.pos.EntryPrice, markPrice, e.pos.RemainingQty)
		}
		e.mu.Unlock()
	}
}

// Get returns a copy of a tracked position, or nil.
func (m *Manager) Get(id string) *domain.Position {
	m.mu.RLock()
	e := m.entries[id]
	m.mu.RUnlock()
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return clonePosition(e.pos)
}

// OpenFor returns a copy of the open position for a strategy on a symbol,
// or nil when the strategy holds nothing there.
func (m *Manager) OpenFor(strategyID, symbol string) *domain.Position {
	m.mu.RLock()
	id, ok := m.open[openKey(strategyID, symbol)]
	var e *entry
	if ok {
		e = m.entries[id]
	}
	m.mu.RUnlock()
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return clonePosition(e.pos)
}

// Open returns copies of all tracked positions that still have exposure.
func (m *Manager) Open() []*domain.Position {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []*domain.Position
	for _, e := range entries {
		e.mu.Lock()
		if e.pos.Status != domain.StatusClosed {
			out = append(out, clonePosition(e.pos))
		}
		e.mu.Unlock()
	}
	return out
}

// Close flushes pending durable writes.
func (m *Manager) Close() {
	m.writer.Close()
}

func (m *Manager) appendAudit(pos *domain.Position, d *domain.TradeDecision, triggeredBy string, now time.Time, res validation.Result) {
	modType := "stop_loss"
	previous := pos.StopLoss
	newValue := d.NewStopLoss
	if d.NewStopLoss == 0 && d.NewTakeProfits != nil {
		modType = "take_profit"
		previous, newValue = 0, 0
		if len(pos.TakeProfits) > 0 {
			previous = pos.TakeProfits[0].Price
		}
		if len(d.NewTakeProfits) > 0 {
			newValue = d.NewTakeProfits[0].Price
		}
	}
	mod := &domain.OrderModification{
		ID:               uuid.NewString(),
		PositionID:       pos.ID,
		Type:             modType,
		Previous:         previous,
		New:              newValue,
		Reason:           d.Reasoning,
		TriggeredBy:      triggeredBy,
		Timestamp:        now,
		ValidationResult: res.String(),
	}
	m.writer.Enqueue("append order modification", "", func(ctx context.Context) error {
		return m.modRepo.Append(ctx, mod)
	})
}

// persistUpdate snapshots the position (caller holds the entry lock) and
// schedules the durable update. Returns the snapshot for event publication.
func (m *Manager) persistUpdate(pos *domain.Position) *domain.Position {
	snapshot := clonePosition(pos)
	m.writer.Enqueue("update position", snapshot.ID, func(ctx context.Context) error {
		return m.posRepo.UpdatePosition(ctx, snapshot)
	})
	return snapshot
}

// reconcileWrite produces an upsert of the current in-memory position for the
// writer's reconciliation sweep. ok false means the position was closed and
// evicted; the sweep then replays its final failed write instead.
func (m *Manager) reconcileWrite(positionID string) (func(ctx context.Context) error, bool) {
	m.mu.RLock()
	e := m.entries[positionID]
	m.mu.RUnlock()
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	snapshot := clonePosition(e.pos)
	e.mu.Unlock()
	return func(ctx context.Context) error {
		err := m.posRepo.UpdatePosition(ctx, snapshot)
		if errors.Is(err, ports.ErrNotFound) {
			// The original create never landed.
			return m.posRepo.CreatePosition(ctx, snapshot)
		}
		return err
	}, true
}

func (m *Manager) reissueTakeProfits(ctx context.Context, e *entry) {
	pos := e.pos
	for _, tp := range pos.TakeProfits {
		orderID, err := m.backend.PlaceOrder(ctx, ports.OrderRequest{
			PositionID: pos.ID,
			Symbol:     pos.Symbol,
			Side:       pos.Side.Opposite(),
			Type:       ports.OrderTypeTakeProfit,
			Quantity:   tp.Quantity,
			StopPrice:  tp.Price,
		})
		if err != nil {
			m.logger.Error(ctx, err, "Failed to place take-profit order", map[string]interface{}{
				"positionID": pos.ID, "price": tp.Price,
			})
			continue
		}
		e.tpOrderIDs = append(e.tpOrderIDs, orderID)
	}
}

func (m *Manager) cancelTakeProfits(ctx context.Context, e *entry) {
	for _, id := range e.tpOrderIDs {
		if err := m.backend.CancelOrder(ctx, id); err != nil {
			m.logger.Warn(ctx, "Failed to cancel take-profit order", map[string]interface{}{
				"positionID": e.pos.ID, "orderID": id, "error": err.Error(),
			})
		}
	}
	e.tpOrderIDs = nil
}

func (m *Manager) removeEntry(id, key string) {
	m.mu.Lock()
	delete(m.entries, id)
	if m.open[key] == id {
		delete(m.open, key)
	}
	m.mu.Unlock()
}

func openKey(strategyID, symbol string) string {
	return strategyID + "|" + symbol
}

func clonePosition(p *domain.Position) *domain.Position {
	cp := *p
	cp.TakeProfits = append([]domain.TakeProfit(nil), p.TakeProfits...)
	return &cp
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
