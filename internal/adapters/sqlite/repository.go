package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"pulseTrader/internal/domain"
	"pulseTrader/internal/ports"
)

// Repository implements the strategy, position, signal and order-modification
// repository ports using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/pulse_trader.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("%w: failed to open database at '%s': %v", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("%w: failed to ping database at '%s': %v", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from a
	// single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS strategies (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		code TEXT NOT NULL,
		timeframes TEXT NOT NULL,
		symbols TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		default_enabled INTEGER NOT NULL DEFAULT 0,
		trading_enabled INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		strategy_id TEXT NOT NULL,
		owner_id TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		entry_qty REAL NOT NULL,
		remaining_qty REAL NOT NULL,
		stop_loss REAL NOT NULL,
		take_profits TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		realized_pnl REAL NOT NULL DEFAULT 0,
		opened_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP DEFAULT NULL,
		close_reason TEXT NULL,
		modification_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS signals (
		id TEXT PRIMARY KEY,
		strategy_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		interval TEXT NOT NULL,
		trigger_close_time TIMESTAMP NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (strategy_id, symbol, trigger_close_time)
	);

	CREATE TABLE IF NOT EXISTS order_modifications (
		id TEXT PRIMARY KEY,
		position_id TEXT NOT NULL,
		type TEXT NOT NULL,
		previous REAL NOT NULL,
		new REAL NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		triggered_by TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL,
		validation_result TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_strategies_owner ON strategies (owner_id);
	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status);
	CREATE INDEX IF NOT EXISTS idx_positions_owner_opened ON positions (owner_id, opened_at);
	CREATE INDEX IF NOT EXISTS idx_signals_strategy_created ON signals (strategy_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_order_mods_position ON order_modifications (position_id);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("%w: schema initialization: %v", ports.ErrQueryFailed, err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// isUniqueViolation reports whether the error is a UNIQUE or PRIMARY KEY
// constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// joinList and splitList store string slices as comma-joined text columns.
func joinList(items []string) string {
	return strings.Join(items, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// --- StrategyRepository Implementation ---

// CreateStrategy saves a new strategy definition.
func (r *Repository) CreateStrategy(ctx context.Context, s *domain.Strategy) error {
	const query = `
	INSERT INTO strategies (id, owner_id, name, code, timeframes, symbols,
	                        enabled, default_enabled, trading_enabled, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.OwnerID, s.Name, s.Code, joinList(s.RequiredTimeframes), joinList(s.Symbols),
		s.Enabled, s.DefaultEnabled, s.TradingEnabled, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("strategy %s: %w", s.ID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("%w: insert strategy %s: %v", ports.ErrQueryFailed, s.ID, err)
	}
	r.logger.Debug(ctx, "Strategy created", map[string]interface{}{"strategyID": s.ID, "name": s.Name})
	return nil
}

// UpdateStrategy modifies an existing strategy definition.
func (r *Repository) UpdateStrategy(ctx context.Context, s *domain.Strategy) error {
	const query = `
	UPDATE strategies
	SET owner_id = ?, name = ?, code = ?, timeframes = ?, symbols = ?,
	    enabled = ?, default_enabled = ?, trading_enabled = ?, updated_at = ?
	WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		s.OwnerID, s.Name, s.Code, joinList(s.RequiredTimeframes), joinList(s.Symbols),
		s.Enabled, s.DefaultEnabled, s.TradingEnabled, s.UpdatedAt,
		s.ID)
	if err != nil {
		return fmt.Errorf("%w: update strategy %s: %v", ports.ErrQueryFailed, s.ID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected for strategy %s: %v", ports.ErrQueryFailed, s.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("strategy %s: %w", s.ID, ports.ErrNotFound)
	}
	return nil
}

const strategyColumns = `id, owner_id, name, code, timeframes, symbols,
       enabled, default_enabled, trading_enabled, created_at, updated_at`

// FindStrategyByID retrieves a strategy by ID. Returns nil, nil if not found.
func (r *Repository) FindStrategyByID(ctx context.Context, id string) (*domain.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	s, err := scanStrategy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: query strategy %s: %v", ports.ErrQueryFailed, id, err)
	}
	return s, nil
}

// FindSystemOwned retrieves all strategies without an owner.
func (r *Repository) FindSystemOwned(ctx context.Context) ([]*domain.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE owner_id = '' ORDER BY created_at`
	return r.queryStrategies(ctx, query)
}

// FindByOwner retrieves all strategies belonging to a user.
func (r *Repository) FindByOwner(ctx context.Context, ownerID string) ([]*domain.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE owner_id = ? ORDER BY created_at`
	return r.queryStrategies(ctx, query, ownerID)
}

func (r *Repository) queryStrategies(ctx context.Context, query string, args ...interface{}) ([]*domain.Strategy, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query strategies: %v", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	strategies := make([]*domain.Strategy, 0)
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan strategy: %v", ports.ErrQueryFailed, err)
		}
		strategies = append(strategies, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating strategy rows: %v", ports.ErrQueryFailed, err)
	}
	return strategies, nil
}

// --- PositionRepository Implementation ---

// CreatePosition saves a new position.
func (r *Repository) CreatePosition(ctx context.Context, pos *domain.Position) error {
	const query = `
	INSERT INTO positions (id, strategy_id, owner_id, symbol, side, entry_price, entry_qty,
	                       remaining_qty, stop_loss, take_profits, status, realized_pnl,
	                       opened_at, modification_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	takeProfits, err := json.Marshal(pos.TakeProfits)
	if err != nil {
		return fmt.Errorf("marshal take profits for position %s: %w", pos.ID, err)
	}

	_, err = r.db.ExecContext(ctx, query,
		pos.ID, pos.StrategyID, pos.OwnerID, pos.Symbol, pos.Side, pos.EntryPrice, pos.EntryQty,
		pos.RemainingQty, pos.StopLoss, string(takeProfits), pos.Status, pos.RealizedPnL,
		pos.OpenedAt, pos.ModificationCount)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("position %s: %w", pos.ID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("%w: insert position %s: %v", ports.ErrQueryFailed, pos.ID, err)
	}
	r.logger.Debug(ctx, "Position created", map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol})
	return nil
}

// UpdatePosition modifies an existing position.
func (r *Repository) UpdatePosition(ctx context.Context, pos *domain.Position) error {
	const query = `
	UPDATE positions
	SET remaining_qty = ?, stop_loss = ?, take_profits = ?, status = ?, realized_pnl = ?,
	    closed_at = ?, close_reason = ?, modification_count = ?
	WHERE id = ?`

	takeProfits, err := json.Marshal(pos.TakeProfits)
	if err != nil {
		return fmt.Errorf("marshal take profits for position %s: %w", pos.ID, err)
	}

	var closedAt sql.NullTime
	if !pos.ClosedAt.IsZero() {
		closedAt = sql.NullTime{Time: pos.ClosedAt, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		pos.RemainingQty, pos.StopLoss, string(takeProfits), pos.Status, pos.RealizedPnL,
		closedAt, string(pos.CloseReason), pos.ModificationCount,
		pos.ID)
	if err != nil {
		return fmt.Errorf("%w: update position %s: %v", ports.ErrQueryFailed, pos.ID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected for position %s: %v", ports.ErrQueryFailed, pos.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("position %s: %w", pos.ID, ports.ErrNotFound)
	}
	return nil
}

const positionColumns = `id, strategy_id, owner_id, symbol, side, entry_price, entry_qty,
       remaining_qty, stop_loss, take_profits, status, realized_pnl,
       opened_at, closed_at, close_reason, modification_count`

// FindPositionByID retrieves a position by ID. Returns nil, nil if not found.
func (r *Repository) FindPositionByID(ctx context.Context, id string) (*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: query position %s: %v", ports.ErrQueryFailed, id, err)
	}
	return pos, nil
}

// FindOpen retrieves all positions not yet closed, for state recovery.
func (r *Repository) FindOpen(ctx context.Context) ([]*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE status != ? ORDER BY opened_at`
	return r.queryPositions(ctx, query, domain.StatusClosed)
}

// FindPositionsByOwner retrieves all positions for an owner, newest first.
func (r *Repository) FindPositionsByOwner(ctx context.Context, ownerID string) ([]*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE owner_id = ? ORDER BY opened_at DESC`
	return r.queryPositions(ctx, query, ownerID)
}

func (r *Repository) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query positions: %v", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan position: %v", ports.ErrQueryFailed, err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating position rows: %v", ports.ErrQueryFailed, err)
	}
	return positions, nil
}

// --- SignalRepository Implementation ---

// CreateSignal saves a new signal. A second insert for the same
// (strategy_id, symbol, trigger_close_time) tuple returns ErrDuplicateEntry.
func (r *Repository) CreateSignal(ctx context.Context, sig *domain.Signal) error {
	const query = `
	INSERT INTO signals (id, strategy_id, symbol, interval, trigger_close_time, confidence, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		sig.ID, sig.StrategyID, sig.Symbol, sig.Interval, sig.TriggerCloseTime, sig.Confidence, sig.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("signal for strategy %s at %s: %w",
				sig.StrategyID, sig.TriggerCloseTime.Format(time.RFC3339), ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("%w: insert signal %s: %v", ports.ErrQueryFailed, sig.ID, err)
	}
	r.logger.Debug(ctx, "Signal created", map[string]interface{}{
		"signalID": sig.ID, "strategyID": sig.StrategyID, "symbol": sig.Symbol,
	})
	return nil
}

// FindByStrategy retrieves signals for a strategy created at or after since,
// oldest first.
func (r *Repository) FindByStrategy(ctx context.Context, strategyID string, since time.Time) ([]*domain.Signal, error) {
	const query = `
	SELECT id, strategy_id, symbol, interval, trigger_close_time, confidence, created_at
	FROM signals
	WHERE strategy_id = ? AND created_at >= ?
	ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, strategyID, since)
	if err != nil {
		return nil, fmt.Errorf("%w: query signals for strategy %s: %v", ports.ErrQueryFailed, strategyID, err)
	}
	defer rows.Close()

	signals := make([]*domain.Signal, 0)
	for rows.Next() {
		sig := &domain.Signal{}
		if err := rows.Scan(&sig.ID, &sig.StrategyID, &sig.Symbol, &sig.Interval,
			&sig.TriggerCloseTime, &sig.Confidence, &sig.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan signal: %v", ports.ErrQueryFailed, err)
		}
		signals = append(signals, sig)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating signal rows: %v", ports.ErrQueryFailed, err)
	}
	return signals, nil
}

// --- OrderModificationRepository Implementation ---

// Append writes an audit record. Records are never updated or deleted.
func (r *Repository) Append(ctx context.Context, mod *domain.OrderModification) error {
	const query = `
	INSERT INTO order_modifications (id, position_id, type, previous, new, reason,
	                                 triggered_by, timestamp, validation_result)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		mod.ID, mod.PositionID, mod.Type, mod.Previous, mod.New, mod.Reason,
		mod.TriggeredBy, mod.Timestamp, mod.ValidationResult)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order modification %s: %w", mod.ID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("%w: insert order modification %s: %v", ports.ErrQueryFailed, mod.ID, err)
	}
	return nil
}

// FindByPosition retrieves the audit trail for a position, oldest first.
func (r *Repository) FindByPosition(ctx context.Context, positionID string) ([]*domain.OrderModification, error) {
	const query = `
	SELECT id, position_id, type, previous, new, reason, triggered_by, timestamp, validation_result
	FROM order_modifications
	WHERE position_id = ?
	ORDER BY timestamp`

	rows, err := r.db.QueryContext(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("%w: query modifications for position %s: %v", ports.ErrQueryFailed, positionID, err)
	}
	defer rows.Close()

	mods := make([]*domain.OrderModification, 0)
	for rows.Next() {
		mod := &domain.OrderModification{}
		if err := rows.Scan(&mod.ID, &mod.PositionID, &mod.Type, &mod.Previous, &mod.New,
			&mod.Reason, &mod.TriggeredBy, &mod.Timestamp, &mod.ValidationResult); err != nil {
			return nil, fmt.Errorf("%w: scan order modification: %v", ports.ErrQueryFailed, err)
		}
		mods = append(mods, mod)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating order modification rows: %v", ports.ErrQueryFailed, err)
	}
	return mods, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanStrategy(s scanner) (*domain.Strategy, error) {
	st := &domain.Strategy{}
	var timeframes, symbols string
	err := s.Scan(
		&st.ID, &st.OwnerID, &st.Name, &st.Code, &timeframes, &symbols,
		&st.Enabled, &st.DefaultEnabled, &st.TradingEnabled, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.RequiredTimeframes = splitList(timeframes)
	st.Symbols = splitList(symbols)
	return st, nil
}

func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var side, status string
	var takeProfits string
	var closedAt sql.NullTime
	var closeReason sql.NullString
	err := s.Scan(
		&p.ID, &p.StrategyID, &p.OwnerID, &p.Symbol, &side, &p.EntryPrice, &p.EntryQty,
		&p.RemainingQty, &p.StopLoss, &takeProfits, &status, &p.RealizedPnL,
		&p.OpenedAt, &closedAt, &closeReason, &p.ModificationCount)
	if err != nil {
		return nil, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	if closeReason.Valid {
		p.CloseReason = domain.CloseReason(closeReason.String)
	}
	if err := json.Unmarshal([]byte(takeProfits), &p.TakeProfits); err != nil {
		return nil, fmt.Errorf("unmarshal take profits for position %s: %w", p.ID, err)
	}
	return p, nil
}
