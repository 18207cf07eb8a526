package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"pulseTrader/internal/domain"
	"pulseTrader/internal/eventbus"
	"pulseTrader/internal/marketdata"
	"pulseTrader/internal/ports"
	"pulseTrader/internal/registry"
	"pulseTrader/internal/validation"
)

const (
	// DefaultEvalTimeout bounds one sandboxed evaluation.
	DefaultEvalTimeout = 5 * time.Second
	// DefaultSnapshotDepth is the number of candles per interval handed to
	// an evaluation.
	DefaultSnapshotDepth = 200
	// DefaultQueueDepth bounds the pending-evaluation queue.
	DefaultQueueDepth = 256
)

// DecisionApplier forwards validated trade decisions to position state.
// Implemented by the position manager.
type DecisionApplier interface {
	Apply(ctx context.Context, strat *domain.Strategy, symbol string, d *domain.TradeDecision, markPrice float64) (validation.Result, error)
}

type evalKey struct {
	strategyID string
	symbol     string
	interval   string
}

type task struct {
	def    domain.Strategy
	code   string
	candle domain.Candle
	key    evalKey
}

// Config holds the coordinator dependencies and tuning knobs.
type Config struct {
	Registry  *registry.Registry
	Evaluator ports.StrategyEvaluator
	Store     *marketdata.Store
	Bus       *eventbus.Bus
	Signals   ports.SignalRepository
	Decisions DecisionApplier
	Logger    ports.Logger

	// Workers is the evaluation pool size; defaults to 2x CPUs.
	Workers int
	// QueueDepth bounds pending evaluations; overflow drops the cycle.
	QueueDepth int
	// EvalTimeout bounds a single evaluation.
	EvalTimeout time.Duration
	// SnapshotDepth is the candle history length per interval.
	SnapshotDepth int
}

// Coordinator turns closed candles into strategy evaluations. For each
// CandleClosed event it finds the running strategies screening that
// symbol/interval and runs each at most once per candle: a strategy still
// evaluating a previous candle for the same key skips the new one rather
// than queueing behind itself, so evaluations for one key never overlap.
// Matches become persisted signals; the storage uniqueness constraint makes
// signal creation idempotent under replays. Failed evaluations are counted
// and dropped, never retried: the next candle is the retry.
type Coordinator struct {
	registry    *registry.Registry
	evaluator   ports.StrategyEvaluator
	store       *marketdata.Store
	bus         *eventbus.Bus
	signals     ports.SignalRepository
	decisions   DecisionApplier
	logger      ports.Logger
	evalTimeout time.Duration
	depth       int
	metrics     Metrics

	inflight sync.Map // evalKey -> struct{}
	queue    chan task
	sub      *eventbus.Subscription

	// dispatchMu fences queue sends against Close: Unsubscribe does not wait
	// for an in-flight handler call, so Close must not close the queue while
	// a dispatch holds the read lock.
	dispatchMu sync.RWMutex
	closed     bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates the coordinator, starts its worker pool and subscribes it to
// candle-close events.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Registry == nil || cfg.Evaluator == nil || cfg.Store == nil ||
		cfg.Bus == nil || cfg.Signals == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("coordinator: missing required dependencies: %w", ports.ErrConfigurationError)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU() * 2
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = DefaultEvalTimeout
	}
	if cfg.SnapshotDepth <= 0 {
		cfg.SnapshotDepth = DefaultSnapshotDepth
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		registry:    cfg.Registry,
		evaluator:   cfg.Evaluator,
		store:       cfg.Store,
		bus:         cfg.Bus,
		signals:     cfg.Signals,
		decisions:   cfg.Decisions,
		logger:      cfg.Logger,
		evalTimeout: cfg.EvalTimeout,
		depth:       cfg.SnapshotDepth,
		queue:       make(chan task, cfg.QueueDepth),
		ctx:         ctx,
		cancel:      cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	c.sub = cfg.Bus.Subscribe(eventbus.EventCandleClosed, c.onCandleClosed)

	cfg.Logger.Info(ctx, "Execution coordinator started", map[string]interface{}{
		"workers": cfg.Workers, "queueDepth": cfg.QueueDepth,
		"evalTimeout": cfg.EvalTimeout.String(), "snapshotDepth": cfg.SnapshotDepth,
	})
	return c, nil
}

// Metrics returns the coordinator's counters.
func (c *Coordinator) Metrics() map[string]int64 {
	return c.metrics.Snapshot()
}

// Close stops dispatching, drains the worker pool and waits for in-flight
// evaluations.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.sub.Unsubscribe()
		c.cancel()
		c.dispatchMu.Lock()
		c.closed = true
		c.dispatchMu.Unlock()
		close(c.queue)
	})
	c.wg.Wait()
}

func (c *Coordinator) onCandleClosed(event eventbus.Event) {
	e, ok := event.(eventbus.CandleClosed)
	if !ok {
		return
	}
	c.dispatchMu.RLock()
	defer c.dispatchMu.RUnlock()
	if c.closed {
		return
	}

	candle := e.Candle
	for _, ls := range c.registry.Running(candle.Symbol, candle.Interval) {
		def := ls.Definition()
		code := ls.RunningCode()
		if code == "" || !def.Enabled {
			continue
		}
		key := evalKey{strategyID: def.ID, symbol: candle.Symbol, interval: candle.Interval}
		if _, busy := c.inflight.LoadOrStore(key, struct{}{}); busy {
			c.metrics.SkippedBusy.Add(1)
			c.logger.Debug(c.ctx, "Skipping candle, previous evaluation still running", map[string]interface{}{
				"strategyID": def.ID, "symbol": candle.Symbol, "interval": candle.Interval,
			})
			continue
		}
		select {
		case c.queue <- task{def: def, code: code, candle: candle, key: key}:
		default:
			c.inflight.Delete(key)
			c.metrics.Dropped.Add(1)
			c.logger.Error(c.ctx, ports.ErrOverloaded, "Dropping evaluation cycle", map[string]interface{}{
				"strategyID": def.ID, "symbol": candle.Symbol, "interval": candle.Interval,
			})
		}
	}
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for t := range c.queue {
		c.evaluate(t)
		c.inflight.Delete(t.key)
	}
}

func (c *Coordinator) evaluate(t task) {
	c.metrics.Runs.Add(1)

	snapshot := c.store.Snapshot(t.candle.Symbol, t.candle.Interval, t.def.RequiredTimeframes, c.depth)
	ctx, cancel := context.WithTimeout(c.ctx, c.evalTimeout)
	defer cancel()

	result, err := c.evaluator.Evaluate(ctx, t.code, snapshot)
	if err != nil {
		c.countEvalError(err)
		c.logger.Warn(c.ctx, "Evaluation failed", map[string]interface{}{
			"strategyID": t.def.ID, "symbol": t.candle.Symbol,
			"interval": t.candle.Interval, "error": err.Error(),
		})
		return
	}
	if !result.Matched {
		return
	}
	c.metrics.Matches.Add(1)

	sig := &domain.Signal{
		ID:               uuid.NewString(),
		StrategyID:       t.def.ID,
		Symbol:           t.candle.Symbol,
		Interval:         t.candle.Interval,
		TriggerCloseTime: t.candle.CloseTime,
		CreatedAt:        time.Now(),
	}
	if result.Decision != nil {
		sig.Confidence = result.Decision.Confidence
	}

	persistCtx, persistCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer persistCancel()
	if err := c.signals.CreateSignal(persistCtx, sig); err != nil {
		if errors.Is(err, ports.ErrDuplicateEntry) {
			// This candle was already handled, e.g. after a replay.
			c.metrics.DuplicateSignals.Add(1)
			return
		}
		c.metrics.OtherErrors.Add(1)
		c.logger.Error(c.ctx, err, "Failed to persist signal", map[string]interface{}{
			"strategyID": t.def.ID, "symbol": t.candle.Symbol,
		})
		return
	}
	c.metrics.SignalsPersisted.Add(1)
	c.bus.Publish(eventbus.SignalCreated{Signal: *sig})
	c.logger.Info(c.ctx, "Signal created", map[string]interface{}{
		"signalID": sig.ID, "strategyID": t.def.ID,
		"symbol": t.candle.Symbol, "interval": t.candle.Interval,
	})

	c.forwardDecision(t, snapshot, result.Decision)
}

// forwardDecision hands a matched decision to the position layer when the
// strategy has trading enabled.
func (c *Coordinator) forwardDecision(t task, snapshot *domain.MarketSnapshot, d *domain.TradeDecision) {
	if c.decisions == nil || d == nil || d.Kind == domain.DecisionNoTrade || !t.def.TradingEnabled {
		return
	}
	markPrice := snapshot.Ticker.LastPrice
	if markPrice <= 0 {
		markPrice = t.candle.Close
	}

	applyCtx, applyCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer applyCancel()
	res, err := c.decisions.Apply(applyCtx, &t.def, t.candle.Symbol, d, markPrice)
	if err != nil {
		c.metrics.OtherErrors.Add(1)
		c.logger.Error(c.ctx, err, "Failed to apply trade decision", map[string]interface{}{
			"strategyID": t.def.ID, "symbol": t.candle.Symbol, "kind": string(d.Kind),
		})
		return
	}
	if !res.IsValid {
		c.metrics.DecisionsRejected.Add(1)
		c.logger.Warn(c.ctx, "Trade decision rejected", map[string]interface{}{
			"strategyID": t.def.ID, "symbol": t.candle.Symbol, "kind": string(d.Kind),
			"error": res.Err().Error(),
		})
		return
	}
	c.metrics.DecisionsApplied.Add(1)
}

func (c *Coordinator) countEvalError(err error) {
	switch {
	case errors.Is(err, ports.ErrTimeout):
		c.metrics.TimeoutErrors.Add(1)
	case errors.Is(err, ports.ErrRuntimeFault), errors.Is(err, ports.ErrResourceExceeded):
		c.metrics.RuntimeErrors.Add(1)
	default:
		c.metrics.OtherErrors.Add(1)
	}
}
