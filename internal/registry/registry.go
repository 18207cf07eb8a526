package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pulseTrader/internal/domain"
	"pulseTrader/internal/ports"
)

const (
	// DefaultCleanupInterval is how often long-stopped strategies are swept
	// out of memory. They reload lazily from the repository on next use.
	DefaultCleanupInterval = 1 * time.Minute
	// DefaultCleanupDelay is how long a strategy must sit stopped before the
	// sweep removes it.
	DefaultCleanupDelay = 5 * time.Minute
)

// Metrics tracks registry counters.
type Metrics struct {
	mu                sync.RWMutex
	totalRegistered   int64
	totalUnregistered int64
}

func (m *Metrics) incrementRegistered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRegistered++
}

func (m *Metrics) incrementUnregistered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalUnregistered++
}

// Config holds the dependencies for the registry.
type Config struct {
	Strategies ports.StrategyRepository
	Evaluator  ports.StrategyEvaluator
	Quotas     *QuotaManager
	Logger     ports.Logger

	CleanupInterval time.Duration
	CleanupDelay    time.Duration
}

// Registry holds the loaded strategies and drives their lifecycle. System
// strategies are loaded eagerly at startup; user strategies load lazily on
// first reference.
type Registry struct {
	strategies sync.Map // map[string]*LoadedStrategy
	repo       ports.StrategyRepository
	evaluator  ports.StrategyEvaluator
	quotas     *QuotaManager
	logger     ports.Logger
	metrics    *Metrics

	loadedOwners sync.Map // map[ownerID]struct{}

	cleanupInterval time.Duration
	cleanupDelay    time.Duration
	stopCleanup     chan struct{}
	cleanupWg       sync.WaitGroup
	closeOnce       sync.Once
}

// New creates a registry and starts its cleanup sweep.
func New(cfg Config) (*Registry, error) {
	if cfg.Strategies == nil {
		return nil, fmt.Errorf("%w: strategy repository is required", ports.ErrConfigurationError)
	}
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("%w: evaluator is required", ports.ErrConfigurationError)
	}
	if cfg.Quotas == nil {
		return nil, fmt.Errorf("%w: quota manager is required", ports.ErrConfigurationError)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ports.ErrConfigurationError)
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.CleanupDelay <= 0 {
		cfg.CleanupDelay = DefaultCleanupDelay
	}

	r := &Registry{
		repo:            cfg.Strategies,
		evaluator:       cfg.Evaluator,
		quotas:          cfg.Quotas,
		logger:          cfg.Logger,
		metrics:         &Metrics{},
		cleanupInterval: cfg.CleanupInterval,
		cleanupDelay:    cfg.CleanupDelay,
		stopCleanup:     make(chan struct{}),
	}

	r.cleanupWg.Add(1)
	go r.cleanupLoop()

	return r, nil
}

// LoadSystemStrategies eagerly registers all system-owned strategies.
func (r *Registry) LoadSystemStrategies(ctx context.Context) error {
	defs, err := r.repo.FindSystemOwned(ctx)
	if err != nil {
		return fmt.Errorf("loading system strategies: %w", err)
	}
	for _, def := range defs {
		if err := r.Register(ctx, def); err != nil {
			r.logger.Warn(ctx, "Skipping system strategy that failed to register", map[string]interface{}{
				"strategyID": def.ID, "error": err.Error(),
			})
			continue
		}
	}
	r.logger.Info(ctx, "System strategies loaded", map[string]interface{}{"count": len(defs)})
	return nil
}

// Register validates the strategy's code and adds it to the registry in the
// stopped state. Returns ErrAlreadyExists if the ID is taken.
func (r *Registry) Register(ctx context.Context, def *domain.Strategy) error {
	if def == nil || def.ID == "" {
		return fmt.Errorf("%w: strategy ID cannot be empty", ports.ErrInvalidRequest)
	}
	if err := r.evaluator.ValidateCode(def.Code); err != nil {
		return fmt.Errorf("strategy %s: %w", def.ID, err)
	}
	if _, loaded := r.strategies.LoadOrStore(def.ID, newLoadedStrategy(def)); loaded {
		return fmt.Errorf("strategy %s: %w", def.ID, ports.ErrAlreadyExists)
	}
	r.metrics.incrementRegistered()
	r.logger.Debug(ctx, "Strategy registered", map[string]interface{}{"strategyID": def.ID, "owner": def.OwnerID})
	return nil
}

// Unregister removes a strategy from memory. A running strategy must be
// stopped first.
func (r *Registry) Unregister(id string) error {
	value, ok := r.strategies.Load(id)
	if !ok {
		return fmt.Errorf("strategy %s: %w", id, ports.ErrNotFound)
	}
	ls := value.(*LoadedStrategy)
	if ls.State() != domain.StateStopped {
		return fmt.Errorf("strategy %s is %s: %w", id, ls.State(), ports.ErrInvalidRequest)
	}
	r.strategies.Delete(id)
	r.metrics.incrementUnregistered()
	return nil
}

// Get retrieves a loaded strategy, lazily loading it from the repository on
// first reference. Returns nil, nil if it does not exist anywhere.
func (r *Registry) Get(ctx context.Context, id string) (*LoadedStrategy, error) {
	if value, ok := r.strategies.Load(id); ok {
		return value.(*LoadedStrategy), nil
	}

	def, err := r.repo.FindStrategyByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, nil
	}
	if err := r.Register(ctx, def); err != nil {
		// Lost a race with a concurrent lazy load.
		if value, ok := r.strategies.Load(id); ok {
			return value.(*LoadedStrategy), nil
		}
		return nil, err
	}
	value, _ := r.strategies.Load(id)
	return value.(*LoadedStrategy), nil
}

// EnsureOwnerLoaded lazily loads all strategies belonging to an owner. Loads
// once per owner per process lifetime.
func (r *Registry) EnsureOwnerLoaded(ctx context.Context, ownerID string) error {
	if _, loaded := r.loadedOwners.LoadOrStore(ownerID, struct{}{}); loaded {
		return nil
	}
	defs, err := r.repo.FindByOwner(ctx, ownerID)
	if err != nil {
		r.loadedOwners.Delete(ownerID)
		return fmt.Errorf("loading strategies for owner %s: %w", ownerID, err)
	}
	for _, def := range defs {
		if err := r.Register(ctx, def); err != nil {
			r.logger.Warn(ctx, "Skipping strategy that failed to register during owner load", map[string]interface{}{
				"strategyID": def.ID, "owner": ownerID, "error": err.Error(),
			})
		}
	}
	return nil
}

// List returns all loaded strategies.
func (r *Registry) List() []*LoadedStrategy {
	var out []*LoadedStrategy
	r.strategies.Range(func(_, value interface{}) bool {
		out = append(out, value.(*LoadedStrategy))
		return true
	})
	return out
}

// Running returns the strategies currently in the running state whose
// definition applies to the given symbol and interval.
func (r *Registry) Running(symbol, interval string) []*LoadedStrategy {
	var out []*LoadedStrategy
	r.strategies.Range(func(_, value interface{}) bool {
		ls := value.(*LoadedStrategy)
		if !ls.IsRunning() {
			return true
		}
		def := ls.Definition()
		if def.AppliesTo(symbol, interval) {
			out = append(out, ls)
		}
		return true
	})
	return out
}

// SetEnabled flips the admin gate and persists the change.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	ls, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if ls == nil {
		return fmt.Errorf("strategy %s: %w", id, ports.ErrNotFound)
	}
	def := ls.Definition()
	def.Enabled = enabled
	def.UpdatedAt = time.Now()
	if err := r.repo.UpdateStrategy(ctx, &def); err != nil {
		return err
	}
	ls.updateDefinition(&def)
	r.logger.Info(ctx, "Strategy admin gate changed", map[string]interface{}{"strategyID": id, "enabled": enabled})
	return nil
}

// SetUserOverride records a per-viewer enabled override, or clears it when
// clear is true.
func (r *Registry) SetUserOverride(ctx context.Context, id, viewerID string, enabled, clear bool) error {
	ls, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if ls == nil {
		return fmt.Errorf("strategy %s: %w", id, ports.ErrNotFound)
	}
	if clear {
		ls.clearUserOverride(viewerID)
	} else {
		ls.setUserOverride(viewerID, enabled)
	}
	return nil
}

// EffectiveEnabled resolves whether a strategy is enabled for a viewer.
func (r *Registry) EffectiveEnabled(ctx context.Context, id, viewerID string) (bool, error) {
	ls, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if ls == nil {
		return false, fmt.Errorf("strategy %s: %w", id, ports.ErrNotFound)
	}
	return ls.EffectiveEnabled(viewerID), nil
}

// Start moves a strategy through stopped → starting → running, claiming a
// quota slot. The code snapshot used for evaluation is taken here.
func (r *Registry) Start(ctx context.Context, id string) error {
	ls, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if ls == nil {
		return fmt.Errorf("strategy %s: %w", id, ports.ErrNotFound)
	}

	ls.lifecycle.Lock()
	defer ls.lifecycle.Unlock()

	def := ls.Definition()
	if !def.Enabled {
		return fmt.Errorf("strategy %s is disabled: %w", id, ports.ErrInvalidRequest)
	}

	if err := ls.TransitionTo(domain.StateStarting); err != nil {
		return err
	}

	if err := r.quotas.Acquire(def.OwnerID); err != nil {
		ls.setError(err)
		_ = ls.TransitionTo(domain.StateStopped)
		return err
	}

	// Re-validate the snapshot the run will use; the definition may have been
	// edited since registration.
	if err := r.evaluator.ValidateCode(ls.RunningCode()); err != nil {
		r.quotas.Release(def.OwnerID)
		ls.setError(err)
		_ = ls.TransitionTo(domain.StateStopped)
		return fmt.Errorf("strategy %s: %w", id, err)
	}

	if err := ls.TransitionTo(domain.StateRunning); err != nil {
		r.quotas.Release(def.OwnerID)
		return err
	}

	r.logger.Info(ctx, "Strategy started", map[string]interface{}{"strategyID": id, "owner": def.OwnerID})
	return nil
}

// Stop moves a running strategy through stopping → stopped and releases its
// quota slot.
func (r *Registry) Stop(ctx context.Context, id string) error {
	ls, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if ls == nil {
		return fmt.Errorf("strategy %s: %w", id, ports.ErrNotFound)
	}

	// Waits out any in-flight Start, so the stop always observes either
	// running (slot held, release it here) or a terminal state (slot already
	// released by the failed start).
	ls.lifecycle.Lock()
	defer ls.lifecycle.Unlock()

	if err := ls.TransitionTo(domain.StateStopping); err != nil {
		return err
	}
	if err := ls.TransitionTo(domain.StateStopped); err != nil {
		return err
	}

	r.quotas.Release(ls.Definition().OwnerID)
	r.logger.Info(ctx, "Strategy stopped", map[string]interface{}{"strategyID": id})
	return nil
}

// GetMetrics returns registry counters plus counts by state.
func (r *Registry) GetMetrics() map[string]interface{} {
	byState := make(map[string]int64)
	var total int64
	r.strategies.Range(func(_, value interface{}) bool {
		ls := value.(*LoadedStrategy)
		byState[string(ls.State())]++
		total++
		return true
	})

	r.metrics.mu.RLock()
	defer r.metrics.mu.RUnlock()
	return map[string]interface{}{
		"total_registered":   r.metrics.totalRegistered,
		"total_unregistered": r.metrics.totalUnregistered,
		"loaded_count":       total,
		"by_state":           byState,
	}
}

// Close stops the cleanup sweep.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.stopCleanup)
	})
	r.cleanupWg.Wait()
}

func (r *Registry) cleanupLoop() {
	defer r.cleanupWg.Done()

	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCleanup:
			return
		}
	}
}

// sweep evicts strategies that have sat stopped for longer than the cleanup
// delay. They reload lazily on next reference.
func (r *Registry) sweep() {
	now := time.Now()
	var toRemove []string

	r.strategies.Range(func(key, value interface{}) bool {
		ls := value.(*LoadedStrategy)
		if ls.State() != domain.StateStopped {
			return true
		}
		stoppedAt := ls.StoppedSince()
		if !stoppedAt.IsZero() && now.Sub(stoppedAt) > r.cleanupDelay {
			toRemove = append(toRemove, key.(string))
		}
		return true
	})

	for _, id := range toRemove {
		_ = r.Unregister(id)
	}
	if len(toRemove) > 0 {
		r.logger.Debug(context.Background(), "Swept stopped strategies from memory", map[string]interface{}{"count": len(toRemove)})
	}
}
