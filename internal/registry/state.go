package registry

import (
	"fmt"
	"sync"
	"time"

	"pulseTrader/internal/domain"
)

// StateTransitionError represents an invalid lifecycle transition.
type StateTransitionError struct {
	From domain.StrategyState
	To   domain.StrategyState
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}

// validTransitions defines the allowed lifecycle transitions.
// Format: currentState -> allowed next states.
var validTransitions = map[domain.StrategyState][]domain.StrategyState{
	domain.StateStopped: {
		domain.StateStarting, // stopped → starting (strategy is started)
	},
	domain.StateStarting: {
		domain.StateRunning,  // starting → running (startup complete)
		domain.StateStopping, // starting → stopping (cancelled during startup)
		domain.StateStopped,  // starting → stopped (startup failed)
	},
	domain.StateRunning: {
		domain.StateStopping, // running → stopping (strategy is stopped)
	},
	domain.StateStopping: {
		domain.StateStopped, // stopping → stopped (shutdown complete)
	},
}

// LoadedStrategy wraps a strategy definition with its runtime lifecycle state.
// The running code is a copy taken at start time, so edits to the definition
// never affect an in-flight run.
type LoadedStrategy struct {
	// lifecycle serializes whole Start/Stop sequences so the quota slot held
	// across a multi-step start is released exactly once.
	lifecycle sync.Mutex

	mu            sync.RWMutex
	def           domain.Strategy
	runningCode   string
	state         domain.StrategyState
	lastError     error
	startedAt     time.Time
	stoppedAt     time.Time
	userOverrides map[string]bool // viewer ID -> enabled override
}

func newLoadedStrategy(def *domain.Strategy) *LoadedStrategy {
	return &LoadedStrategy{
		def:           *def,
		state:         domain.StateStopped,
		userOverrides: make(map[string]bool),
	}
}

// ID returns the strategy ID.
func (ls *LoadedStrategy) ID() string {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.def.ID
}

// Definition returns a copy of the strategy definition.
func (ls *LoadedStrategy) Definition() domain.Strategy {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.def
}

// RunningCode returns the code snapshot taken at start time. Empty when the
// strategy is not running.
func (ls *LoadedStrategy) RunningCode() string {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.runningCode
}

// State returns the current lifecycle state.
func (ls *LoadedStrategy) State() domain.StrategyState {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.state
}

// LastError returns the error recorded on the most recent failed start.
func (ls *LoadedStrategy) LastError() error {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.lastError
}

// IsRunning reports whether the strategy is currently running.
func (ls *LoadedStrategy) IsRunning() bool {
	return ls.State() == domain.StateRunning
}

// StoppedSince returns when the strategy last entered the stopped state.
// Zero while the strategy is active.
func (ls *LoadedStrategy) StoppedSince() time.Time {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.stoppedAt
}

// CanTransition checks whether a transition to the target state is valid.
func (ls *LoadedStrategy) CanTransition(to domain.StrategyState) bool {
	if !to.IsValid() {
		return false
	}
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	for _, allowed := range validTransitions[ls.state] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionTo attempts to move the strategy to a new lifecycle state.
func (ls *LoadedStrategy) TransitionTo(to domain.StrategyState) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	allowed := false
	for _, state := range validTransitions[ls.state] {
		if state == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return &StateTransitionError{From: ls.state, To: to}
	}

	ls.state = to
	now := time.Now()

	switch to {
	case domain.StateStarting:
		ls.lastError = nil
		ls.stoppedAt = time.Time{}
		ls.runningCode = ls.def.Code
	case domain.StateRunning:
		ls.startedAt = now
	case domain.StateStopped:
		ls.stoppedAt = now
		ls.runningCode = ""
	}

	return nil
}

// updateDefinition replaces the stored definition. The running code snapshot
// is left untouched.
func (ls *LoadedStrategy) updateDefinition(def *domain.Strategy) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.def = *def
}

// setUserOverride records a per-viewer enabled override.
func (ls *LoadedStrategy) setUserOverride(viewerID string, enabled bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.userOverrides[viewerID] = enabled
}

// clearUserOverride removes a per-viewer override, falling back to the
// system default.
func (ls *LoadedStrategy) clearUserOverride(viewerID string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	delete(ls.userOverrides, viewerID)
}

// EffectiveEnabled resolves whether the strategy is enabled for a viewer:
// the admin gate must be open, then the viewer's override wins over the
// system default.
func (ls *LoadedStrategy) EffectiveEnabled(viewerID string) bool {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if !ls.def.Enabled {
		return false
	}
	if override, ok := ls.userOverrides[viewerID]; ok {
		return override
	}
	return ls.def.DefaultEnabled
}

// setError records a failure without transitioning; used when a start attempt
// fails before reaching running.
func (ls *LoadedStrategy) setError(err error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.lastError = err
}
