package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseTrader/internal/domain"
	"pulseTrader/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// mockEvaluator rejects any code containing "broken".
type mockEvaluator struct{}

func (m *mockEvaluator) ValidateCode(code string) error {
	if strings.Contains(code, "broken") {
		return ports.ErrInvalidStrategy
	}
	return nil
}

func (m *mockEvaluator) Evaluate(ctx context.Context, code string, snapshot *domain.MarketSnapshot) (ports.EvalResult, error) {
	return ports.EvalResult{}, nil
}

// gatedEvaluator parks ValidateCode calls on a channel once armed, holding a
// start mid-flight so lifecycle races can be exercised.
type gatedEvaluator struct {
	armed atomic.Bool
	gate  chan struct{}
}

func (g *gatedEvaluator) ValidateCode(code string) error {
	if g.armed.Load() {
		<-g.gate
	}
	return nil
}

func (g *gatedEvaluator) Evaluate(ctx context.Context, code string, snapshot *domain.MarketSnapshot) (ports.EvalResult, error) {
	return ports.EvalResult{}, nil
}

// mockStrategyRepo is an in-memory ports.StrategyRepository.
type mockStrategyRepo struct {
	mu         sync.Mutex
	strategies map[string]*domain.Strategy
	findErr    error
}

func newMockStrategyRepo() *mockStrategyRepo {
	return &mockStrategyRepo{strategies: make(map[string]*domain.Strategy)}
}

func (m *mockStrategyRepo) CreateStrategy(ctx context.Context, s *domain.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.strategies[s.ID]; ok {
		return ports.ErrDuplicateEntry
	}
	cp := *s
	m.strategies[s.ID] = &cp
	return nil
}

func (m *mockStrategyRepo) UpdateStrategy(ctx context.Context, s *domain.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.strategies[s.ID]; !ok {
		return ports.ErrNotFound
	}
	cp := *s
	m.strategies[s.ID] = &cp
	return nil
}

func (m *mockStrategyRepo) FindStrategyByID(ctx context.Context, id string) (*domain.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	s, ok := m.strategies[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *mockStrategyRepo) FindSystemOwned(ctx context.Context) ([]*domain.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Strategy
	for _, s := range m.strategies {
		if s.OwnerID == "" {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockStrategyRepo) FindByOwner(ctx context.Context, ownerID string) ([]*domain.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Strategy
	for _, s := range m.strategies {
		if s.OwnerID == ownerID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func strategyDef(id, ownerID string) *domain.Strategy {
	return &domain.Strategy{
		ID:                 id,
		OwnerID:            ownerID,
		Name:               "test strategy",
		Code:               `return true, nil`,
		RequiredTimeframes: []string{"1m"},
		Enabled:            true,
		DefaultEnabled:     true,
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}
}

func newTestRegistry(t *testing.T, repo *mockStrategyRepo, quotas *QuotaManager) *Registry {
	t.Helper()
	if repo == nil {
		repo = newMockStrategyRepo()
	}
	if quotas == nil {
		quotas = NewQuotaManager(100, 10)
	}
	r, err := New(Config{
		Strategies: repo,
		Evaluator:  &mockEvaluator{},
		Quotas:     quotas,
		Logger:     &mockLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, strategyDef("s1", "")))

	ls, err := r.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, ls)
	assert.Equal(t, "s1", ls.ID())
	assert.Equal(t, domain.StateStopped, ls.State())

	err = r.Register(ctx, strategyDef("s1", ""))
	assert.ErrorIs(t, err, ports.ErrAlreadyExists)
}

func TestRegisterRejectsInvalidCode(t *testing.T) {
	r := newTestRegistry(t, nil, nil)

	def := strategyDef("bad", "")
	def.Code = "this is broken"
	err := r.Register(context.Background(), def)
	assert.ErrorIs(t, err, ports.ErrInvalidStrategy)
	assert.Empty(t, r.List())
}

func TestLazyLoadFromRepository(t *testing.T) {
	repo := newMockStrategyRepo()
	require.NoError(t, repo.CreateStrategy(context.Background(), strategyDef("persisted", "user-1")))
	r := newTestRegistry(t, repo, nil)

	ls, err := r.Get(context.Background(), "persisted")
	require.NoError(t, err)
	require.NotNil(t, ls)
	assert.Equal(t, "persisted", ls.ID())

	missing, err := r.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEnsureOwnerLoaded(t *testing.T) {
	repo := newMockStrategyRepo()
	ctx := context.Background()
	require.NoError(t, repo.CreateStrategy(ctx, strategyDef("u1-a", "user-1")))
	require.NoError(t, repo.CreateStrategy(ctx, strategyDef("u1-b", "user-1")))
	require.NoError(t, repo.CreateStrategy(ctx, strategyDef("u2-a", "user-2")))
	r := newTestRegistry(t, repo, nil)

	require.NoError(t, r.EnsureOwnerLoaded(ctx, "user-1"))
	assert.Len(t, r.List(), 2)

	// Second load is a no-op.
	require.NoError(t, r.EnsureOwnerLoaded(ctx, "user-1"))
	assert.Len(t, r.List(), 2)
}

func TestLoadSystemStrategies(t *testing.T) {
	repo := newMockStrategyRepo()
	ctx := context.Background()
	require.NoError(t, repo.CreateStrategy(ctx, strategyDef("sys-1", "")))
	require.NoError(t, repo.CreateStrategy(ctx, strategyDef("sys-2", "")))
	require.NoError(t, repo.CreateStrategy(ctx, strategyDef("user-1-s", "user-1")))
	r := newTestRegistry(t, repo, nil)

	require.NoError(t, r.LoadSystemStrategies(ctx))
	assert.Len(t, r.List(), 2)
}

func TestStartStopLifecycle(t *testing.T) {
	quotas := NewQuotaManager(100, 10)
	r := newTestRegistry(t, nil, quotas)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, strategyDef("s1", "user-1")))
	require.NoError(t, r.Start(ctx, "s1"))

	ls, err := r.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, ls.State())
	assert.Equal(t, `return true, nil`, ls.RunningCode())

	current, _ := quotas.GlobalUsage()
	assert.Equal(t, int64(1), current)

	// Starting an already-running strategy is an invalid transition.
	err = r.Start(ctx, "s1")
	var transitionErr *StateTransitionError
	assert.ErrorAs(t, err, &transitionErr)

	require.NoError(t, r.Stop(ctx, "s1"))
	assert.Equal(t, domain.StateStopped, ls.State())
	assert.Empty(t, ls.RunningCode())

	current, _ = quotas.GlobalUsage()
	assert.Equal(t, int64(0), current)
}

func TestStopDuringStartReleasesQuotaOnce(t *testing.T) {
	quotas := NewQuotaManager(1, 1)
	eval := &gatedEvaluator{gate: make(chan struct{})}
	r, err := New(Config{
		Strategies: newMockStrategyRepo(),
		Evaluator:  eval,
		Quotas:     quotas,
		Logger:     &mockLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, strategyDef("s1", "user-1")))
	eval.armed.Store(true)

	startErr := make(chan error, 1)
	go func() { startErr <- r.Start(ctx, "s1") }()

	// Wait until the start holds its quota slot inside code validation.
	require.Eventually(t, func() bool {
		current, _ := quotas.GlobalUsage()
		return current == 1
	}, time.Second, time.Millisecond)

	stopErr := make(chan error, 1)
	go func() { stopErr <- r.Stop(ctx, "s1") }()

	// Let the stop land mid-start before unparking the validation.
	time.Sleep(20 * time.Millisecond)
	close(eval.gate)

	require.NoError(t, <-startErr)
	require.NoError(t, <-stopErr)

	ls, _ := r.Get(ctx, "s1")
	assert.Equal(t, domain.StateStopped, ls.State())

	// Released exactly once: usage is back to zero and the single global
	// slot can be claimed again. A double release would panic the semaphore.
	current, _ := quotas.GlobalUsage()
	assert.Equal(t, int64(0), current)
	require.NoError(t, r.Start(ctx, "s1"))
}

func TestStartDisabledStrategy(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	ctx := context.Background()

	def := strategyDef("s1", "")
	def.Enabled = false
	require.NoError(t, r.Register(ctx, def))

	err := r.Start(ctx, "s1")
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}

func TestPerOwnerQuota(t *testing.T) {
	quotas := NewQuotaManager(100, 2)
	r := newTestRegistry(t, nil, quotas)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Register(ctx, strategyDef(id, "user-1")))
	}

	require.NoError(t, r.Start(ctx, "a"))
	require.NoError(t, r.Start(ctx, "b"))
	err := r.Start(ctx, "c")
	assert.ErrorIs(t, err, ports.ErrQuotaExceeded)

	// The failed start leaves the strategy stopped and startable again later.
	ls, _ := r.Get(ctx, "c")
	assert.Equal(t, domain.StateStopped, ls.State())

	require.NoError(t, r.Stop(ctx, "a"))
	assert.NoError(t, r.Start(ctx, "c"))
}

func TestGlobalQuota(t *testing.T) {
	quotas := NewQuotaManager(1, 10)
	r := newTestRegistry(t, nil, quotas)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, strategyDef("a", "user-1")))
	require.NoError(t, r.Register(ctx, strategyDef("b", "user-2")))

	require.NoError(t, r.Start(ctx, "a"))
	err := r.Start(ctx, "b")
	assert.ErrorIs(t, err, ports.ErrQuotaExceeded)
}

func TestSystemStrategySkipsOwnerQuota(t *testing.T) {
	quotas := NewQuotaManager(100, 1)
	r := newTestRegistry(t, nil, quotas)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, strategyDef("sys-1", "")))
	require.NoError(t, r.Register(ctx, strategyDef("sys-2", "")))

	require.NoError(t, r.Start(ctx, "sys-1"))
	assert.NoError(t, r.Start(ctx, "sys-2"))
}

func TestEffectiveEnabled(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	ctx := context.Background()

	def := strategyDef("s1", "")
	def.DefaultEnabled = true
	require.NoError(t, r.Register(ctx, def))

	enabled, err := r.EffectiveEnabled(ctx, "s1", "viewer-1")
	require.NoError(t, err)
	assert.True(t, enabled)

	// Viewer override beats the system default.
	require.NoError(t, r.SetUserOverride(ctx, "s1", "viewer-1", false, false))
	enabled, err = r.EffectiveEnabled(ctx, "s1", "viewer-1")
	require.NoError(t, err)
	assert.False(t, enabled)

	// Other viewers still see the default.
	enabled, err = r.EffectiveEnabled(ctx, "s1", "viewer-2")
	require.NoError(t, err)
	assert.True(t, enabled)

	// Clearing the override restores the default.
	require.NoError(t, r.SetUserOverride(ctx, "s1", "viewer-1", false, true))
	enabled, err = r.EffectiveEnabled(ctx, "s1", "viewer-1")
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestAdminGateBeatsOverride(t *testing.T) {
	repo := newMockStrategyRepo()
	require.NoError(t, repo.CreateStrategy(context.Background(), strategyDef("s1", "")))
	r := newTestRegistry(t, repo, nil)
	ctx := context.Background()

	require.NoError(t, r.SetUserOverride(ctx, "s1", "viewer-1", true, false))
	require.NoError(t, r.SetEnabled(ctx, "s1", false))

	enabled, err := r.EffectiveEnabled(ctx, "s1", "viewer-1")
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestRunningFiltersBySymbolAndInterval(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	ctx := context.Background()

	btc := strategyDef("btc-1m", "")
	btc.Symbols = []string{"BTCUSDT"}
	btc.RequiredTimeframes = []string{"1m"}
	require.NoError(t, r.Register(ctx, btc))

	all := strategyDef("all-1h", "")
	all.Symbols = nil
	all.RequiredTimeframes = []string{"1h"}
	require.NoError(t, r.Register(ctx, all))

	require.NoError(t, r.Start(ctx, "btc-1m"))
	require.NoError(t, r.Start(ctx, "all-1h"))

	matches := r.Running("BTCUSDT", "1m")
	require.Len(t, matches, 1)
	assert.Equal(t, "btc-1m", matches[0].ID())

	matches = r.Running("ETHUSDT", "1h")
	require.Len(t, matches, 1)
	assert.Equal(t, "all-1h", matches[0].ID())

	assert.Empty(t, r.Running("ETHUSDT", "5m"))
}

func TestSweepEvictsLongStopped(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, strategyDef("s1", "")))
	require.NoError(t, r.Start(ctx, "s1"))
	require.NoError(t, r.Stop(ctx, "s1"))

	ls, _ := r.Get(ctx, "s1")
	ls.mu.Lock()
	ls.stoppedAt = time.Now().Add(-time.Hour)
	ls.mu.Unlock()

	r.sweep()
	assert.Empty(t, r.List())

	// Never-started strategies are not swept.
	require.NoError(t, r.Register(ctx, strategyDef("s2", "")))
	r.sweep()
	assert.Len(t, r.List(), 1)
}

func TestStateMachineTransitions(t *testing.T) {
	ls := newLoadedStrategy(strategyDef("s1", ""))

	assert.False(t, ls.CanTransition(domain.StateRunning))
	assert.True(t, ls.CanTransition(domain.StateStarting))

	err := ls.TransitionTo(domain.StateRunning)
	var transitionErr *StateTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, domain.StateStopped, transitionErr.From)
	assert.Equal(t, domain.StateRunning, transitionErr.To)

	require.NoError(t, ls.TransitionTo(domain.StateStarting))
	require.NoError(t, ls.TransitionTo(domain.StateRunning))
	require.NoError(t, ls.TransitionTo(domain.StateStopping))
	require.NoError(t, ls.TransitionTo(domain.StateStopped))
	assert.False(t, ls.StoppedSince().IsZero())
}

func TestGetMetrics(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, strategyDef("s1", "")))
	require.NoError(t, r.Register(ctx, strategyDef("s2", "")))
	require.NoError(t, r.Start(ctx, "s1"))

	metrics := r.GetMetrics()
	assert.Equal(t, int64(2), metrics["total_registered"])
	byState := metrics["by_state"].(map[string]int64)
	assert.Equal(t, int64(1), byState[string(domain.StateRunning)])
	assert.Equal(t, int64(1), byState[string(domain.StateStopped)])
}

func TestQuotaManagerMetrics(t *testing.T) {
	q := NewQuotaManager(2, 1)

	require.NoError(t, q.Acquire("user-1"))
	err := q.Acquire("user-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrQuotaExceeded))

	m := q.Metrics()
	assert.Equal(t, int64(1), m["total_acquired"])
	assert.Equal(t, int64(1), m["quota_rejections"])

	q.Release("user-1")
	current, _ := q.GlobalUsage()
	assert.Equal(t, int64(0), current)
}
