package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/traefik/yaegi/interp"

	"pulseTrader/internal/domain"
	"pulseTrader/internal/ports"
)

const (
	// DefaultTimeout bounds an evaluation when the caller's context carries
	// no deadline of its own.
	DefaultTimeout = 5 * time.Second

	// DefaultMaxCandles caps how many candles per series are handed to
	// strategy code. The interpreter has no memory quota, so bounding the
	// input is the resource bound.
	DefaultMaxCandles = 200
)

// codeTemplate wraps user strategy code into a callable function. The body is
// the user's code; it must end with a return of (matched, decision). Every
// allowed import is declared here since the body cannot add its own; the
// interpreter does not reject the unused ones.
const codeTemplate = `
package main

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"pulseTrader/internal/domain"
	"pulseTrader/internal/indicators"
)

func evaluate(data *domain.MarketSnapshot) (bool, *domain.TradeDecision) {
%s
}
`

type evaluateFn = func(*domain.MarketSnapshot) (bool, *domain.TradeDecision)

// Config holds the dependencies and tuning knobs for the sandbox.
type Config struct {
	Logger     ports.Logger
	Timeout    time.Duration // 0 means DefaultTimeout
	MaxCandles int           // 0 means DefaultMaxCandles
}

// Evaluator runs untrusted strategy code in a yaegi interpreter. Each
// evaluation gets a fresh interpreter so strategies cannot observe each other
// or accumulate state across runs.
type Evaluator struct {
	logger     ports.Logger
	timeout    time.Duration
	maxCandles int
}

// New creates an Evaluator and verifies the sandbox symbol table loads.
func New(cfg Config) (*Evaluator, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ports.ErrConfigurationError)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxCandles == 0 {
		cfg.MaxCandles = DefaultMaxCandles
	}
	if _, err := newSandbox(); err != nil {
		return nil, err
	}
	return &Evaluator{
		logger:     cfg.Logger,
		timeout:    cfg.Timeout,
		maxCandles: cfg.MaxCandles,
	}, nil
}

// newSandbox builds a fresh interpreter with the restricted stdlib subset and
// the domain/indicator symbols loaded.
func newSandbox() (*interp.Interpreter, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(sandboxStdlib()); err != nil {
		return nil, fmt.Errorf("loading sandbox stdlib: %w", err)
	}
	if err := i.Use(sandboxSymbols()); err != nil {
		return nil, fmt.Errorf("loading sandbox symbols: %w", err)
	}
	return i, nil
}

// ValidateCode compiles the code inside a fresh sandbox without running its
// body. Used at strategy registration time so broken code is rejected before
// it ever reaches the hot path.
func (e *Evaluator) ValidateCode(code string) error {
	i, err := newSandbox()
	if err != nil {
		return err
	}
	if _, err := i.Eval(fmt.Sprintf(codeTemplate, code)); err != nil {
		return fmt.Errorf("%w: %v", ports.ErrInvalidStrategy, err)
	}
	v, err := i.Eval("evaluate")
	if err != nil {
		return fmt.Errorf("%w: %v", ports.ErrInvalidStrategy, err)
	}
	if _, ok := v.Interface().(evaluateFn); !ok {
		return fmt.Errorf("%w: evaluate has wrong signature %T", ports.ErrInvalidStrategy, v.Interface())
	}
	return nil
}

// Evaluate runs the code against the snapshot, bounded by the context
// deadline (or the configured default timeout when the context has none).
// The snapshot series are capped before being handed to the interpreter.
func (e *Evaluator) Evaluate(ctx context.Context, code string, snapshot *domain.MarketSnapshot) (ports.EvalResult, error) {
	if snapshot == nil {
		return ports.EvalResult{}, fmt.Errorf("%w: snapshot is nil", ports.ErrInvalidRequest)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	capped := e.capSnapshot(snapshot)

	type outcome struct {
		result ports.EvalResult
		err    error
	}
	resultCh := make(chan outcome, 1)

	// The interpreter cannot be preempted mid-run. A runaway strategy keeps
	// its goroutine alive past the deadline; the caller only waits for ctx.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: fmt.Errorf("%w: panic: %v", ports.ErrRuntimeFault, r)}
			}
		}()
		res, err := runOnce(code, capped)
		resultCh <- outcome{result: res, err: err}
	}()

	select {
	case out := <-resultCh:
		return out.result, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ports.EvalResult{}, fmt.Errorf("%w: deadline exceeded", ports.ErrTimeout)
		}
		return ports.EvalResult{}, fmt.Errorf("%w: %v", ports.ErrContextCanceled, ctx.Err())
	}
}

// runOnce compiles and calls the strategy in a fresh interpreter.
func runOnce(code string, snapshot *domain.MarketSnapshot) (ports.EvalResult, error) {
	i, err := newSandbox()
	if err != nil {
		return ports.EvalResult{}, err
	}
	if _, err := i.Eval(fmt.Sprintf(codeTemplate, code)); err != nil {
		return ports.EvalResult{}, fmt.Errorf("%w: %v", ports.ErrInvalidStrategy, err)
	}
	v, err := i.Eval("evaluate")
	if err != nil {
		return ports.EvalResult{}, fmt.Errorf("%w: %v", ports.ErrInvalidStrategy, err)
	}
	fn, ok := v.Interface().(evaluateFn)
	if !ok {
		return ports.EvalResult{}, fmt.Errorf("%w: evaluate has wrong signature %T", ports.ErrInvalidStrategy, v.Interface())
	}

	matched, decision := fn(snapshot)
	if !matched {
		return ports.EvalResult{Matched: false}, nil
	}
	return ports.EvalResult{Matched: true, Decision: decision}, nil
}

// capSnapshot returns a copy whose candle series are trimmed to the newest
// maxCandles entries. The original snapshot is never handed to strategy code.
func (e *Evaluator) capSnapshot(s *domain.MarketSnapshot) *domain.MarketSnapshot {
	capped := &domain.MarketSnapshot{
		Symbol:   s.Symbol,
		Interval: s.Interval,
		Candles:  make(map[string][]domain.Candle, len(s.Candles)),
		Ticker:   s.Ticker,
	}
	for interval, series := range s.Candles {
		if len(series) > e.maxCandles {
			series = series[len(series)-e.maxCandles:]
		}
		out := make([]domain.Candle, len(series))
		copy(out, series)
		capped.Candles[interval] = out
	}
	return capped
}
