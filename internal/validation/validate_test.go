package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseTrader/internal/domain"
	"pulseTrader/internal/ports"
)

func defaultValidator() *Validator {
	return New(0, 0, 0)
}

func openLong() *domain.Position {
	return &domain.Position{
		ID:           "pos-1",
		Symbol:       "BTCUSDT",
		Side:         domain.Long,
		EntryPrice:   50000,
		EntryQty:     1,
		RemainingQty: 1,
		StopLoss:     48000,
		Status:       domain.StatusOpen,
	}
}

func openShort() *domain.Position {
	return &domain.Position{
		ID:           "pos-2",
		Symbol:       "BTCUSDT",
		Side:         domain.Short,
		EntryPrice:   50000,
		EntryQty:     1,
		RemainingQty: 1,
		StopLoss:     52000,
		Status:       domain.StatusOpen,
	}
}

func TestValidateEnter(t *testing.T) {
	v := defaultValidator()

	tests := []struct {
		name      string
		decision  *domain.TradeDecision
		markPrice float64
		wantValid bool
		wantErr   string
	}{
		{
			name: "valid long entry",
			decision: &domain.TradeDecision{
				Kind: domain.DecisionEnter, Side: domain.Long, Size: 1, StopLoss: 48000,
			},
			markPrice: 50000,
			wantValid: true,
		},
		{
			name: "valid short entry",
			decision: &domain.TradeDecision{
				Kind: domain.DecisionEnter, Side: domain.Short, Size: 1, StopLoss: 52000,
			},
			markPrice: 50000,
			wantValid: true,
		},
		{
			name: "missing stop loss",
			decision: &domain.TradeDecision{
				Kind: domain.DecisionEnter, Side: domain.Long, Size: 1,
			},
			markPrice: 50000,
			wantValid: false,
			wantErr:   "stop loss is required",
		},
		{
			name: "long stop above entry",
			decision: &domain.TradeDecision{
				Kind: domain.DecisionEnter, Side: domain.Long, Size: 1, StopLoss: 51000,
			},
			markPrice: 50000,
			wantValid: false,
			wantErr:   "must be below entry price",
		},
		{
			name: "short stop below entry",
			decision: &domain.TradeDecision{
				Kind: domain.DecisionEnter, Side: domain.Short, Size: 1, StopLoss: 49000,
			},
			markPrice: 50000,
			wantValid: false,
			wantErr:   "must be above entry price",
		},
		{
			name: "stop too far from price",
			decision: &domain.TradeDecision{
				Kind: domain.DecisionEnter, Side: domain.Long, Size: 1, StopLoss: 40000,
			},
			markPrice: 50000,
			wantValid: false,
			wantErr:   "exceeds maximum",
		},
		{
			name: "zero size",
			decision: &domain.TradeDecision{
				Kind: domain.DecisionEnter, Side: domain.Long, Size: 0, StopLoss: 48000,
			},
			markPrice: 50000,
			wantValid: false,
			wantErr:   "size must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(Input{Decision: tt.decision, MarkPrice: tt.markPrice, Now: time.Now()})
			assert.Equal(t, tt.wantValid, res.IsValid)
			if tt.wantErr != "" {
				assert.Contains(t, res.String(), tt.wantErr)
			}
		})
	}
}

func TestValidateEnterRejectsWhenPositionOpen(t *testing.T) {
	v := defaultValidator()
	res := v.Validate(Input{
		Decision:  &domain.TradeDecision{Kind: domain.DecisionEnter, Side: domain.Long, Size: 1, StopLoss: 48000},
		Position:  openLong(),
		MarkPrice: 50000,
		Now:       time.Now(),
	})
	assert.False(t, res.IsValid)
	assert.Contains(t, res.String(), "already open")
}

func TestEnterTakeProfitWarning(t *testing.T) {
	v := defaultValidator()
	res := v.Validate(Input{
		Decision: &domain.TradeDecision{
			Kind: domain.DecisionEnter, Side: domain.Long, Size: 1, StopLoss: 48000,
			TakeProfits: []domain.TakeProfit{{Price: 47000, Quantity: 1}},
		},
		MarkPrice: 50000,
		Now:       time.Now(),
	})
	// Wrong-side take profit is advisory, not fatal.
	assert.True(t, res.IsValid)
	assert.NotEmpty(t, res.Warnings)
}

func TestValidateExit(t *testing.T) {
	v := defaultValidator()

	res := v.Validate(Input{
		Decision:  &domain.TradeDecision{Kind: domain.DecisionExit, ExitQuantity: 0.5},
		Position:  openLong(),
		MarkPrice: 51000,
		Now:       time.Now(),
	})
	assert.True(t, res.IsValid)

	res = v.Validate(Input{
		Decision:  &domain.TradeDecision{Kind: domain.DecisionExit},
		MarkPrice: 51000,
		Now:       time.Now(),
	})
	assert.False(t, res.IsValid)
	assert.Contains(t, res.String(), "requires an open position")

	res = v.Validate(Input{
		Decision:  &domain.TradeDecision{Kind: domain.DecisionExit, ExitQuantity: 2},
		Position:  openLong(),
		MarkPrice: 51000,
		Now:       time.Now(),
	})
	assert.False(t, res.IsValid)
	assert.Contains(t, res.String(), "exceeds remaining")
}

func TestModifyRiskMonotonicOnProfitableLong(t *testing.T) {
	v := defaultValidator()
	pos := openLong() // entry 50000, stop 48000

	// Price moved up; tightening the stop is allowed.
	res := v.Validate(Input{
		Decision:  &domain.TradeDecision{Kind: domain.DecisionModifyRisk, NewStopLoss: 49500},
		Position:  pos,
		MarkPrice: 52000,
		Now:       time.Now(),
	})
	assert.True(t, res.IsValid)

	// Widening the stop on a profitable position is rejected.
	res = v.Validate(Input{
		Decision:  &domain.TradeDecision{Kind: domain.DecisionModifyRisk, NewStopLoss: 47500},
		Position:  pos,
		MarkPrice: 52000,
		Now:       time.Now(),
	})
	assert.False(t, res.IsValid)
	assert.Contains(t, res.String(), "may only move toward price")
}

func TestModifyRiskMonotonicOnProfitableShort(t *testing.T) {
	v := defaultValidator()
	pos := openShort() // entry 50000, stop 52000

	res := v.Validate(Input{
		Decision:  &domain.TradeDecision{Kind: domain.DecisionModifyRisk, NewStopLoss: 50500},
		Position:  pos,
		MarkPrice: 49000,
		Now:       time.Now(),
	})
	assert.True(t, res.IsValid)

	res = v.Validate(Input{
		Decision:  &domain.TradeDecision{Kind: domain.DecisionModifyRisk, NewStopLoss: 52500},
		Position:  pos,
		MarkPrice: 49000,
		Now:       time.Now(),
	})
	assert.False(t, res.IsValid)
}

func TestModifyRiskAllowsWideningWhenUnderwater(t *testing.T) {
	v := defaultValidator()
	pos := openLong() // entry 50000, stop 48000

	// Position is losing; the monotonic rule does not apply, only the
	// distance bound and side checks.
	res := v.Validate(Input{
		Decision:  &domain.TradeDecision{Kind: domain.DecisionModifyRisk, NewStopLoss: 47500},
		Position:  pos,
		MarkPrice: 49000,
		Now:       time.Now(),
	})
	assert.True(t, res.IsValid)
}

func TestModifyRiskStopWouldTriggerImmediately(t *testing.T) {
	v := defaultValidator()
	res := v.Validate(Input{
		Decision:  &domain.TradeDecision{Kind: domain.DecisionModifyRisk, NewStopLoss: 53000},
		Position:  openLong(),
		MarkPrice: 52000,
		Now:       time.Now(),
	})
	assert.False(t, res.IsValid)
	assert.Contains(t, res.String(), "must be below current price")
}

func TestModifyRiskCooldown(t *testing.T) {
	v := New(0, 0, time.Minute)
	now := time.Now()

	res := v.Validate(Input{
		Decision:       &domain.TradeDecision{Kind: domain.DecisionModifyRisk, NewStopLoss: 49500},
		Position:       openLong(),
		MarkPrice:      52000,
		LastModifiedAt: now.Add(-10 * time.Second),
		Now:            now,
	})
	assert.False(t, res.IsValid)
	assert.Contains(t, res.String(), "cooldown")

	res = v.Validate(Input{
		Decision:       &domain.TradeDecision{Kind: domain.DecisionModifyRisk, NewStopLoss: 49500},
		Position:       openLong(),
		MarkPrice:      52000,
		LastModifiedAt: now.Add(-2 * time.Minute),
		Now:            now,
	})
	assert.True(t, res.IsValid)
}

func TestModifyRiskNoChanges(t *testing.T) {
	v := defaultValidator()
	res := v.Validate(Input{
		Decision:  &domain.TradeDecision{Kind: domain.DecisionModifyRisk},
		Position:  openLong(),
		MarkPrice: 52000,
		Now:       time.Now(),
	})
	assert.False(t, res.IsValid)
	assert.Contains(t, res.String(), "changes nothing")
}

func TestConfidenceGate(t *testing.T) {
	gated := New(0, 0.5, 0)
	decision := &domain.TradeDecision{
		Kind: domain.DecisionEnter, Side: domain.Long, Size: 1, StopLoss: 48000, Confidence: 0.3,
	}

	res := gated.Validate(Input{Decision: decision, MarkPrice: 50000, Now: time.Now()})
	assert.False(t, res.IsValid)
	assert.Contains(t, res.String(), "below minimum")

	// Zero threshold disables the gate entirely.
	ungated := New(0, 0, 0)
	res = ungated.Validate(Input{Decision: decision, MarkPrice: 50000, Now: time.Now()})
	assert.True(t, res.IsValid)
}

func TestValidateNilDecision(t *testing.T) {
	v := defaultValidator()
	res := v.Validate(Input{MarkPrice: 50000, Now: time.Now()})
	assert.False(t, res.IsValid)
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "accepted", Result{IsValid: true}.String())
	assert.Equal(t, "rejected: a; b", Result{Errors: []string{"a", "b"}}.String())
}

func TestResultErr(t *testing.T) {
	assert.NoError(t, Result{IsValid: true}.Err())

	err := Result{Errors: []string{"a", "b"}}.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrValidationRejected)
	assert.Contains(t, err.Error(), "a; b")
}
