package validation

import (
	"fmt"
	"strings"
	"time"

	"pulseTrader/internal/domain"
	"pulseTrader/internal/ports"
)

const (
	// DefaultMaxStopDistancePct bounds how far from the reference price a
	// stop-loss may sit. Catches fat-finger and hallucinated-price stops.
	DefaultMaxStopDistancePct = 0.10

	// DefaultModifyCooldown rate-limits risk modifications per position to
	// roughly one per evaluation cycle.
	DefaultModifyCooldown = 1 * time.Minute
)

// Result is the outcome of validating a trade decision. Errors reject the
// decision; warnings are advisory and logged only.
type Result struct {
	IsValid  bool
	Errors   []string
	Warnings []string
}

// String renders the result for the order-modification audit log.
func (r Result) String() string {
	if r.IsValid {
		return "accepted"
	}
	return "rejected: " + strings.Join(r.Errors, "; ")
}

// Err returns nil for an accepted result, or the rejection as an error
// matching ports.ErrValidationRejected.
func (r Result) Err() error {
	if r.IsValid {
		return nil
	}
	return fmt.Errorf("%w: %s", ports.ErrValidationRejected, strings.Join(r.Errors, "; "))
}

// Input carries everything a validation run needs. Position is nil for Enter
// decisions; LastModifiedAt is zero when the position has never been modified.
type Input struct {
	Decision       *domain.TradeDecision
	Position       *domain.Position
	MarkPrice      float64
	LastModifiedAt time.Time
	Now            time.Time
}

// Validator holds the fixed validation policy. Validate itself is pure: the
// same input always yields the same result, and nothing is mutated.
type Validator struct {
	// MaxStopDistancePct is the maximum allowed |price - stop| / price.
	MaxStopDistancePct float64
	// MinConfidence rejects decisions below the threshold; zero disables the
	// gate.
	MinConfidence float64
	// ModifyCooldown is the minimum time between accepted risk modifications
	// on one position.
	ModifyCooldown time.Duration
}

// New returns a Validator with defaults applied for zero fields.
func New(maxStopDistancePct, minConfidence float64, modifyCooldown time.Duration) *Validator {
	if maxStopDistancePct <= 0 {
		maxStopDistancePct = DefaultMaxStopDistancePct
	}
	if modifyCooldown <= 0 {
		modifyCooldown = DefaultModifyCooldown
	}
	return &Validator{
		MaxStopDistancePct: maxStopDistancePct,
		MinConfidence:      minConfidence,
		ModifyCooldown:     modifyCooldown,
	}
}

// Validate checks a decision against the fixed policy. On failure the
// decision is discarded by the caller; the position is left untouched.
func (v *Validator) Validate(in Input) Result {
	var errs, warnings []string

	d := in.Decision
	if d == nil {
		return invalid("decision is nil")
	}
	if in.MarkPrice <= 0 {
		return invalid("reference price is not positive")
	}

	if v.MinConfidence > 0 && d.Confidence < v.MinConfidence {
		errs = append(errs, fmt.Sprintf("confidence %.2f below minimum %.2f", d.Confidence, v.MinConfidence))
	}

	switch d.Kind {
	case domain.DecisionNoTrade:
		// Nothing to apply; valid but pointless to forward.

	case domain.DecisionEnter:
		errs = append(errs, v.validateEnter(d, in)...)
		warnings = append(warnings, enterWarnings(d, in.MarkPrice)...)

	case domain.DecisionExit:
		errs = append(errs, validateExit(d, in.Position)...)

	case domain.DecisionModifyRisk:
		errs = append(errs, v.validateModifyRisk(d, in)...)

	default:
		errs = append(errs, fmt.Sprintf("unknown decision kind %q", d.Kind))
	}

	return Result{IsValid: len(errs) == 0, Errors: errs, Warnings: warnings}
}

func (v *Validator) validateEnter(d *domain.TradeDecision, in Input) []string {
	var errs []string

	if in.Position != nil && in.Position.IsOpen() {
		errs = append(errs, fmt.Sprintf("position %s is already open", in.Position.ID))
	}
	if d.Side != domain.Long && d.Side != domain.Short {
		errs = append(errs, fmt.Sprintf("invalid side %q", d.Side))
	}
	if d.Size <= 0 {
		errs = append(errs, "entry size must be positive")
	}
	if d.StopLoss <= 0 {
		errs = append(errs, "stop loss is required on entry")
		return errs
	}

	// Stop must sit on the risk-reducing side of the entry price.
	switch d.Side {
	case domain.Long:
		if d.StopLoss >= in.MarkPrice {
			errs = append(errs, fmt.Sprintf("long stop loss %.4f must be below entry price %.4f", d.StopLoss, in.MarkPrice))
		}
	case domain.Short:
		if d.StopLoss <= in.MarkPrice {
			errs = append(errs, fmt.Sprintf("short stop loss %.4f must be above entry price %.4f", d.StopLoss, in.MarkPrice))
		}
	}

	if dist := stopDistance(d.StopLoss, in.MarkPrice); dist > v.MaxStopDistancePct {
		errs = append(errs, fmt.Sprintf("stop loss distance %.1f%% exceeds maximum %.1f%%", dist*100, v.MaxStopDistancePct*100))
	}

	return errs
}

func enterWarnings(d *domain.TradeDecision, markPrice float64) []string {
	var warnings []string
	for _, tp := range d.TakeProfits {
		onProfitSide := (d.Side == domain.Long && tp.Price > markPrice) ||
			(d.Side == domain.Short && tp.Price < markPrice)
		if !onProfitSide {
			warnings = append(warnings, fmt.Sprintf("take profit %.4f is not on the profit side of entry %.4f", tp.Price, markPrice))
		}
	}
	return warnings
}

func validateExit(d *domain.TradeDecision, pos *domain.Position) []string {
	var errs []string
	if pos == nil || !pos.IsOpen() {
		errs = append(errs, "exit requires an open position")
		return errs
	}
	if d.ExitQuantity < 0 {
		errs = append(errs, "exit quantity cannot be negative")
	}
	if d.ExitQuantity > pos.RemainingQty {
		errs = append(errs, fmt.Sprintf("exit quantity %.6f exceeds remaining %.6f", d.ExitQuantity, pos.RemainingQty))
	}
	return errs
}

func (v *Validator) validateModifyRisk(d *domain.TradeDecision, in Input) []string {
	var errs []string
	pos := in.Position
	if pos == nil || !pos.IsOpen() {
		errs = append(errs, "risk modification requires an open position")
		return errs
	}

	if !in.LastModifiedAt.IsZero() && in.Now.Sub(in.LastModifiedAt) < v.ModifyCooldown {
		errs = append(errs, fmt.Sprintf("position %s was modified %.0fs ago, cooldown is %.0fs",
			pos.ID, in.Now.Sub(in.LastModifiedAt).Seconds(), v.ModifyCooldown.Seconds()))
	}

	if d.NewStopLoss == 0 && len(d.NewTakeProfits) == 0 {
		errs = append(errs, "risk modification changes nothing")
		return errs
	}

	if d.NewStopLoss != 0 {
		errs = append(errs, v.validateNewStop(d.NewStopLoss, pos, in.MarkPrice)...)
	}

	return errs
}

// validateNewStop enforces the monotonic risk-reduction invariant: once a
// position is profitable, its stop may only move toward price, never away.
func (v *Validator) validateNewStop(newStop float64, pos *domain.Position, markPrice float64) []string {
	var errs []string

	if newStop <= 0 {
		return []string{"new stop loss must be positive"}
	}

	// A stop on the wrong side of the mark price would trigger immediately.
	switch pos.Side {
	case domain.Long:
		if newStop >= markPrice {
			errs = append(errs, fmt.Sprintf("long stop loss %.4f must be below current price %.4f", newStop, markPrice))
		}
	case domain.Short:
		if newStop <= markPrice {
			errs = append(errs, fmt.Sprintf("short stop loss %.4f must be above current price %.4f", newStop, markPrice))
		}
	}

	if dist := stopDistance(newStop, markPrice); dist > v.MaxStopDistancePct {
		errs = append(errs, fmt.Sprintf("stop loss distance %.1f%% exceeds maximum %.1f%%", dist*100, v.MaxStopDistancePct*100))
	}

	profitable := (pos.Side == domain.Long && markPrice > pos.EntryPrice) ||
		(pos.Side == domain.Short && markPrice < pos.EntryPrice)
	if profitable {
		widens := (pos.Side == domain.Long && newStop < pos.StopLoss) ||
			(pos.Side == domain.Short && newStop > pos.StopLoss)
		if widens {
			errs = append(errs, fmt.Sprintf("stop loss may only move toward price on a profitable position (current %.4f, proposed %.4f)",
				pos.StopLoss, newStop))
		}
	}

	return errs
}

func stopDistance(stop, price float64) float64 {
	d := price - stop
	if d < 0 {
		d = -d
	}
	return d / price
}

func invalid(msg string) Result {
	return Result{IsValid: false, Errors: []string{msg}}
}
