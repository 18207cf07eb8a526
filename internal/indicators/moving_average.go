// Package indicators is the fixed helper library exposed to sandboxed
// strategy code. All functions compute over closed candles, oldest first,
// and return an error when the series is too short for the requested period.
package indicators

import (
	"fmt"

	"pulseTrader/internal/domain"
)

// SMA computes the Simple Moving Average of close prices over the last
// period candles.
func SMA(candles []domain.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("period must be positive, got %d", period)
	}
	if len(candles) < period {
		return 0, fmt.Errorf("not enough data (%d) to calculate SMA for period %d", len(candles), period)
	}

	total := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		total += candles[i].Close
	}
	return total / float64(period), nil
}

// EMA computes the Exponential Moving Average of close prices, seeded with
// the SMA of the first period candles.
func EMA(candles []domain.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("period must be positive, got %d", period)
	}
	if len(candles) < period {
		return 0, fmt.Errorf("not enough data (%d) to calculate EMA for period %d", len(candles), period)
	}

	multiplier := 2.0 / float64(period+1)

	ema, err := SMA(candles[:period], period)
	if err != nil {
		return 0, fmt.Errorf("failed to seed EMA: %w", err)
	}
	for i := period; i < len(candles); i++ {
		ema = (candles[i].Close-ema)*multiplier + ema
	}
	return ema, nil
}

// SMASeries computes the SMA at every index where a full period is
// available. The result has len(candles)-period+1 entries.
func SMASeries(candles []domain.Candle, period int) ([]float64, error) {
	if period <= 0 || len(candles) < period {
		return nil, fmt.Errorf("not enough data (%d) for SMA series with period %d", len(candles), period)
	}
	out := make([]float64, 0, len(candles)-period+1)
	for i := period; i <= len(candles); i++ {
		v, err := SMA(candles[:i], period)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// EMASeries computes the EMA at every index from the seed onward.
func EMASeries(candles []domain.Candle, period int) ([]float64, error) {
	if period <= 0 || len(candles) < period {
		return nil, fmt.Errorf("not enough data (%d) for EMA series with period %d", len(candles), period)
	}
	multiplier := 2.0 / float64(period+1)
	seed, err := SMA(candles[:period], period)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(candles)-period+1)
	out = append(out, seed)
	ema := seed
	for i := period; i < len(candles); i++ {
		ema = (candles[i].Close-ema)*multiplier + ema
		out = append(out, ema)
	}
	return out, nil
}

func closeValues(candles []domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// emaFromValues computes an EMA series over raw values, seeded with the
// average of the first period values.
func emaFromValues(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	multiplier := 2.0 / float64(period+1)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	ema := sum / float64(period)
	out := make([]float64, 0, len(values)-period+1)
	out = append(out, ema)
	for i := period; i < len(values); i++ {
		ema = (values[i]-ema)*multiplier + ema
		out = append(out, ema)
	}
	return out
}
