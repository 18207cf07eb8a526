package indicators

import (
	"fmt"

	"pulseTrader/internal/domain"
)

// HighestHigh returns the highest high over the last period candles.
func HighestHigh(candles []domain.Candle, period int) (float64, error) {
	if period <= 0 || len(candles) < period {
		return 0, fmt.Errorf("not enough data (%d) for highest high over period %d", len(candles), period)
	}
	highest := candles[len(candles)-period].High
	for i := len(candles) - period + 1; i < len(candles); i++ {
		if candles[i].High > highest {
			highest = candles[i].High
		}
	}
	return highest, nil
}

// LowestLow returns the lowest low over the last period candles.
func LowestLow(candles []domain.Candle, period int) (float64, error) {
	if period <= 0 || len(candles) < period {
		return 0, fmt.Errorf("not enough data (%d) for lowest low over period %d", len(candles), period)
	}
	lowest := candles[len(candles)-period].Low
	for i := len(candles) - period + 1; i < len(candles); i++ {
		if candles[i].Low < lowest {
			lowest = candles[i].Low
		}
	}
	return lowest, nil
}

// StochasticResult holds the latest %K and %D values.
type StochasticResult struct {
	K float64
	D float64
}

// Stochastic computes the stochastic oscillator: %K over kPeriod and its
// dPeriod SMA as %D.
func Stochastic(candles []domain.Candle, kPeriod, dPeriod int) (*StochasticResult, error) {
	if kPeriod <= 0 || dPeriod <= 0 {
		return nil, fmt.Errorf("stochastic periods must be positive")
	}
	if len(candles) < kPeriod+dPeriod-1 {
		return nil, fmt.Errorf("not enough data (%d) for stochastic(%d,%d)", len(candles), kPeriod, dPeriod)
	}

	kValue := func(upTo int) (float64, error) {
		window := candles[:upTo]
		high, err := HighestHigh(window, kPeriod)
		if err != nil {
			return 0, err
		}
		low, err := LowestLow(window, kPeriod)
		if err != nil {
			return 0, err
		}
		if high == low {
			return 50, nil // Flat window, neutral reading
		}
		return (window[len(window)-1].Close - low) / (high - low) * 100, nil
	}

	// %D is the SMA of the last dPeriod %K values.
	var kSum float64
	var k float64
	for i := 0; i < dPeriod; i++ {
		v, err := kValue(len(candles) - i)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			k = v
		}
		kSum += v
	}

	return &StochasticResult{K: k, D: kSum / float64(dPeriod)}, nil
}
