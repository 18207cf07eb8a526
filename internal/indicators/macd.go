package indicators

import (
	"fmt"

	"pulseTrader/internal/domain"
)

// MACDResult holds the latest MACD line, signal line and histogram values.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes the Moving Average Convergence Divergence with the given
// short, long and signal periods (classically 12, 26, 9).
func MACD(candles []domain.Candle, shortPeriod, longPeriod, signalPeriod int) (*MACDResult, error) {
	if shortPeriod <= 0 || longPeriod <= 0 || signalPeriod <= 0 {
		return nil, fmt.Errorf("MACD periods must be positive")
	}
	if shortPeriod >= longPeriod {
		return nil, fmt.Errorf("MACD short period (%d) must be less than long period (%d)", shortPeriod, longPeriod)
	}
	if len(candles) < longPeriod+signalPeriod {
		return nil, fmt.Errorf("not enough data (%d) for MACD(%d,%d,%d)", len(candles), shortPeriod, longPeriod, signalPeriod)
	}

	closes := closeValues(candles)
	shortEMA := emaFromValues(closes, shortPeriod)
	longEMA := emaFromValues(closes, longPeriod)

	// Align the two series at their tails and form the MACD line.
	n := len(longEMA)
	macdLine := make([]float64, n)
	offset := len(shortEMA) - n
	for i := 0; i < n; i++ {
		macdLine[i] = shortEMA[offset+i] - longEMA[i]
	}

	signalLine := emaFromValues(macdLine, signalPeriod)
	if len(signalLine) == 0 {
		return nil, fmt.Errorf("not enough MACD values (%d) for signal period %d", len(macdLine), signalPeriod)
	}

	macd := macdLine[len(macdLine)-1]
	signal := signalLine[len(signalLine)-1]
	return &MACDResult{
		MACD:      macd,
		Signal:    signal,
		Histogram: macd - signal,
	}, nil
}
