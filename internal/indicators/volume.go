package indicators

import (
	"fmt"

	"pulseTrader/internal/domain"
)

// AvgVolume computes the average volume over the last period candles.
func AvgVolume(candles []domain.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("period must be positive, got %d", period)
	}
	if len(candles) < period {
		return 0, fmt.Errorf("not enough data (%d) to calculate average volume for period %d", len(candles), period)
	}
	total := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		total += candles[i].Volume
	}
	return total / float64(period), nil
}

// VWAP computes the volume-weighted average price over the whole series,
// using the typical price (H+L+C)/3 per candle. Returns 0 for an empty or
// zero-volume series.
func VWAP(candles []domain.Candle) float64 {
	var cumPV, cumVol float64
	for _, c := range candles {
		typical := (c.High + c.Low + c.Close) / 3
		cumPV += typical * c.Volume
		cumVol += c.Volume
	}
	if cumVol == 0 {
		return 0
	}
	return cumPV / cumVol
}
