package indicators

import (
	"fmt"
	"math"

	"pulseTrader/internal/domain"
)

// BollingerBands holds the latest band values.
type BollingerBands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger computes Bollinger Bands over close prices: the middle band is
// the SMA over period, the outer bands sit stdDevs standard deviations away.
func Bollinger(candles []domain.Candle, period int, stdDevs float64) (*BollingerBands, error) {
	if stdDevs <= 0 {
		return nil, fmt.Errorf("stdDevs must be positive, got %v", stdDevs)
	}
	middle, err := SMA(candles, period)
	if err != nil {
		return nil, err
	}

	variance := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		diff := candles[i].Close - middle
		variance += diff * diff
	}
	sd := math.Sqrt(variance / float64(period))

	return &BollingerBands{
		Upper:  middle + stdDevs*sd,
		Middle: middle,
		Lower:  middle - stdDevs*sd,
	}, nil
}
