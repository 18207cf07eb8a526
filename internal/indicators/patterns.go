package indicators

import "pulseTrader/internal/domain"

// EngulfingPattern inspects the last two candles and returns "bullish",
// "bearish" or "" when neither engulfing pattern is present.
func EngulfingPattern(candles []domain.Candle) string {
	if len(candles) < 2 {
		return ""
	}
	prev := candles[len(candles)-2]
	curr := candles[len(candles)-1]

	prevBearish := prev.Close < prev.Open
	currBullish := curr.Close > curr.Open

	if prevBearish && currBullish && curr.Open <= prev.Close && curr.Close >= prev.Open {
		return "bullish"
	}

	prevBullish := prev.Close > prev.Open
	currBearish := curr.Close < curr.Open

	if prevBullish && currBearish && curr.Open >= prev.Close && curr.Close <= prev.Open {
		return "bearish"
	}
	return ""
}
