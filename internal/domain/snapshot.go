package domain

import "fmt"

// MarketSnapshot is an immutable point-in-time view of market data handed to
// strategy code. It is constructed fresh per evaluation from copies, so
// sandboxed code can never observe partial writes or mutate shared state.
type MarketSnapshot struct {
	Symbol   string
	Interval string              // Interval of the triggering candle
	Candles  map[string][]Candle // interval -> closed candles, oldest first
	Ticker   Ticker              // Latest ticker for Symbol
}

// Series returns the candles for an interval, oldest first.
func (s *MarketSnapshot) Series(interval string) []Candle {
	return s.Candles[interval]
}

// Last returns the most recent candle for an interval.
func (s *MarketSnapshot) Last(interval string) (Candle, error) {
	series := s.Candles[interval]
	if len(series) == 0 {
		return Candle{}, fmt.Errorf("no candles for interval %s", interval)
	}
	return series[len(series)-1], nil
}

// Closes returns the close prices for an interval, oldest first.
func (s *MarketSnapshot) Closes(interval string) []float64 {
	series := s.Candles[interval]
	closes := make([]float64, len(series))
	for i, c := range series {
		closes[i] = c.Close
	}
	return closes
}
