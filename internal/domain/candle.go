package domain

import "time"

// Candle represents a single OHLCV candlestick for one symbol/interval.
// A candle is immutable once Closed is true.
type Candle struct {
	Symbol    string    // Trading symbol (e.g., "BTCUSDT")
	Interval  string    // Candle interval (e.g., "1m", "1h")
	OpenTime  time.Time // Start time of the interval
	CloseTime time.Time // End time of the interval
	Open      float64   // Opening price
	High      float64   // Highest price
	Low       float64   // Lowest price
	Close     float64   // Closing price
	Volume    float64   // Trading volume
	Closed    bool      // Whether the candle's window has fully elapsed
}

// Ticker represents the latest observed price for a symbol.
type Ticker struct {
	Symbol    string
	LastPrice float64
	UpdatedAt time.Time
}
