package ports

import (
	"context"

	"pulseTrader/internal/domain"
)

// MarketFeed defines the interface the ingestor consumes market data through.
// Implementations push candle updates (including partial, still-forming
// candles) and ticker updates; filtering down to closed candles is the
// ingestor's job, not the feed's.
type MarketFeed interface {
	// StreamCandles starts a stream of candle updates for a symbol/interval.
	// The handler is called for every update, partial or closed. The feed
	// reconnects internally with backoff; errHandler is invoked for errors
	// observed during a connection. Returns channels to observe (doneCh) and
	// stop (stopCh) the stream.
	StreamCandles(ctx context.Context, symbol, interval string, handler func(candle *domain.Candle), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)

	// StreamTickers starts a stream of ticker updates for a symbol.
	StreamTickers(ctx context.Context, symbol string, handler func(ticker *domain.Ticker), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)

	// GetCandles retrieves historical closed candles, oldest first. Used to
	// warm the ring buffer store before streaming begins.
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error)
}
