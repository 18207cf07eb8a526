package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pulseTrader/internal/domain"
	"pulseTrader/internal/eventbus"
	"pulseTrader/internal/marketdata"
	"pulseTrader/internal/ports"
)

// DefaultCloseDebounce absorbs duplicate close events from the same candle
// boundary.
const DefaultCloseDebounce = 200 * time.Millisecond

// Ingestor normalizes a raw market data feed into closed-candle events.
// Partial (still-forming) candle updates are discarded: the store is
// write-on-close only. Ticker updates are throttled independently per symbol.
type Ingestor struct {
	feed     ports.MarketFeed
	store    *marketdata.Store
	bus      *eventbus.Bus
	logger   ports.Logger
	debounce time.Duration

	mu        sync.Mutex
	lastClose map[string]closeMark     // symbol@interval -> last accepted close
	limiters  map[string]*rate.Limiter // symbol -> ticker write limiter
	stops     []chan struct{}

	tickerRate rate.Limit
	onTicker   func(domain.Ticker)
}

type closeMark struct {
	openTime time.Time
	at       time.Time
}

// Config holds the ingestor's dependencies and tuning.
type Config struct {
	Feed          ports.MarketFeed
	Store         *marketdata.Store
	Bus           *eventbus.Bus
	Logger        ports.Logger
	CloseDebounce time.Duration // DefaultCloseDebounce if zero
	TickerRate    float64       // Max ticker writes per symbol per second (1.0 if zero)
	// OnTicker, when set, receives every accepted ticker after it is stored.
	// Used to feed mark prices to execution and position state.
	OnTicker func(domain.Ticker)
}

// New creates an ingestor.
func New(cfg Config) (*Ingestor, error) {
	if cfg.Feed == nil || cfg.Store == nil || cfg.Bus == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for ingestor")
	}
	debounce := cfg.CloseDebounce
	if debounce <= 0 {
		debounce = DefaultCloseDebounce
	}
	tickerRate := cfg.TickerRate
	if tickerRate <= 0 {
		tickerRate = 1.0
	}
	return &Ingestor{
		feed:       cfg.Feed,
		store:      cfg.Store,
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		debounce:   debounce,
		lastClose:  make(map[string]closeMark),
		limiters:   make(map[string]*rate.Limiter),
		tickerRate: rate.Limit(tickerRate),
		onTicker:   cfg.OnTicker,
	}, nil
}

// Warmup loads historical closed candles into the store so strategies have
// enough data on the first cycle. Warmup appends without publishing events.
func (i *Ingestor) Warmup(ctx context.Context, symbols, intervals []string, n int) error {
	for _, symbol := range symbols {
		for _, interval := range intervals {
			candles, err := i.feed.GetCandles(ctx, symbol, interval, n)
			if err != nil {
				return fmt.Errorf("warmup failed for %s@%s: %w", symbol, interval, err)
			}
			for _, c := range candles {
				if !c.Closed {
					continue
				}
				if err := i.store.Append(c); err != nil {
					return err
				}
			}
			i.logger.Info(ctx, "Warmed up candle history", map[string]interface{}{
				"symbol":   symbol,
				"interval": interval,
				"count":    len(candles),
			})
		}
	}
	return nil
}

// Start opens candle streams for every (symbol, interval) pair and a ticker
// stream per symbol. Reconnection is the feed adapter's responsibility; on
// reconnect the feed resumes at its head, so candles missed during an outage
// remain gaps.
func (i *Ingestor) Start(ctx context.Context, symbols, intervals []string) error {
	for _, symbol := range symbols {
		for _, interval := range intervals {
			_, stopCh, err := i.feed.StreamCandles(ctx, symbol, interval, i.handleCandle, i.handleFeedError)
			if err != nil {
				i.Stop()
				return fmt.Errorf("failed to start candle stream for %s@%s: %w", symbol, interval, err)
			}
			i.trackStop(stopCh)
		}

		_, stopCh, err := i.feed.StreamTickers(ctx, symbol, i.handleTicker, i.handleFeedError)
		if err != nil {
			i.Stop()
			return fmt.Errorf("failed to start ticker stream for %s: %w", symbol, err)
		}
		i.trackStop(stopCh)
	}
	i.logger.Info(ctx, "Ingestor started", map[string]interface{}{
		"symbols":   symbols,
		"intervals": intervals,
	})
	return nil
}

// Stop signals all streams to shut down.
func (i *Ingestor) Stop() {
	i.mu.Lock()
	stops := i.stops
	i.stops = nil
	i.mu.Unlock()

	for _, stopCh := range stops {
		select {
		case stopCh <- struct{}{}:
		default:
		}
	}
}

func (i *Ingestor) trackStop(stopCh chan struct{}) {
	i.mu.Lock()
	i.stops = append(i.stops, stopCh)
	i.mu.Unlock()
}

// handleCandle is the feed callback for every candle update, partial or not.
func (i *Ingestor) handleCandle(c *domain.Candle) {
	if c == nil {
		return
	}
	// Write-on-close only. Forming candles arrive on every tick and would
	// otherwise multiply writes 50-100x.
	if !c.Closed {
		return
	}
	if !i.acceptClose(c) {
		return
	}

	ctx := context.Background()
	if err := i.store.Append(*c); err != nil {
		i.logger.Error(ctx, err, "Failed to store closed candle", map[string]interface{}{
			"symbol":   c.Symbol,
			"interval": c.Interval,
		})
		return
	}

	i.bus.Publish(eventbus.CandleClosed{Candle: *c})
	i.logger.Debug(ctx, "Closed candle ingested", map[string]interface{}{
		"symbol":    c.Symbol,
		"interval":  c.Interval,
		"closeTime": c.CloseTime,
		"close":     c.Close,
	})
}

// acceptClose filters duplicate close events for the same candle boundary.
// The store append is idempotent regardless; the debounce keeps duplicate
// bursts from re-publishing CandleClosed events.
func (i *Ingestor) acceptClose(c *domain.Candle) bool {
	k := c.Symbol + "@" + c.Interval
	now := time.Now()

	i.mu.Lock()
	defer i.mu.Unlock()

	if mark, ok := i.lastClose[k]; ok && mark.openTime.Equal(c.OpenTime) && now.Sub(mark.at) < i.debounce {
		return false
	}
	i.lastClose[k] = closeMark{openTime: c.OpenTime, at: now}
	return true
}

// handleTicker throttles ticker writes to at most tickerRate per symbol per
// second; excess updates are discarded, the latest accepted one wins.
func (i *Ingestor) handleTicker(t *domain.Ticker) {
	if t == nil {
		return
	}
	if !i.limiterFor(t.Symbol).Allow() {
		return
	}
	i.store.SetTicker(*t)
	if i.onTicker != nil {
		i.onTicker(*t)
	}
}

func (i *Ingestor) limiterFor(symbol string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()
	lim, ok := i.limiters[symbol]
	if !ok {
		lim = rate.NewLimiter(i.tickerRate, 1)
		i.limiters[symbol] = lim
	}
	return lim
}

func (i *Ingestor) handleFeedError(err error) {
	i.logger.Warn(context.Background(), "Market feed reported an error", map[string]interface{}{
		"error": err.Error(),
	})
}
