package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"pulseTrader/internal/domain"
	"pulseTrader/internal/eventbus"
	"pulseTrader/internal/marketdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// mockFeed implements ports.MarketFeed, letting tests push updates directly.
type mockFeed struct {
	mu             sync.Mutex
	candleHandlers map[string]func(*domain.Candle)
	tickerHandlers map[string]func(*domain.Ticker)
	historical     []domain.Candle
}

func newMockFeed() *mockFeed {
	return &mockFeed{
		candleHandlers: make(map[string]func(*domain.Candle)),
		tickerHandlers: make(map[string]func(*domain.Ticker)),
	}
}

func (f *mockFeed) StreamCandles(ctx context.Context, symbol, interval string, handler func(*domain.Candle), errHandler func(error)) (chan struct{}, chan struct{}, error) {
	f.mu.Lock()
	f.candleHandlers[symbol+"@"+interval] = handler
	f.mu.Unlock()
	return make(chan struct{}), make(chan struct{}, 1), nil
}

func (f *mockFeed) StreamTickers(ctx context.Context, symbol string, handler func(*domain.Ticker), errHandler func(error)) (chan struct{}, chan struct{}, error) {
	f.mu.Lock()
	f.tickerHandlers[symbol] = handler
	f.mu.Unlock()
	return make(chan struct{}), make(chan struct{}, 1), nil
}

func (f *mockFeed) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	return f.historical, nil
}

func (f *mockFeed) pushCandle(c domain.Candle) {
	f.mu.Lock()
	handler := f.candleHandlers[c.Symbol+"@"+c.Interval]
	f.mu.Unlock()
	if handler != nil {
		handler(&c)
	}
}

func (f *mockFeed) pushTicker(t domain.Ticker) {
	f.mu.Lock()
	handler := f.tickerHandlers[t.Symbol]
	f.mu.Unlock()
	if handler != nil {
		handler(&t)
	}
}

func newTestIngestor(t *testing.T, feed *mockFeed, bus *eventbus.Bus) (*Ingestor, *marketdata.Store) {
	t.Helper()
	store := marketdata.NewStore(50)
	ing, err := New(Config{
		Feed:          feed,
		Store:         store,
		Bus:           bus,
		Logger:        &mockLogger{},
		CloseDebounce: 100 * time.Millisecond,
		TickerRate:    1.0,
	})
	require.NoError(t, err)
	return ing, store
}

func candleAt(openTime time.Time, closed bool, close float64) domain.Candle {
	return domain.Candle{
		Symbol:    "BTCUSDT",
		Interval:  "1m",
		OpenTime:  openTime,
		CloseTime: openTime.Add(time.Minute),
		Open:      close,
		High:      close,
		Low:       close,
		Close:     close,
		Closed:    closed,
	}
}

func TestPartialCandlesDiscarded(t *testing.T) {
	feed := newMockFeed()
	bus := eventbus.New(16, nil)
	defer bus.Close()
	ing, store := newTestIngestor(t, feed, bus)

	require.NoError(t, ing.Start(context.Background(), []string{"BTCUSDT"}, []string{"1m"}))
	defer ing.Stop()

	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		feed.pushCandle(candleAt(open, false, float64(100+i))) // forming updates
	}
	assert.Equal(t, 0, store.Len("BTCUSDT", "1m"))

	feed.pushCandle(candleAt(open, true, 120))
	assert.Equal(t, 1, store.Len("BTCUSDT", "1m"))
}

func TestDuplicateCloseDebounced(t *testing.T) {
	feed := newMockFeed()
	bus := eventbus.New(16, nil)
	defer bus.Close()
	ing, store := newTestIngestor(t, feed, bus)

	var mu sync.Mutex
	events := 0
	bus.Subscribe(eventbus.EventCandleClosed, func(ev eventbus.Event) {
		mu.Lock()
		events++
		mu.Unlock()
	})

	require.NoError(t, ing.Start(context.Background(), []string{"BTCUSDT"}, []string{"1m"}))
	defer ing.Stop()

	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// Duplicate close burst from the same boundary.
	feed.pushCandle(candleAt(open, true, 50000))
	feed.pushCandle(candleAt(open, true, 50000))
	feed.pushCandle(candleAt(open, true, 50000))

	assert.Equal(t, 1, store.Len("BTCUSDT", "1m"))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return events == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDistinctBoundariesPassDebounce(t *testing.T) {
	feed := newMockFeed()
	bus := eventbus.New(16, nil)
	defer bus.Close()
	ing, store := newTestIngestor(t, feed, bus)

	require.NoError(t, ing.Start(context.Background(), []string{"BTCUSDT"}, []string{"1m"}))
	defer ing.Stop()

	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feed.pushCandle(candleAt(open, true, 100))
	feed.pushCandle(candleAt(open.Add(time.Minute), true, 101))

	assert.Equal(t, 2, store.Len("BTCUSDT", "1m"))
}

func TestTickerThrottle(t *testing.T) {
	feed := newMockFeed()
	bus := eventbus.New(16, nil)
	defer bus.Close()
	ing, store := newTestIngestor(t, feed, bus)

	require.NoError(t, ing.Start(context.Background(), []string{"BTCUSDT"}, []string{"1m"}))
	defer ing.Stop()

	// Burst of ticker updates; only the first within the window is written.
	for i := 0; i < 10; i++ {
		feed.pushTicker(domain.Ticker{Symbol: "BTCUSDT", LastPrice: float64(100 + i), UpdatedAt: time.Now()})
	}

	ticker, ok := store.LatestTicker("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 100.0, ticker.LastPrice)
}

func TestOnTickerHookReceivesAcceptedTickers(t *testing.T) {
	feed := newMockFeed()
	bus := eventbus.New(16, nil)
	defer bus.Close()
	store := marketdata.NewStore(50)

	var mu sync.Mutex
	var seen []float64
	ing, err := New(Config{
		Feed:          feed,
		Store:         store,
		Bus:           bus,
		Logger:        &mockLogger{},
		CloseDebounce: 100 * time.Millisecond,
		TickerRate:    1.0,
		OnTicker: func(tk domain.Ticker) {
			mu.Lock()
			seen = append(seen, tk.LastPrice)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	require.NoError(t, ing.Start(context.Background(), []string{"BTCUSDT"}, []string{"1m"}))
	defer ing.Stop()

	// Only the first ticker in the rate window passes the throttle, so the
	// hook fires once with that price.
	for i := 0; i < 5; i++ {
		feed.pushTicker(domain.Ticker{Symbol: "BTCUSDT", LastPrice: float64(200 + i), UpdatedAt: time.Now()})
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, 200.0, seen[0])
}

func TestWarmup(t *testing.T) {
	feed := newMockFeed()
	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feed.historical = []domain.Candle{
		candleAt(open, true, 100),
		candleAt(open.Add(time.Minute), true, 101),
	}
	bus := eventbus.New(16, nil)
	defer bus.Close()
	ing, store := newTestIngestor(t, feed, bus)

	require.NoError(t, ing.Warmup(context.Background(), []string{"BTCUSDT"}, []string{"1m"}, 100))
	assert.Equal(t, 2, store.Len("BTCUSDT", "1m"))
}
