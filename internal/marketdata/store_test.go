package marketdata

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"pulseTrader/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closedCandle(symbol, interval string, openTime time.Time, close float64) domain.Candle {
	return domain.Candle{
		Symbol:    symbol,
		Interval:  interval,
		OpenTime:  openTime,
		CloseTime: openTime.Add(time.Minute),
		Open:      close - 1,
		High:      close + 1,
		Low:       close - 2,
		Close:     close,
		Volume:    10,
		Closed:    true,
	}
}

func TestAppendIdempotent(t *testing.T) {
	store := NewStore(10)
	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := closedCandle("BTCUSDT", "1m", open, 50000)

	require.NoError(t, store.Append(c))
	require.NoError(t, store.Append(c)) // duplicate close for same openTime

	assert.Equal(t, 1, store.Len("BTCUSDT", "1m"))
	latest := store.Latest("BTCUSDT", "1m", 5)
	require.Len(t, latest, 1)
	assert.Equal(t, 50000.0, latest[0].Close)
}

func TestAppendDropsOutOfOrderCandle(t *testing.T) {
	store := NewStore(10)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(closedCandle("BTCUSDT", "1m", base, 100)))
	require.NoError(t, store.Append(closedCandle("BTCUSDT", "1m", base.Add(3*time.Minute), 103)))

	// A late delivery from before the newest entry would break the
	// oldest-first ordering if appended at the tail.
	require.NoError(t, store.Append(closedCandle("BTCUSDT", "1m", base.Add(time.Minute), 101)))

	latest := store.Latest("BTCUSDT", "1m", 5)
	require.Len(t, latest, 2)
	assert.Equal(t, 100.0, latest[0].Close)
	assert.Equal(t, 103.0, latest[1].Close)
	assert.True(t, latest[0].OpenTime.Before(latest[1].OpenTime))
}

func TestAppendRejectsPartialCandle(t *testing.T) {
	store := NewStore(10)
	c := closedCandle("BTCUSDT", "1m", time.Now(), 100)
	c.Closed = false

	err := store.Append(c)
	assert.Error(t, err)
	assert.Equal(t, 0, store.Len("BTCUSDT", "1m"))
}

func TestRingEviction(t *testing.T) {
	store := NewStore(3)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		c := closedCandle("ETHUSDT", "1m", base.Add(time.Duration(i)*time.Minute), float64(100+i))
		require.NoError(t, store.Append(c))
	}

	assert.Equal(t, 3, store.Len("ETHUSDT", "1m"))
	latest := store.Latest("ETHUSDT", "1m", 3)
	require.Len(t, latest, 3)
	// Oldest two evicted, order preserved oldest first.
	assert.Equal(t, 102.0, latest[0].Close)
	assert.Equal(t, 103.0, latest[1].Close)
	assert.Equal(t, 104.0, latest[2].Close)
}

func TestLatestReturnsCopies(t *testing.T) {
	store := NewStore(10)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(closedCandle("BTCUSDT", "1m", base, 100)))

	first := store.Latest("BTCUSDT", "1m", 1)
	first[0].Close = 999 // mutating the copy must not affect the store

	second := store.Latest("BTCUSDT", "1m", 1)
	assert.Equal(t, 100.0, second[0].Close)
}

func TestSnapshot(t *testing.T) {
	store := NewStore(10)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(closedCandle("BTCUSDT", "1m", base, 100)))
	require.NoError(t, store.Append(closedCandle("BTCUSDT", "1h", base, 101)))
	store.SetTicker(domain.Ticker{Symbol: "BTCUSDT", LastPrice: 102, UpdatedAt: base})

	snap := store.Snapshot("BTCUSDT", "1m", []string{"1m", "1h"}, 5)

	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.Equal(t, "1m", snap.Interval)
	assert.Len(t, snap.Series("1m"), 1)
	assert.Len(t, snap.Series("1h"), 1)
	assert.Equal(t, 102.0, snap.Ticker.LastPrice)

	last, err := snap.Last("1m")
	require.NoError(t, err)
	assert.Equal(t, 100.0, last.Close)

	_, err = snap.Last("4h")
	assert.Error(t, err)
}

func TestConcurrentReadersSingleWriter(t *testing.T) {
	store := NewStore(100)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = store.Append(closedCandle("BTCUSDT", "1m", base.Add(time.Duration(i)*time.Minute), float64(i)))
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				candles := store.Latest("BTCUSDT", "1m", 50)
				// Every observed slice must be internally ordered.
				for j := 1; j < len(candles); j++ {
					if !candles[j-1].OpenTime.Before(candles[j].OpenTime) {
						panic(fmt.Sprintf("out of order read at %d", j))
					}
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, store.Len("BTCUSDT", "1m"))
}
