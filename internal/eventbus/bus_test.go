package eventbus

import (
	"sync"
	"testing"
	"time"

	"pulseTrader/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candleEvent(symbol, interval string, close float64) CandleClosed {
	return CandleClosed{Candle: domain.Candle{
		Symbol:   symbol,
		Interval: interval,
		Close:    close,
		Closed:   true,
	}}
}

func TestPublishSubscribe(t *testing.T) {
	bus := New(16, nil)
	defer bus.Close()

	received := make(chan Event, 1)
	bus.Subscribe(EventCandleClosed, func(ev Event) {
		received <- ev
	})

	bus.Publish(candleEvent("BTCUSDT", "1m", 50000))

	select {
	case ev := <-received:
		cc, ok := ev.(CandleClosed)
		require.True(t, ok)
		assert.Equal(t, "BTCUSDT", cc.Candle.Symbol)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishWithoutSubscriberIsDropped(t *testing.T) {
	bus := New(16, nil)
	defer bus.Close()

	// Must not block or panic.
	bus.Publish(candleEvent("BTCUSDT", "1m", 50000))
	assert.Equal(t, 0, bus.SubscriberCount(EventCandleClosed))
}

func TestOrderedDeliveryPerSubscriber(t *testing.T) {
	bus := New(128, nil)
	defer bus.Close()

	var mu sync.Mutex
	var got []float64
	done := make(chan struct{})
	bus.Subscribe(EventCandleClosed, func(ev Event) {
		mu.Lock()
		got = append(got, ev.(CandleClosed).Candle.Close)
		n := len(got)
		mu.Unlock()
		if n == 50 {
			close(done)
		}
	})

	for i := 0; i < 50; i++ {
		bus.Publish(candleEvent("BTCUSDT", "1m", float64(i)))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		assert.Equal(t, float64(i), v, "delivery order broken at %d", i)
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	bus := New(2, nil)
	defer bus.Close()

	// Handler blocks until released so the queue fills up.
	release := make(chan struct{})
	var mu sync.Mutex
	var got []float64
	sub := bus.Subscribe(EventCandleClosed, func(ev Event) {
		<-release
		mu.Lock()
		got = append(got, ev.(CandleClosed).Candle.Close)
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		bus.Publish(candleEvent("BTCUSDT", "1m", float64(i)))
	}

	assert.Greater(t, sub.Drops(), int64(0), "overflow must be counted")
	close(release)

	// Drain whatever survived; the newest events are favored over the oldest.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(16, nil)
	defer bus.Close()

	var count int
	var mu sync.Mutex
	sub := bus.Subscribe(EventSignalCreated, func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	sub.Unsubscribe()
	bus.Publish(SignalCreated{Signal: domain.Signal{Symbol: "BTCUSDT"}})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
	assert.Equal(t, 0, bus.SubscriberCount(EventSignalCreated))
}
