package marketdata

import (
	"fmt"
	"sync"

	"pulseTrader/internal/domain"
	"pulseTrader/internal/ports"
)

// DefaultCapacity is the number of candles kept per (symbol, interval) when
// no capacity is configured.
const DefaultCapacity = 500

// ring is a fixed-capacity circular buffer of closed candles for one
// (symbol, interval) key, oldest first.
type ring struct {
	mu    sync.RWMutex
	buf   []domain.Candle
	start int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]domain.Candle, capacity)}
}

// append inserts a closed candle, evicting the oldest entry once full.
// Entries are kept oldest first with strictly increasing open times, so only
// candles newer than the newest entry are accepted: a repeated openTime is
// the idempotent-close case, and a late candle from before the newest entry
// would land out of order at the tail. Returns true if the candle was
// actually inserted.
func (r *ring) append(c domain.Candle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count > 0 {
		newest := r.buf[(r.start+r.count-1)%len(r.buf)]
		if !c.OpenTime.After(newest.OpenTime) {
			return false
		}
	}

	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = c
		r.count++
	} else {
		r.buf[r.start] = c
		r.start = (r.start + 1) % len(r.buf)
	}
	return true
}

// latest returns a copy of the newest n candles, oldest first.
func (r *ring) latest(n int) []domain.Candle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	out := make([]domain.Candle, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+r.count-n+i)%len(r.buf)]
	}
	return out
}

// Store is the in-memory single source of truth for closed candles, one
// bounded ring per (symbol, interval). Many readers, one writer per key;
// readers always receive copies, never live references.
type Store struct {
	mu       sync.RWMutex
	rings    map[string]*ring // key: symbol + "@" + interval
	tickers  map[string]domain.Ticker
	capacity int
}

// NewStore creates a store with the given per-key capacity (DefaultCapacity
// if zero or negative).
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		rings:    make(map[string]*ring),
		tickers:  make(map[string]domain.Ticker),
		capacity: capacity,
	}
}

func key(symbol, interval string) string {
	return symbol + "@" + interval
}

// Append stores a closed candle. Appending the same (symbol, interval,
// openTime) twice changes store state exactly once and returns no error.
func (s *Store) Append(c domain.Candle) error {
	if !c.Closed {
		return fmt.Errorf("%w: refusing to store a partial candle for %s@%s", ports.ErrInvalidRequest, c.Symbol, c.Interval)
	}
	if c.Symbol == "" || c.Interval == "" {
		return fmt.Errorf("%w: candle symbol and interval are required", ports.ErrInvalidRequest)
	}
	s.ringFor(c.Symbol, c.Interval).append(c)
	return nil
}

func (s *Store) ringFor(symbol, interval string) *ring {
	k := key(symbol, interval)
	s.mu.RLock()
	r, ok := s.rings[k]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.rings[k]; ok {
		return r
	}
	r = newRing(s.capacity)
	s.rings[k] = r
	return r
}

// Latest returns a copy of the newest n closed candles, oldest first.
// Returns an empty slice for an unknown key.
func (s *Store) Latest(symbol, interval string, n int) []domain.Candle {
	s.mu.RLock()
	r, ok := s.rings[key(symbol, interval)]
	s.mu.RUnlock()
	if !ok || n <= 0 {
		return nil
	}
	return r.latest(n)
}

// Len returns the number of candles stored for a key.
func (s *Store) Len(symbol, interval string) int {
	s.mu.RLock()
	r, ok := s.rings[key(symbol, interval)]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// SetTicker records the latest ticker for a symbol.
func (s *Store) SetTicker(t domain.Ticker) {
	s.mu.Lock()
	s.tickers[t.Symbol] = t
	s.mu.Unlock()
}

// LatestTicker returns the latest ticker for a symbol, if any.
func (s *Store) LatestTicker(symbol string) (domain.Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickers[symbol]
	return t, ok
}

// Snapshot builds an immutable point-in-time view of the last n candles for
// one symbol across the given intervals, plus the latest ticker. The result
// is composed entirely of copies and is safe to hand to untrusted code.
func (s *Store) Snapshot(symbol, triggerInterval string, intervals []string, n int) *domain.MarketSnapshot {
	snap := &domain.MarketSnapshot{
		Symbol:   symbol,
		Interval: triggerInterval,
		Candles:  make(map[string][]domain.Candle, len(intervals)),
	}
	for _, interval := range intervals {
		snap.Candles[interval] = s.Latest(symbol, interval, n)
	}
	if t, ok := s.LatestTicker(symbol); ok {
		snap.Ticker = t
	}
	return snap
}
