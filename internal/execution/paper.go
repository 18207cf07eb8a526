package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pulseTrader/internal/domain"
	"pulseTrader/internal/ports"
)

// PaperBackend simulates order execution against live market data. Market
// orders fill immediately at the last known price adjusted by a fixed
// slippage, always to the taker's disadvantage. Conditional orders fill when
// a subsequent candle's high/low range crosses the trigger price, at the
// trigger price itself: the touch is assumed, a better fill never is.
//
// Open simulated orders live only in memory; after a restart the position
// manager re-issues protective orders from recovered positions, so paper and
// live trading share one recovery path.
type PaperBackend struct {
	logger      ports.Logger
	slippageBps float64

	mu        sync.Mutex
	handler   ports.FillHandler
	lastPrice map[string]float64
	orders    map[string]ports.OrderRequest

	wg sync.WaitGroup
}

// Config holds the paper backend settings.
type Config struct {
	Logger ports.Logger
	// SlippageBps is the simulated market-order slippage in basis points.
	SlippageBps float64
}

// NewPaper creates a paper trading backend.
func NewPaper(cfg Config) (*PaperBackend, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("paper backend: logger is required: %w", ports.ErrConfigurationError)
	}
	if cfg.SlippageBps < 0 {
		return nil, fmt.Errorf("paper backend: slippage cannot be negative: %w", ports.ErrConfigurationError)
	}
	return &PaperBackend{
		logger:      cfg.Logger,
		slippageBps: cfg.SlippageBps,
		lastPrice:   make(map[string]float64),
		orders:      make(map[string]ports.OrderRequest),
	}, nil
}

// SetFillHandler registers the callback invoked for every simulated fill.
func (p *PaperBackend) SetFillHandler(handler ports.FillHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

// PlaceOrder simulates order submission. Market orders fill promptly on a
// separate goroutine so callers never re-enter their own locks; conditional
// orders are parked until a candle crosses their trigger.
func (p *PaperBackend) PlaceOrder(ctx context.Context, req ports.OrderRequest) (string, error) {
	if req.Quantity <= 0 {
		return "", fmt.Errorf("quantity must be positive: %w", ports.ErrOrderPlacementFailed)
	}
	orderID := uuid.NewString()

	p.mu.Lock()
	defer p.mu.Unlock()

	switch req.Type {
	case ports.OrderTypeMarket:
		price, ok := p.lastPrice[req.Symbol]
		if !ok || price <= 0 {
			return "", fmt.Errorf("no market price for %s: %w", req.Symbol, ports.ErrOrderPlacementFailed)
		}
		p.deliverLocked(orderID, req, p.slip(price, req.Side))
	case ports.OrderTypeStopMarket, ports.OrderTypeTakeProfit:
		if req.StopPrice <= 0 {
			return "", fmt.Errorf("conditional order needs a trigger price: %w", ports.ErrOrderPlacementFailed)
		}
		p.orders[orderID] = req
	default:
		return "", fmt.Errorf("unsupported order type %q: %w", req.Type, ports.ErrOrderPlacementFailed)
	}
	return orderID, nil
}

// ModifyOrder replaces the trigger price of an open conditional order.
func (p *PaperBackend) ModifyOrder(ctx context.Context, orderID string, stopPrice float64) error {
	if stopPrice <= 0 {
		return fmt.Errorf("trigger price must be positive: %w", ports.ErrInvalidRequest)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, ports.ErrOrderNotFound)
	}
	req.StopPrice = stopPrice
	p.orders[orderID] = req
	return nil
}

// CancelOrder removes an open conditional order.
func (p *PaperBackend) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[orderID]; !ok {
		return fmt.Errorf("order %s: %w", orderID, ports.ErrOrderNotFound)
	}
	delete(p.orders, orderID)
	return nil
}

// OnPrice records the latest traded price for a symbol. Market orders fill
// against this price.
func (p *PaperBackend) OnPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	p.mu.Lock()
	p.lastPrice[symbol] = price
	p.mu.Unlock()
}

// OnCandle advances the simulation by one candle: updates the last price and
// fills every conditional order whose trigger lies inside the candle's range.
func (p *PaperBackend) OnCandle(c domain.Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.Close > 0 {
		p.lastPrice[c.Symbol] = c.Close
	}
	for id, req := range p.orders {
		if req.Symbol != c.Symbol {
			continue
		}
		if !triggered(req, c) {
			continue
		}
		delete(p.orders, id)
		p.deliverLocked(id, req, req.StopPrice)
	}
}

// OpenOrders returns the number of parked conditional orders.
func (p *PaperBackend) OpenOrders() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.orders)
}

// Close waits for in-flight fill deliveries to finish.
func (p *PaperBackend) Close() {
	p.wg.Wait()
}

// slip worsens a market fill by the configured slippage: buys fill higher,
// sells fill lower.
func (p *PaperBackend) slip(price float64, side domain.Side) float64 {
	adj := price * p.slippageBps / 10000
	if side == domain.Long {
		return price + adj
	}
	return price - adj
}

// deliverLocked hands a fill to the handler on its own goroutine. Called with
// p.mu held.
func (p *PaperBackend) deliverLocked(orderID string, req ports.OrderRequest, price float64) {
	handler := p.handler
	fill := ports.Fill{
		OrderID:    orderID,
		PositionID: req.PositionID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Price:      price,
		Quantity:   req.Quantity,
		FilledAt:   time.Now(),
	}
	if handler == nil {
		p.logger.Warn(context.Background(), "Dropping fill, no handler registered", map[string]interface{}{
			"orderID": orderID, "symbol": req.Symbol,
		})
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		handler(fill)
	}()
}

// triggered reports whether a candle's range crosses a conditional order's
// trigger price. A sell stop or buy take-profit sits below the market and
// triggers on the low; a buy stop or sell take-profit sits above and
// triggers on the high.
func triggered(req ports.OrderRequest, c domain.Candle) bool {
	below := (req.Type == ports.OrderTypeStopMarket) == (req.Side == domain.Short)
	if below {
		return c.Low <= req.StopPrice
	}
	return c.High >= req.StopPrice
}
