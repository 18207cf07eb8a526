package binancefeed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"pulseTrader/internal/domain"
	"pulseTrader/internal/ports"
)

const (
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Feed implements ports.MarketFeed using the go-binance futures API. Candle
// and ticker streams reconnect internally with exponential backoff.
type Feed struct {
	futuresClient        *futures.Client
	logger               ports.Logger
	reconnectDelay       time.Duration
	maxReconnectAttempts int
}

// Config holds configuration specific to the Binance feed adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Logger               ports.Logger
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// New creates a new Binance feed adapter. Keys may be empty: the market data
// endpoints used here are all public.
func New(cfg Config) (*Feed, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance feed")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance feed configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance feed configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	return &Feed{
		futuresClient:        client,
		logger:               cfg.Logger,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
	}, nil
}

// handleError translates Binance API errors into standardized ports errors.
func (f *Feed) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp outside of recvWindow
			mappedErr = ports.ErrTimeout
		case -1100, -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130:
			mappedErr = ports.ErrInvalidRequest
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		f.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	f.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// serveFn opens one underlying WebSocket connection and returns its lifecycle
// channels. streamWithReconnect re-invokes it after disconnects.
type serveFn func() (doneCh, stopCh chan struct{}, err error)

// streamWithReconnect runs serve in a loop, reconnecting with exponential
// backoff and jitter until the context is cancelled, the external stop channel
// is closed, or the attempt budget is exhausted.
func (f *Feed) streamWithReconnect(ctx context.Context, op string, fields map[string]interface{}, serve serveFn) (doneCh, stopCh chan struct{}) {
	wsCtx, cancelWs := context.WithCancel(ctx)
	doneCh = make(chan struct{})
	stopCh = make(chan struct{})

	go func() {
		select {
		case <-stopCh:
			cancelWs()
		case <-wsCtx.Done():
		}
	}()

	go func() {
		defer cancelWs()
		defer close(doneCh)

		attempt := 0
		for {
			select {
			case <-wsCtx.Done():
				return
			default:
			}

			innerDoneCh, innerStopCh, connectErr := serve()
			if connectErr != nil {
				f.handleError(wsCtx, connectErr, op+" connection attempt")
				attempt++
				if attempt >= f.maxReconnectAttempts {
					f.logger.Error(wsCtx, connectErr, op+": max reconnection attempts exceeded, giving up", fields)
					return
				}

				delay := f.reconnectDelay * time.Duration(1<<uint(attempt-1))
				jitter := time.Duration(float64(delay) * 0.1)
				select {
				case <-time.After(delay + jitter):
					continue
				case <-wsCtx.Done():
					return
				}
			}

			f.logger.Info(wsCtx, op+": WebSocket connection established", fields)
			attempt = 0

			select {
			case <-innerDoneCh:
				f.logger.Warn(wsCtx, op+": WebSocket connection closed unexpectedly, reconnecting", fields)
			case <-wsCtx.Done():
				select {
				case innerStopCh <- struct{}{}:
				default:
				}
				return
			}
		}
	}()

	return doneCh, stopCh
}

// StreamCandles starts a kline stream for a symbol/interval. The handler is
// invoked for every update, partial or closed.
func (f *Feed) StreamCandles(ctx context.Context, symbol, interval string, handler func(candle *domain.Candle), errHandler func(err error)) (doneCh, stopCh chan struct{}, err error) {
	op := "StreamCandles"
	fields := map[string]interface{}{"symbol": symbol, "interval": interval}

	binanceHandler := func(event *futures.WsKlineEvent) {
		candle, err := translateWsKline(event)
		if err != nil {
			f.logger.Error(ctx, err, op+": failed to translate WebSocket kline event", fields)
			return
		}
		handler(candle)
	}
	binanceErrHandler := func(err error) {
		errHandler(f.handleError(ctx, err, op+" WebSocket"))
	}

	doneCh, stopCh = f.streamWithReconnect(ctx, op, fields, func() (chan struct{}, chan struct{}, error) {
		return futures.WsKlineServe(symbol, interval, binanceHandler, binanceErrHandler)
	})
	return doneCh, stopCh, nil
}

// StreamTickers starts a 24h market statistics stream for a symbol and
// forwards the last price as a ticker update.
func (f *Feed) StreamTickers(ctx context.Context, symbol string, handler func(ticker *domain.Ticker), errHandler func(err error)) (doneCh, stopCh chan struct{}, err error) {
	op := "StreamTickers"
	fields := map[string]interface{}{"symbol": symbol}

	binanceHandler := func(event *futures.WsMarketTickerEvent) {
		ticker, err := translateWsMarketStat(event)
		if err != nil {
			f.logger.Error(ctx, err, op+": failed to translate WebSocket ticker event", fields)
			return
		}
		handler(ticker)
	}
	binanceErrHandler := func(err error) {
		errHandler(f.handleError(ctx, err, op+" WebSocket"))
	}

	doneCh, stopCh = f.streamWithReconnect(ctx, op, fields, func() (chan struct{}, chan struct{}, error) {
		return futures.WsMarketTickerServe(symbol, binanceHandler, binanceErrHandler)
	})
	return doneCh, stopCh, nil
}

// GetCandles retrieves historical closed candles, oldest first.
func (f *Feed) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	op := "GetCandles"
	binanceKlines, err := f.futuresClient.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, f.handleError(ctx, err, op)
	}

	candles := make([]domain.Candle, 0, len(binanceKlines))
	for _, bk := range binanceKlines {
		candle, err := translateKline(bk, symbol, interval)
		if err != nil {
			return nil, f.handleError(ctx, fmt.Errorf("failed to translate historical kline: %w", err), op)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// --- Translation Helpers ---

func translateWsKline(event *futures.WsKlineEvent) (*domain.Candle, error) {
	if event == nil {
		return nil, errors.New("received nil kline event")
	}
	k := event.Kline
	open, high, low, cls, vol, err := parsePrices(k.Open, k.High, k.Low, k.Close, k.Volume)
	if err != nil {
		return nil, err
	}
	return &domain.Candle{
		Symbol:    k.Symbol,
		Interval:  k.Interval,
		OpenTime:  time.UnixMilli(k.StartTime),
		CloseTime: time.UnixMilli(k.EndTime),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
		Closed:    k.IsFinal,
	}, nil
}

func translateKline(bk *futures.Kline, symbol, interval string) (domain.Candle, error) {
	if bk == nil {
		return domain.Candle{}, errors.New("received nil historical kline")
	}
	open, high, low, cls, vol, err := parsePrices(bk.Open, bk.High, bk.Low, bk.Close, bk.Volume)
	if err != nil {
		return domain.Candle{}, err
	}
	return domain.Candle{
		Symbol:    symbol,
		Interval:  interval,
		OpenTime:  time.UnixMilli(bk.OpenTime),
		CloseTime: time.UnixMilli(bk.CloseTime),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
		Closed:    true, // Historical klines are always final
	}, nil
}

func translateWsMarketStat(event *futures.WsMarketTickerEvent) (*domain.Ticker, error) {
	if event == nil {
		return nil, errors.New("received nil market stat event")
	}
	lastPrice, err := strconv.ParseFloat(event.ClosePrice, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing last price '%s': %w", event.ClosePrice, err)
	}
	return &domain.Ticker{
		Symbol:    event.Symbol,
		LastPrice: lastPrice,
		UpdatedAt: time.UnixMilli(event.Time),
	}, nil
}

func parsePrices(open, high, low, cls, vol string) (float64, float64, float64, float64, float64, error) {
	o, err := strconv.ParseFloat(open, 64)
	if err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("parsing open price '%s': %w", open, err)
	}
	h, err := strconv.ParseFloat(high, 64)
	if err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("parsing high price '%s': %w", high, err)
	}
	l, err := strconv.ParseFloat(low, 64)
	if err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("parsing low price '%s': %w", low, err)
	}
	c, err := strconv.ParseFloat(cls, 64)
	if err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("parsing close price '%s': %w", cls, err)
	}
	v, err := strconv.ParseFloat(vol, 64)
	if err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("parsing volume '%s': %w", vol, err)
	}
	return o, h, l, c, v, nil
}
