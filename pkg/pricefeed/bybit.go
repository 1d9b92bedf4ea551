package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"

	"github.com/backtesting-org/channel-settlement/pkg/logging"
	"github.com/backtesting-org/channel-settlement/pkg/temporal"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/performance"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/security"
)

var ErrPriceNotFound = errors.New("price not found")

type cachedPrice struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// BybitFeed prices tickers against the exchange's USDT books
type BybitFeed struct {
	client   *bybit.Client
	config   Config
	limiter  security.RateLimiter
	breaker  performance.CircuitBreaker
	clock    temporal.TimeProvider
	logger   logging.ApplicationLogger
	stable   map[string]bool
	override map[string]decimal.Decimal

	mu    sync.RWMutex
	cache map[string]cachedPrice
}

func NewBybitFeed(config Config, clock temporal.TimeProvider, logger logging.ApplicationLogger) (*BybitFeed, error) {
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Category == "" {
		config.Category = defaults.Category
	}
	if config.Quote == "" {
		config.Quote = defaults.Quote
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if config.BreakerFailures <= 0 {
		config.BreakerFailures = defaults.BreakerFailures
	}
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = defaults.BreakerCooldown
	}

	override, err := parseStatic(config.Static)
	if err != nil {
		return nil, err
	}

	return &BybitFeed{
		client:   bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(config.BaseURL)),
		config:   config,
		limiter:  security.NewRateLimiter(config.RequestsPerSecond, time.Second),
		breaker:  performance.NewCircuitBreaker(config.BreakerFailures, config.BreakerCooldown, clock),
		clock:    clock,
		logger:   logger,
		stable:   stableSet(config.StableAssets, config.Quote),
		override: override,
		cache:    make(map[string]cachedPrice),
	}, nil
}

func (f *BybitFeed) FetchPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return decimal.Zero, fmt.Errorf("empty ticker")
	}
	if f.stable[ticker] {
		return decimal.NewFromInt(1), nil
	}
	if price, ok := f.override[ticker]; ok {
		return price, nil
	}
	if price, ok := f.cached(ticker); ok {
		return price, nil
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	symbol := ticker + f.config.Quote
	params := map[string]interface{}{
		"category": f.config.Category,
		"symbol":   symbol,
	}

	// Only transport failures and exchange error codes count against the breaker
	var payload interface{}
	err := f.breaker.Execute(func() error {
		result, err := f.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch price for %s: %w", symbol, err)
		}
		if result == nil {
			return nil
		}
		if result.RetCode != 0 {
			return fmt.Errorf("price lookup for %s rejected: %s (code %d)", symbol, result.RetMsg, result.RetCode)
		}
		payload = result.Result
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	price, err := lastPrice(payload)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", symbol, err)
	}

	f.mu.Lock()
	f.cache[ticker] = cachedPrice{price: price, fetchedAt: f.clock.Now()}
	f.mu.Unlock()

	f.logger.Debug("Fetched %s price %s", symbol, price)
	return price, nil
}

func (f *BybitFeed) cached(ticker string) (decimal.Decimal, bool) {
	if f.config.CacheTTL <= 0 {
		return decimal.Zero, false
	}
	f.mu.RLock()
	entry, ok := f.cache[ticker]
	f.mu.RUnlock()
	if !ok || f.clock.Since(entry.fetchedAt) >= f.config.CacheTTL {
		return decimal.Zero, false
	}
	return entry.price, true
}

func lastPrice(result interface{}) (decimal.Decimal, error) {
	resultData, ok := result.(map[string]interface{})
	if !ok {
		return decimal.Zero, ErrPriceNotFound
	}
	listData, ok := resultData["list"].([]interface{})
	if !ok || len(listData) == 0 {
		return decimal.Zero, ErrPriceNotFound
	}
	tickerData, ok := listData[0].(map[string]interface{})
	if !ok {
		return decimal.Zero, ErrPriceNotFound
	}
	raw, ok := tickerData["lastPrice"].(string)
	if !ok {
		return decimal.Zero, ErrPriceNotFound
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid last price %q: %w", raw, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive last price %s", ErrPriceNotFound, price)
	}
	return price, nil
}

func stableSet(assets []string, quote string) map[string]bool {
	set := map[string]bool{strings.ToUpper(quote): true}
	for _, asset := range assets {
		set[strings.ToUpper(asset)] = true
	}
	return set
}
