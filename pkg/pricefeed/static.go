package pricefeed

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// StaticFeed serves fixed prices, for local development against a test node
type StaticFeed struct {
	prices map[string]decimal.Decimal
	stable map[string]bool
}

func NewStaticFeed(config Config) (*StaticFeed, error) {
	prices, err := parseStatic(config.Static)
	if err != nil {
		return nil, err
	}
	quote := config.Quote
	if quote == "" {
		quote = DefaultConfig().Quote
	}
	return &StaticFeed{prices: prices, stable: stableSet(config.StableAssets, quote)}, nil
}

func (s *StaticFeed) FetchPrice(_ context.Context, ticker string) (decimal.Decimal, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if s.stable[ticker] {
		return decimal.NewFromInt(1), nil
	}
	price, ok := s.prices[ticker]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no static price for %s", ErrPriceNotFound, ticker)
	}
	return price, nil
}

func parseStatic(raw map[string]string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(raw))
	for ticker, value := range raw {
		price, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("invalid static price for %s: %w", ticker, err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("static price for %s must be positive, got %s", ticker, price)
		}
		prices[strings.ToUpper(ticker)] = price
	}
	return prices, nil
}
