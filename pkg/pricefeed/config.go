package pricefeed

import "time"

type Config struct {
	Provider string
	BaseURL  string
	Category string
	// Quote is appended to a ticker to form the exchange symbol
	Quote string
	// StableAssets are priced at exactly 1 without a lookup
	StableAssets      []string
	RequestsPerSecond int
	CacheTTL          time.Duration
	// BreakerFailures consecutive lookup failures stop requests for BreakerCooldown
	BreakerFailures int
	BreakerCooldown time.Duration
	// Static prices, used by the static provider and as overrides
	Static map[string]string
}

func DefaultConfig() Config {
	return Config{
		Provider:          "bybit",
		BaseURL:           "https://api.bybit.com",
		Category:          "spot",
		Quote:             "USDT",
		StableAssets:      []string{"USDT", "USDC"},
		RequestsPerSecond: 10,
		CacheTTL:          2 * time.Second,
		BreakerFailures:   5,
		BreakerCooldown:   30 * time.Second,
	}
}
