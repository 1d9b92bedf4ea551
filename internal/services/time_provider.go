package services

import (
	"time"

	"github.com/backtesting-org/channel-settlement/pkg/temporal"
)

// LiveTimeProvider provides real wall-clock time
type LiveTimeProvider struct{}

// NewLiveTimeProvider creates a new live time provider
func NewLiveTimeProvider() temporal.TimeProvider {
	return &LiveTimeProvider{}
}

func (ltp *LiveTimeProvider) Now() time.Time {
	return time.Now()
}

func (ltp *LiveTimeProvider) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (ltp *LiveTimeProvider) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (ltp *LiveTimeProvider) NewTicker(d time.Duration) temporal.Ticker {
	return &liveTicker{ticker: time.NewTicker(d)}
}

// liveTicker wraps the standard library ticker
type liveTicker struct {
	ticker *time.Ticker
}

func (lt *liveTicker) C() <-chan time.Time {
	return lt.ticker.C
}

func (lt *liveTicker) Stop() {
	lt.ticker.Stop()
}
