package temporal

import "time"

// TimeProvider abstracts the wall clock so settlement timing can be driven in tests
type TimeProvider interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
	NewTicker(d time.Duration) Ticker
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}
