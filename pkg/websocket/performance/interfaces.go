package performance

import "time"

// Metrics defines metrics collection operations
type Metrics interface {
	IncrementReceived()
	IncrementSent()
	IncrementDropped()
	IncrementQueued()
	IncrementConnectionError()
	IncrementReconnection()
	SetPendingCalls(kind string, count int)
	ObserveCallLatency(method string, latency time.Duration)
	IncrementCallFailure(method, reason string)
	IncrementSettlement(branch, outcome string)
	GetStats() map[string]interface{}
}
