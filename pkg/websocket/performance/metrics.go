package performance

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "channel_settlement"

type metrics struct {
	framesReceived   prometheus.Counter
	framesSent       prometheus.Counter
	framesDropped    prometheus.Counter
	framesQueued     prometheus.Counter
	connectionErrors prometheus.Counter
	reconnections    prometheus.Counter
	pendingCalls     *prometheus.GaugeVec
	callLatency      *prometheus.HistogramVec
	callFailures     *prometheus.CounterVec
	settlements      *prometheus.CounterVec

	received         atomic.Int64
	sent             atomic.Int64
	dropped          atomic.Int64
	queued           atomic.Int64
	connErrors       atomic.Int64
	reconnectCount   atomic.Int64
	lastMessageNanos atomic.Int64

	pendingMutex sync.RWMutex
	pending      map[string]int
}

// NewMetrics registers the connection and settlement collectors on reg.
// Passing a fresh prometheus.NewRegistry() keeps tests isolated.
func NewMetrics(reg prometheus.Registerer) Metrics {
	factory := promauto.With(reg)

	return &metrics{
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames read from the clearnode connection.",
		}),
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Outbound frames written to the clearnode connection.",
		}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped as malformed or unroutable.",
		}),
		framesQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_queued_total",
			Help:      "Outbound frames queued while the connection was not open.",
		}),
		connectionErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Connection drops and failed dials.",
		}),
		reconnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnections_total",
			Help:      "Successful reconnections after a drop.",
		}),
		pendingCalls: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_calls",
			Help:      "Calls awaiting a correlated response, per operation kind.",
		}, []string{"kind"}),
		callLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_latency_seconds",
			Help:      "Round trip latency of correlated RPC calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"method"}),
		callFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_failures_total",
			Help:      "Failed RPC calls by method and reason.",
		}, []string{"method", "reason"}),
		settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement engine decisions by branch and outcome.",
		}, []string{"branch", "outcome"}),
		pending: make(map[string]int),
	}
}

func (m *metrics) IncrementReceived() {
	m.framesReceived.Inc()
	m.received.Add(1)
	m.lastMessageNanos.Store(time.Now().UnixNano())
}

func (m *metrics) IncrementSent() {
	m.framesSent.Inc()
	m.sent.Add(1)
}

func (m *metrics) IncrementDropped() {
	m.framesDropped.Inc()
	m.dropped.Add(1)
}

func (m *metrics) IncrementQueued() {
	m.framesQueued.Inc()
	m.queued.Add(1)
}

func (m *metrics) IncrementConnectionError() {
	m.connectionErrors.Inc()
	m.connErrors.Add(1)
}

func (m *metrics) IncrementReconnection() {
	m.reconnections.Inc()
	m.reconnectCount.Add(1)
}

func (m *metrics) SetPendingCalls(kind string, count int) {
	m.pendingCalls.WithLabelValues(kind).Set(float64(count))

	m.pendingMutex.Lock()
	m.pending[kind] = count
	m.pendingMutex.Unlock()
}

func (m *metrics) ObserveCallLatency(method string, latency time.Duration) {
	m.callLatency.WithLabelValues(method).Observe(latency.Seconds())
}

func (m *metrics) IncrementCallFailure(method, reason string) {
	m.callFailures.WithLabelValues(method, reason).Inc()
}

func (m *metrics) IncrementSettlement(branch, outcome string) {
	m.settlements.WithLabelValues(branch, outcome).Inc()
}

func (m *metrics) GetStats() map[string]interface{} {
	m.pendingMutex.RLock()
	pending := make(map[string]int, len(m.pending))
	for k, v := range m.pending {
		pending[k] = v
	}
	m.pendingMutex.RUnlock()

	var lastMessage time.Time
	if nanos := m.lastMessageNanos.Load(); nanos > 0 {
		lastMessage = time.Unix(0, nanos)
	}

	return map[string]interface{}{
		"frames_received":    m.received.Load(),
		"frames_sent":        m.sent.Load(),
		"frames_dropped":     m.dropped.Load(),
		"frames_queued":      m.queued.Load(),
		"connection_errors":  m.connErrors.Load(),
		"reconnection_count": m.reconnectCount.Load(),
		"last_message_time":  lastMessage,
		"pending_calls":      pending,
	}
}
