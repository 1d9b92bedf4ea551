package infrastructure

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/backtesting-org/channel-settlement/pkg/websocket/performance"
)

// NewMetrics registers collectors on the default registry served at /metrics
func NewMetrics() performance.Metrics {
	return performance.NewMetrics(prometheus.DefaultRegisterer)
}
