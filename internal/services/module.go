package services

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/backtesting-org/channel-settlement/internal/config"
	"github.com/backtesting-org/channel-settlement/pkg/logging"
	"github.com/backtesting-org/channel-settlement/pkg/settlement"
)

func provideApplicationLogger(logger *zap.Logger) logging.ApplicationLogger {
	return NewApplicationLogger(logger)
}

func provideTradingLogger(logger *zap.Logger) logging.TradingLogger {
	return NewTradingLogger(logger)
}

func provideEventSink(bus *EventBus) settlement.EventSink {
	return bus
}

// provideNATSPublisher returns nil when no NATS url is configured
func provideNATSPublisher(cfg *config.Config, bus *EventBus, logger logging.ApplicationLogger) (*NATSPublisher, error) {
	conn, err := ConnectNATS(cfg.Events.NATSURL, logger)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, nil
	}
	return NewNATSPublisher(conn, cfg.Events.SubjectPrefix, bus, cfg.Events.BufferSize, logger), nil
}

// Module provides application services
var Module = fx.Module("services",
	fx.Provide(
		provideApplicationLogger,
		provideTradingLogger,
		NewLiveTimeProvider,
		NewEventBus,
		provideEventSink,
		provideNATSPublisher,
	),
)
