package settlement

import (
	"go.uber.org/fx"

	"github.com/backtesting-org/channel-settlement/pkg/clearnode"
	"github.com/backtesting-org/channel-settlement/pkg/logging"
	"github.com/backtesting-org/channel-settlement/pkg/temporal"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/performance"
)

type engineParams struct {
	fx.In

	Config  Config
	Client  *clearnode.Client
	Prices  PriceFeed
	Events  EventSink
	Metrics performance.Metrics
	Clock   temporal.TimeProvider
	Logger  logging.ApplicationLogger
	Trading logging.TradingLogger
}

func provideEngine(p engineParams) *Engine {
	return NewEngine(p.Config, p.Client, p.Prices, p.Events, p.Metrics, p.Clock, p.Logger, p.Trading)
}

func provideBook(cfg Config, clock temporal.TimeProvider, logger logging.ApplicationLogger) *PositionBook {
	return NewPositionBook(cfg.PositionRetention, clock, logger)
}

func provideTrader(cfg Config, client *clearnode.Client, book *PositionBook, clock temporal.TimeProvider, logger logging.ApplicationLogger, trading logging.TradingLogger) *Trader {
	return NewTrader(client, book, cfg.Broker, cfg.StableAsset, clock, logger, trading)
}

func attach(client *clearnode.Client, engine *Engine, trader *Trader) {
	engine.Attach(client)
	trader.Attach(client)
}

// Module wires the settlement engine and the trader to the protocol client
var Module = fx.Module("settlement",
	fx.Provide(
		provideEngine,
		provideBook,
		provideTrader,
	),
	fx.Invoke(attach),
)
