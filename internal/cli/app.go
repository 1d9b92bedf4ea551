package cli

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/backtesting-org/channel-settlement/internal/api"
	"github.com/backtesting-org/channel-settlement/internal/config"
	"github.com/backtesting-org/channel-settlement/internal/infrastructure"
	"github.com/backtesting-org/channel-settlement/internal/services"
	"github.com/backtesting-org/channel-settlement/pkg/clearnode"
	"github.com/backtesting-org/channel-settlement/pkg/custody"
	"github.com/backtesting-org/channel-settlement/pkg/pricefeed"
	"github.com/backtesting-org/channel-settlement/pkg/settlement"
)

func zapEventLogger(logger *zap.Logger) fxevent.Logger {
	return &fxevent.ZapLogger{Logger: logger.Named("fx")}
}

// ServeOptions is the full long-running process
func ServeOptions(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		config.Module,
		infrastructure.Module,
		services.Module,
		clearnode.Module,
		custody.Module,
		pricefeed.Module,
		settlement.Module,
		api.Module,
	)
}

// clientOptions builds only what a one-shot protocol command needs. No
// lifecycle hooks are registered, so the caller connects and closes.
func clientOptions(cfg *config.Config, targets ...interface{}) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.NopLogger,
		config.Module,
		fx.Provide(
			infrastructure.NewLogger,
			infrastructure.NewMetrics,
		),
		services.Module,
		clearnode.Module,
		fx.Populate(targets...),
	)
}
