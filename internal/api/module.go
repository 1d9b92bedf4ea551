package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/backtesting-org/channel-settlement/internal/api/handlers"
	"github.com/backtesting-org/channel-settlement/internal/api/websocket"
	"github.com/backtesting-org/channel-settlement/internal/config"
	"github.com/backtesting-org/channel-settlement/internal/services"
	"github.com/backtesting-org/channel-settlement/pkg/clearnode"
	"github.com/backtesting-org/channel-settlement/pkg/custody"
	"github.com/backtesting-org/channel-settlement/pkg/logging"
	"github.com/backtesting-org/channel-settlement/pkg/settlement"
	"github.com/backtesting-org/channel-settlement/pkg/temporal"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/security"
)

type routeParams struct {
	fx.In

	Config  *config.Config
	Client  *clearnode.Client
	Cache   *clearnode.ChannelCache
	Custody *custody.Client
	Trader  *settlement.Trader
	Bus     *services.EventBus
	Logger  logging.ApplicationLogger
}

func provideRoutes(p routeParams) Routes {
	return Routes{
		Channels: handlers.NewChannelsHandler(p.Cache, p.Client.Address(), p.Logger),
		Custody:  handlers.NewCustodyHandler(p.Custody, p.Logger),
		Account:  handlers.NewAccountHandler(p.Client, p.Logger),
		Trading:  handlers.NewTradingHandler(p.Trader, p.Logger),
		Events:   websocket.NewHandler(p.Bus, p.Config.Server.CORSAllowOrigin, p.Logger),
	}
}

func provideRouter(cfg *config.Config, routes Routes, logger *zap.Logger, clock temporal.TimeProvider) *gin.Engine {
	limiter := security.NewRateLimiter(cfg.Server.RateLimit, time.Second)
	return SetupRouter(routes, limiter, logger.Named("http"), cfg.Server.CORSAllowOrigin, clock)
}

func startEventStream(routes Routes) {
	routes.Events.Start()
}

// Module provides HTTP API components (handlers, routes, server)
var Module = fx.Module("api",
	fx.Provide(
		provideRoutes,
		provideRouter,
		NewHTTPServer,
	),
	fx.Invoke(startEventStream),
)
