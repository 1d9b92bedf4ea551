package infrastructure

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/backtesting-org/channel-settlement/internal/config"
	"github.com/backtesting-org/channel-settlement/internal/services"
	"github.com/backtesting-org/channel-settlement/pkg/clearnode"
	"github.com/backtesting-org/channel-settlement/pkg/custody"
	"github.com/backtesting-org/channel-settlement/pkg/settlement"
)

type lifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Server    *http.Server
	Client    *clearnode.Client
	Book      *settlement.PositionBook
	Custody   *custody.Client
	EventBus  *services.EventBus
	NATS      *services.NATSPublisher `optional:"true"`
	Logger    *zap.Logger
}

// RegisterLifecycle sets up application startup and shutdown hooks
func RegisterLifecycle(p lifecycleParams) {
	logger := p.Logger
	background, cancel := context.WithCancel(context.Background())

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if p.NATS != nil {
				p.NATS.Start(background)
			}

			go p.Book.Run(background, p.Config.Settlement.SweepInterval)

			if err := p.Client.Connect(ctx); err != nil {
				cancel()
				return err
			}
			logger.Info("Connected to clearnode",
				zap.String("url", p.Config.Clearnode.URL),
				zap.String("wallet", p.Client.Address()),
				zap.String("session_key", p.Client.SessionKeyAddress()))

			if !p.Config.Server.Enabled {
				return nil
			}
			go func() {
				logger.Info("Server started", zap.String("address", p.Server.Addr))

				if err := p.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("HTTP server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down...")

			if p.Config.Server.Enabled {
				shutdownCtx, stop := context.WithTimeout(ctx, p.Config.Server.ShutdownTimeout())
				defer stop()

				if err := p.Server.Shutdown(shutdownCtx); err != nil {
					logger.Error("Server forced to shutdown", zap.Error(err))
				}
			}

			if err := p.Client.Close(); err != nil {
				logger.Warn("Failed to close clearnode connection", zap.Error(err))
			}

			cancel()
			p.EventBus.Close()
			if p.NATS != nil {
				p.NATS.Shutdown()
			}
			p.Custody.Shutdown()

			_ = logger.Sync()
			logger.Info("Stopped")
			return nil
		},
	})
}
