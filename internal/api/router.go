package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/backtesting-org/channel-settlement/internal/api/handlers"
	"github.com/backtesting-org/channel-settlement/internal/api/websocket"
	"github.com/backtesting-org/channel-settlement/pkg/temporal"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/security"
)

// Routes groups the handlers mounted by SetupRouter
type Routes struct {
	Channels *handlers.ChannelsHandler
	Custody  *handlers.CustodyHandler
	Account  *handlers.AccountHandler
	Trading  *handlers.TradingHandler
	Events   *websocket.Handler
}

// SetupRouter sets up the API router
func SetupRouter(
	routes Routes,
	limiter security.RateLimiter,
	logger *zap.Logger,
	corsAllowOrigin string,
	timeProvider temporal.TimeProvider,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger, timeProvider))

	config := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if corsAllowOrigin == "" || corsAllowOrigin == "*" {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = []string{corsAllowOrigin}
		config.AllowCredentials = true
	}
	router.Use(cors.New(config))

	router.GET("/health", routes.Account.GetHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if routes.Events != nil {
		router.GET("/ws/events", routes.Events.HandleConnection)
	}

	v1 := router.Group("/api/v1")
	v1.Use(RateLimitMiddleware(limiter))
	{
		v1.GET("/status", routes.Account.GetStatus)
		v1.GET("/balances", routes.Account.GetBalances)
		v1.GET("/ledger", routes.Account.GetLedgerEntries)
		v1.GET("/sessions", routes.Account.GetSessions)

		channels := v1.Group("/channels")
		{
			channels.GET("", routes.Channels.ListChannels)
			channels.POST("", routes.Channels.CreateChannel)
			channels.POST("/:channelId/close", routes.Channels.CloseChannel)
			channels.POST("/:channelId/resize", routes.Channels.ResizeChannel)
		}

		custody := v1.Group("/custody")
		{
			custody.POST("/deposit", routes.Custody.Deposit)
			custody.POST("/withdraw", routes.Custody.Withdraw)
		}

		positions := v1.Group("/positions")
		{
			positions.GET("", routes.Trading.ListPositions)
			positions.POST("", routes.Trading.OpenPosition)
			positions.POST("/:positionId/close", routes.Trading.ClosePosition)
		}

		v1.POST("/swaps", routes.Trading.RequestSwap)
	}

	return router
}

// LoggerMiddleware creates a Gin middleware for logging
func LoggerMiddleware(logger *zap.Logger, timeProvider temporal.TimeProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := timeProvider.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := timeProvider.Since(start)

		if len(c.Errors) > 0 {
			for _, e := range c.Errors.Errors() {
				logger.Error("Request error", zap.String("path", path), zap.String("error", e))
			}
			return
		}
		logger.Info("Request",
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", latency),
		)
	}
}

// RateLimitMiddleware rejects requests beyond the limiter's budget with 429
func RateLimitMiddleware(limiter security.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter != nil && !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, handlers.ErrorResponse{Error: "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
