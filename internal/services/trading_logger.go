package services

import (
	"go.uber.org/zap"

	"github.com/backtesting-org/channel-settlement/pkg/logging"
)

// TradingLoggerAdapter wraps zap.Logger to implement the TradingLogger interface
type TradingLoggerAdapter struct {
	logger *zap.Logger
}

var _ logging.TradingLogger = (*TradingLoggerAdapter)(nil)

// NewTradingLogger creates a new trading logger adapter
func NewTradingLogger(logger *zap.Logger) *TradingLoggerAdapter {
	return &TradingLoggerAdapter{
		logger: logger.Named("settlement"),
	}
}

// Success logs a completed fill, close, payout or swap
func (tl *TradingLoggerAdapter) Success(component, asset, msg string, args ...interface{}) {
	tl.logger.Info(
		"[SUCCESS] "+format(msg, args),
		zap.String("component", component),
		zap.String("asset", asset),
	)
}

// Failed logs a settlement that could not complete
func (tl *TradingLoggerAdapter) Failed(component, asset, msg string, args ...interface{}) {
	tl.logger.Error(
		"[FAILED] "+format(msg, args),
		zap.String("component", component),
		zap.String("asset", asset),
	)
}

func (tl *TradingLoggerAdapter) OrderLifecycle(msg, asset string, args ...interface{}) {
	tl.logger.Info(
		"[ORDER] "+format(msg, args),
		zap.String("asset", asset),
	)
}

func (tl *TradingLoggerAdapter) Info(msg string, args ...interface{}) {
	tl.logger.Info(format(msg, args))
}
