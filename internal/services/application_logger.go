package services

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/backtesting-org/channel-settlement/pkg/logging"
)

// ApplicationLoggerAdapter wraps zap.Logger to implement the ApplicationLogger interface
type ApplicationLoggerAdapter struct {
	logger *zap.Logger
}

var _ logging.ApplicationLogger = (*ApplicationLoggerAdapter)(nil)

// NewApplicationLogger creates a new application logger adapter
func NewApplicationLogger(logger *zap.Logger) *ApplicationLoggerAdapter {
	return &ApplicationLoggerAdapter{
		logger: logger,
	}
}

func format(msg string, args []interface{}) string {
	if len(args) > 0 {
		return fmt.Sprintf(msg, args...)
	}
	return msg
}

func (al *ApplicationLoggerAdapter) Info(msg string, args ...interface{}) {
	al.logger.Info(format(msg, args))
}

func (al *ApplicationLoggerAdapter) Debug(msg string, args ...interface{}) {
	al.logger.Debug(format(msg, args))
}

func (al *ApplicationLoggerAdapter) Warn(msg string, args ...interface{}) {
	al.logger.Warn(format(msg, args))
}

func (al *ApplicationLoggerAdapter) Error(msg string, args ...interface{}) {
	al.logger.Error(format(msg, args))
}

// Named returns an adapter whose entries carry a component name
func (al *ApplicationLoggerAdapter) Named(component string) *ApplicationLoggerAdapter {
	return &ApplicationLoggerAdapter{logger: al.logger.Named(component)}
}
