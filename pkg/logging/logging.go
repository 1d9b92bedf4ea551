package logging

// ApplicationLogger is the printf-style logger used by library packages.
type ApplicationLogger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// TradingLogger records settlement decisions with structured context.
type TradingLogger interface {
	Success(component, asset, msg string, args ...interface{})
	Failed(component, asset, msg string, args ...interface{})
	OrderLifecycle(msg, asset string, args ...interface{})
	Info(msg string, args ...interface{})
}

type noOpLogger struct{}

// NewNoOpLogger returns a logger that discards everything
func NewNoOpLogger() ApplicationLogger {
	return noOpLogger{}
}

func (noOpLogger) Debug(string, ...interface{}) {}
func (noOpLogger) Info(string, ...interface{})  {}
func (noOpLogger) Warn(string, ...interface{})  {}
func (noOpLogger) Error(string, ...interface{}) {}

type noOpTradingLogger struct{}

func NewNoOpTradingLogger() TradingLogger {
	return noOpTradingLogger{}
}

func (noOpTradingLogger) Success(string, string, string, ...interface{}) {}
func (noOpTradingLogger) Failed(string, string, string, ...interface{})  {}
func (noOpTradingLogger) OrderLifecycle(string, string, ...interface{})  {}
func (noOpTradingLogger) Info(string, ...interface{})                    {}
