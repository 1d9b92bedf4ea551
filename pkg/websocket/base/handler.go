package base

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/backtesting-org/channel-settlement/pkg/logging"
)

// MessageHandler processes one decoded notification routed by RPC method
type MessageHandler interface {
	Handle(ctx context.Context, method string, payload interface{}) error

	// GetMethods returns the RPC methods this handler is responsible for
	GetMethods() []string
}

// HandlerRegistry routes notifications to the handler registered for their method
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]MessageHandler
	logger   logging.ApplicationLogger
}

func NewHandlerRegistry(logger logging.ApplicationLogger) *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]MessageHandler),
		logger:   logger,
	}
}

// RegisterHandler registers a handler for each of its methods
func (hr *HandlerRegistry) RegisterHandler(handler MessageHandler) error {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	for _, method := range handler.GetMethods() {
		if existing, exists := hr.handlers[method]; exists {
			return fmt.Errorf("handler already registered for method '%s': %T", method, existing)
		}
	}

	for _, method := range handler.GetMethods() {
		hr.handlers[method] = handler
		hr.logger.Debug("Registered handler for method: %s", method)
	}
	return nil
}

// RouteMessage hands payload to the handler for method. Unrouted methods are
// logged and ignored.
func (hr *HandlerRegistry) RouteMessage(ctx context.Context, method string, payload interface{}) error {
	hr.mu.RLock()
	handler, exists := hr.handlers[method]
	hr.mu.RUnlock()

	if !exists {
		hr.logger.Debug("No handler found for method: %s", method)
		return nil
	}
	return handler.Handle(ctx, method, payload)
}

// GetRegisteredMethods returns all registered methods, sorted
func (hr *HandlerRegistry) GetRegisteredMethods() []string {
	hr.mu.RLock()
	defer hr.mu.RUnlock()

	methods := make([]string, 0, len(hr.handlers))
	for method := range hr.handlers {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods
}

// HandlerFunc adapts a function to MessageHandler
type HandlerFunc struct {
	methods []string
	fn      func(ctx context.Context, method string, payload interface{}) error
}

func NewHandlerFunc(fn func(ctx context.Context, method string, payload interface{}) error, methods ...string) *HandlerFunc {
	return &HandlerFunc{methods: methods, fn: fn}
}

func (hf *HandlerFunc) Handle(ctx context.Context, method string, payload interface{}) error {
	return hf.fn(ctx, method, payload)
}

func (hf *HandlerFunc) GetMethods() []string {
	return hf.methods
}

// ValidationHandler wraps another handler with validation
type ValidationHandler struct {
	wrapped   MessageHandler
	validator func(interface{}) error
	logger    logging.ApplicationLogger
}

func NewValidationHandler(wrapped MessageHandler, validator func(interface{}) error, logger logging.ApplicationLogger) *ValidationHandler {
	return &ValidationHandler{
		wrapped:   wrapped,
		validator: validator,
		logger:    logger,
	}
}

func (vh *ValidationHandler) Handle(ctx context.Context, method string, payload interface{}) error {
	if vh.validator != nil {
		if err := vh.validator(payload); err != nil {
			vh.logger.Warn("Notification validation failed for %s: %v", method, err)
			return fmt.Errorf("notification validation failed: %w", err)
		}
	}

	return vh.wrapped.Handle(ctx, method, payload)
}

func (vh *ValidationHandler) GetMethods() []string {
	return vh.wrapped.GetMethods()
}

// AsyncHandler runs the wrapped handler on its own goroutine so the read
// loop never waits on settlement work. When every worker is busy the
// notification is processed on a fresh goroutine anyway rather than blocking.
type AsyncHandler struct {
	wrapped    MessageHandler
	workerPool chan struct{}
	wg         sync.WaitGroup
	logger     logging.ApplicationLogger
}

func NewAsyncHandler(wrapped MessageHandler, maxWorkers int, logger logging.ApplicationLogger) *AsyncHandler {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &AsyncHandler{
		wrapped:    wrapped,
		workerPool: make(chan struct{}, maxWorkers),
		logger:     logger,
	}
}

func (ah *AsyncHandler) Handle(ctx context.Context, method string, payload interface{}) error {
	ah.wg.Add(1)

	select {
	case ah.workerPool <- struct{}{}:
		go func() {
			defer ah.wg.Done()
			defer func() { <-ah.workerPool }()
			ah.run(ctx, method, payload)
		}()
	default:
		ah.logger.Warn("No async workers available, spawning overflow task for %s", method)
		go func() {
			defer ah.wg.Done()
			ah.run(ctx, method, payload)
		}()
	}
	return nil
}

func (ah *AsyncHandler) run(ctx context.Context, method string, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			ah.logger.Error("Async handler panic for %s: %v", method, r)
		}
	}()

	if err := ah.wrapped.Handle(ctx, method, payload); err != nil {
		ah.logger.Error("Async handler error for %s: %v", method, err)
	}
}

func (ah *AsyncHandler) GetMethods() []string {
	return ah.wrapped.GetMethods()
}

// Wait blocks until every in-flight task has finished
func (ah *AsyncHandler) Wait() {
	ah.wg.Wait()
}
