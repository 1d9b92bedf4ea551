package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/backtesting-org/channel-settlement/pkg/logging"
)

// Publisher is the part of a NATS connection the mirror uses
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher mirrors every bus event to <prefix>.<event_type>
type NATSPublisher struct {
	conn   Publisher
	prefix string
	bus    *EventBus
	buffer int
	logger logging.ApplicationLogger

	wg sync.WaitGroup
}

func NewNATSPublisher(conn Publisher, prefix string, bus *EventBus, buffer int, logger logging.ApplicationLogger) *NATSPublisher {
	if prefix == "" {
		prefix = "settlement"
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		bus:    bus,
		buffer: buffer,
		logger: logger,
	}
}

// ConnectNATS dials the server; an empty url disables the mirror
func ConnectNATS(url string, logger logging.ApplicationLogger) (*nats.Conn, error) {
	if url == "" {
		return nil, nil
	}
	conn, err := nats.Connect(url,
		nats.Name("channel-settlement"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}

func (np *NATSPublisher) Subject(eventType EventType) string {
	return np.prefix + "." + string(eventType)
}

// Start forwards events until the bus closes or ctx ends
func (np *NATSPublisher) Start(ctx context.Context) {
	events := np.bus.SubscribeAll(np.buffer)

	np.wg.Add(1)
	go func() {
		defer np.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				if err := np.publish(event); err != nil {
					np.logger.Warn("Failed to mirror %s event: %v", event.Type, err)
				}
			}
		}
	}()
}

func (np *NATSPublisher) publish(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return np.conn.Publish(np.Subject(event.Type), data)
}

// Wait blocks until the forwarding goroutine has exited
func (np *NATSPublisher) Wait() {
	np.wg.Wait()
}

// Shutdown waits for the forwarder and drains the connection when it
// supports draining
func (np *NATSPublisher) Shutdown() {
	np.Wait()
	if drainer, ok := np.conn.(interface{ Drain() error }); ok {
		if err := drainer.Drain(); err != nil {
			np.logger.Warn("Failed to drain NATS connection: %v", err)
		}
	}
}
