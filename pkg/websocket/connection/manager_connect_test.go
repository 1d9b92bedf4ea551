package connection_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"

	"github.com/backtesting-org/channel-settlement/pkg/logging"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/connection"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/performance"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/security"
)

func ctxBackground() context.Context {
	return context.Background()
}

type callbackRecorder struct {
	mu        sync.Mutex
	opens     int
	closes    []error
	messages  []string
	exhausted []error
}

func (r *callbackRecorder) callbacks() connection.Callbacks {
	return connection.Callbacks{
		OnOpen: func() {
			r.mu.Lock()
			r.opens++
			r.mu.Unlock()
		},
		OnClose: func(err error) {
			r.mu.Lock()
			r.closes = append(r.closes, err)
			r.mu.Unlock()
		},
		OnMessage: func(message []byte) {
			r.mu.Lock()
			r.messages = append(r.messages, string(message))
			r.mu.Unlock()
		},
		OnExhausted: func(err error) {
			r.mu.Lock()
			r.exhausted = append(r.exhausted, err)
			r.mu.Unlock()
		},
	}
}

func (r *callbackRecorder) Opens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens
}

func (r *callbackRecorder) Closes() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.closes...)
}

func (r *callbackRecorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func (r *callbackRecorder) Exhausted() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.exhausted...)
}

var _ = Describe("ConnectionManager - Connection Lifecycle", func() {
	var (
		mgr      connection.ConnectionManager
		dialer   *mockDialer
		recorder *callbackRecorder
		config   connection.Config
		ctx      context.Context
		cancel   context.CancelFunc
	)

	newManager := func() connection.ConnectionManager {
		m := connection.NewConnectionManager(
			config,
			dialer,
			security.NewMessageValidator(security.ValidationConfig{
				MaxMessageSize: 1024,
				EnvelopeFields: []string{"res", "req"},
			}),
			performance.NewMetrics(prometheus.NewRegistry()),
			logging.NewNoOpLogger(),
		)
		m.SetCallbacks(recorder.callbacks())
		return m
	}

	BeforeEach(func() {
		dialer = &mockDialer{}
		recorder = &callbackRecorder{}
		config = connection.TestConfig("ws://clearnode.test/ws")
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
		if mgr != nil {
			_ = mgr.Disconnect()
		}
	})

	Context("when the dial succeeds", func() {
		var conn *fakeConn

		BeforeEach(func() {
			conn = newFakeConn()
			dialer.On("DialContext", mock.Anything, "ws://clearnode.test/ws", mock.Anything).
				Return(conn, nil, nil).Once()
			mgr = newManager()
		})

		It("should open, fire OnOpen and report connected", func() {
			Expect(mgr.Connect(ctx)).To(Succeed())
			Expect(mgr.GetState()).To(Equal(connection.StateConnected))
			Expect(recorder.Opens()).To(Equal(1))
			Expect(mgr.IsHealthy()).To(BeTrue())
		})

		It("should treat a second Connect as a no-op", func() {
			Expect(mgr.Connect(ctx)).To(Succeed())
			Expect(mgr.Connect(ctx)).To(Succeed())
			Expect(dialer.Dials()).To(Equal(1))
			Expect(recorder.Opens()).To(Equal(1))
		})

		It("should promote to authenticated only from connected", func() {
			mgr.MarkAuthenticated()
			Expect(mgr.GetState()).To(Equal(connection.StateDisconnected))

			Expect(mgr.Connect(ctx)).To(Succeed())
			mgr.MarkAuthenticated()
			Expect(mgr.GetState()).To(Equal(connection.StateAuthenticated))
			Expect(mgr.GetConnectionStats()["authenticated"]).To(BeTrue())
		})

		It("should deliver valid frames and drop malformed ones", func() {
			Expect(mgr.Connect(ctx)).To(Succeed())

			conn.Push(`{"res":[1,"create_channel",[{}],1]}`)
			conn.Push(`not json at all`)
			conn.Push(`{"unexpected":true}`)
			conn.Push(`{"res":[2,"transfer",[{}],2]}`)

			Eventually(recorder.Messages).Should(HaveLen(2))
			Consistently(recorder.Messages, 100*time.Millisecond).Should(HaveLen(2))
			Expect(mgr.GetState()).To(Equal(connection.StateConnected))
			Expect(mgr.GetConnectionStats()["frames_dropped"]).To(Equal(int64(2)))
		})

		It("should not reconnect after an explicit Disconnect", func() {
			Expect(mgr.Connect(ctx)).To(Succeed())
			Expect(mgr.Disconnect()).To(Succeed())

			Expect(mgr.GetState()).To(Equal(connection.StateDisconnected))
			Expect(recorder.Closes()).To(Equal([]error{nil}))
			Consistently(dialer.Dials, 200*time.Millisecond).Should(Equal(1))
		})
	})

	Context("when the server drops the connection", func() {
		var first, second *fakeConn

		BeforeEach(func() {
			first = newFakeConn()
			second = newFakeConn()
			dialer.On("DialContext", mock.Anything, mock.Anything, mock.Anything).
				Return(first, nil, nil).Once()
			dialer.On("DialContext", mock.Anything, mock.Anything, mock.Anything).
				Return(second, nil, nil)
			mgr = newManager()
		})

		It("should reconnect and open again", func() {
			Expect(mgr.Connect(ctx)).To(Succeed())
			first.Drop()

			Eventually(dialer.Dials).Should(Equal(2))
			Eventually(recorder.Opens).Should(Equal(2))
			Eventually(mgr.GetState).Should(Equal(connection.StateConnected))

			closes := recorder.Closes()
			Expect(closes).To(HaveLen(1))
			Expect(closes[0]).To(HaveOccurred())
		})
	})

	Context("when every dial fails", func() {
		BeforeEach(func() {
			dialer.On("DialContext", mock.Anything, mock.Anything, mock.Anything).
				Return(nil, nil, errors.New("connection refused"))
			mgr = newManager()
		})

		It("should give up after the configured attempts and refuse sends", func() {
			Expect(mgr.Connect(ctx)).To(MatchError(ContainSubstring("connection refused")))

			Eventually(recorder.Exhausted, 2*time.Second).Should(HaveLen(1))
			Expect(recorder.Exhausted()[0]).To(MatchError(connection.ErrReconnectExhausted))
			Expect(dialer.Dials()).To(Equal(1 + config.MaxReconnects))
			Consistently(dialer.Dials, 200*time.Millisecond).Should(Equal(1 + config.MaxReconnects))

			Expect(mgr.Send([]byte(`{"req":[]}`))).To(MatchError(connection.ErrReconnectExhausted))
			Expect(mgr.GetConnectionStats()["exhausted"]).To(BeTrue())
		})
	})

	Context("when a caller reconnects after exhaustion", func() {
		var conn *fakeConn

		BeforeEach(func() {
			conn = newFakeConn()
			config.MaxReconnects = 1
			dialer.On("DialContext", mock.Anything, mock.Anything, mock.Anything).
				Return(nil, nil, errors.New("connection refused")).Twice()
			dialer.On("DialContext", mock.Anything, mock.Anything, mock.Anything).
				Return(conn, nil, nil)
			mgr = newManager()
		})

		It("should clear the exhausted flag on an explicit Connect", func() {
			Expect(mgr.Connect(ctx)).ToNot(Succeed())
			Eventually(recorder.Exhausted, 2*time.Second).Should(HaveLen(1))

			Expect(mgr.Connect(ctx)).To(Succeed())
			Expect(mgr.Send([]byte(`{"req":[1]}`))).To(Succeed())
			Expect(conn.Written()).To(ContainElement(`{"req":[1]}`))
		})
	})
})
