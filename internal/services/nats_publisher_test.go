package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/backtesting-org/channel-settlement/internal/services"
	"github.com/backtesting-org/channel-settlement/pkg/logging"
)

type published struct {
	subject string
	data    []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (rp *recordingPublisher) Publish(subject string, data []byte) error {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if rp.err != nil {
		return rp.err
	}
	rp.msgs = append(rp.msgs, published{subject: subject, data: data})
	return nil
}

func (rp *recordingPublisher) messages() []published {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return append([]published(nil), rp.msgs...)
}

var _ = Describe("NATSPublisher", func() {
	var (
		bus       *services.EventBus
		conn      *recordingPublisher
		publisher *services.NATSPublisher
		ctx       context.Context
		cancel    context.CancelFunc
	)

	BeforeEach(func() {
		bus = services.NewEventBus()
		conn = &recordingPublisher{}
		publisher = services.NewNATSPublisher(conn, "", bus, 8, logging.NewNoOpLogger())
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
		bus.Close()
		publisher.Wait()
	})

	It("defaults the subject prefix", func() {
		Expect(publisher.Subject(services.EventPayoutSent)).To(Equal("settlement.payout_sent"))
	})

	It("mirrors events as JSON on their subject", func() {
		publisher.Start(ctx)

		bus.Emit("position_closed", map[string]interface{}{"position_id": "p1", "pnl": "12.5"})

		Eventually(conn.messages).Should(HaveLen(1))
		msg := conn.messages()[0]
		Expect(msg.subject).To(Equal("settlement.position_closed"))

		var event map[string]interface{}
		Expect(json.Unmarshal(msg.data, &event)).To(Succeed())
		Expect(event["type"]).To(Equal("position_closed"))
		Expect(event["data"]).To(HaveKeyWithValue("pnl", "12.5"))
	})

	It("keeps forwarding after a publish error", func() {
		conn.err = errors.New("nats: connection closed")
		publisher.Start(ctx)

		bus.Emit("swap_filled", nil)
		Consistently(conn.messages).Should(BeEmpty())

		conn.mu.Lock()
		conn.err = nil
		conn.mu.Unlock()

		bus.Emit("swap_settled", nil)
		Eventually(conn.messages).Should(HaveLen(1))
	})

	It("stops when the bus closes", func() {
		publisher.Start(ctx)
		bus.Close()

		done := make(chan struct{})
		go func() {
			publisher.Wait()
			close(done)
		}()
		Eventually(done).Should(BeClosed())
	})
})
