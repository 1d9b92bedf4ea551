package services_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/backtesting-org/channel-settlement/internal/services"
)

var _ = Describe("EventBus", func() {
	var bus *services.EventBus

	BeforeEach(func() {
		bus = services.NewEventBus()
	})

	It("delivers events to typed subscribers only", func() {
		fills := bus.Subscribe(services.EventPositionFilled, 1)
		closes := bus.Subscribe(services.EventPositionClosed, 1)

		bus.Emit("position_filled", map[string]interface{}{"position_id": "p1"})

		Eventually(fills).Should(Receive(HaveField("Data", HaveKeyWithValue("position_id", "p1"))))
		Consistently(closes).ShouldNot(Receive())
	})

	It("delivers every event to SubscribeAll", func() {
		all := bus.SubscribeAll(4)

		bus.Emit("swap_filled", nil)
		bus.Emit("payout_sent", nil)

		var first, second services.Event
		Expect(all).To(Receive(&first))
		Expect(all).To(Receive(&second))
		Expect(first.Type).To(Equal(services.EventSwapFilled))
		Expect(second.Type).To(Equal(services.EventPayoutSent))
	})

	It("drops events for full subscribers without blocking", func() {
		ch := bus.Subscribe(services.EventSwapSettled, 1)

		bus.Emit("swap_settled", map[string]interface{}{"n": 1})
		bus.Emit("swap_settled", map[string]interface{}{"n": 2})

		var event services.Event
		Expect(ch).To(Receive(&event))
		Expect(event.Data["n"]).To(Equal(1))
		Expect(ch).NotTo(Receive())
	})

	It("closes typed and catch-all subscribers exactly once", func() {
		typed := bus.Subscribe(services.EventSettlementFailed, 1)
		all := bus.SubscribeAll(1)

		bus.Close()
		bus.Close()

		Expect(typed).To(BeClosed())
		Expect(all).To(BeClosed())
		Expect(func() { bus.Emit("settlement_failed", nil) }).NotTo(Panic())
		Expect(bus.SubscribeAll(1)).To(BeClosed())
	})

	It("unsubscribes a single channel", func() {
		ch := bus.Subscribe(services.EventPositionFilled, 1)
		bus.Unsubscribe(services.EventPositionFilled, ch)

		Expect(ch).To(BeClosed())
		Expect(func() { bus.Emit("position_filled", nil) }).NotTo(Panic())
	})
})
