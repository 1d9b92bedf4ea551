package clearnode_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/backtesting-org/channel-settlement/pkg/clearnode"
	"github.com/backtesting-org/channel-settlement/pkg/logging"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/performance"
)

var _ = Describe("Correlator", func() {
	var (
		correlator *clearnode.Correlator
		metrics    performance.Metrics
		ctx        context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		metrics = performance.NewMetrics(prometheus.NewRegistry())
		correlator = clearnode.NewCorrelator(time.Second, metrics, logging.NewNoOpLogger())
	})

	It("should resolve a matching id exactly once and remove the entry", func() {
		call, err := correlator.Register(clearnode.MethodCreateChannel, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(correlator.Pending()).To(HaveKeyWithValue("create_channel", 1))

		Expect(correlator.Resolve(clearnode.MethodCreateChannel, 1, json.RawMessage(`{"channel_id":"0x1"}`))).To(BeTrue())
		Expect(correlator.Resolve(clearnode.MethodCreateChannel, 1, json.RawMessage(`{}`))).To(BeFalse())

		result, err := call.Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(result)).To(Equal(`{"channel_id":"0x1"}`))
		Expect(correlator.Pending()).To(HaveKeyWithValue("create_channel", 0))
		Expect(metrics.GetStats()["pending_calls"]).To(HaveKeyWithValue("create_channel", 0))
	})

	It("should not match a response of another kind", func() {
		_, err := correlator.Register(clearnode.MethodCloseChannel, 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(correlator.Resolve(clearnode.MethodResizeChannel, 3, nil)).To(BeFalse())
		Expect(correlator.Pending()).To(HaveKeyWithValue("close_channel", 1))
	})

	It("should refuse an id that is still pending", func() {
		_, err := correlator.Register(clearnode.MethodSubmitAppState, 9)
		Expect(err).NotTo(HaveOccurred())

		_, err = correlator.Register(clearnode.MethodSubmitAppState, 9)
		Expect(errors.Is(err, clearnode.ErrDuplicateRequest)).To(BeTrue())
	})

	It("should time out a single call without touching the others", func() {
		correlator = clearnode.NewCorrelator(50*time.Millisecond, nil, logging.NewNoOpLogger())

		slow, err := correlator.Register(clearnode.MethodCloseAppSession, 1)
		Expect(err).NotTo(HaveOccurred())

		_, err = slow.Wait(ctx)
		Expect(errors.Is(err, clearnode.ErrTimeout)).To(BeTrue())
		Expect(correlator.Resolve(clearnode.MethodCloseAppSession, 1, nil)).To(BeFalse())
		Expect(correlator.Pending()).To(HaveKeyWithValue("close_app_session", 0))
	})

	It("should never both resolve and time out a call", func() {
		correlator = clearnode.NewCorrelator(5*time.Millisecond, nil, logging.NewNoOpLogger())

		for i := uint64(1); i <= 200; i++ {
			call, err := correlator.Register(clearnode.MethodGetAppSessions, i)
			Expect(err).NotTo(HaveOccurred())

			id := i
			go func() {
				time.Sleep(5 * time.Millisecond)
				correlator.Resolve(clearnode.MethodGetAppSessions, id, json.RawMessage(`[]`))
			}()

			_, err = call.Wait(ctx)
			if err != nil {
				Expect(errors.Is(err, clearnode.ErrTimeout)).To(BeTrue())
			}
		}
		Eventually(correlator.Pending).Should(HaveKeyWithValue("get_app_sessions", 0))
	})

	It("should reject every call in every table on RejectAll", func() {
		kinds := []clearnode.Method{
			clearnode.MethodCreateChannel,
			clearnode.MethodResizeChannel,
			clearnode.MethodTransfer,
			clearnode.MethodGetAppSessions,
		}

		var calls []*clearnode.Call
		for i, kind := range kinds {
			call, err := correlator.Register(kind, uint64(i+1))
			Expect(err).NotTo(HaveOccurred())
			calls = append(calls, call)
		}

		rpcErr := &clearnode.RPCError{Message: "insufficient funds"}
		Expect(correlator.RejectAll(rpcErr)).To(Equal(len(kinds)))

		var wg sync.WaitGroup
		for _, call := range calls {
			wg.Add(1)
			go func(call *clearnode.Call) {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := call.Wait(ctx)
				Expect(errors.Is(err, clearnode.ErrProtocol)).To(BeTrue())
				Expect(err.Error()).To(ContainSubstring("insufficient funds"))
			}(call)
		}
		wg.Wait()

		for _, kind := range kinds {
			Expect(correlator.Pending()).To(HaveKeyWithValue(string(kind), 0))
		}
	})

	It("should match id-less transfer responses to the oldest pending transfer", func() {
		first, err := correlator.Register(clearnode.MethodTransfer, 10)
		Expect(err).NotTo(HaveOccurred())
		second, err := correlator.Register(clearnode.MethodTransfer, 11)
		Expect(err).NotTo(HaveOccurred())

		Expect(correlator.Resolve(clearnode.MethodTransfer, 0, json.RawMessage(`"a"`))).To(BeTrue())
		Expect(correlator.Resolve(clearnode.MethodTransfer, 0, json.RawMessage(`"b"`))).To(BeTrue())

		result, err := first.Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(result)).To(Equal(`"a"`))

		result, err = second.Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(result)).To(Equal(`"b"`))
	})

	It("should drop the entry when the caller's context ends", func() {
		call, err := correlator.Register(clearnode.MethodCreateAppSession, 4)
		Expect(err).NotTo(HaveOccurred())

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err = call.Wait(cancelled)
		Expect(errors.Is(err, context.Canceled)).To(BeTrue())
		Expect(correlator.Pending()).To(HaveKeyWithValue("create_app_session", 0))
	})
})
