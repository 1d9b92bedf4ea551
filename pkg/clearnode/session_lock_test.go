package clearnode

import (
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("session locks", func() {
	var c *Client

	BeforeEach(func() {
		c = &Client{sessionLocks: make(map[string]*sessionLock)}
	})

	held := func() int {
		c.sessionMu.Lock()
		defer c.sessionMu.Unlock()
		return len(c.sessionLocks)
	}

	It("should never let two holders of one session overlap", func() {
		var (
			active  atomic.Int32
			overlap atomic.Bool
			wg      sync.WaitGroup
		)

		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock := c.lockSession("0xs1")
				defer unlock()

				if active.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(time.Millisecond)
				active.Add(-1)
			}()
		}
		wg.Wait()

		Expect(overlap.Load()).To(BeFalse())
		Expect(held()).To(BeZero())
	})

	It("should keep the lock for waiters after the holder releases", func() {
		unlock := c.lockSession("0xs1")

		acquired := make(chan func())
		go func() { acquired <- c.lockSession("0xs1") }()
		Eventually(func() int {
			c.sessionMu.Lock()
			defer c.sessionMu.Unlock()
			return c.sessionLocks["0xs1"].refs
		}).Should(Equal(2))

		unlock()
		var second func()
		Eventually(acquired).Should(Receive(&second))
		Expect(held()).To(Equal(1))

		third := make(chan func(), 1)
		go func() { third <- c.lockSession("0xs1") }()
		Consistently(third, 50*time.Millisecond).ShouldNot(Receive())

		second()
		var last func()
		Eventually(third).Should(Receive(&last))
		last()
		Expect(held()).To(BeZero())
	})
})
