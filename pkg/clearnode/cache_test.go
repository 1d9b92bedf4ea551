package clearnode_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	"github.com/backtesting-org/channel-settlement/pkg/clearnode"
	"github.com/backtesting-org/channel-settlement/pkg/logging"
)

type mockChannelAPI struct {
	mock.Mock
}

func (m *mockChannelAPI) CreateChannel(ctx context.Context, networkID uint64, token string) (*clearnode.ChannelHandle, error) {
	args := m.Called(ctx, networkID, token)
	handle, _ := args.Get(0).(*clearnode.ChannelHandle)
	return handle, args.Error(1)
}

func (m *mockChannelAPI) CloseChannel(ctx context.Context, channelID, fundsDestination string) (*clearnode.SettlementDescriptor, error) {
	args := m.Called(ctx, channelID, fundsDestination)
	descriptor, _ := args.Get(0).(*clearnode.SettlementDescriptor)
	return descriptor, args.Error(1)
}

func (m *mockChannelAPI) ResizeChannel(ctx context.Context, req clearnode.ResizeRequest) (*clearnode.SettlementDescriptor, error) {
	args := m.Called(ctx, req)
	descriptor, _ := args.Get(0).(*clearnode.SettlementDescriptor)
	return descriptor, args.Error(1)
}

type mockFinalizer struct {
	mock.Mock
}

func (m *mockFinalizer) Create(ctx context.Context, networkID uint64, descriptor *clearnode.SettlementDescriptor) (string, error) {
	args := m.Called(ctx, networkID, descriptor)
	return args.String(0), args.Error(1)
}

func (m *mockFinalizer) Close(ctx context.Context, networkID uint64, descriptor *clearnode.SettlementDescriptor) (string, error) {
	args := m.Called(ctx, networkID, descriptor)
	return args.String(0), args.Error(1)
}

func (m *mockFinalizer) Resize(ctx context.Context, networkID uint64, descriptor *clearnode.SettlementDescriptor) (string, error) {
	args := m.Called(ctx, networkID, descriptor)
	return args.String(0), args.Error(1)
}

var _ = Describe("ChannelCache", func() {
	const token = "0x0000000000000000000000000000000000000002"

	var (
		api       *mockChannelAPI
		finalizer *mockFinalizer
		cache     *clearnode.ChannelCache
		ctx       context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		api = &mockChannelAPI{}
		finalizer = &mockFinalizer{}
		cache = clearnode.NewChannelCache(api, finalizer, map[uint64]string{137: token}, 20*time.Millisecond, logging.NewNoOpLogger())
	})

	It("should create, finalize and cache a new channel", func() {
		descriptor := &clearnode.SettlementDescriptor{ChannelID: "0xc1"}
		api.On("CreateChannel", mock.Anything, uint64(137), token).
			Return(&clearnode.ChannelHandle{ChannelID: "0xc1", NetworkID: 137, Settlement: descriptor}, nil).Once()
		finalizer.On("Create", mock.Anything, uint64(137), descriptor).Return("0xtx", nil).Once()

		started := time.Now()
		handle, err := cache.GetOrCreate(ctx, 137, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(handle.ChannelID).To(Equal("0xc1"))
		Expect(time.Since(started)).To(BeNumerically(">=", 20*time.Millisecond))

		again, err := cache.GetOrCreate(ctx, 137, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(BeIdenticalTo(handle))

		api.AssertExpectations(GinkgoT())
		finalizer.AssertExpectations(GinkgoT())
	})

	It("should skip the on-chain step for a recovered channel", func() {
		api.On("CreateChannel", mock.Anything, uint64(137), token).
			Return(&clearnode.ChannelHandle{ChannelID: existingChannelID, NetworkID: 137, Recovered: true}, nil).Once()

		handle, err := cache.GetOrCreate(ctx, 137, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(handle.Recovered).To(BeTrue())
		finalizer.AssertNotCalled(GinkgoT(), "Create", mock.Anything, mock.Anything, mock.Anything)
	})

	It("should share one creation between concurrent callers", func() {
		api.On("CreateChannel", mock.Anything, uint64(137), token).
			Return(&clearnode.ChannelHandle{ChannelID: "0xc1", NetworkID: 137, Settlement: &clearnode.SettlementDescriptor{}}, nil).Once()
		finalizer.On("Create", mock.Anything, uint64(137), mock.Anything).Return("0xtx", nil).Once()

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				handle, err := cache.GetOrCreate(ctx, 137, "")
				Expect(err).NotTo(HaveOccurred())
				Expect(handle.ChannelID).To(Equal("0xc1"))
			}()
		}
		wg.Wait()
		api.AssertNumberOfCalls(GinkgoT(), "CreateChannel", 1)
	})

	It("should not cache a channel whose finalize failed", func() {
		api.On("CreateChannel", mock.Anything, uint64(137), token).
			Return(&clearnode.ChannelHandle{ChannelID: "0xc1", Settlement: &clearnode.SettlementDescriptor{}}, nil)
		finalizer.On("Create", mock.Anything, uint64(137), mock.Anything).Return("", errors.New("out of gas"))

		_, err := cache.GetOrCreate(ctx, 137, "")
		Expect(err).To(MatchError(ContainSubstring("out of gas")))
		_, ok := cache.Get(137)
		Expect(ok).To(BeFalse())
	})

	It("should require a token for unknown networks", func() {
		_, err := cache.GetOrCreate(ctx, 1, "")
		Expect(err).To(MatchError(ContainSubstring("no token configured")))
	})

	It("should remove a channel after its close is finalized", func() {
		api.On("CreateChannel", mock.Anything, uint64(137), token).
			Return(&clearnode.ChannelHandle{ChannelID: existingChannelID, NetworkID: 137, Recovered: true}, nil)
		closing := &clearnode.SettlementDescriptor{ChannelID: existingChannelID}
		api.On("CloseChannel", mock.Anything, existingChannelID, "").Return(closing, nil)
		finalizer.On("Close", mock.Anything, uint64(137), closing).Return("0xclose", nil)

		_, err := cache.GetOrCreate(ctx, 137, "")
		Expect(err).NotTo(HaveOccurred())

		txHash, err := cache.Close(ctx, existingChannelID, 0, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(txHash).To(Equal("0xclose"))
		_, ok := cache.Get(137)
		Expect(ok).To(BeFalse())
	})

	It("should evict a channel the server reports closed", func() {
		api.On("CreateChannel", mock.Anything, uint64(137), token).
			Return(&clearnode.ChannelHandle{ChannelID: existingChannelID, NetworkID: 137, Recovered: true}, nil)
		_, err := cache.GetOrCreate(ctx, 137, "")
		Expect(err).NotTo(HaveOccurred())

		Expect(cache.HandleChannelUpdate(ctx, &clearnode.ChannelUpdate{ChannelID: existingChannelID, Status: "open"})).To(Succeed())
		_, ok := cache.Get(137)
		Expect(ok).To(BeTrue())

		Expect(cache.HandleChannelUpdate(ctx, &clearnode.ChannelUpdate{ChannelID: existingChannelID, Status: clearnode.ChannelStatusClosed})).To(Succeed())
		_, ok = cache.Get(137)
		Expect(ok).To(BeFalse())
		finalizer.AssertNotCalled(GinkgoT(), "Close", mock.Anything, mock.Anything, mock.Anything)
	})

	It("should need a network id to close an uncached channel", func() {
		_, err := cache.Close(ctx, existingChannelID, 0, "")
		Expect(errors.Is(err, clearnode.ErrChannelNotFound)).To(BeTrue())
	})

	It("should finalize a resize on the channel's network", func() {
		resized := &clearnode.SettlementDescriptor{ChannelID: "0xc9"}
		api.On("ResizeChannel", mock.Anything, mock.MatchedBy(func(req clearnode.ResizeRequest) bool {
			return req.ChannelID == "0xc9" && req.NetworkID == 10
		})).Return(resized, nil)
		finalizer.On("Resize", mock.Anything, uint64(10), resized).Return("0xresize", nil)

		txHash, err := cache.Resize(ctx, clearnode.ResizeRequest{ChannelID: "0xc9", NetworkID: 10})
		Expect(err).NotTo(HaveOccurred())
		Expect(txHash).To(Equal("0xresize"))
	})
})
