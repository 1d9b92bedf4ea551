package clearnode_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/backtesting-org/channel-settlement/pkg/clearnode"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/connection"
)

const existingChannelID = "0x5f2d9c0e4a6b8f1d3c7e9a2b4d6f8a0c1e3b5d7f9a2c4e6b8d0f1a3c5e7b9d2f"

func channelDescriptor(channelID, destination string) map[string]interface{} {
	return map[string]interface{}{
		"channel_id": channelID,
		"channel": map[string]interface{}{
			"participants": []string{destination, "0x000000000000000000000000000000000000dEaD"},
			"adjudicator":  "0x0000000000000000000000000000000000000001",
			"challenge":    3600,
			"nonce":        1,
		},
		"state": map[string]interface{}{
			"intent":     1,
			"version":    0,
			"state_data": "0x",
			"allocations": []map[string]interface{}{
				{"destination": destination, "token": "0x0000000000000000000000000000000000000002", "amount": "250"},
			},
		},
		"server_signature": "0xabcdef",
	}
}

var _ = Describe("Client", func() {
	var (
		fake *fakeClearnode
		tc   testClient
		ctx  context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		fake = newFakeClearnode()
		tc = newTestClient(fake.URL(), nil)
	})

	AfterEach(func() {
		_ = tc.client.Close()
		fake.Close()
	})

	Describe("authentication", func() {
		It("should authenticate on connect with the wallet and session key", func() {
			Expect(tc.client.Healthy()).To(BeFalse())
			tc.connectAndAuthenticate()
			Expect(tc.conn.GetState()).To(Equal(connection.StateAuthenticated))
			Eventually(tc.client.Healthy).Should(BeTrue())

			requests := fake.Requests(clearnode.MethodAuthRequest)
			Expect(requests).To(HaveLen(1))

			var body clearnode.AuthRequest
			Expect(json.Unmarshal(requests[0].Params, &body)).To(Succeed())
			Expect(body.Address).To(Equal(tc.wallet.Address().Hex()))
			Expect(body.SessionKey).To(Equal(tc.sessionKey.Address().Hex()))
			Expect(body.Allowances).To(ConsistOf(clearnode.Allowance{Asset: "usdc", Amount: "1000"}))

			verify := fake.Requests(clearnode.MethodAuthVerify)
			Expect(verify).To(HaveLen(1))
			Expect(verify[0].Sig).To(HaveLen(1))
		})

		It("should fail waiting callers when verification is rejected", func() {
			fake.RejectAuth()
			Expect(tc.client.Connect(ctx)).To(Succeed())

			_, err := tc.client.GetAppSessions(ctx, "", "")
			Expect(errors.Is(err, clearnode.ErrAuthFailed)).To(BeTrue())
			Expect(tc.client.AuthState()).To(Equal(clearnode.AuthFailed))
		})

		It("should re-authenticate after the connection drops", func() {
			tc.connectAndAuthenticate()

			fake.DropAll()
			Eventually(func() int { return len(fake.Requests(clearnode.MethodAuthRequest)) }, 2*time.Second).Should(Equal(2))
			Eventually(tc.client.AuthState, 2*time.Second).Should(Equal(clearnode.AuthAuthenticated))
		})

		It("should close the connection when the session key expired", func() {
			tc.connectAndAuthenticate()
			fake.Respond(clearnode.MethodGetAppSessions, func(inboundRequest) (string, interface{}, bool) {
				return "error", map[string]string{"error": "session key expired"}, true
			})

			_, err := tc.client.GetAppSessions(ctx, "", "")
			Expect(errors.Is(err, clearnode.ErrProtocol)).To(BeTrue())

			Eventually(tc.conn.GetState).Should(Equal(connection.StateDisconnected))
			Expect(tc.client.AuthState()).To(Equal(clearnode.AuthFailed))

			_, err = tc.client.GetAppSessions(ctx, "", "")
			Expect(errors.Is(err, clearnode.ErrSessionExpired)).To(BeTrue())
		})

		It("should stay authenticated when an app session expired", func() {
			tc.connectAndAuthenticate()
			fake.Respond(clearnode.MethodGetAppSessions, func(inboundRequest) (string, interface{}, bool) {
				return "error", map[string]string{"error": "app session expired"}, true
			})

			_, err := tc.client.GetAppSessions(ctx, "", "")
			Expect(errors.Is(err, clearnode.ErrProtocol)).To(BeTrue())

			Consistently(tc.conn.GetState, 200*time.Millisecond).Should(Equal(connection.StateAuthenticated))
			Expect(tc.client.AuthState()).To(Equal(clearnode.AuthAuthenticated))
		})
	})

	Describe("requests", func() {
		BeforeEach(func() {
			tc.connectAndAuthenticate()
		})

		It("should sign business requests with the session key", func() {
			fake.Echo(clearnode.MethodCreateChannel, channelDescriptor("0x01", tc.wallet.Address().Hex()))

			handle, err := tc.client.CreateChannel(ctx, 137, "0x0000000000000000000000000000000000000002")
			Expect(err).NotTo(HaveOccurred())
			Expect(handle.ChannelID).To(Equal("0x01"))
			Expect(handle.NetworkID).To(Equal(uint64(137)))
			Expect(handle.Recovered).To(BeFalse())
			Expect(handle.Balance.String()).To(Equal("250"))
			Expect(handle.Settlement.Channel.Challenge).To(Equal(uint64(3600)))

			req := fake.Requests(clearnode.MethodCreateChannel)[0]
			sig, err := hexutil.Decode(req.Sig[0])
			Expect(err).NotTo(HaveOccurred())
			pub, err := crypto.SigToPub(crypto.Keccak256(req.Req), sig)
			Expect(err).NotTo(HaveOccurred())
			Expect(crypto.PubkeyToAddress(*pub)).To(Equal(tc.sessionKey.Address()))
		})

		It("should recover an existing channel from the error text", func() {
			fake.Respond(clearnode.MethodCreateChannel, func(inboundRequest) (string, interface{}, bool) {
				return "error", map[string]string{"error": "an open channel with broker already exists: " + existingChannelID}, true
			})

			handle, err := tc.client.CreateChannel(ctx, 8453, "0x0000000000000000000000000000000000000002")
			Expect(err).NotTo(HaveOccurred())
			Expect(handle.ChannelID).To(Equal(existingChannelID))
			Expect(handle.Recovered).To(BeTrue())
			Expect(handle.Settlement).To(BeNil())
		})

		It("should retry a resize exactly once when the channel is not found", func() {
			var attempts atomic.Int32
			fake.Respond(clearnode.MethodResizeChannel, func(inboundRequest) (string, interface{}, bool) {
				if attempts.Add(1) == 1 {
					return "error", map[string]string{"error": "channel not found"}, true
				}
				return "resize_channel", channelDescriptor(existingChannelID, tc.wallet.Address().Hex()), true
			})

			amount := decimal.NewFromInt(100)
			descriptor, err := tc.client.ResizeChannel(ctx, clearnode.ResizeRequest{ChannelID: existingChannelID, AllocateAmount: &amount})
			Expect(err).NotTo(HaveOccurred())
			Expect(descriptor.ChannelID).To(Equal(existingChannelID))
			Expect(attempts.Load()).To(Equal(int32(2)))
		})

		It("should give up after the single resize retry", func() {
			fake.Respond(clearnode.MethodResizeChannel, func(inboundRequest) (string, interface{}, bool) {
				return "error", map[string]string{"error": "channel not found"}, true
			})

			amount := decimal.NewFromInt(1)
			_, err := tc.client.ResizeChannel(ctx, clearnode.ResizeRequest{ChannelID: existingChannelID, ResizeAmount: &amount})
			Expect(clearnode.IsChannelNotFound(err)).To(BeTrue())
			Expect(fake.Requests(clearnode.MethodResizeChannel)).To(HaveLen(2))
		})

		It("should give every participant an equal weight and a single-signer quorum", func() {
			fake.Echo(clearnode.MethodCreateAppSession, map[string]interface{}{"app_session_id": "0xsession", "version": 1, "status": "open"})

			id, err := tc.client.CreateAppSession(ctx, []string{"0xa", "0xb", "0xc"}, nil, "perps", clearnode.WithSessionData(map[string]string{"positionId": "p1"}))
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal("0xsession"))

			var body struct {
				Definition  clearnode.AppDefinition `json:"definition"`
				SessionData string                  `json:"session_data"`
			}
			Expect(json.Unmarshal(fake.Requests(clearnode.MethodCreateAppSession)[0].Params, &body)).To(Succeed())
			Expect(body.Definition.Weights).To(Equal([]int{33, 33, 33}))
			Expect(body.Definition.Quorum).To(Equal(33))
			Expect(body.SessionData).To(Equal(`{"positionId":"p1"}`))
		})

		It("should submit current version plus one on every state update", func() {
			var mu sync.Mutex
			version := uint64(4)

			fake.Respond(clearnode.MethodGetAppSessions, func(inboundRequest) (string, interface{}, bool) {
				mu.Lock()
				defer mu.Unlock()
				return "get_app_sessions", []map[string]interface{}{
					{"app_session_id": "0xother", "version": 99},
					{"app_session_id": "0xsession", "version": version},
				}, true
			})
			fake.Respond(clearnode.MethodSubmitAppState, func(req inboundRequest) (string, interface{}, bool) {
				var body struct {
					Version uint64 `json:"version"`
				}
				_ = json.Unmarshal(req.Params, &body)
				mu.Lock()
				version = body.Version
				mu.Unlock()
				return "submit_app_state", map[string]interface{}{"app_session_id": "0xsession", "version": body.Version}, true
			})

			first, err := tc.client.SubmitAppState(ctx, "0xsession", nil, clearnode.IntentOperate, map[string]string{"status": "filled"})
			Expect(err).NotTo(HaveOccurred())
			second, err := tc.client.SubmitAppState(ctx, "0xsession", nil, clearnode.IntentOperate, `{"status":"closed"}`)
			Expect(err).NotTo(HaveOccurred())

			Expect(first).To(Equal(uint64(5)))
			Expect(second).To(Equal(uint64(6)))
		})

		It("should report an unknown session on submit", func() {
			fake.Echo(clearnode.MethodGetAppSessions, []interface{}{})
			_, err := tc.client.SubmitAppState(ctx, "0xmissing", nil, clearnode.IntentOperate, nil)
			Expect(errors.Is(err, clearnode.ErrSessionNotFound)).To(BeTrue())
		})

		It("should transfer and return the ledger transactions", func() {
			fake.Echo(clearnode.MethodTransfer, map[string]interface{}{
				"transactions": []map[string]interface{}{{"id": 1, "asset": "usdc", "amount": "25", "to_account": "0xb"}},
			})

			txs, err := tc.client.Transfer(ctx, "0xb", []clearnode.TransferAllocation{{Asset: "usdc", Amount: decimal.NewFromInt(25)}})
			Expect(err).NotTo(HaveOccurred())
			Expect(txs).To(HaveLen(1))
			Expect(txs[0].ToAccount).To(Equal("0xb"))
		})

		It("should refuse transfers of non-positive amounts", func() {
			_, err := tc.client.Transfer(ctx, "0xb", []clearnode.TransferAllocation{{Asset: "usdc", Amount: decimal.Zero}})
			Expect(err).To(MatchError(ContainSubstring("must be positive")))
		})

		It("should reject every pending call when an error frame arrives", func() {
			errs := make(chan error, 2)
			go func() {
				_, err := tc.client.CreateAppSession(ctx, []string{"0xa"}, nil, "perps")
				errs <- err
			}()
			go func() {
				_, err := tc.client.Transfer(ctx, "0xb", []clearnode.TransferAllocation{{Asset: "usdc", Amount: decimal.NewFromInt(1)}})
				errs <- err
			}()

			Eventually(func() int {
				return len(fake.Requests(clearnode.MethodCreateAppSession)) + len(fake.Requests(clearnode.MethodTransfer))
			}).Should(Equal(2))

			fake.Push(clearnode.MethodError, map[string]string{"error": "insufficient balance"})

			for i := 0; i < 2; i++ {
				var err error
				Eventually(errs).Should(Receive(&err))
				Expect(errors.Is(err, clearnode.ErrProtocol)).To(BeTrue())
				Expect(err.Error()).To(ContainSubstring("insufficient balance"))
			}
			Expect(tc.client.Stats()["pending"]).To(HaveKeyWithValue("transfer", 0))
			Expect(tc.client.AuthState()).To(Equal(clearnode.AuthAuthenticated))
		})

		It("should time out a call the server never answers", func() {
			_ = tc.client.Close()
			tc = newTestClient(fake.URL(), func(cfg *clearnode.Config) { cfg.RequestTimeout = 200 * time.Millisecond })
			tc.connectAndAuthenticate()

			_, err := tc.client.CloseChannel(ctx, existingChannelID, "")
			Expect(errors.Is(err, clearnode.ErrTimeout)).To(BeTrue())
		})

		It("should drop malformed frames and keep serving", func() {
			fake.PushRaw(`{"res":"garbage"}`)
			fake.PushRaw(`not json at all`)

			fake.Respond(clearnode.MethodPing, func(inboundRequest) (string, interface{}, bool) {
				return "pong", nil, true
			})
			Expect(tc.client.Ping(ctx)).To(Succeed())
		})

		It("should aggregate ledger entries into balances", func() {
			fake.Echo(clearnode.MethodGetLedgerEntries, []map[string]interface{}{
				{"id": 1, "asset": "USDC", "credit": "100", "debit": "0"},
				{"id": 2, "asset": "usdc", "credit": "0", "debit": "30.5"},
				{"id": 3, "asset": "eth", "credit": "1", "debit": "0"},
			})

			balances, err := tc.client.RefreshBalances(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(balances["usdc"].String()).To(Equal("69.5"))
			Expect(balances["eth"].String()).To(Equal("1"))
			Expect(tc.client.Balances()).To(HaveLen(2))
		})
	})

	Describe("notifications", func() {
		BeforeEach(func() {
			tc.connectAndAuthenticate()
		})

		It("should deliver app state updates to subscribers", func() {
			updates := make(chan *clearnode.AppStateUpdate, 1)
			tc.client.OnAppStateUpdate(func(_ context.Context, update *clearnode.AppStateUpdate) error {
				updates <- update
				return nil
			})

			fake.Push(clearnode.MethodAppStateUpdate, map[string]interface{}{
				"app_session": map[string]interface{}{
					"app_session_id": "0xsession",
					"participants":   []string{"0xa"},
					"session_data":   `{"action":"open"}`,
					"version":        2,
				},
			})

			var update *clearnode.AppStateUpdate
			Eventually(updates).Should(Receive(&update))
			Expect(update.AppSession.SessionData).To(Equal(`{"action":"open"}`))
		})

		It("should drop app state updates that name no session", func() {
			updates := make(chan *clearnode.AppStateUpdate, 2)
			tc.client.OnAppStateUpdate(func(_ context.Context, update *clearnode.AppStateUpdate) error {
				updates <- update
				return nil
			})

			fake.Push(clearnode.MethodAppStateUpdate, map[string]interface{}{
				"app_session": map[string]interface{}{"session_data": `{"action":"open"}`},
			})
			Consistently(updates, 200*time.Millisecond).ShouldNot(Receive())
		})

		It("should deliver channel updates to subscribers", func() {
			updates := make(chan *clearnode.ChannelUpdate, 1)
			tc.client.OnChannelUpdate(func(_ context.Context, update *clearnode.ChannelUpdate) error {
				updates <- update
				return nil
			})

			fake.Push(clearnode.MethodChannelUpdate, map[string]interface{}{
				"channel_id": existingChannelID,
				"status":     "closed",
				"chain_id":   137,
			})

			var update *clearnode.ChannelUpdate
			Eventually(updates).Should(Receive(&update))
			Expect(update.Status).To(Equal(clearnode.ChannelStatusClosed))
			Expect(update.ChainID).To(Equal(uint64(137)))
		})

		It("should apply balance updates pushed by the server", func() {
			fake.Push(clearnode.MethodBalanceUpdate, map[string]interface{}{
				"balance_updates": []map[string]string{{"asset": "usdc", "amount": "42"}},
			})
			Eventually(func() string { return tc.client.Balances()["usdc"].String() }).Should(Equal("42"))
		})
	})

	Describe("reconnect exhaustion", func() {
		It("should reject operations once reconnecting has given up", func() {
			tc.connectAndAuthenticate()

			fake.server.Close()
			fake.DropAll()

			Eventually(func() interface{} { return tc.conn.GetConnectionStats()["exhausted"] }, 3*time.Second).Should(Equal(true))

			_, err := tc.client.GetAppSessions(ctx, "", "")
			Expect(errors.Is(err, clearnode.ErrReconnectExhausted)).To(BeTrue())
		})
	})
})
