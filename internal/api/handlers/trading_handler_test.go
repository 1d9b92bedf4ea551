package handlers_test

import (
	"errors"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/backtesting-org/channel-settlement/internal/api/handlers"
	"github.com/backtesting-org/channel-settlement/pkg/logging"
	"github.com/backtesting-org/channel-settlement/pkg/settlement"
)

var _ = Describe("TradingHandler", func() {
	var (
		trading *mockTrading
		handler *handlers.TradingHandler
	)

	BeforeEach(func() {
		trading = &mockTrading{}
		handler = handlers.NewTradingHandler(trading, logging.NewNoOpLogger())
	})

	AfterEach(func() {
		trading.AssertExpectations(GinkgoT())
	})

	It("opens a position", func() {
		trading.On("OpenPosition", mock.Anything, mock.MatchedBy(func(req settlement.OpenRequest) bool {
			return req.Market == "ETH-PERP" && req.Kind == settlement.Long &&
				req.Leverage.Equal(decimal.NewFromInt(5)) && req.Collateral.Equal(decimal.NewFromInt(100))
		})).Return(&settlement.Position{PositionID: "p1", Status: settlement.StatusPending}, nil)

		code, body := perform(http.MethodPost, "/positions", "/positions", map[string]interface{}{
			"market": "ETH-PERP", "kind": "LONG", "leverage": "5", "collateral": "100",
		}, handler.OpenPosition)

		Expect(code).To(Equal(http.StatusOK))
		Expect(body["position"]).To(HaveKeyWithValue("position_id", "p1"))
	})

	DescribeTable("rejects invalid positions",
		func(body map[string]interface{}) {
			code, _ := perform(http.MethodPost, "/positions", "/positions", body, handler.OpenPosition)
			Expect(code).To(Equal(http.StatusBadRequest))
		},
		Entry("unknown kind", map[string]interface{}{"market": "ETH-PERP", "kind": "sideways", "leverage": "5", "collateral": "100"}),
		Entry("zero collateral", map[string]interface{}{"market": "ETH-PERP", "kind": "long", "leverage": "5", "collateral": "0"}),
		Entry("missing market", map[string]interface{}{"kind": "long", "leverage": "5", "collateral": "100"}),
	)

	It("closes a position", func() {
		trading.On("ClosePosition", mock.Anything, "p1").Return(&settlement.Position{PositionID: "p1", Status: settlement.StatusClosing}, nil)

		code, body := perform(http.MethodPost, "/positions/:positionId/close", "/positions/p1/close", nil, handler.ClosePosition)

		Expect(code).To(Equal(http.StatusOK))
		Expect(body["position"]).To(HaveKeyWithValue("status", "closing"))
	})

	It("reports close failures", func() {
		trading.On("ClosePosition", mock.Anything, "p2").Return(nil, errors.New("position p2 not found"))

		code, body := perform(http.MethodPost, "/positions/:positionId/close", "/positions/p2/close", nil, handler.ClosePosition)

		Expect(code).To(Equal(http.StatusInternalServerError))
		Expect(body["error"]).To(Equal("position p2 not found"))
	})

	It("requests a swap", func() {
		trading.On("RequestSwap", mock.Anything, mock.MatchedBy(func(req settlement.SwapRequest) bool {
			return req.Market == "ETH/USDC" && req.PayAmount.Equal(decimal.RequireFromString("250"))
		})).Return("0xsession", nil)

		code, body := perform(http.MethodPost, "/swaps", "/swaps",
			map[string]interface{}{"market": "ETH/USDC", "pay_amount": "250"}, handler.RequestSwap)

		Expect(code).To(Equal(http.StatusOK))
		Expect(body["app_session_id"]).To(Equal("0xsession"))
	})

	It("lists positions", func() {
		trading.On("Positions").Return([]settlement.Position{{PositionID: "p1"}, {PositionID: "p2"}})

		code, body := perform(http.MethodGet, "/positions", "/positions", nil, handler.ListPositions)

		Expect(code).To(Equal(http.StatusOK))
		Expect(body["positions"]).To(HaveLen(2))
	})
})
