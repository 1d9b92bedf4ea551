package settlement_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/backtesting-org/channel-settlement/pkg/settlement"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func equalDecimal(expected string) OmegaMatcher {
	return WithTransform(func(v decimal.Decimal) string { return v.String() }, Equal(d(expected).String()))
}

var _ = Describe("Settlement math", func() {
	Describe("LiquidationPrice", func() {
		It("should price a 10x long at 90.5", func() {
			price, err := settlement.LiquidationPrice(settlement.Long, d("100"), d("10"), settlement.DefaultMaintenanceMargin)
			Expect(err).NotTo(HaveOccurred())
			Expect(price).To(equalDecimal("90.5"))
		})

		It("should price a 10x short at 109.5", func() {
			price, err := settlement.LiquidationPrice(settlement.Short, d("100"), d("10"), settlement.DefaultMaintenanceMargin)
			Expect(err).NotTo(HaveOccurred())
			Expect(price).To(equalDecimal("109.5"))
		})

		It("should reject non-positive leverage and unknown kinds", func() {
			_, err := settlement.LiquidationPrice(settlement.Long, d("100"), d("0"), settlement.DefaultMaintenanceMargin)
			Expect(err).To(HaveOccurred())

			_, err = settlement.LiquidationPrice("sideways", d("100"), d("2"), settlement.DefaultMaintenanceMargin)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("PositionSize", func() {
		It("should be collateral times leverage over entry", func() {
			size, err := settlement.PositionSize(d("1000"), d("10"), d("100"))
			Expect(err).NotTo(HaveOccurred())
			Expect(size).To(equalDecimal("100"))
		})

		It("should refuse a zero entry price", func() {
			_, err := settlement.PositionSize(d("1000"), d("10"), decimal.Zero)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("PnL and ReturnAmount", func() {
		It("should double the collateral of a 10x long on a 10% move", func() {
			change, ok := settlement.PriceChange(settlement.Long, d("100"), d("110"))
			Expect(ok).To(BeTrue())

			pnl := settlement.PnL(d("1000"), d("10"), change)
			Expect(pnl).To(equalDecimal("1000"))
			Expect(settlement.ReturnAmount(d("1000"), pnl)).To(equalDecimal("2000"))
		})

		It("should invert the move for shorts", func() {
			change, ok := settlement.PriceChange(settlement.Short, d("100"), d("110"))
			Expect(ok).To(BeTrue())
			Expect(settlement.PnL(d("1000"), d("10"), change)).To(equalDecimal("-1000"))
		})

		It("should floor the return at zero", func() {
			change, _ := settlement.PriceChange(settlement.Long, d("100"), d("80"))
			pnl := settlement.PnL(d("1000"), d("10"), change)
			Expect(pnl).To(equalDecimal("-2000"))
			Expect(settlement.ReturnAmount(d("1000"), pnl)).To(equalDecimal("0"))
		})

		It("should report a zero entry price as unpriceable", func() {
			_, ok := settlement.PriceChange(settlement.Long, decimal.Zero, d("110"))
			Expect(ok).To(BeFalse())
		})
	})

	Describe("SpotQuote", func() {
		It("should buy 2 units with 100 stable at a target price of 50", func() {
			value, qty, err := settlement.SpotQuote(d("100000000"), settlement.StablePrecision, d("1"), d("50"))
			Expect(err).NotTo(HaveOccurred())
			Expect(value).To(equalDecimal("100"))
			Expect(qty).To(equalDecimal("2"))
		})

		It("should scale non-stable payments by 18 decimals", func() {
			value, qty, err := settlement.SpotQuote(d("1000000000000000000"), settlement.DefaultPrecision, d("3000"), d("60000"))
			Expect(err).NotTo(HaveOccurred())
			Expect(value).To(equalDecimal("3000"))
			Expect(qty).To(equalDecimal("0.05"))
		})

		It("should refuse zero prices", func() {
			_, _, err := settlement.SpotQuote(d("1"), settlement.StablePrecision, d("1"), decimal.Zero)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("precision helpers", func() {
		It("should use 6 decimals only for the stable asset", func() {
			Expect(settlement.Precision("USDC", "usdc")).To(Equal(settlement.StablePrecision))
			Expect(settlement.Precision("eth", "usdc")).To(Equal(settlement.DefaultPrecision))
		})

		It("should floor when converting to atomic units", func() {
			Expect(settlement.ToAtomic(d("1.2345679"), 6)).To(equalDecimal("1234567"))
			Expect(settlement.FromAtomic(d("1234567"), 6)).To(equalDecimal("1.234567"))
		})
	})

	Describe("ParseMarket", func() {
		It("should split and upper-case both sides", func() {
			target, payment, err := settlement.ParseMarket("eth/usdc")
			Expect(err).NotTo(HaveOccurred())
			Expect(target).To(Equal("ETH"))
			Expect(payment).To(Equal("USDC"))
		})

		It("should reject malformed markets", func() {
			for _, market := range []string{"", "ETH", "ETH/", "/USDC", "A/B/C"} {
				_, _, err := settlement.ParseMarket(market)
				Expect(err).To(HaveOccurred(), market)
			}
		})

		It("should accept a bare ticker for perpetuals", func() {
			Expect(settlement.Ticker("btc")).To(Equal("BTC"))
			Expect(settlement.Ticker("BTC/USDC")).To(Equal("BTC"))
		})
	})
})
