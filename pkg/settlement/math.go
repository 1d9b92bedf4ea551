package settlement

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	StablePrecision  int32 = 6
	DefaultPrecision int32 = 18
)

var DefaultMaintenanceMargin = decimal.RequireFromString("0.005")

type PositionKind string

const (
	Long  PositionKind = "long"
	Short PositionKind = "short"
)

func (k PositionKind) Valid() bool {
	return k == Long || k == Short
}

// Precision is 6 decimals for the stable reference asset and 18 for all others
func Precision(asset, stableAsset string) int32 {
	if strings.EqualFold(asset, stableAsset) {
		return StablePrecision
	}
	return DefaultPrecision
}

func FromAtomic(amount decimal.Decimal, precision int32) decimal.Decimal {
	return amount.Shift(-precision)
}

func ToAtomic(amount decimal.Decimal, precision int32) decimal.Decimal {
	return amount.Shift(precision).Floor()
}

// PositionSize is collateral * leverage / entryPrice
func PositionSize(collateral, leverage, entryPrice decimal.Decimal) (decimal.Decimal, error) {
	if !entryPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("entry price must be positive, got %s", entryPrice)
	}
	return collateral.Mul(leverage).Div(entryPrice), nil
}

// LiquidationPrice is entry*(1 - 1/L + m) for longs and entry*(1 + 1/L - m)
// for shorts, m being the maintenance margin
func LiquidationPrice(kind PositionKind, entryPrice, leverage, margin decimal.Decimal) (decimal.Decimal, error) {
	if !leverage.IsPositive() {
		return decimal.Zero, fmt.Errorf("leverage must be positive, got %s", leverage)
	}

	inverse := decimal.NewFromInt(1).Div(leverage)
	switch kind {
	case Long:
		return entryPrice.Mul(decimal.NewFromInt(1).Sub(inverse).Add(margin)), nil
	case Short:
		return entryPrice.Mul(decimal.NewFromInt(1).Add(inverse).Sub(margin)), nil
	default:
		return decimal.Zero, fmt.Errorf("unknown position kind %q", kind)
	}
}

// PriceChange is the relative move in the position's favour. ok is false
// when entry is zero.
func PriceChange(kind PositionKind, entryPrice, exitPrice decimal.Decimal) (decimal.Decimal, bool) {
	if entryPrice.IsZero() {
		return decimal.Zero, false
	}
	if kind == Short {
		return entryPrice.Sub(exitPrice).Div(entryPrice), true
	}
	return exitPrice.Sub(entryPrice).Div(entryPrice), true
}

func PnL(collateral, leverage, priceChange decimal.Decimal) decimal.Decimal {
	return collateral.Mul(leverage).Mul(priceChange)
}

// ReturnAmount is collateral + pnl floored at zero
func ReturnAmount(collateral, pnl decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, collateral.Add(pnl))
}

// SpotQuote converts an atomic payment into its USD value and the target
// quantity it buys
func SpotQuote(payAtomic decimal.Decimal, precision int32, paymentPrice, targetPrice decimal.Decimal) (payValueUSD, targetQty decimal.Decimal, err error) {
	if !paymentPrice.IsPositive() || !targetPrice.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("prices must be positive (payment %s, target %s)", paymentPrice, targetPrice)
	}
	payAmount := FromAtomic(payAtomic, precision)
	payValueUSD = payAmount.Mul(paymentPrice)
	return payValueUSD, payValueUSD.Div(targetPrice), nil
}

// ParseMarket splits "TARGET/PAYMENT" notation
func ParseMarket(market string) (target, payment string, err error) {
	parts := strings.Split(strings.TrimSpace(market), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid market %q, expected TARGET/PAYMENT", market)
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), nil
}

// Ticker returns the priced asset of a market, accepting a bare ticker too
func Ticker(market string) string {
	if target, _, err := ParseMarket(market); err == nil {
		return target
	}
	return strings.ToUpper(strings.TrimSpace(market))
}
