package engine

import (
	"github.com/shopspring/decimal"

	"github.com/cryptointel/market-intel-go/internal/models"
)

// Ineligible route reasons. These are expected filtering outcomes, not
// errors.
const (
	ReasonBuyBookUnusable  = "buy_book_unusable"
	ReasonSellBookUnusable = "sell_book_unusable"
	ReasonNoArbitrage      = "no_arbitrage"
)

var bpsFactor = decimal.NewFromInt(10_000)

// FeeSchedule maps exchanges to taker fee rates, with a fallback for
// exchanges not listed explicitly.
type FeeSchedule struct {
	Default decimal.Decimal
	Taker   map[string]decimal.Decimal
}

// NewFeeSchedule builds a schedule from configured float rates.
func NewFeeSchedule(defaultRate float64, taker map[string]float64) FeeSchedule {
	fees := FeeSchedule{
		Default: decimal.NewFromFloat(defaultRate),
		Taker:   make(map[string]decimal.Decimal, len(taker)),
	}
	for exchange, rate := range taker {
		fees.Taker[exchange] = decimal.NewFromFloat(rate)
	}
	return fees
}

// TakerFee returns the taker fee rate for an exchange.
func (f FeeSchedule) TakerFee(exchange string) decimal.Decimal {
	if rate, ok := f.Taker[exchange]; ok {
		return rate
	}
	return f.Default
}

// ComputeRouteMetrics prices one candidate route: buy at buyBook's best
// ask, sell at sellBook's best bid, net of both legs' taker fees, with
// notional capped at the smaller best-level depth and the configured
// ceiling. Referentially transparent: identical inputs always produce
// identical output, no clock or randomness enters the formula.
func ComputeRouteMetrics(buyBook, sellBook *models.NormalizedBook, fees FeeSchedule, volumeCeilingUsd decimal.Decimal) models.RouteMetrics {
	if !buyBook.Usable() {
		return models.RouteMetrics{IneligibleReason: ReasonBuyBookUnusable}
	}
	if !sellBook.Usable() {
		return models.RouteMetrics{IneligibleReason: ReasonSellBookUnusable}
	}

	buyAsk := buyBook.BestAsk
	sellBid := sellBook.BestBid

	metrics := models.RouteMetrics{
		BuyPrice:  buyAsk,
		SellPrice: sellBid,
		Spread:    sellBid.Sub(buyAsk).Div(buyAsk),
	}

	if sellBid.LessThanOrEqual(buyAsk) {
		metrics.IneligibleReason = ReasonNoArbitrage
		return metrics
	}

	baseQty := decimal.Min(buyBook.Asks[0].Size, sellBook.Bids[0].Size)
	volumeUsd := decimal.Min(baseQty.Mul(buyAsk), volumeCeilingUsd)

	qty := volumeUsd.Div(buyAsk)
	sellRevenue := qty.Mul(sellBid)
	feesApplied := volumeUsd.Mul(fees.TakerFee(buyBook.Exchange)).
		Add(sellRevenue.Mul(fees.TakerFee(sellBook.Exchange)))
	netProfit := sellRevenue.Sub(volumeUsd).Sub(feesApplied)

	metrics.VolumeUsd = volumeUsd
	metrics.FeesApplied = feesApplied
	metrics.NetProfit = netProfit
	metrics.ProfitBps = netProfit.Div(volumeUsd).Mul(bpsFactor)
	metrics.Eligible = true
	return metrics
}
