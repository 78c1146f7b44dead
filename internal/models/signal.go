package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SignalState is the lifecycle state of a tracked route signal.
type SignalState string

const (
	SignalStateCandidate SignalState = "candidate"
	SignalStateConfirmed SignalState = "confirmed"
	SignalStateExpired   SignalState = "expired"
)

// Route is a candidate (symbol, buy exchange, sell exchange) arbitrage
// path. Routes are derived each cycle and never persisted on their own.
type Route struct {
	Symbol       string `json:"symbol"`
	BuyExchange  string `json:"buy_exchange"`
	SellExchange string `json:"sell_exchange"`
}

// Key returns the stable identity used to overwrite the prior record
// for this route instead of duplicating it.
func (r Route) Key() string {
	return fmt.Sprintf("%s:%s:%s", r.Symbol, r.BuyExchange, r.SellExchange)
}

// RouteMetrics is the pure output of the metrics calculator for one
// route. Eligible is false for expected filtering outcomes (invalid or
// stale input books, no positive gross spread); that is not an error.
type RouteMetrics struct {
	Spread           decimal.Decimal `json:"spread"`
	FeesApplied      decimal.Decimal `json:"fees_applied"`
	NetProfit        decimal.Decimal `json:"net_profit"`
	ProfitBps        decimal.Decimal `json:"profit_bps"`
	VolumeUsd        decimal.Decimal `json:"volume_usd"`
	BuyPrice         decimal.Decimal `json:"buy_price"`
	SellPrice        decimal.Decimal `json:"sell_price"`
	Eligible         bool            `json:"eligible"`
	IneligibleReason string          `json:"ineligible_reason,omitempty"`
}

// Signal is the stateful record of a route's qualification history.
// Field names are a stable contract consumed by the dashboard, stream
// and notifier services.
type Signal struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	BuyExchange    string          `json:"buy_exchange"`
	SellExchange   string          `json:"sell_exchange"`
	Spread         decimal.Decimal `json:"spread"`
	NetProfit      decimal.Decimal `json:"net_profit"`
	ProfitBps      decimal.Decimal `json:"profit_bps"`
	VolumeUsd      decimal.Decimal `json:"volume_usd"`
	StabilityCount int             `json:"stability_count"`
	CreatedAt      time.Time       `json:"created_at"`
	LastSeenAt     time.Time       `json:"last_seen_at"`
	State          SignalState     `json:"state"`
	AlertEligible  bool            `json:"alert_eligible"`
}

// Route returns the route identity of the signal.
func (s *Signal) Route() Route {
	return Route{Symbol: s.Symbol, BuyExchange: s.BuyExchange, SellExchange: s.SellExchange}
}

// SignalEvent is the change event published for every mutated signal.
// The notifier reacts only to confirmed, alert-eligible events; all
// debounce and rate limiting happens there.
type SignalEvent struct {
	Type         string          `json:"type"`
	SignalID     string          `json:"signal_id"`
	Symbol       string          `json:"symbol"`
	BuyExchange  string          `json:"buy_exchange"`
	SellExchange string          `json:"sell_exchange"`
	State        SignalState     `json:"state"`
	ProfitBps    decimal.Decimal `json:"profit_bps"`
	VolumeUsd    decimal.Decimal `json:"volume_usd"`
	Reason       string          `json:"reason"`
}
