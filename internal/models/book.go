package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookStatus classifies a normalized order book.
type BookStatus string

const (
	BookStatusValid   BookStatus = "valid"
	BookStatusInvalid BookStatus = "invalid"
	BookStatusStale   BookStatus = "stale"
)

// PriceLevel is a single (price, size) entry in an order book.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// RawOrderBook is the per-exchange book payload as written by collectors.
// Levels may be unsorted and may contain zero-size or duplicate-price
// entries; the normalizer owns turning this into a NormalizedBook.
type RawOrderBook struct {
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
	Sequence  int64        `json:"sequence"`
}

// NormalizedBook is the canonical order book shape shared across all
// sources. Bids are strictly descending, asks strictly ascending, and a
// crossed or empty book carries BookStatusInvalid rather than repaired
// prices. Immutable once produced; the next snapshot per
// (exchange, symbol) supersedes it in the store.
type NormalizedBook struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Bids      []PriceLevel    `json:"bids"`
	Asks      []PriceLevel    `json:"asks"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Mid       decimal.Decimal `json:"mid"`
	BestBid   decimal.Decimal `json:"best_bid"`
	BestAsk   decimal.Decimal `json:"best_ask"`
	AgeMs     int64           `json:"age_ms"`
	Status    BookStatus      `json:"status"`
	Reason    string          `json:"reason,omitempty"`
}

// Usable reports whether the book may feed metrics computation.
func (b *NormalizedBook) Usable() bool {
	return b != nil && b.Status == BookStatusValid
}
