package market

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptointel/market-intel-go/internal/models"
)

// Invalid book reasons. A crossed or empty book is marked, never
// repaired with invented prices.
const (
	ReasonEmptyBook   = "empty_book"
	ReasonCrossedBook = "crossed_book"
	ReasonStaleBook   = "stale_book"
)

var two = decimal.NewFromInt(2)

// Normalizer converts raw per-exchange book payloads into the canonical
// NormalizedBook shape.
type Normalizer struct {
	maxBookAge time.Duration
}

func NewNormalizer(maxBookAge time.Duration) *Normalizer {
	return &Normalizer{maxBookAge: maxBookAge}
}

// Normalize dedupes levels by price (summing sizes), drops non-positive
// sizes, sorts bids descending and asks ascending, and derives mid,
// best bid/ask and age. The clock is passed in so output depends only
// on the inputs.
func (n *Normalizer) Normalize(raw *models.RawOrderBook, now time.Time) *models.NormalizedBook {
	book := &models.NormalizedBook{
		Exchange:  raw.Exchange,
		Symbol:    raw.Symbol,
		Timestamp: raw.Timestamp,
		Sequence:  raw.Sequence,
		AgeMs:     now.Sub(raw.Timestamp).Milliseconds(),
		Status:    models.BookStatusValid,
	}

	book.Bids = normalizeLevels(raw.Bids, true)
	book.Asks = normalizeLevels(raw.Asks, false)

	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		book.Status = models.BookStatusInvalid
		book.Reason = ReasonEmptyBook
		return book
	}

	book.BestBid = book.Bids[0].Price
	book.BestAsk = book.Asks[0].Price

	if book.BestBid.GreaterThanOrEqual(book.BestAsk) {
		book.Status = models.BookStatusInvalid
		book.Reason = ReasonCrossedBook
		return book
	}

	book.Mid = book.BestBid.Add(book.BestAsk).Div(two)

	if book.AgeMs > n.maxBookAge.Milliseconds() {
		// Stale books are excluded from metrics but stay visible in the
		// store with their last-known levels.
		book.Status = models.BookStatusStale
		book.Reason = ReasonStaleBook
	}

	return book
}

func normalizeLevels(levels []models.PriceLevel, descending bool) []models.PriceLevel {
	merged := make(map[string]models.PriceLevel, len(levels))
	for _, lvl := range levels {
		if !lvl.Size.IsPositive() || !lvl.Price.IsPositive() {
			continue
		}
		key := lvl.Price.String()
		if existing, ok := merged[key]; ok {
			existing.Size = existing.Size.Add(lvl.Size)
			merged[key] = existing
			continue
		}
		merged[key] = lvl
	}

	out := make([]models.PriceLevel, 0, len(merged))
	for _, lvl := range merged {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}
