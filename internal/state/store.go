package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cryptointel/market-intel-go/internal/models"
)

// ErrStoreUnavailable is returned (wrapped) whenever the backing store
// cannot be reached. Callers retry with backoff and keep operating on
// their last-known-good cycle snapshot instead of crashing.
var ErrStoreUnavailable = errors.New("state store unavailable")

const (
	// EventsChannel carries change events consumed by the stream hub
	// and the notifier.
	EventsChannel = "events"

	activeSignalsKey  = "signals:active"
	signalHistoryKey  = "history:signals"
	exchangeStatsKey  = "stats:exchange"
	systemStatusKey   = "stats:system"
	signalHistoryMax  = 500
)

// Store provides typed access to the redis-backed shared state. It is
// the single place order books, stats and signals persist across
// process boundaries; every write is scoped to one key with
// last-write-wins semantics.
type Store struct {
	client       *redis.Client
	healthWindow int
}

func NewStore(client *redis.Client, healthWindow int) *Store {
	if healthWindow < 1 {
		healthWindow = 1
	}
	return &Store{client: client, healthWindow: healthWindow}
}

func bookKey(exchange, symbol string) string {
	return fmt.Sprintf("book:%s:%s", exchange, symbol)
}

func healthSamplesKey(exchange string) string {
	return fmt.Sprintf("health:samples:%s", exchange)
}

func wrapErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

// PutBook stores a normalized book under its (exchange, symbol) key and
// publishes a book change event.
func (s *Store) PutBook(ctx context.Context, book *models.NormalizedBook) error {
	payload, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("marshal book: %w", err)
	}
	key := bookKey(book.Exchange, book.Symbol)
	if err := s.client.Set(ctx, key, payload, 0).Err(); err != nil {
		return wrapErr("put book", err)
	}
	return s.Publish(ctx, EventsChannel, map[string]string{"type": "book", "key": key})
}

// GetBook returns the stored book for one (exchange, symbol), or nil
// when none has been written yet.
func (s *Store) GetBook(ctx context.Context, exchange, symbol string) (*models.NormalizedBook, error) {
	data, err := s.client.Get(ctx, bookKey(exchange, symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get book", err)
	}
	var book models.NormalizedBook
	if err := json.Unmarshal(data, &book); err != nil {
		return nil, fmt.Errorf("unmarshal book: %w", err)
	}
	return &book, nil
}

// GetBooks returns all exchanges' stored books for a symbol.
func (s *Store) GetBooks(ctx context.Context, symbol string) (map[string]*models.NormalizedBook, error) {
	books := make(map[string]*models.NormalizedBook)
	pattern := fmt.Sprintf("book:*:%s", symbol)

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, wrapErr("scan books", err)
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, wrapErr("get book", err)
			}
			var book models.NormalizedBook
			if err := json.Unmarshal(data, &book); err != nil {
				continue
			}
			if book.Symbol == symbol {
				books[book.Exchange] = &book
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return books, nil
}

// PutSignal upserts a signal under its route key so re-evaluation
// overwrites the prior record instead of duplicating it.
func (s *Store) PutSignal(ctx context.Context, sig *models.Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := s.client.HSet(ctx, activeSignalsKey, sig.Route().Key(), payload).Err(); err != nil {
		return wrapErr("put signal", err)
	}
	return nil
}

// RemoveSignal drops a route's signal from the active set. Expired
// signals land in history via AppendSignalHistory, not here.
func (s *Store) RemoveSignal(ctx context.Context, route models.Route) error {
	if err := s.client.HDel(ctx, activeSignalsKey, route.Key()).Err(); err != nil {
		return wrapErr("remove signal", err)
	}
	return nil
}

// CommitCycle applies one evaluation cycle's signal writes as a single
// transaction: refreshed signals, expired removals, history snapshots
// and change events all land together or not at all. The active set
// never mixes one cycle's fresh records with another's stale ones.
func (s *Store) CommitCycle(ctx context.Context, mutated, expired, history []*models.Signal, events []models.SignalEvent) error {
	if len(mutated)+len(expired)+len(history)+len(events) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	for _, sig := range mutated {
		payload, err := json.Marshal(sig)
		if err != nil {
			return fmt.Errorf("marshal signal: %w", err)
		}
		pipe.HSet(ctx, activeSignalsKey, sig.Route().Key(), payload)
	}
	for _, sig := range expired {
		pipe.HDel(ctx, activeSignalsKey, sig.Route().Key())
	}
	for _, sig := range history {
		payload, err := json.Marshal(sig)
		if err != nil {
			return fmt.Errorf("marshal signal: %w", err)
		}
		pipe.LPush(ctx, signalHistoryKey, payload)
	}
	if len(history) > 0 {
		pipe.LTrim(ctx, signalHistoryKey, 0, signalHistoryMax-1)
	}
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal signal event: %w", err)
		}
		pipe.Publish(ctx, EventsChannel, payload)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("commit cycle", err)
	}
	return nil
}

// GetSignals returns active signals, optionally filtered by state,
// ranked by profit descending.
func (s *Store) GetSignals(ctx context.Context, stateFilter models.SignalState) ([]*models.Signal, error) {
	raw, err := s.client.HVals(ctx, activeSignalsKey).Result()
	if err != nil {
		return nil, wrapErr("get signals", err)
	}
	signals := make([]*models.Signal, 0, len(raw))
	for _, item := range raw {
		var sig models.Signal
		if err := json.Unmarshal([]byte(item), &sig); err != nil {
			continue
		}
		if stateFilter != "" && sig.State != stateFilter {
			continue
		}
		signals = append(signals, &sig)
	}
	sort.Slice(signals, func(i, j int) bool {
		if !signals[i].ProfitBps.Equal(signals[j].ProfitBps) {
			return signals[i].ProfitBps.GreaterThan(signals[j].ProfitBps)
		}
		return signals[i].Route().Key() < signals[j].Route().Key()
	})
	return signals, nil
}

// AppendSignalHistory pushes a terminal snapshot of a signal onto the
// bounded history list read by the dashboard and the summarizer.
func (s *Store) AppendSignalHistory(ctx context.Context, sig *models.Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, signalHistoryKey, payload)
	pipe.LTrim(ctx, signalHistoryKey, 0, signalHistoryMax-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("append signal history", err)
	}
	return nil
}

// RecentSignalHistory returns up to limit most recent terminal signals.
func (s *Store) RecentSignalHistory(ctx context.Context, limit int) ([]*models.Signal, error) {
	raw, err := s.client.LRange(ctx, signalHistoryKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, wrapErr("signal history", err)
	}
	signals := make([]*models.Signal, 0, len(raw))
	for _, item := range raw {
		var sig models.Signal
		if err := json.Unmarshal([]byte(item), &sig); err != nil {
			continue
		}
		signals = append(signals, &sig)
	}
	return signals, nil
}

// PutExchangeStats upserts one exchange's rolling health stats.
func (s *Store) PutExchangeStats(ctx context.Context, stats *models.ExchangeStats) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal exchange stats: %w", err)
	}
	if err := s.client.HSet(ctx, exchangeStatsKey, stats.Exchange, payload).Err(); err != nil {
		return wrapErr("put exchange stats", err)
	}
	return nil
}

// GetExchangeStats returns the latest stats for every tracked exchange.
func (s *Store) GetExchangeStats(ctx context.Context) (map[string]*models.ExchangeStats, error) {
	raw, err := s.client.HGetAll(ctx, exchangeStatsKey).Result()
	if err != nil {
		return nil, wrapErr("get exchange stats", err)
	}
	stats := make(map[string]*models.ExchangeStats, len(raw))
	for exchange, item := range raw {
		var es models.ExchangeStats
		if err := json.Unmarshal([]byte(item), &es); err != nil {
			continue
		}
		stats[exchange] = &es
	}
	return stats, nil
}

// AppendHealthSample records one collector poll outcome, trimmed to the
// tracker's rolling window.
func (s *Store) AppendHealthSample(ctx context.Context, sample *models.HealthSample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("marshal health sample: %w", err)
	}
	key := healthSamplesKey(sample.Exchange)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, int64(s.healthWindow-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("append health sample", err)
	}
	return nil
}

// HealthSamples returns the rolling window of samples for an exchange,
// most recent first.
func (s *Store) HealthSamples(ctx context.Context, exchange string) ([]*models.HealthSample, error) {
	raw, err := s.client.LRange(ctx, healthSamplesKey(exchange), 0, int64(s.healthWindow-1)).Result()
	if err != nil {
		return nil, wrapErr("health samples", err)
	}
	samples := make([]*models.HealthSample, 0, len(raw))
	for _, item := range raw {
		var sample models.HealthSample
		if err := json.Unmarshal([]byte(item), &sample); err != nil {
			continue
		}
		samples = append(samples, &sample)
	}
	return samples, nil
}

// PutSystemStatus stores the derived system-wide status snapshot.
func (s *Store) PutSystemStatus(ctx context.Context, status *models.SystemStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal system status: %w", err)
	}
	if err := s.client.Set(ctx, systemStatusKey, payload, 0).Err(); err != nil {
		return wrapErr("put system status", err)
	}
	return s.Publish(ctx, EventsChannel, map[string]string{"type": "stats"})
}

// GetSystemStatus returns the last stored system status, or nil before
// the first tracker tick.
func (s *Store) GetSystemStatus(ctx context.Context) (*models.SystemStatus, error) {
	data, err := s.client.Get(ctx, systemStatusKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get system status", err)
	}
	var status models.SystemStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("unmarshal system status: %w", err)
	}
	return &status, nil
}

// Publish sends a JSON-encoded event on a pub/sub channel.
func (s *Store) Publish(ctx context.Context, channel string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return wrapErr("publish", err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription on the events channel. The
// caller owns closing the returned subscription.
func (s *Store) Subscribe(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, EventsChannel)
}

// Ping reports store reachability within a short deadline.
func (s *Store) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}
