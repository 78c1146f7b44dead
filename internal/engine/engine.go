package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/cryptointel/market-intel-go/internal/config"
	"github.com/cryptointel/market-intel-go/internal/models"
	"github.com/cryptointel/market-intel-go/internal/state"
)

// Cycle outcomes reported to the metrics recorder.
const (
	CycleCompleted      = "completed"
	CycleSkippedOverlap = "skipped_overlap"
	CycleAbandonedStore = "abandoned_store"
)

// PromotionReason is the reason string carried on confirmed-signal
// events consumed by the notifier.
const PromotionReason = "sustained spread > threshold over N checks"

// Metrics is the subset of the recorder the engine reports to.
type Metrics interface {
	RecordCycle(outcome string, seconds float64)
	RecordSignalTransition(state string)
	SetActiveSignals(state string, count int)
	RecordStoreError()
}

// Engine runs the fixed-period evaluation loop that turns normalized
// books into ranked, stable signals. It exclusively owns signal
// lifecycle transitions; everything it knows across cycles roundtrips
// through the store.
type Engine struct {
	store   *state.Store
	symbols []string

	interval      time.Duration
	maxBackoff    time.Duration
	minProfitBps  decimal.Decimal
	minVolumeUsd  decimal.Decimal
	volumeCeiling decimal.Decimal
	alertBps      decimal.Decimal
	maxBookAge    time.Duration
	stability     int
	graceCycles   int
	fees          FeeSchedule

	logger  *logrus.Entry
	metrics Metrics

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool

	storeDown bool
	backoff   time.Duration
}

func New(store *state.Store, cfg *config.Config, logger *logrus.Logger, metrics Metrics) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:         store,
		symbols:       cfg.Collectors.Symbols,
		interval:      config.Duration(cfg.Engine.CycleInterval),
		maxBackoff:    config.Duration(cfg.Engine.MaxBackoff),
		minProfitBps:  decimal.NewFromFloat(cfg.Engine.MinProfitBps),
		minVolumeUsd:  decimal.NewFromFloat(cfg.Engine.MinVolumeUsd),
		volumeCeiling: decimal.NewFromFloat(cfg.Engine.VolumeCeilingUsd),
		alertBps:      decimal.NewFromFloat(cfg.Telegram.AlertProfitBps),
		maxBookAge:    time.Duration(cfg.Engine.MaxBookAgeMs) * time.Millisecond,
		stability:     cfg.Engine.StabilityThreshold,
		graceCycles:   cfg.Engine.GraceCycles,
		fees:          NewFeeSchedule(cfg.Engine.DefaultTakerFee, cfg.Engine.TakerFees),
		logger:        logger.WithField("component", "signal_engine"),
		metrics:       metrics,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start begins the evaluation loop.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return fmt.Errorf("signal engine is already running")
	}
	e.isRunning = true
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"interval":            e.interval.String(),
		"min_profit_bps":      e.minProfitBps.String(),
		"min_volume_usd":      e.minVolumeUsd.String(),
		"stability_threshold": e.stability,
		"grace_cycles":        e.graceCycles,
	}).Info("Starting signal engine")

	e.wg.Add(1)
	go e.loop()
	return nil
}

// Stop shuts the engine down and waits for the loop to exit. A cycle
// in progress completes; nothing is cancelled mid-cycle.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.isRunning {
		e.mu.Unlock()
		return
	}
	e.isRunning = false
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.logger.Info("Signal engine stopped")
}

func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isRunning
}

func (e *Engine) loop() {
	defer e.wg.Done()

	e.runCycle()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if e.storeDown {
				// Outage backoff: wait out the remainder instead of
				// hammering the store every interval.
				if e.backoff > e.interval {
					select {
					case <-e.ctx.Done():
						return
					case <-time.After(e.backoff - e.interval):
					}
				}
			}
			e.runCycle()
			// A tick that fired while the cycle ran is dropped, never
			// queued.
			select {
			case <-ticker.C:
				e.logger.Warn("Cycle still running at tick, skipping")
				e.recordCycle(CycleSkippedOverlap, 0)
			default:
			}
		}
	}
}

func (e *Engine) runCycle() {
	start := time.Now()
	err := e.EvaluateCycle(e.ctx, start.UTC())
	if err != nil {
		// A cycle cut short by shutdown is not a store outage.
		if e.ctx.Err() != nil {
			return
		}
		e.markStoreDown(err)
		e.recordCycle(CycleAbandonedStore, 0)
		return
	}
	e.markStoreUp()
	e.recordCycle(CycleCompleted, time.Since(start).Seconds())
}

// EvaluateCycle runs one bounded batch evaluation: read all relevant
// books and stats, compute route metrics, advance the signal state
// machine, commit the writes. Any store failure abandons the cycle
// wholesale so the stored signal set never mixes stale and fresh data.
func (e *Engine) EvaluateCycle(ctx context.Context, now time.Time) error {
	exchangeStats, err := e.store.GetExchangeStats(ctx)
	if err != nil {
		return err
	}
	active, err := e.store.GetSignals(ctx, "")
	if err != nil {
		return err
	}
	tracked := make(map[models.Route]*models.Signal, len(active))
	for _, sig := range active {
		tracked[sig.Route()] = sig
	}

	qualifying := make(map[models.Route]models.RouteMetrics)
	for _, symbol := range e.symbols {
		books, err := e.store.GetBooks(ctx, symbol)
		if err != nil {
			return err
		}
		for buyExchange, buyBook := range books {
			for sellExchange, sellBook := range books {
				if buyExchange == sellExchange {
					continue
				}
				if e.exchangeDown(exchangeStats, buyExchange) || e.exchangeDown(exchangeStats, sellExchange) {
					continue
				}
				// Books tagged valid at normalization can still age out
				// in the store between collector writes.
				if e.agedOut(buyBook, now) || e.agedOut(sellBook, now) {
					continue
				}
				m := ComputeRouteMetrics(buyBook, sellBook, e.fees, e.volumeCeiling)
				if !m.Eligible {
					continue
				}
				if m.ProfitBps.LessThan(e.minProfitBps) || m.VolumeUsd.LessThan(e.minVolumeUsd) {
					continue
				}
				route := models.Route{Symbol: symbol, BuyExchange: buyExchange, SellExchange: sellExchange}
				qualifying[route] = m
			}
		}
	}

	var mutated []*models.Signal
	var expired []*models.Signal
	var created []*models.Signal
	var promoted []*models.Signal

	for route, m := range qualifying {
		sig, ok := tracked[route]
		if !ok {
			sig = e.newSignal(route, m, now)
			created = append(created, sig)
		} else if e.advance(sig, m, now) {
			promoted = append(promoted, sig)
		}
		mutated = append(mutated, sig)
		delete(tracked, route)
	}

	// Everything left in tracked missed this cycle.
	for _, sig := range tracked {
		missed := e.missedCycles(sig, now)
		switch sig.State {
		case models.SignalStateCandidate:
			// Candidates lose their stability progress on a miss; only
			// confirmed signals get a grace window.
			sig.StabilityCount = 0
			if missed > e.graceCycles {
				sig.State = models.SignalStateExpired
				expired = append(expired, sig)
				continue
			}
			mutated = append(mutated, sig)
		case models.SignalStateConfirmed:
			if missed > e.graceCycles {
				sig.State = models.SignalStateExpired
				expired = append(expired, sig)
				continue
			}
			// Retained unchanged through the grace window; no write,
			// no event, no flapping.
		}
	}

	// History records every confirm and every expiry; active-set writes,
	// removals, history and events commit as one transaction so a store
	// failure abandons the cycle with nothing written.
	history := append(append([]*models.Signal{}, promoted...), expired...)
	events := make([]models.SignalEvent, 0, len(mutated)+len(expired))
	for _, sig := range mutated {
		events = append(events, e.signalEvent(sig))
	}
	for _, sig := range expired {
		events = append(events, e.signalEvent(sig))
	}
	if err := e.store.CommitCycle(ctx, mutated, expired, history, events); err != nil {
		return err
	}

	for range created {
		e.recordTransition(models.SignalStateCandidate)
	}
	for _, sig := range promoted {
		e.recordTransition(models.SignalStateConfirmed)
		e.logger.WithFields(logrus.Fields{
			"symbol":     sig.Symbol,
			"buy":        sig.BuyExchange,
			"sell":       sig.SellExchange,
			"profit_bps": sig.ProfitBps.String(),
		}).Info("Signal confirmed")
	}
	for _, sig := range expired {
		e.recordTransition(models.SignalStateExpired)
		e.logger.WithFields(logrus.Fields{
			"symbol": sig.Symbol,
			"buy":    sig.BuyExchange,
			"sell":   sig.SellExchange,
		}).Info("Signal expired")
	}

	e.reportActiveCounts(ctx)
	return nil
}

// advance moves an existing signal through a qualifying cycle and
// reports whether this cycle promoted it to confirmed.
func (e *Engine) advance(sig *models.Signal, m models.RouteMetrics, now time.Time) bool {
	sig.Spread = m.Spread
	sig.NetProfit = m.NetProfit
	sig.ProfitBps = m.ProfitBps
	sig.VolumeUsd = m.VolumeUsd
	sig.LastSeenAt = now
	sig.AlertEligible = m.ProfitBps.GreaterThanOrEqual(e.alertBps)

	sig.StabilityCount++
	if sig.State == models.SignalStateCandidate && sig.StabilityCount >= e.stability {
		sig.State = models.SignalStateConfirmed
		return true
	}
	// Confirmed stays confirmed: same identity, refreshed metrics.
	return false
}

func (e *Engine) newSignal(route models.Route, m models.RouteMetrics, now time.Time) *models.Signal {
	return &models.Signal{
		ID:             uuid.NewString(),
		Symbol:         route.Symbol,
		BuyExchange:    route.BuyExchange,
		SellExchange:   route.SellExchange,
		Spread:         m.Spread,
		NetProfit:      m.NetProfit,
		ProfitBps:      m.ProfitBps,
		VolumeUsd:      m.VolumeUsd,
		StabilityCount: 1,
		CreatedAt:      now,
		LastSeenAt:     now,
		State:          models.SignalStateCandidate,
	}
}

// missedCycles derives how many cycles a signal has gone without
// qualifying. Keeping this on last_seen_at instead of a counter keeps
// all cross-cycle state in the store.
func (e *Engine) missedCycles(sig *models.Signal, now time.Time) int {
	if e.interval <= 0 {
		return 0
	}
	return int(now.Sub(sig.LastSeenAt) / e.interval)
}

func (e *Engine) agedOut(book *models.NormalizedBook, now time.Time) bool {
	return now.Sub(book.Timestamp) > e.maxBookAge
}

func (e *Engine) exchangeDown(stats map[string]*models.ExchangeStats, exchange string) bool {
	es, ok := stats[exchange]
	if !ok {
		// No health record yet: keep the route out until the tracker
		// has classified the exchange.
		return true
	}
	return es.Status == models.ExchangeStatusDown
}

func (e *Engine) signalEvent(sig *models.Signal) models.SignalEvent {
	event := models.SignalEvent{
		Type:         "signal",
		SignalID:     sig.ID,
		Symbol:       sig.Symbol,
		BuyExchange:  sig.BuyExchange,
		SellExchange: sig.SellExchange,
		State:        sig.State,
		ProfitBps:    sig.ProfitBps,
		VolumeUsd:    sig.VolumeUsd,
	}
	if sig.State == models.SignalStateConfirmed {
		event.Reason = PromotionReason
	}
	return event
}

func (e *Engine) reportActiveCounts(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	signals, err := e.store.GetSignals(ctx, "")
	if err != nil {
		return
	}
	counts := map[models.SignalState]int{}
	for _, sig := range signals {
		counts[sig.State]++
	}
	e.metrics.SetActiveSignals(string(models.SignalStateCandidate), counts[models.SignalStateCandidate])
	e.metrics.SetActiveSignals(string(models.SignalStateConfirmed), counts[models.SignalStateConfirmed])
}

// markStoreDown logs once per outage transition and doubles the retry
// backoff; per-attempt noise is deliberately absent.
func (e *Engine) markStoreDown(err error) {
	if e.metrics != nil {
		e.metrics.RecordStoreError()
	}
	if e.storeDown {
		if e.backoff < e.maxBackoff {
			e.backoff = minDuration(e.backoff*2, e.maxBackoff)
		}
		return
	}
	e.storeDown = true
	e.backoff = e.interval
	e.logger.WithError(err).Error("State store unavailable, cycles abandoned until it recovers")
}

func (e *Engine) markStoreUp() {
	if !e.storeDown {
		return
	}
	e.storeDown = false
	e.backoff = 0
	e.logger.Info("State store recovered, resuming evaluation cycles")
}

func (e *Engine) recordCycle(outcome string, seconds float64) {
	if e.metrics != nil {
		e.metrics.RecordCycle(outcome, seconds)
	}
}

func (e *Engine) recordTransition(state models.SignalState) {
	if e.metrics != nil {
		e.metrics.RecordSignalTransition(string(state))
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
