package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptointel/market-intel-go/internal/config"
	"github.com/cryptointel/market-intel-go/internal/models"
	"github.com/cryptointel/market-intel-go/internal/state"
)

// fakeRecorder counts engine metric callbacks.
type fakeRecorder struct {
	cycles      map[string]int
	transitions map[string]int
	storeErrors int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{cycles: map[string]int{}, transitions: map[string]int{}}
}

func (f *fakeRecorder) RecordCycle(outcome string, _ float64)    { f.cycles[outcome]++ }
func (f *fakeRecorder) RecordSignalTransition(state string)      { f.transitions[state]++ }
func (f *fakeRecorder) SetActiveSignals(string, int)             {}
func (f *fakeRecorder) RecordStoreError()                        { f.storeErrors++ }

type engineFixture struct {
	engine   *Engine
	store    *state.Store
	mr       *miniredis.Miniredis
	recorder *fakeRecorder
	hook     *logtest.Hook
	now      time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	store := state.NewStore(client, 50)
	logger, hook := logtest.NewNullLogger()
	recorder := newFakeRecorder()

	cfg := &config.Config{
		Collectors: config.CollectorsConfig{
			Symbols:   []string{"BTCUSDT"},
			Exchanges: []string{"binance", "okx"},
		},
		Engine: config.EngineConfig{
			CycleInterval:      "2s",
			MinProfitBps:       20,
			MinVolumeUsd:       100,
			StabilityThreshold: 3,
			GraceCycles:        2,
			MaxBookAgeMs:       60_000,
			VolumeCeilingUsd:   5000,
			DefaultTakerFee:    0.001,
			MaxBackoff:         "30s",
		},
		Telegram: config.TelegramConfig{AlertProfitBps: 25},
	}

	return &engineFixture{
		engine:   New(store, cfg, logger, recorder),
		store:    store,
		mr:       mr,
		recorder: recorder,
		hook:     hook,
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *engineFixture) putBook(t *testing.T, exchange string, bid, ask float64) {
	t.Helper()
	book := validBook(exchange, bid, 100, ask, 100)
	book.Timestamp = f.now
	require.NoError(t, f.store.PutBook(context.Background(), book))
}

func (f *engineFixture) putStats(t *testing.T, exchange string, status models.ExchangeStatus) {
	t.Helper()
	require.NoError(t, f.store.PutExchangeStats(context.Background(), &models.ExchangeStats{
		Exchange:  exchange,
		Status:    status,
		UpdatedAt: f.now,
	}))
}

// qualifyingMarket writes fresh books and healthy stats for the
// standard profitable route: buy binance at 100.00, sell okx at 100.50.
func (f *engineFixture) qualifyingMarket(t *testing.T) {
	f.putBook(t, "binance", 99.90, 100.00)
	f.putBook(t, "okx", 100.50, 100.60)
	f.putStats(t, "binance", models.ExchangeStatusExcellent)
	f.putStats(t, "okx", models.ExchangeStatusExcellent)
}

// cycle advances the clock by one interval and evaluates.
func (f *engineFixture) cycle(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.EvaluateCycle(context.Background(), f.now))
	f.now = f.now.Add(2 * time.Second)
}

func (f *engineFixture) confirmedSignals(t *testing.T) []*models.Signal {
	t.Helper()
	signals, err := f.store.GetSignals(context.Background(), models.SignalStateConfirmed)
	require.NoError(t, err)
	return signals
}

func (f *engineFixture) allSignals(t *testing.T) []*models.Signal {
	t.Helper()
	signals, err := f.store.GetSignals(context.Background(), "")
	require.NoError(t, err)
	return signals
}

func TestCandidateCreatedOnFirstQualifyingCycle(t *testing.T) {
	f := newEngineFixture(t)
	f.qualifyingMarket(t)

	f.cycle(t)

	signals := f.allSignals(t)
	require.Len(t, signals, 1)
	sig := signals[0]
	assert.Equal(t, models.SignalStateCandidate, sig.State)
	assert.Equal(t, 1, sig.StabilityCount)
	assert.Equal(t, "binance", sig.BuyExchange)
	assert.Equal(t, "okx", sig.SellExchange)
	assert.NotEmpty(t, sig.ID)
}

func TestPromotionAfterStabilityThresholdExactlyOnce(t *testing.T) {
	f := newEngineFixture(t)
	f.qualifyingMarket(t)

	f.cycle(t)
	f.cycle(t)
	assert.Empty(t, f.confirmedSignals(t), "two qualifying cycles must not confirm")

	f.cycle(t)
	confirmed := f.confirmedSignals(t)
	require.Len(t, confirmed, 1)
	firstID := confirmed[0].ID

	// Further qualifying cycles refresh in place, never regress and
	// never re-promote.
	f.cycle(t)
	f.cycle(t)
	confirmed = f.confirmedSignals(t)
	require.Len(t, confirmed, 1)
	assert.Equal(t, firstID, confirmed[0].ID)
	assert.Equal(t, 1, f.recorder.transitions[string(models.SignalStateConfirmed)])
}

func TestCandidateMissResetsStabilityProgress(t *testing.T) {
	f := newEngineFixture(t)
	f.qualifyingMarket(t)

	f.cycle(t)
	f.cycle(t)

	// Spread collapses for one cycle.
	f.putBook(t, "okx", 100.01, 100.11)
	f.cycle(t)

	signals := f.allSignals(t)
	require.Len(t, signals, 1)
	assert.Equal(t, models.SignalStateCandidate, signals[0].State)
	assert.Equal(t, 0, signals[0].StabilityCount)

	// Qualification must re-accumulate from scratch.
	f.qualifyingMarket(t)
	f.cycle(t)
	f.cycle(t)
	assert.Empty(t, f.confirmedSignals(t))
	f.cycle(t)
	assert.Len(t, f.confirmedSignals(t), 1)
}

func TestConfirmedSurvivesGraceCyclesThenExpires(t *testing.T) {
	f := newEngineFixture(t)
	f.qualifyingMarket(t)

	f.cycle(t)
	f.cycle(t)
	f.cycle(t)
	require.Len(t, f.confirmedSignals(t), 1)

	// Spread collapses for good.
	f.putBook(t, "okx", 100.01, 100.11)

	f.cycle(t)
	assert.Len(t, f.confirmedSignals(t), 1, "grace cycle 1 retains confirmed")
	f.cycle(t)
	assert.Len(t, f.confirmedSignals(t), 1, "grace cycle 2 retains confirmed")

	f.cycle(t)
	assert.Empty(t, f.allSignals(t), "expired signal leaves the active set")

	history, err := f.store.RecentSignalHistory(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, models.SignalStateExpired, history[0].State)
}

func TestDownExchangeExcludesRoute(t *testing.T) {
	f := newEngineFixture(t)
	f.qualifyingMarket(t)
	f.putStats(t, "okx", models.ExchangeStatusDown)

	f.cycle(t)

	assert.Empty(t, f.allSignals(t), "route with a down leg is never evaluated")
}

func TestDownExchangeAgesConfirmedViaGraceWindow(t *testing.T) {
	f := newEngineFixture(t)
	f.qualifyingMarket(t)

	f.cycle(t)
	f.cycle(t)
	f.cycle(t)
	require.Len(t, f.confirmedSignals(t), 1)

	// Price data stays profitable, but the sell leg goes down.
	f.putStats(t, "okx", models.ExchangeStatusDown)

	f.cycle(t)
	f.cycle(t)
	assert.Len(t, f.confirmedSignals(t), 1, "no instant removal on exchange loss")

	f.cycle(t)
	assert.Empty(t, f.allSignals(t))
}

func TestMissingExchangeStatsKeepsRouteOut(t *testing.T) {
	f := newEngineFixture(t)
	f.putBook(t, "binance", 99.90, 100.00)
	f.putBook(t, "okx", 100.50, 100.60)
	// No stats written at all.

	f.cycle(t)

	assert.Empty(t, f.allSignals(t))
}

func TestSingleExchangeSymbolYieldsNoRoutesButKeepsBook(t *testing.T) {
	f := newEngineFixture(t)
	f.putBook(t, "binance", 99.90, 100.00)
	f.putStats(t, "binance", models.ExchangeStatusExcellent)

	f.cycle(t)

	assert.Empty(t, f.allSignals(t))
	book, err := f.store.GetBook(context.Background(), "binance", "BTCUSDT")
	require.NoError(t, err)
	assert.NotNil(t, book, "remaining single-exchange data stays in the store")
}

func TestAgedOutBookExcludedFromEvaluation(t *testing.T) {
	f := newEngineFixture(t)
	f.qualifyingMarket(t)

	// Evaluate two minutes later: books exceed max_book_age_ms.
	f.now = f.now.Add(2 * time.Minute)
	require.NoError(t, f.engine.EvaluateCycle(context.Background(), f.now))

	assert.Empty(t, f.allSignals(t))
}

func TestAlertEligibilityThreshold(t *testing.T) {
	f := newEngineFixture(t)
	f.qualifyingMarket(t)

	f.cycle(t)
	f.cycle(t)
	f.cycle(t)

	confirmed := f.confirmedSignals(t)
	require.Len(t, confirmed, 1)
	// ~30 bps net clears the 25 bps alert threshold.
	assert.True(t, confirmed[0].AlertEligible)
}

func TestStoreOutageLogsOnceAndRecoveryOnce(t *testing.T) {
	f := newEngineFixture(t)
	f.qualifyingMarket(t)

	f.mr.Close()

	f.engine.runCycle()
	f.engine.runCycle()
	f.engine.runCycle()

	outageLogs := 0
	for _, entry := range f.hook.AllEntries() {
		if entry.Message == "State store unavailable, cycles abandoned until it recovers" {
			outageLogs++
		}
	}
	assert.Equal(t, 1, outageLogs, "N failed cycles log exactly one outage transition")
	assert.Equal(t, 3, f.recorder.cycles[CycleAbandonedStore])
	assert.Equal(t, 3, f.recorder.storeErrors)

	require.NoError(t, f.mr.Restart())
	f.engine.runCycle()

	recoveryLogs := 0
	for _, entry := range f.hook.AllEntries() {
		if entry.Message == "State store recovered, resuming evaluation cycles" {
			recoveryLogs++
		}
	}
	assert.Equal(t, 1, recoveryLogs)
}

func TestBackoffGrowsDuringOutage(t *testing.T) {
	f := newEngineFixture(t)
	f.mr.Close()

	f.engine.runCycle()
	first := f.engine.backoff
	f.engine.runCycle()
	second := f.engine.backoff
	f.engine.runCycle()
	third := f.engine.backoff

	assert.Equal(t, 2*time.Second, first)
	assert.Equal(t, 4*time.Second, second)
	assert.Equal(t, 8*time.Second, third)
}

func TestFailedCycleLeavesSignalSetUntouched(t *testing.T) {
	f := newEngineFixture(t)
	f.qualifyingMarket(t)

	f.cycle(t)
	f.cycle(t)
	before := f.allSignals(t)
	require.Len(t, before, 1)

	f.mr.SetError("connection refused")
	require.Error(t, f.engine.EvaluateCycle(context.Background(), f.now))
	f.mr.SetError("")

	after := f.allSignals(t)
	assert.Equal(t, before, after, "abandoned cycle must not mix fresh and stale records")

	history, err := f.store.RecentSignalHistory(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestPromotionAppendsHistorySnapshot(t *testing.T) {
	f := newEngineFixture(t)
	f.qualifyingMarket(t)

	f.cycle(t)
	f.cycle(t)
	history, err := f.store.RecentSignalHistory(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, history, "candidate cycles leave no history")

	f.cycle(t)
	history, err = f.store.RecentSignalHistory(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.SignalStateConfirmed, history[0].State)

	confirmed := f.confirmedSignals(t)
	require.Len(t, confirmed, 1)
	assert.Equal(t, confirmed[0].ID, history[0].ID)
}

func TestShutdownMidCycleIsNotAnOutage(t *testing.T) {
	f := newEngineFixture(t)
	f.qualifyingMarket(t)

	f.engine.cancel()
	f.engine.runCycle()

	for _, entry := range f.hook.AllEntries() {
		assert.NotEqual(t, "State store unavailable, cycles abandoned until it recovers", entry.Message)
	}
	assert.Zero(t, f.recorder.cycles[CycleAbandonedStore])
	assert.Zero(t, f.recorder.storeErrors)
}
