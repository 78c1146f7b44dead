package health

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/cryptointel/market-intel-go/internal/config"
	"github.com/cryptointel/market-intel-go/internal/models"
	"github.com/cryptointel/market-intel-go/internal/state"
)

// Bounds holds the classification thresholds. All values come from
// configuration; there are no fixed constants.
type Bounds struct {
	ErrorRateLow  float64
	ErrorRateHigh float64
	DelayLowMs    float64
	DelayHighMs   float64
	DownTimeout   time.Duration
}

// Classify derives an exchange status from its rolling sample window.
// An exchange with no successful sample inside DownTimeout is down no
// matter what the rates say.
func Classify(samples []*models.HealthSample, now time.Time, bounds Bounds) (models.ExchangeStatus, float64, float64) {
	if len(samples) == 0 {
		return models.ExchangeStatusDown, 0, 1.0
	}

	var failures int
	var latencySum float64
	var successes int
	lastSuccess := time.Time{}
	for _, sample := range samples {
		if sample.Success {
			successes++
			latencySum += sample.LatencyMs
			if sample.Timestamp.After(lastSuccess) {
				lastSuccess = sample.Timestamp
			}
		} else {
			failures++
		}
	}

	errorRate := float64(failures) / float64(len(samples))
	delayMs := 0.0
	if successes > 0 {
		delayMs = latencySum / float64(successes)
	}

	if successes == 0 || now.Sub(lastSuccess) > bounds.DownTimeout {
		return models.ExchangeStatusDown, delayMs, errorRate
	}
	if errorRate >= bounds.ErrorRateHigh || delayMs >= bounds.DelayHighMs {
		return models.ExchangeStatusDown, delayMs, errorRate
	}
	if errorRate >= bounds.ErrorRateLow || delayMs >= bounds.DelayLowMs {
		return models.ExchangeStatusUnstable, delayMs, errorRate
	}
	return models.ExchangeStatusExcellent, delayMs, errorRate
}

// DeriveSystemState folds per-exchange health and store reachability
// into the system-wide status. Losing exchanges narrows the route set
// but only the store going away takes the system down.
func DeriveSystemState(redisReachable bool, statuses map[string]models.ExchangeStatus, minHealthy int) models.SystemState {
	if !redisReachable {
		return models.SystemStateDown
	}
	healthy := 0
	anyDown := false
	for _, status := range statuses {
		if status == models.ExchangeStatusDown {
			anyDown = true
			continue
		}
		healthy++
	}
	if anyDown || healthy < minHealthy {
		return models.SystemStateDegraded
	}
	return models.SystemStateOK
}

// Tracker maintains ExchangeStats and SystemStatus from collector
// health samples. It is the only writer of either record.
type Tracker struct {
	store     *state.Store
	cfg       config.HealthConfig
	bounds    Bounds
	exchanges []string
	symbols   int
	interval  time.Duration
	logger    *logrus.Entry

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool

	lastStatuses    map[string]models.ExchangeStatus
	lastSystemState models.SystemState
	storeDown       bool
	proc            *process.Process
}

func NewTracker(store *state.Store, cfg *config.Config, logger *logrus.Logger) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Tracker{
		store: store,
		cfg:   cfg.Health,
		bounds: Bounds{
			ErrorRateLow:  cfg.Health.ErrorRateLow,
			ErrorRateHigh: cfg.Health.ErrorRateHigh,
			DelayLowMs:    cfg.Health.DelayLowMs,
			DelayHighMs:   cfg.Health.DelayHighMs,
			DownTimeout:   config.Duration(cfg.Health.DownTimeout),
		},
		exchanges:       cfg.Collectors.Exchanges,
		symbols:         len(cfg.Collectors.Symbols),
		interval:        config.Duration(cfg.Health.Interval),
		logger:          logger.WithField("component", "health_tracker"),
		ctx:             ctx,
		cancel:          cancel,
		lastStatuses:    make(map[string]models.ExchangeStatus),
		lastSystemState: models.SystemStateOK,
		proc:            proc,
	}
}

// Start begins the periodic health evaluation loop.
func (t *Tracker) Start() error {
	t.mu.Lock()
	if t.isRunning {
		t.mu.Unlock()
		return fmt.Errorf("health tracker is already running")
	}
	t.isRunning = true
	t.mu.Unlock()

	t.logger.WithField("interval", t.interval.String()).Info("Starting health tracker")

	t.wg.Add(1)
	go t.loop()
	return nil
}

// Stop shuts the tracker down and waits for the loop to exit.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.isRunning {
		t.mu.Unlock()
		return
	}
	t.isRunning = false
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	t.logger.Info("Health tracker stopped")
}

func (t *Tracker) IsRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isRunning
}

func (t *Tracker) loop() {
	defer t.wg.Done()

	t.Tick(t.ctx, time.Now().UTC())

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.Tick(t.ctx, time.Now().UTC())
		}
	}
}

// Tick evaluates every tracked exchange and stores the refreshed stats
// and system status.
func (t *Tracker) Tick(ctx context.Context, now time.Time) {
	redisReachable := t.store.Ping(ctx)
	statuses := make(map[string]models.ExchangeStatus, len(t.exchanges))

	if redisReachable {
		t.markStoreUp()
		for _, exchange := range t.exchanges {
			samples, err := t.store.HealthSamples(ctx, exchange)
			if err != nil {
				t.markStoreDown(err)
				return
			}
			status, delayMs, errorRate := Classify(samples, now, t.bounds)
			statuses[exchange] = status
			t.logTransition(exchange, status)

			if err := t.store.PutExchangeStats(ctx, &models.ExchangeStats{
				Exchange:  exchange,
				Status:    status,
				DelayMs:   delayMs,
				ErrorRate: errorRate,
				UpdatedAt: now,
			}); err != nil {
				t.markStoreDown(err)
				return
			}
		}
	}

	systemState := DeriveSystemState(redisReachable, statuses, t.cfg.MinHealthyForOK)
	t.logSystemTransition(systemState)

	if !redisReachable {
		return
	}

	active := make([]string, 0, len(statuses))
	for _, exchange := range t.exchanges {
		if statuses[exchange] != models.ExchangeStatusDown {
			active = append(active, exchange)
		}
	}

	status := &models.SystemStatus{
		Status:          systemState,
		RedisReachable:  redisReachable,
		SymbolsLoaded:   t.symbols,
		ActiveExchanges: active,
		LastUpdateTs:    now,
		Resources:       t.resourceStats(),
	}
	if err := t.store.PutSystemStatus(ctx, status); err != nil {
		t.markStoreDown(err)
	}
}

// logTransition logs an exchange status change exactly once per
// transition, never per cycle.
func (t *Tracker) logTransition(exchange string, status models.ExchangeStatus) {
	prev, seen := t.lastStatuses[exchange]
	if seen && prev == status {
		return
	}
	t.lastStatuses[exchange] = status

	entry := t.logger.WithFields(logrus.Fields{"exchange": exchange, "status": status})
	switch status {
	case models.ExchangeStatusDown:
		entry.Warn("Exchange became down")
	case models.ExchangeStatusUnstable:
		entry.Warn("Exchange became unstable")
	default:
		if seen {
			entry.Info("Exchange recovered")
		} else {
			entry.Info("Exchange healthy")
		}
	}
}

func (t *Tracker) logSystemTransition(state models.SystemState) {
	if state == t.lastSystemState {
		return
	}
	t.lastSystemState = state
	entry := t.logger.WithField("status", state)
	switch state {
	case models.SystemStateDown:
		entry.Error("System status changed to down")
	case models.SystemStateDegraded:
		entry.Warn("System status changed to degraded")
	default:
		entry.Info("System status changed to ok")
	}
}

func (t *Tracker) markStoreDown(err error) {
	if t.storeDown {
		return
	}
	t.storeDown = true
	t.logger.WithError(err).Error("State store became unreachable")
}

func (t *Tracker) markStoreUp() {
	if !t.storeDown {
		return
	}
	t.storeDown = false
	t.logger.Info("State store reachable again")
}

func (t *Tracker) resourceStats() models.ResourceStats {
	stats := models.ResourceStats{NumGoroutines: runtime.NumGoroutine()}
	if t.proc == nil {
		return stats
	}
	if cpu, err := t.proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := t.proc.MemoryInfo(); err == nil && mem != nil {
		stats.MemoryRSSMB = float64(mem.RSS) / (1024 * 1024)
	}
	return stats
}
