package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/cryptointel/market-intel-go/internal/config"
	"github.com/cryptointel/market-intel-go/internal/models"
	"github.com/cryptointel/market-intel-go/internal/state"
)

// AlertMetrics is the subset of the recorder the notifier reports to.
type AlertMetrics interface {
	RecordAlertSent()
}

// sendFunc delivers one alert message to the external channel.
type sendFunc func(ctx context.Context, text string) error

// NotifierService turns confirmed, alert-worthy signal events into
// telegram messages. It owns all debouncing and rate limiting; the
// engine's state machine is the only other gate.
type NotifierService struct {
	store   *state.Store
	cfg     config.TelegramConfig
	logger  *logrus.Entry
	metrics AlertMetrics
	send    sendFunc

	alertBps decimal.Decimal
	debounce time.Duration
	now      func() time.Time

	mu       sync.Mutex
	history  []time.Time
	lastSent map[string]time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	runMu     sync.RWMutex
	isRunning bool
}

func NewNotifierService(store *state.Store, cfg *config.Config, logger *logrus.Logger, metrics AlertMetrics) (*NotifierService, error) {
	ctx, cancel := context.WithCancel(context.Background())

	n := &NotifierService{
		store:    store,
		cfg:      cfg.Telegram,
		logger:   logger.WithField("component", "notifier"),
		metrics:  metrics,
		alertBps: decimal.NewFromFloat(cfg.Telegram.AlertProfitBps),
		debounce: time.Duration(cfg.Telegram.DebounceMinutes) * time.Minute,
		now:      func() time.Time { return time.Now().UTC() },
		lastSent: make(map[string]time.Time),
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.Telegram.Enabled {
		tg, err := bot.New(cfg.Telegram.BotToken)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("initialize telegram bot: %w", err)
		}
		chatID := cfg.Telegram.ChatID
		n.send = func(ctx context.Context, text string) error {
			_, err := tg.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
			return err
		}
	}

	return n, nil
}

// Start subscribes to signal events. A disabled notifier starts
// nothing and reports success.
func (n *NotifierService) Start() error {
	if !n.cfg.Enabled {
		n.logger.Info("Telegram notifier disabled")
		return nil
	}

	n.runMu.Lock()
	if n.isRunning {
		n.runMu.Unlock()
		return fmt.Errorf("notifier service is already running")
	}
	n.isRunning = true
	n.runMu.Unlock()

	n.logger.WithFields(logrus.Fields{
		"alert_profit_bps":    n.alertBps.String(),
		"debounce":            n.debounce.String(),
		"rate_limit_per_hour": n.cfg.RateLimitPerHour,
	}).Info("Starting telegram notifier")

	n.wg.Add(1)
	go n.consume()
	return nil
}

// Stop closes the subscription and waits for the consumer to exit.
func (n *NotifierService) Stop() {
	n.runMu.Lock()
	if !n.isRunning {
		n.runMu.Unlock()
		return
	}
	n.isRunning = false
	n.runMu.Unlock()

	n.cancel()
	n.wg.Wait()
	n.logger.Info("Telegram notifier stopped")
}

func (n *NotifierService) IsRunning() bool {
	n.runMu.RLock()
	defer n.runMu.RUnlock()
	return n.isRunning
}

func (n *NotifierService) consume() {
	defer n.wg.Done()

	sub := n.store.Subscribe(n.ctx)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-n.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			n.handlePayload(n.ctx, []byte(msg.Payload))
		}
	}
}

func (n *NotifierService) handlePayload(ctx context.Context, payload []byte) {
	var event models.SignalEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return
	}
	if event.Type != "signal" {
		return
	}

	if !n.shouldSend(&event, n.now()) {
		return
	}

	text := formatSignalAlert(&event)
	if n.send == nil {
		n.logger.Info("Telegram credentials not provided; skipping notification")
		return
	}
	if err := n.send(ctx, text); err != nil {
		n.logger.WithError(err).Warn("Telegram send failed")
		return
	}

	n.recordSent(&event, n.now())
	if n.metrics != nil {
		n.metrics.RecordAlertSent()
	}
}

// shouldSend applies the anti-spam contract: confirmed signals only,
// above the alert threshold, per-route debounce, global hourly cap.
func (n *NotifierService) shouldSend(event *models.SignalEvent, now time.Time) bool {
	if event.State != models.SignalStateConfirmed {
		return false
	}
	if event.ProfitBps.LessThan(n.alertBps) {
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	// Global rate limit over a sliding hour.
	cutoff := now.Add(-time.Hour)
	kept := n.history[:0]
	for _, ts := range n.history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	n.history = kept
	if len(n.history) >= n.cfg.RateLimitPerHour {
		return false
	}

	key := routeKey(event)
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.debounce {
		return false
	}
	return true
}

func (n *NotifierService) recordSent(event *models.SignalEvent, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.history = append(n.history, now)
	n.lastSent[routeKey(event)] = now
}

func routeKey(event *models.SignalEvent) string {
	return fmt.Sprintf("%s:%s:%s", event.Symbol, event.BuyExchange, event.SellExchange)
}

func formatSignalAlert(event *models.SignalEvent) string {
	return fmt.Sprintf(
		"[ARBITRAGE SIGNAL]\nPair: %s\nRoute: buy on %s, sell on %s\nProfit: %s bps\nVolume: $%s\nReason: %s",
		event.Symbol,
		event.BuyExchange,
		event.SellExchange,
		event.ProfitBps.StringFixed(2),
		event.VolumeUsd.StringFixed(2),
		event.Reason,
	)
}
