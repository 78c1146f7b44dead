package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/cryptointel/market-intel-go/internal/config"
	"github.com/cryptointel/market-intel-go/internal/market"
	"github.com/cryptointel/market-intel-go/internal/models"
	"github.com/cryptointel/market-intel-go/internal/state"
)

// CollectorMetrics is the subset of the recorder the collector reports to.
type CollectorMetrics interface {
	RecordBookCollected(exchange, result string)
}

// depthResponse is the wire shape of a depth snapshot: price/size pairs
// as strings, best levels first not guaranteed.
type depthResponse struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
	Ts   int64      `json:"ts"`
	Seq  int64      `json:"seq"`
}

// CollectorService polls exchange depth endpoints and writes normalized
// books plus health samples into the store. It never evaluates routes;
// that is the engine's job.
type CollectorService struct {
	store      *state.Store
	normalizer *market.Normalizer
	cfg        config.CollectorsConfig
	client     *http.Client
	logger     *logrus.Entry
	metrics    CollectorMetrics

	pollInterval time.Duration
	maxBackoff   time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool
}

func NewCollectorService(store *state.Store, normalizer *market.Normalizer, cfg *config.Config, logger *logrus.Logger, metrics CollectorMetrics) *CollectorService {
	ctx, cancel := context.WithCancel(context.Background())
	return &CollectorService{
		store:        store,
		normalizer:   normalizer,
		cfg:          cfg.Collectors,
		client:       &http.Client{Timeout: config.Duration(cfg.Collectors.HTTPTimeout)},
		logger:       logger.WithField("component", "collector"),
		metrics:      metrics,
		pollInterval: config.Duration(cfg.Collectors.PollInterval),
		maxBackoff:   config.Duration(cfg.Collectors.MaxBackoff),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches one polling worker per configured exchange.
func (c *CollectorService) Start() error {
	if !c.cfg.Enabled {
		c.logger.Info("Collector service is disabled in configuration")
		return nil
	}

	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return fmt.Errorf("collector service is already running")
	}
	c.isRunning = true
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"exchanges": c.cfg.Exchanges,
		"symbols":   c.cfg.Symbols,
		"interval":  c.pollInterval.String(),
	}).Info("Starting collector service")

	for _, exchange := range c.cfg.Exchanges {
		c.wg.Add(1)
		go c.collectLoop(exchange)
	}
	return nil
}

// Stop shuts down all workers and waits for them to exit.
func (c *CollectorService) Stop() {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return
	}
	c.isRunning = false
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.logger.Info("Collector service stopped")
}

func (c *CollectorService) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isRunning
}

func (c *CollectorService) collectLoop(exchange string) {
	defer c.wg.Done()

	backoff := c.pollInterval
	for {
		failed := false
		for _, symbol := range c.cfg.Symbols {
			if err := c.CollectOnce(c.ctx, exchange, symbol); err != nil {
				failed = true
				c.logger.WithError(err).WithFields(logrus.Fields{
					"exchange": exchange,
					"symbol":   symbol,
				}).Debug("Depth poll failed")
			}
		}

		if failed {
			backoff = minDuration(backoff*2, c.maxBackoff)
		} else {
			backoff = c.pollInterval
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// CollectOnce fetches one depth snapshot, normalizes it, stores the
// book and records a health sample with the observed latency.
func (c *CollectorService) CollectOnce(ctx context.Context, exchange, symbol string) error {
	start := time.Now()
	raw, err := c.fetchDepth(ctx, exchange, symbol)
	latency := time.Since(start)
	now := time.Now().UTC()

	sample := &models.HealthSample{
		Exchange:  exchange,
		Success:   err == nil,
		LatencyMs: float64(latency.Milliseconds()),
		Timestamp: now,
	}
	if sampleErr := c.store.AppendHealthSample(ctx, sample); sampleErr != nil {
		c.logger.WithError(sampleErr).Debug("Failed to record health sample")
	}

	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordBookCollected(exchange, "error")
		}
		return err
	}

	book := c.normalizer.Normalize(raw, now)
	if err := c.store.PutBook(ctx, book); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.RecordBookCollected(exchange, string(book.Status))
	}
	return nil
}

func (c *CollectorService) fetchDepth(ctx context.Context, exchange, symbol string) (*models.RawOrderBook, error) {
	url := fmt.Sprintf("%s/depth?symbol=%s&limit=%d", c.baseURL(exchange), symbol, c.cfg.Depth)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build depth request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch depth for %s on %s: %w", symbol, exchange, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("depth request for %s on %s returned status %d", symbol, exchange, resp.StatusCode)
	}

	var payload depthResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode depth payload: %w", err)
	}

	return buildRawBook(exchange, symbol, &payload, time.Now().UTC())
}

func (c *CollectorService) baseURL(exchange string) string {
	if url, ok := c.cfg.BaseURLs[exchange]; ok {
		return url
	}
	return fmt.Sprintf("https://api.%s.com", exchange)
}

// buildRawBook converts a wire depth payload into a RawOrderBook,
// leaving all validation to the normalizer.
func buildRawBook(exchange, symbol string, payload *depthResponse, now time.Time) (*models.RawOrderBook, error) {
	ts := now
	if payload.Ts > 0 {
		ts = time.UnixMilli(payload.Ts).UTC()
	}

	bids, err := parseLevels(payload.Bids)
	if err != nil {
		return nil, fmt.Errorf("parse bids: %w", err)
	}
	asks, err := parseLevels(payload.Asks)
	if err != nil {
		return nil, fmt.Errorf("parse asks: %w", err)
	}

	return &models.RawOrderBook{
		Exchange:  exchange,
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: ts,
		Sequence:  payload.Seq,
	}, nil
}

func parseLevels(raw [][]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("level needs price and size, got %d fields", len(pair))
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("bad price %q: %w", pair[0], err)
		}
		size, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("bad size %q: %w", pair[1], err)
		}
		levels = append(levels, models.PriceLevel{Price: price, Size: size})
	}
	return levels, nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
