package models

import (
	"time"
)

// ExchangeStatus classifies exchange health from recent samples.
type ExchangeStatus string

const (
	ExchangeStatusExcellent ExchangeStatus = "excellent"
	ExchangeStatusUnstable  ExchangeStatus = "unstable"
	ExchangeStatusDown      ExchangeStatus = "down"
)

// SystemState is the system-wide status classification.
type SystemState string

const (
	SystemStateOK       SystemState = "ok"
	SystemStateDegraded SystemState = "degraded"
	SystemStateDown     SystemState = "down"
)

// HealthSample is one collector-reported poll outcome.
type HealthSample struct {
	Exchange  string    `json:"exchange"`
	Success   bool      `json:"success"`
	LatencyMs float64   `json:"latency_ms"`
	Timestamp time.Time `json:"ts"`
}

// ExchangeStats is the rolling health estimate for one exchange.
// Mutated only by the health tracker.
type ExchangeStats struct {
	Exchange  string         `json:"exchange"`
	Status    ExchangeStatus `json:"status"`
	DelayMs   float64        `json:"delay_ms"`
	ErrorRate float64        `json:"error_rate"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ResourceStats carries process-level resource usage for the
// observability surface.
type ResourceStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryRSSMB   float64 `json:"memory_rss_mb"`
	NumGoroutines int     `json:"num_goroutines"`
}

// SystemStatus is recomputed each tracker tick from store reachability
// and per-exchange health; it is derived state, never authoritative.
type SystemStatus struct {
	Status          SystemState   `json:"status"`
	RedisReachable  bool          `json:"redis_reachable"`
	SymbolsLoaded   int           `json:"symbols_loaded"`
	ActiveExchanges []string      `json:"active_exchanges"`
	LastUpdateTs    time.Time     `json:"last_update_ts"`
	Resources       ResourceStats `json:"resources"`
}
