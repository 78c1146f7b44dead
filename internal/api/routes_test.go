package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptointel/market-intel-go/internal/config"
	"github.com/cryptointel/market-intel-go/internal/database"
	"github.com/cryptointel/market-intel-go/internal/models"
	"github.com/cryptointel/market-intel-go/internal/state"
)

type apiFixture struct {
	router *gin.Engine
	store  *state.Store
	hub    *Hub
	mr     *miniredis.Miniredis
}

func setupAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	store := state.NewStore(client, 50)
	logger, _ := logtest.NewNullLogger()
	hub := NewHub(logger)

	router := gin.New()
	SetupRoutes(router, store, &database.RedisClient{Client: client}, hub, &config.Config{}, logger)

	return &apiFixture{router: router, store: store, hub: hub, mr: mr}
}

func (f *apiFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func seedSignal(t *testing.T, store *state.Store, symbol, buy, sell string, bps float64, st models.SignalState) {
	t.Helper()
	now := time.Now().UTC()
	err := store.PutSignal(context.Background(), &models.Signal{
		ID:             "sig-" + buy,
		Symbol:         symbol,
		BuyExchange:    buy,
		SellExchange:   sell,
		ProfitBps:      decimal.NewFromFloat(bps),
		VolumeUsd:      decimal.NewFromInt(5000),
		StabilityCount: 3,
		CreatedAt:      now,
		LastSeenAt:     now,
		State:          st,
	})
	require.NoError(t, err)
}

func TestHealthEndpoint(t *testing.T) {
	f := setupAPIFixture(t)

	w := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Services.Redis)
}

func TestHealthEndpointDegradedWhenRedisUnreachable(t *testing.T) {
	f := setupAPIFixture(t)
	f.mr.SetError("connection refused")

	w := f.get(t, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"error"`)
}

func TestGetSignalsRankedAndFiltered(t *testing.T) {
	f := setupAPIFixture(t)
	seedSignal(t, f.store, "BTCUSDT", "binance", "kraken", 30, models.SignalStateConfirmed)
	seedSignal(t, f.store, "BTCUSDT", "bybit", "kraken", 45, models.SignalStateCandidate)

	w := f.get(t, "/api/v1/signals")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Signals []*models.Signal `json:"signals"`
		Count   int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "bybit", resp.Signals[0].BuyExchange, "highest profit first")

	w = f.get(t, "/api/v1/signals?state=confirmed")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, models.SignalStateConfirmed, resp.Signals[0].State)
}

func TestGetSignalsRejectsUnknownState(t *testing.T) {
	f := setupAPIFixture(t)

	w := f.get(t, "/api/v1/signals?state=bogus")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSignalHistory(t *testing.T) {
	f := setupAPIFixture(t)
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		err := f.store.AppendSignalHistory(context.Background(), &models.Signal{
			ID:         "hist",
			Symbol:     "BTCUSDT",
			State:      models.SignalStateExpired,
			CreatedAt:  now,
			LastSeenAt: now,
		})
		require.NoError(t, err)
	}

	w := f.get(t, "/api/v1/signals/history?limit=2")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	w = f.get(t, "/api/v1/signals/history?limit=zero")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetBooks(t *testing.T) {
	f := setupAPIFixture(t)

	w := f.get(t, "/api/v1/books/BTCUSDT")
	assert.Equal(t, http.StatusNotFound, w.Code)

	err := f.store.PutBook(context.Background(), &models.NormalizedBook{
		Exchange:  "binance",
		Symbol:    "BTCUSDT",
		BestBid:   decimal.NewFromInt(100),
		BestAsk:   decimal.RequireFromString("100.5"),
		Status:    models.BookStatusValid,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	w = f.get(t, "/api/v1/books/BTCUSDT")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"binance"`)
}

func TestGetStatsEndpoints(t *testing.T) {
	f := setupAPIFixture(t)

	w := f.get(t, "/api/v1/stats/system")
	assert.Equal(t, http.StatusNotFound, w.Code, "nothing published yet")

	require.NoError(t, f.store.PutExchangeStats(context.Background(), &models.ExchangeStats{
		Exchange:  "binance",
		Status:    models.ExchangeStatusExcellent,
		UpdatedAt: time.Now().UTC(),
	}))
	require.NoError(t, f.store.PutSystemStatus(context.Background(), &models.SystemStatus{
		Status:         models.SystemStateOK,
		RedisReachable: true,
		LastUpdateTs:   time.Now().UTC(),
	}))

	w = f.get(t, "/api/v1/stats/exchanges")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"excellent"`)

	w = f.get(t, "/api/v1/stats/system")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestStoreOutageMapsToServiceUnavailable(t *testing.T) {
	f := setupAPIFixture(t)
	f.mr.SetError("connection refused")

	w := f.get(t, "/api/v1/signals")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpointExposed(t *testing.T) {
	f := setupAPIFixture(t)

	w := f.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestHubBroadcastReachesWebsocketClient(t *testing.T) {
	f := setupAPIFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.hub.Run(ctx)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration goes through the hub's channel; wait for it.
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	f.hub.Broadcast(map[string]string{"type": "signal", "signal_id": "sig-1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"signal_id":"sig-1"`)
}

func TestHubRelayForwardsStoreEvents(t *testing.T) {
	f := setupAPIFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.hub.Run(ctx)
	go f.hub.Relay(ctx, f.store)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	// A book write publishes a change event on the shared channel.
	require.NoError(t, f.store.PutBook(ctx, &models.NormalizedBook{
		Exchange:  "binance",
		Symbol:    "BTCUSDT",
		Status:    models.BookStatusValid,
		Timestamp: time.Now().UTC(),
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"type":"book"`)
}
