package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/cryptointel/market-intel-go/internal/config"
	"github.com/cryptointel/market-intel-go/internal/database"
	"github.com/cryptointel/market-intel-go/internal/state"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Services  Services  `json:"services"`
}

type Services struct {
	Redis string `json:"redis"`
}

// SetupRoutes registers the read-only API surface. Every endpoint
// serves store snapshots; nothing here mutates pipeline state.
func SetupRoutes(router *gin.Engine, store *state.Store, redis *database.RedisClient, hub *Hub, cfg *config.Config, logger *logrus.Logger) {
	router.Use(requestLogger(logger), gin.Recovery())

	router.GET("/health", healthCheck(redis))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		signals := v1.Group("/signals")
		{
			signals.GET("", getSignals(store))
			signals.GET("/history", getSignalHistory(store))
		}

		books := v1.Group("/books")
		{
			books.GET("/:symbol", getBooks(store))
		}

		stats := v1.Group("/stats")
		{
			stats.GET("/exchanges", getExchangeStats(store))
			stats.GET("/system", getSystemStatus(store))
		}
	}

	upgrader := newUpgrader(cfg.Server.AllowedOrigins)
	router.GET("/ws/events", func(c *gin.Context) {
		serveWS(hub, upgrader, c.Writer, c.Request)
	})
}

func healthCheck(redis *database.RedisClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		response := HealthResponse{
			Status:    "ok",
			Timestamp: time.Now().UTC(),
			Version:   "1.0.0",
			Services: Services{
				Redis: "ok",
			},
		}

		if err := redis.HealthCheck(c.Request.Context()); err != nil {
			response.Services.Redis = "error"
			response.Status = "degraded"
		}

		statusCode := http.StatusOK
		if response.Status == "degraded" {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, response)
	}
}
