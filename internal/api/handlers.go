package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/cryptointel/market-intel-go/internal/models"
	"github.com/cryptointel/market-intel-go/internal/state"
)

const defaultHistoryLimit = 50

// requestLogger emits one structured line per request in the access
// log style used across the service.
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	entry := logger.WithField("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Info("Request handled")
	}
}

func respondStoreError(c *gin.Context, err error) {
	if errors.Is(err, state.ErrStoreUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "state store unavailable"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// getSignals returns active signals ranked by profit. An optional
// ?state=candidate|confirmed query narrows the result.
func getSignals(store *state.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := models.SignalState(c.Query("state"))
		switch filter {
		case "", models.SignalStateCandidate, models.SignalStateConfirmed:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown signal state: " + string(filter)})
			return
		}

		signals, err := store.GetSignals(c.Request.Context(), filter)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"signals": signals, "count": len(signals)})
	}
}

func getSignalHistory(store *state.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultHistoryLimit
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = parsed
		}

		signals, err := store.RecentSignalHistory(c.Request.Context(), limit)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"signals": signals, "count": len(signals)})
	}
}

// getBooks returns the latest normalized book per exchange for one
// symbol, invalid and stale books included.
func getBooks(store *state.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Param("symbol")
		books, err := store.GetBooks(c.Request.Context(), symbol)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		if len(books) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no books for symbol " + symbol})
			return
		}
		c.JSON(http.StatusOK, gin.H{"symbol": symbol, "books": books})
	}
}

func getExchangeStats(store *state.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := store.GetExchangeStats(c.Request.Context())
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"exchanges": stats})
	}
}

func getSystemStatus(store *state.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := store.GetSystemStatus(c.Request.Context())
		if err != nil {
			respondStoreError(c, err)
			return
		}
		if status == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "system status not yet published"})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}
