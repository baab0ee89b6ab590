package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TheGojiOG/LocalSM/internal/metrics"
	"github.com/TheGojiOG/LocalSM/internal/server"
	ws "github.com/TheGojiOG/LocalSM/internal/websocket"
)

// MetricsHandler serves process and host metrics
type MetricsHandler struct {
	manager   *server.Manager
	collector *metrics.Collector
	hub       *ws.Hub
	started   time.Time
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(manager *server.Manager, collector *metrics.Collector, hub *ws.Hub) *MetricsHandler {
	return &MetricsHandler{
		manager:   manager,
		collector: collector,
		hub:       hub,
		started:   time.Now(),
	}
}

// GetServerMetrics returns the latest sample and recent history for a server.
// The since query takes a duration such as 1h (default 1h).
func (h *MetricsHandler) GetServerMetrics(c *gin.Context) {
	info, err := h.manager.Get(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}

	window := time.Hour
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a positive duration"})
			return
		}
		window = parsed
	}

	history, err := h.collector.History(c.Request.Context(), info.ID, time.Now().Add(-window), queryInt(c, "limit", 360, 5000))
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{
		"server_id": info.ID,
		"running":   info.Running,
		"history":   history,
	}
	if latest, ok := h.collector.Latest(info.ID); ok && info.Running {
		resp["latest"] = latest
	}
	c.JSON(http.StatusOK, resp)
}

// GetSystemMetrics returns host memory usage plus manager counters
func (h *MetricsHandler) GetSystemMetrics(c *gin.Context) {
	host, err := h.collector.Host(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read host metrics"})
		return
	}

	servers := h.manager.List()
	running := 0
	for _, info := range servers {
		if info.Running {
			running++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"host":              host,
		"servers":           len(servers),
		"running":           running,
		"websocket_clients": h.hub.ClientCount(),
		"uptime_seconds":    int64(time.Since(h.started).Seconds()),
	})
}
