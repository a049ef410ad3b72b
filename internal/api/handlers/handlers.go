// Package handlers implements the admin/debug API's HTTP handlers: a thin
// wrapper around accessor closures into the running system, since the
// handler itself owns no state.
package handlers

import (
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/coldwire/s2s/internal/api/models"
)

// Snapshot is a point-in-time view of connector state, supplied by
// internal/core so this package never imports it directly (avoiding an
// import cycle between the core loop and its own admin surface).
type Snapshot struct {
	Connections models.ConnectionStats
	Queues      models.QueueStats
	DNSCache    models.DNSCacheStats
	RouterLink  models.RouterLinkStats
	Routes      []models.RouteEntry
}

// SnapshotFunc returns the current Snapshot. It is called from the HTTP
// handler goroutine, not the core event loop, so implementations must
// take their own lock or channel round-trip to read loop-owned state
// safely (the loop is otherwise single-threaded).
type SnapshotFunc func() Snapshot

// Handler serves the admin/debug API's endpoints.
type Handler struct {
	logger    *slog.Logger
	startTime time.Time
	snapshot  SnapshotFunc
}

// New constructs a Handler. snapshot may be nil in tests that only
// exercise /health.
func New(logger *slog.Logger, snapshot SnapshotFunc) *Handler {
	return &Handler{logger: logger, startTime: time.Now(), snapshot: snapshot}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, models.StatusResponse{Status: "ok"})
}

// Stats reports process and connector runtime statistics.
func (h *Handler) Stats(c *gin.Context) {
	uptime := time.Since(h.startTime)

	memStats := models.MemoryStats{}
	if vmStat, err := mem.VirtualMemory(); err == nil {
		memStats.TotalMB = float64(vmStat.Total) / 1024 / 1024
		memStats.FreeMB = float64(vmStat.Available) / 1024 / 1024
		memStats.UsedMB = float64(vmStat.Used) / 1024 / 1024
		memStats.UsedPercent = vmStat.UsedPercent
	}

	cpuStats := models.CPUStats{NumCPU: runtime.NumCPU()}
	if pct, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(pct) > 0 {
		cpuStats.UsedPercent = pct[0]
		cpuStats.IdlePercent = 100.0 - pct[0]
	}

	resp := models.ServerStatsResponse{
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		StartTime:     h.startTime,
		CPU:           cpuStats,
		Memory:        memStats,
	}

	if h.snapshot != nil {
		snap := h.snapshot()
		resp.Connections = snap.Connections
		resp.Queues = snap.Queues
		resp.DNSCache = snap.DNSCache
		resp.RouterLink = snap.RouterLink
	}

	c.JSON(http.StatusOK, resp)
}

// Routes reports every currently live route and its dialback state.
func (h *Handler) Routes(c *gin.Context) {
	var routes []models.RouteEntry
	if h.snapshot != nil {
		routes = h.snapshot().Routes
	}
	c.JSON(http.StatusOK, models.RoutesResponse{Routes: routes})
}
