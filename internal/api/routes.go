package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/medviz/biostream/internal/database"
	"github.com/medviz/biostream/internal/metadata"
	"github.com/medviz/biostream/internal/services"
)

// HealthChecker is anything that can report downstream reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies carries everything the HTTP surface needs. Redis, Metadata
// and Clinical are optional; absent services report "disabled" in health.
type Dependencies struct {
	Controller *services.StreamController
	Resolver   metadata.Resolver
	Redis      *database.RedisClient
	Metadata   HealthChecker
	Clinical   HealthChecker
	Registry   *prometheus.Registry
	Logger     *logrus.Logger
}

// HealthResponse is the /health envelope.
type HealthResponse struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Version   string          `json:"version"`
	Services  ServiceStatuses `json:"services"`
	Runtime   RuntimeStats    `json:"runtime"`
}

type ServiceStatuses struct {
	Metadata string `json:"metadata"`
	Clinical string `json:"clinical"`
	Redis    string `json:"redis"`
}

type RuntimeStats struct {
	MemoryUsedPercent float64 `json:"memoryUsedPercent"`
	CPUPercent        float64 `json:"cpuPercent"`
	Goroutines        int     `json:"goroutines"`
}

// SetupRoutes registers every endpoint on the router.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	h := &handler{deps: deps}

	router.GET("/health", h.healthCheck)
	if deps.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	{
		patients := v1.Group("/patients")
		{
			patients.GET("/:patientId/streams", h.getPatientStreams)
		}

		streams := v1.Group("/streams")
		{
			streams.GET("", h.listStreams)
			streams.POST("/connect", h.connectStreams)
			streams.POST("/disconnect", h.disconnectStreams)
			streams.GET("/:streamId/data", h.getStreamData)
			streams.GET("/:streamId/latest", h.getLatestPoint)
			streams.DELETE("/:streamId/data", h.clearStreamData)
			streams.GET("/:streamId/stats", h.getStreamStats)
		}

		alerts := v1.Group("/alerts")
		{
			alerts.GET("", h.getAlerts)
			alerts.POST("/:id/ack", h.acknowledgeAlert)
		}

		v1.GET("/correlation", h.getCorrelation)
	}
}

func (h *handler) healthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   "1.0.0",
		Services: ServiceStatuses{
			Metadata: "ok",
			Clinical: "ok",
			Redis:    "ok",
		},
	}

	ctx := c.Request.Context()
	if h.deps.Metadata != nil {
		if err := h.deps.Metadata.HealthCheck(ctx); err != nil {
			response.Services.Metadata = "error"
			response.Status = "degraded"
		}
	} else {
		response.Services.Metadata = "disabled"
	}
	if h.deps.Clinical != nil {
		if err := h.deps.Clinical.HealthCheck(ctx); err != nil {
			response.Services.Clinical = "error"
			response.Status = "degraded"
		}
	} else {
		response.Services.Clinical = "disabled"
	}
	if h.deps.Redis != nil {
		if err := h.deps.Redis.HealthCheck(ctx); err != nil {
			response.Services.Redis = "error"
			response.Status = "degraded"
		}
	} else {
		response.Services.Redis = "disabled"
	}

	response.Runtime.Goroutines = runtime.NumGoroutine()
	if memInfo, err := mem.VirtualMemory(); err == nil {
		response.Runtime.MemoryUsedPercent = memInfo.UsedPercent
	}
	if cpuPercents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(cpuPercents) > 0 {
		response.Runtime.CPUPercent = cpuPercents[0]
	}

	statusCode := http.StatusOK
	if response.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}
