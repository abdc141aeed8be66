package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bhandras/delight/workerd/internal/logger"
	"github.com/bhandras/delight/workerd/pkg/types"
)

const (
	serviceName = "workerd"

	dbCheckTimeout = 2 * time.Second
)

// DBChecker verifies database connectivity.
type DBChecker interface {
	Check(ctx context.Context) error
}

// WorkerCounter reports the number of live workers.
type WorkerCounter interface {
	Len() int
}

// ListenerCounter reports the number of attached stream listeners.
type ListenerCounter interface {
	TotalListeners() int
}

type HealthHandler struct {
	db        DBChecker
	workers   WorkerCounter
	listeners ListenerCounter
}

func NewHealthHandler(db DBChecker, workers WorkerCounter, listeners ListenerCounter) *HealthHandler {
	return &HealthHandler{db: db, workers: workers, listeners: listeners}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, types.HealthResponse{Status: "healthy", Service: serviceName})
}

// Detailed handles GET /health/detailed. A failing database makes the
// service unhealthy and the response 503.
func (h *HealthHandler) Detailed(c *gin.Context) {
	resp := types.DetailedHealthResponse{
		Status:     "healthy",
		Service:    serviceName,
		Components: make(map[string]types.ComponentHealth),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), dbCheckTimeout)
	defer cancel()
	if err := h.db.Check(ctx); err != nil {
		logger.Errorf("[health] database check failed: %v", err)
		resp.Status = "unhealthy"
		resp.Components["database"] = types.ComponentHealth{Status: "unhealthy", Error: err.Error()}
	} else {
		resp.Components["database"] = types.ComponentHealth{Status: "healthy"}
	}

	workers := h.workers.Len()
	resp.Components["workers"] = types.ComponentHealth{Status: "healthy", Count: &workers}
	listeners := h.listeners.TotalListeners()
	resp.Components["listeners"] = types.ComponentHealth{Status: "healthy", Count: &listeners}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
