package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bhandras/delight/workerd/internal/logger"
	"github.com/bhandras/delight/workerd/internal/session/runtime"
	"github.com/bhandras/delight/workerd/internal/store"
	"github.com/bhandras/delight/workerd/internal/worker"
	"github.com/bhandras/delight/workerd/pkg/types"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, worker.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, worker.ErrCapacityExceeded),
		errors.Is(err, worker.ErrPoolClosed),
		errors.Is(err, runtime.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, runtime.ErrEmptyMessage),
		errors.Is(err, runtime.ErrMessageTooLarge),
		errors.Is(err, store.ErrInvalidRole):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status code and writes an ErrorResponse. Internal
// errors are logged and replaced by fallback.
func writeError(c *gin.Context, err error, fallback string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Errorf("[api] %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(status, types.ErrorResponse{Error: fallback})
		return
	}
	c.JSON(status, types.ErrorResponse{Error: err.Error()})
}
