package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bhandras/delight/workerd/internal/logger"
)

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		if raw != "" {
			path = path + "?" + raw
		}

		// Format: [http] method path?query - status (latency)
		switch {
		case statusCode >= 500:
			logger.Errorf("[http] %s %s - %d (%v)", c.Request.Method, path, statusCode, latency)
		case statusCode >= 400:
			logger.Warnf("[http] %s %s - %d (%v)", c.Request.Method, path, statusCode, latency)
		default:
			logger.Infof("[http] %s %s - %d (%v)", c.Request.Method, path, statusCode, latency)
		}
	}
}
