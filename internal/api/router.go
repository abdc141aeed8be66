// Package api assembles the HTTP surface of the server.
package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/bhandras/delight/workerd/internal/api/handlers"
	"github.com/bhandras/delight/workerd/internal/api/middleware"
	"github.com/bhandras/delight/workerd/internal/database"
	"github.com/bhandras/delight/workerd/internal/session/runtime"
	"github.com/bhandras/delight/workerd/internal/store"
	"github.com/bhandras/delight/workerd/internal/stream"
	"github.com/bhandras/delight/workerd/internal/worker"
)

// Deps are the services the routes are served from.
type Deps struct {
	DB       *database.DB
	Store    *store.Store
	Workers  *worker.Pool
	Runtime  *runtime.Manager
	Registry *stream.Registry

	AllowedOrigins []string
	MaxMessageSize int64
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

// NewRouter builds the gin engine with middleware and every route.
func NewRouter(d Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(d.AllowedOrigins)))
	router.Use(middleware.LoggingMiddleware())

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "workerd")
	})

	healthHandler := handlers.NewHealthHandler(d.DB, d.Workers, d.Registry)
	sessionHandler := handlers.NewSessionHandler(d.Store, d.Workers, d.Runtime, d.Registry)
	streamHandler := handlers.NewStreamHandler(d.Store, d.Registry, d.AllowedOrigins, d.MaxMessageSize)
	displayHandler := handlers.NewDisplayHandler(d.Workers, d.AllowedOrigins, d.MaxMessageSize)

	health := router.Group("/health")
	{
		health.GET("", healthHandler.Health)
		health.GET("/detailed", healthHandler.Detailed)
	}

	sessions := router.Group("/sessions")
	{
		sessions.POST("", sessionHandler.CreateSession)
		sessions.GET("", sessionHandler.ListSessions)
		sessions.GET("/workers/health", sessionHandler.WorkersHealth)
		sessions.GET("/:id", sessionHandler.GetSession)
		sessions.DELETE("/:id", sessionHandler.TerminateSession)
		sessions.GET("/:id/messages", sessionHandler.ListMessages)
		sessions.POST("/:id/messages", sessionHandler.CreateMessage)
	}

	router.GET("/ws/sessions/:id/stream", streamHandler.Stream)
	router.GET("/vnc/:id/info", displayHandler.Info)
	router.GET("/vnc/:id/stream", displayHandler.Stream)

	return router
}
