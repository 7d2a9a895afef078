// Package server builds the HTTP router.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/valeevte/PriceTracker/internal/logger"
	"github.com/valeevte/PriceTracker/internal/monitor"
)

type Config struct {
	Port        string   `envconfig:"PORT" default:"8080"`
	GinMode     string   `envconfig:"GIN_MODE" default:"debug"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS"`
}

// HealthFunc reports whether the process dependencies are reachable.
type HealthFunc func(c *gin.Context) error

func NewRouter(cfg Config, h *monitor.Handler, health HealthFunc, log *logger.Logger) *gin.Engine {
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), RequestLogger(log.With("component", "http")), CORS(cfg.CORSOrigins))

	r.GET("/healthz", func(c *gin.Context) {
		if health != nil {
			if err := health(c); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.Use(Identity())
	h.Register(api)
	return r
}
