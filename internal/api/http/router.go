package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kernelgate/kbus/internal/api/middleware"
	"github.com/kernelgate/kbus/internal/infrastructure/config"
	"github.com/kernelgate/kbus/internal/infrastructure/monitoring"
	"github.com/kernelgate/kbus/internal/transport/ws"
)

// NewRouter assembles the gin engine: introspection routes, the
// Prometheus scrape endpoint and the websocket command transport.
func NewRouter(cfg *config.Config, h *Handlers, wsHandler *ws.Handler, metrics *monitoring.Metrics) *gin.Engine {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if metrics != nil {
		router.Use(monitoring.Middleware(metrics))
	}
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	router.GET("/health", h.Health)
	router.GET("/stats", h.Stats)
	router.GET("/buses", h.Buses)
	router.GET("/buses/:name/names", h.BusNames)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/ws", wsHandler.HandleConnection)

	return router
}
