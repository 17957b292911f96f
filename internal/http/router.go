package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"treescan-service/internal/metrics"
)

// HealthChecker reports whether a dependency can serve requests.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

type RouterConfig struct {
	Environment string
	MediaRoot   string
	MediaURL    string
}

func NewRouter(handler *Handler, cfg RouterConfig, detector HealthChecker, log zerolog.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))
	router.Use(metrics.Middleware())

	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"*"},
		ExposeHeaders:   []string{"Content-Type", "Content-Disposition"},
		MaxAge:          12 * time.Hour,
	}))

	router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/health/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		if err := detector.CheckHealth(ctx); err != nil {
			log.Warn().Err(err).Msg("detector not ready")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "detector": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/metrics", metrics.Handler())

	// Scratch images are served locally only when the media URL is a path.
	if prefix := strings.TrimRight(cfg.MediaURL, "/"); strings.HasPrefix(prefix, "/") {
		router.Static(prefix, cfg.MediaRoot)
	}

	handler.Register(router)

	return router
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		event := log.Debug()
		if status >= 500 {
			event = log.Error()
		} else if status >= 400 || strings.Contains(path, "/streetview/") {
			event = log.Info()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}
