// Package server assembles the HTTP surface of the audit ledger daemon.
package server

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sovereign-ledger/sovereign/internal/anchor"
	"github.com/sovereign-ledger/sovereign/internal/bundle"
	"github.com/sovereign-ledger/sovereign/internal/ledger"
	"github.com/sovereign-ledger/sovereign/internal/tsa"
)

// Config carries the router-level settings.
type Config struct {
	CORSOrigins  []string
	RateLimitRPS int
	// MaxBodyBytes caps request bodies. Default 1 MiB.
	MaxBodyBytes int64
}

// NewRouter builds the gin engine with middleware and all API routes
// mounted. authority is optional; when set, the daemon also serves
// timestamp tokens at POST /timestamp.
func NewRouter(cfg Config, l *ledger.Ledger, mgr *anchor.Manager, x *bundle.Exporter, authority *tsa.Authority, logger *zap.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:  cfg.CORSOrigins,
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders: []string{"Content-Length", "Content-Disposition"},
			MaxAge:        12 * time.Hour,
		}))
	}

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
		c.Next()
	})

	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}

	router.Use(requestLogger(logger))
	router.Use(PrometheusMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		frozen, _ := l.Frozen()
		status := http.StatusOK
		if frozen {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": healthWord(frozen), "frozen": frozen})
	})
	router.GET("/metrics", MetricsHandler())

	if authority != nil {
		NewTSAHandler(authority, logger).Register(router)
	}

	v1 := router.Group("/api/v1")
	NewLedgerHandler(l, logger).Register(v1)
	NewAnchorHandler(mgr, x, logger).Register(v1)

	return router
}

func healthWord(frozen bool) string {
	if frozen {
		return "frozen"
	}
	return "ok"
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
