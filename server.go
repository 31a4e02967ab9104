package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docflow_backend/config"
	"github.com/mmdatafocus/docflow_backend/handlers"
	"github.com/mmdatafocus/docflow_backend/middlewares"
	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/utils"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found", "code": "NotFound"})
}

// readinessGate answers /healthz at once and 503 for everything else until ready is set.
func readinessGate(ready *atomic.Bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !ready.Load() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service is starting", "code": "Unavailable"})
			return
		}
		c.Next()
	}
}

// corsConfig requires an explicit CORS_ALLOWED_ORIGINS allowlist in production and allows all otherwise.
func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			cfg.AllowOrigins = []string{}
		} else {
			cfg.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "PATCH", "DELETE", "OPTIONS")
	cfg.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", middlewares.CorrelationHeader)
	cfg.AddExposeHeaders("Content-Length", "Retry-After", middlewares.CorrelationHeader)
	cfg.AllowCredentials = true
	return cfg
}

// rateLimiterFromEnv returns nil unless RATE_LIMIT_ENABLED=true.
// Env:
// - RATE_LIMIT_WINDOW_SECONDS=60
// - RATE_LIMIT_MAX_REQUESTS=600
func rateLimiterFromEnv() *middlewares.RateLimiter {
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		return nil
	}
	limit := int64(600)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	windowSec := int64(60)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			windowSec = n
		}
	}
	// The Redis client is resolved per request; it is nil until ConnectRedisWithRetry returns.
	return middlewares.NewRateLimiter(nil, limit, time.Duration(windowSec)*time.Second)
}

func newRouter(h *handlers.Handler, ready *atomic.Bool, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(readinessGate(ready))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.Use(cors.New(corsConfig()))
	r.Use(middlewares.ErrorLogger(logger))
	r.Use(gin.Recovery())

	// Pub/Sub push sits outside session and bearer auth.
	h.RegisterPubSub(r)

	api := r.Group("")
	api.Use(middlewares.SessionMiddleware(middlewares.RedisSessionLookup))
	api.Use(middlewares.AuthMiddleware(config.AuthRequired()))
	if rl := rateLimiterFromEnv(); rl != nil {
		api.Use(func(c *gin.Context) {
			rl.WithClient(config.GetRedisDB()).RateLimitMiddleware(c)
		})
	}
	h.Register(api)

	r.NoRoute(customNotFoundHandler)
	return r
}

// setReadCommitted retries until the session isolation level is applied.
func setReadCommitted(ctx context.Context, logger *logrus.Logger) {
	db := config.GetDB()
	for attempt := 1; ; attempt++ {
		err := db.WithContext(ctx).Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			return
		}
		sleep := config.BackoffDelay(attempt)
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Listen before dependencies are up; the readiness gate answers 503 meanwhile.
	var ready atomic.Bool
	h := handlers.New(nil, nil, logger)
	r := newRouter(h, &ready, logger)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Both loops only end early when a shutdown signal arrives.
	if err := config.ConnectDatabaseWithRetry(sigCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Warn("shutdown before database connected")
		return
	}
	if err := config.ConnectRedisWithRetry(sigCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("shutdown before redis connected")
		return
	}

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can hold table locks; SKIP_MIGRATIONS lets a separate job own it.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal("AutoMigrate failed: " + err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}
	setReadCommitted(sigCtx, logger)

	settings := config.LoadPipelineSettings()
	p, err := buildPipeline(sigCtx, db, settings, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "pipeline"}).Fatal(err.Error())
	}
	defer p.Close()

	h.Engine = p.Engine
	if p.Objects != nil {
		h.Objects = p.Objects
	}
	ready.Store(true)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	p.Start(workerCtx, &workers)

	logger.WithFields(logrus.Fields{
		"info":      "Connection Established",
		"job_queue": settings.JobQueue,
	}).Info("listening on :", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop taking new jobs before draining HTTP.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	workers.Wait()

	_ = config.CloseRedis()
}
