package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/registry_importer/config"
	"github.com/mmdatafocus/registry_importer/identity"
	"github.com/mmdatafocus/registry_importer/middlewares"
	"github.com/mmdatafocus/registry_importer/models"
	"github.com/mmdatafocus/registry_importer/utils"
	"github.com/mmdatafocus/registry_importer/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultPort = "8080"

var importOrchestrator atomic.Pointer[workflow.Orchestrator]

func getOrchestrator() *workflow.Orchestrator {
	return importOrchestrator.Load()
}

// newImportOrchestrator wires the MySQL-backed resolver and writer with the Redis session store.
func newImportOrchestrator(db *gorm.DB, rdb *redis.Client, settings config.Settings) (*workflow.Orchestrator, error) {
	for _, table := range settings.BackingTables {
		if !models.IsBackingTable(table) {
			return nil, fmt.Errorf("%w: %s", utils.ErrorUnknownBackingTable, table)
		}
	}

	var counter identity.Counter
	switch settings.CounterBackend {
	case "redis":
		counter = models.NewRedisCounter(rdb)
	case "db", "":
		counter = models.NewDBCounter(db)
	default:
		return nil, fmt.Errorf("unknown counter backend %q", settings.CounterBackend)
	}

	resolver := &identity.Resolver{
		Tables:      settings.BackingTables,
		Lookup:      models.NewBackingTableLookup(db),
		Registry:    models.NewPropIdRegistry(db),
		Counter:     counter,
		CounterName: settings.CounterName,
		Timeout:     settings.LookupTimeout,
	}
	return workflow.NewOrchestrator(
		settings,
		workflow.NewRedisSessionStore(rdb),
		workflow.NewRedisLocker(config.GetRedisLock(), settings.LockTTL),
		resolver,
		models.NewPropertyRecordWriter(db),
	), nil
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	settings := config.ImportSettings()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server first; until DB/Redis are ready app endpoints return 503.
	r := gin.New()
	r.Use(middlewares.RequestContextMiddleware())
	r.Use(middlewares.ReadinessMiddleware(func() bool {
		return config.GetDB() != nil && config.GetRedisDB() != nil && getOrchestrator() != nil
	}))

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production CORS_ALLOWED_ORIGINS (comma-separated) is required; elsewhere all origins are allowed.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-correlation-id", "x-operator")
	corsConfig.AddExposeHeaders("Content-Length", "x-correlation-id")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	// Optional rate limiting.
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
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
		r.Use(middlewares.RateLimitFromClient(config.GetRedisDB, limit, time.Duration(windowSec)*time.Second))
	}

	// IMPORT_OPERATOR_KEYS="alice:key1,bob:key2" turns on bearer key checks.
	r.Use(middlewares.OperatorKeyMiddleware(middlewares.ParseOperatorKeys(os.Getenv("IMPORT_OPERATOR_KEYS"))))
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())
	registerImportRoutes(r, getOrchestrator)
	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can block tables; SKIP_MIGRATIONS=true leaves it to a separate job.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := config.RetryBackoff(attempt)
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	orchestrator, err := newImportOrchestrator(db, config.GetRedisDB(), settings)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "orchestrator"}).Fatal(err.Error())
	}
	importOrchestrator.Store(orchestrator)

	logger.WithFields(logrus.Fields{
		"info":           "Connection Established",
		"backing_tables": settings.BackingTables,
		"counter":        settings.CounterBackend,
	}).Info("import api listening on :", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}
