package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/vendra/field-sales/erp-orchestrator/internal/agentlock"
	"github.com/vendra/field-sales/erp-orchestrator/internal/auth"
	"github.com/vendra/field-sales/erp-orchestrator/internal/automation"
	"github.com/vendra/field-sales/erp-orchestrator/internal/browserpool"
	"github.com/vendra/field-sales/erp-orchestrator/internal/config"
	"github.com/vendra/field-sales/erp-orchestrator/internal/events"
	"github.com/vendra/field-sales/erp-orchestrator/internal/gateway"
	"github.com/vendra/field-sales/erp-orchestrator/internal/metrics"
	"github.com/vendra/field-sales/erp-orchestrator/internal/models"
	"github.com/vendra/field-sales/erp-orchestrator/internal/opqueue"
	"github.com/vendra/field-sales/erp-orchestrator/internal/persistence"
	"github.com/vendra/field-sales/erp-orchestrator/internal/syncexec"
	"github.com/vendra/field-sales/erp-orchestrator/internal/syncorch"
)

func main() {
	// Initialize OpenTelemetry
	if err := initTracer(); err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}

	cfg := config.FromEnv()

	// Connect to PostgreSQL with retry logic
	log.Println("Connecting to PostgreSQL database...")
	var pool *pgxpool.Pool
	var err error

	for i := 0; i < 10; i++ {
		pool, err = pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err == nil {
			err = pool.Ping(context.Background())
			if err == nil {
				break
			}
		}
		log.Printf("Waiting for database... (attempt %d/10): %v", i+1, err)
		time.Sleep(3 * time.Second)
	}
	if err != nil {
		log.Fatalf("Failed to connect to database after retries: %v", err)
	}
	defer pool.Close()
	log.Println("Connected to PostgreSQL database")

	store := persistence.NewPGStore(pool)
	if err := store.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	orchMetrics, err := metrics.NewOrchestratorMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}

	// Browser automation layer
	credentials := func(agentID string) (string, string, error) {
		if cfg.ERPUsername == "" || cfg.ERPPassword == "" {
			return "", "", errors.New("ERP_USERNAME and ERP_PASSWORD must be set")
		}
		return cfg.ERPUsername, cfg.ERPPassword, nil
	}
	factory := browserpool.NewPlaywrightFactory(cfg.BrowserHeadless,
		automation.LoginScript(cfg.ERPBaseURL, credentials))
	if err := factory.Start(); err != nil {
		log.Fatalf("Failed to start browser: %v", err)
	}
	defer factory.Stop()

	browsers := browserpool.New(factory, cfg.PoolMaxSize)
	defer browsers.Shutdown()

	parser := automation.NewParserClient(cfg.ParserURL)
	driver := automation.NewERPDriver(cfg.ERPBaseURL, parser)
	automation.RegisterDefaultScripts(driver)

	// Orchestration core
	hub := events.NewHub(256)
	defer hub.Close()
	locks := agentlock.NewRegistry(cfg.LockLease, cfg.LockPollInterval)

	queue := opqueue.New(locks, browsers, driver, store, hub, orchMetrics, opqueue.Options{
		WorkerLimit:       cfg.WorkerLimit,
		DefaultTimeout:    cfg.OperationTimeout,
		DedupRetention:    cfg.DedupRetention,
		PreemptionTimeout: cfg.PreemptionTimeout,
		LockPollInterval:  cfg.LockPollInterval,
	})

	runner := syncexec.NewRunner(locks, browsers, driver, store,
		syncexec.DefaultRetryPolicy(), syncexec.Options{
			IntegrityFloor: cfg.IntegrityFloor,
			LockWait:       cfg.SyncLockWait,
			LockPoll:       cfg.LockPollInterval,
			BatchSize:      cfg.SyncBatchSize,
		})
	orchestrator := syncorch.New(runner, store, hub, orchMetrics, syncorch.Options{
		AgentID:           cfg.SyncAgentID,
		Priorities:        schedulePriorities(cfg),
		ForegroundTimeout: cfg.ForegroundTimeout,
		SmartLookback:     cfg.SmartLookback,
		SmartRecordCap:    cfg.SmartRecordCap,
	})
	orchestrator.Start()

	scheduler := syncorch.NewScheduler(orchestrator, cfg.Schedules)
	scheduler.Start()

	// Initialize JWT manager
	jwtManager, err := auth.NewJWTManager()
	if err != nil {
		log.Fatalf("Failed to initialize JWT manager: %v", err)
	}

	// Gateway layer
	handler := gateway.NewHandler(queue, orchestrator, store, jwtManager, pool)
	eventStream := gateway.NewEventStream(hub)

	router := gin.Default()
	router.Use(structuredLoggingMiddleware())

	// Health checks MUST be at the root for the WebService standard
	router.GET("/health", handler.Health)
	router.GET("/ready", func(c *gin.Context) {
		if err := pool.Ping(context.Background()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"error":  "database connection failed",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	api := router.Group("/api")

	// Public routes (no authentication required)
	api.POST("/auth/login", handler.Login)
	api.GET("/health", handler.Health)

	// Protected routes (require JWT authentication)
	protected := api.Group("")
	protected.Use(auth.RequireAuth(jwtManager))

	protected.POST("/operations", handler.SubmitOperation)
	protected.GET("/operations/:id", handler.OperationStatus)
	protected.DELETE("/operations/:id", handler.CancelOperation)

	protected.POST("/syncs/:type", handler.RequestSync)
	protected.GET("/syncs", handler.SyncStatus)

	protected.POST("/foreground/enter", handler.ForegroundEnter)
	protected.POST("/foreground/exit", handler.ForegroundExit)

	protected.GET("/ws/events", eventStream.Stream)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting ERP orchestrator API server on port %s\n", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Drain the orchestration core: no new timers, running work asked to stop.
	scheduler.Stop()
	if err := queue.Shutdown(ctx); err != nil {
		log.Printf("Operation queue did not drain cleanly: %v", err)
	}
	if err := orchestrator.Shutdown(ctx); err != nil {
		log.Printf("Sync orchestrator did not drain cleanly: %v", err)
	}

	log.Println("Server exited")
}

// schedulePriorities flattens the per-type schedules into the orchestrator's
// priority table.
func schedulePriorities(cfg *config.Config) map[models.SyncType]int {
	priorities := make(map[models.SyncType]int, len(cfg.Schedules))
	for syncType, sched := range cfg.Schedules {
		priorities[syncType] = sched.Priority
	}
	return priorities
}

// initTracer initializes OpenTelemetry tracing
func initTracer() error {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)

	return nil
}

// structuredLoggingMiddleware provides structured JSON logging for all requests
func structuredLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		latency := time.Since(start)
		userID, _ := c.Get("user_id")

		logEntry := map[string]interface{}{
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": latency.Milliseconds(),
			"client_ip":  c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
		}
		if userID != nil {
			logEntry["user_id"] = userID
		}
		if len(c.Errors) > 0 {
			logEntry["errors"] = c.Errors.String()
		}

		logJSON, _ := json.Marshal(logEntry)
		log.Println(string(logJSON))
	}
}
