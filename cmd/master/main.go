package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/gatehouse-ci/gatehouse/pkg/api"
	"github.com/gatehouse-ci/gatehouse/pkg/metrics"
	"github.com/gatehouse-ci/gatehouse/pkg/pipeline"
	"github.com/gatehouse-ci/gatehouse/pkg/scheduler"
	"github.com/gatehouse-ci/gatehouse/pkg/shutdown"
	"github.com/gatehouse-ci/gatehouse/pkg/store"
)

func main() {
	port := flag.String("port", "8080", "Master API port")
	dbType := flag.String("db-type", "sqlite", "Database backend: sqlite, postgres or memory")
	dbPath := flag.String("db", "gatehouse.db", "SQLite database path")
	dbDSN := flag.String("dsn", "", "PostgreSQL connection string (when --db-type=postgres)")
	apiKeyFlag := flag.String("api-key", "", "API key for authentication (or GATEHOUSE_API_KEY env var)")
	webhookSecret := flag.String("webhook-secret", "", "HMAC secret for webhook deliveries (or GATEHOUSE_WEBHOOK_SECRET env var)")
	pipelineFile := flag.String("pipeline", "", "Additional pipeline definition file (YAML)")
	enableMetrics := flag.Bool("metrics", true, "Enable Prometheus metrics endpoint")
	metricsPort := flag.String("metrics-port", "9091", "Prometheus metrics port")
	runnerTimeout := flag.Duration("runner-timeout", 2*time.Minute, "Heartbeat lapse before a runner is considered lost")
	sweepInterval := flag.Duration("sweep-interval", 30*time.Second, "Scheduler maintenance sweep period")
	flag.Parse()

	apiKey := *apiKeyFlag
	if apiKey == "" {
		apiKey = os.Getenv("GATEHOUSE_API_KEY")
	}
	hookSecret := *webhookSecret
	if hookSecret == "" {
		hookSecret = os.Getenv("GATEHOUSE_WEBHOOK_SECRET")
	}

	log.Println("Starting Gatehouse CI Master")
	log.Printf("Port: %s", *port)
	log.Printf("Runner timeout: %s", *runnerTimeout)

	// Create store
	dataStore, err := store.NewStore(store.Config{
		Type: *dbType,
		Path: *dbPath,
		DSN:  *dbDSN,
	})
	if err != nil {
		log.Fatalf("Failed to create store: %v", err)
	}
	switch *dbType {
	case "memory":
		log.Println("WARNING: Using in-memory store (data will not persist)")
	case "sqlite", "":
		log.Printf("✓ Persistent storage enabled: %s", *dbPath)
	default:
		log.Println("✓ Persistent storage enabled (postgres)")
	}

	// Load extra pipelines beside the built-in verification pipeline
	var pipelines []*pipeline.Pipeline
	if *pipelineFile != "" {
		p, err := pipeline.Load(*pipelineFile)
		if err != nil {
			log.Fatalf("Failed to load pipeline %s: %v", *pipelineFile, err)
		}
		log.Printf("✓ Pipeline loaded: %s (%d jobs)", p.Name, len(p.Jobs))
		pipelines = append(pipelines, p)
	}

	handler := api.NewMasterHandler(dataStore, pipelines...)
	if apiKey != "" {
		handler.SetAPIKey(apiKey)
		log.Println("✓ API authentication enabled")
	} else {
		log.Println("WARNING: No API key set, the API is unauthenticated")
		log.Println("Generate one with: openssl rand -base64 32")
	}
	if hookSecret != "" {
		handler.SetWebhookSecret(hookSecret)
		log.Println("✓ Webhook signature verification enabled")
	}

	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	if *enableMetrics {
		exporter := metrics.NewMasterExporter(dataStore)
		handler.SetMetricsRecorder(exporter)
		router.Use(metrics.NewHTTPMetrics().Middleware)

		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", exporter).Methods("GET")
		metricsSrv := &http.Server{
			Addr:         ":" + *metricsPort,
			Handler:      metricsRouter,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("Metrics server listening on :%s", *metricsPort)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
		log.Println("✓ Metrics endpoint enabled")
	}

	// Orphan detection sweeps
	schedCtx, cancelSched := context.WithCancel(context.Background())
	sched := scheduler.New(dataStore, scheduler.Config{
		Interval:      *sweepInterval,
		RunnerTimeout: *runnerTimeout,
	})
	go sched.Run(schedCtx)

	srv := &http.Server{
		Addr:         ":" + *port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	shutdownMgr := shutdown.New(30 * time.Second)
	shutdownMgr.Register(shutdown.CloseResource(dataStore, "store"))
	shutdownMgr.Register(func(ctx context.Context) error {
		cancelSched()
		return nil
	})
	shutdownMgr.Register(shutdown.StopHTTPServer(srv, "API"))

	go func() {
		log.Printf("Master API listening on :%s", *port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server error: %v", err)
		}
	}()

	shutdownMgr.Wait()
	shutdownMgr.Shutdown()
}
