package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nppsupply/velocity/internal/api"
	"github.com/nppsupply/velocity/internal/config"
	"github.com/nppsupply/velocity/internal/db"
	"github.com/nppsupply/velocity/internal/middleware"
	"github.com/nppsupply/velocity/internal/observability"
	"github.com/nppsupply/velocity/internal/parser"
	"github.com/nppsupply/velocity/internal/repository"
	"github.com/nppsupply/velocity/internal/velocity"
	"github.com/nppsupply/velocity/migrations"

	"github.com/rs/cors"
)

func main() {
	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Setup database connection
	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer conn.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, conn.Pool, migrations.Files); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Create repositories
	fileRepo := repository.NewFileRepository(conn.Pool)
	jobRepo := repository.NewJobRepository(conn.Pool)
	rowRepo := repository.NewRowRepository(conn.Pool)
	shipmentRepo := repository.NewShipmentRepository(conn.Pool)
	jobErrorRepo := repository.NewJobErrorRepository(conn.Pool)

	metrics, metricsHandler := observability.NewMetrics()

	// Create the worker and the ingestion service that wakes it
	worker := velocity.NewWorker(jobRepo, rowRepo, shipmentRepo, jobErrorRepo, velocity.PermissiveReference{}, metrics, velocity.WorkerConfig{
		PollInterval:  cfg.Worker.PollInterval,
		Parallelism:   cfg.Worker.Parallelism,
		ProgressEvery: cfg.Worker.ProgressEvery,
	})
	service := velocity.NewService(fileRepo, jobRepo, rowRepo, shipmentRepo, jobErrorRepo,
		parser.NewRegistry(), cfg.Worker.Staleness, worker.Wake)

	// Fail unfinishable jobs left behind by a previous process and wake
	// the worker for the rest
	if err := velocity.ResumeIncompleteJobs(ctx, jobRepo, jobErrorRepo, worker); err != nil {
		log.Fatalf("Failed to resume incomplete jobs: %v", err)
	}

	workerCtx, stopWorker := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(workerCtx)
	}()

	// Setup CORS
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	velocityHandler := middleware.LoggingMiddleware(
		middleware.DistributorScopeMiddleware(api.NewHTTPHandler(service)),
	)

	mux := http.NewServeMux()
	mux.Handle("/velocity/", corsHandler.Handler(velocityHandler))
	mux.Handle("/metrics", metricsHandler)

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting Velocity server on %s", cfg.Server.Addr)
		log.Printf("Ingest endpoint available at http://localhost%s/velocity/ingest", cfg.Server.Addr)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	// Stop the worker; in-flight row writes finish before it returns
	stopWorker()
	wg.Wait()

	log.Println("Server exited")
}
