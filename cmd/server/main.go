/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the recurrence engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (defaults, YAML file, .env, RECUR_* environment)
  3. Open the store and replay account balances (app.Open)
  4. Create API handler with dependencies
  5. Start the horizon maintenance scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (optional)
  -port    HTTP server port, overrides the config when set

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler and wait for a running pass
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with the defaults (SQLite file recurrence.db)
  ./server

  # Run against an in-memory store
  RECUR_DB_DRIVER=memory ./server

  # Run against PostgreSQL on a different port
  RECUR_DB_DRIVER=postgres RECUR_DATABASE_URL=postgres://... ./server -port=3000

SEE ALSO:
  - config/config.go: Settings and environment variables
  - app/app.go: Store and engine bootstrap
  - api/server.go: Router configuration
  - api/scheduler.go: Horizon maintenance
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/recurrence-engine/api"
	"github.com/warp/recurrence-engine/app"
	"github.com/warp/recurrence-engine/config"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}

	// Initialize store, balances and engine
	a, err := app.Open(context.Background(), cfg, app.NewLogger(cfg, os.Stderr), nil)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	// Initialize handler
	handler := api.NewHandler(a.Engine)
	handler.Transactions = a.Backend
	handler.Balances = a.Balances

	scheduler := api.NewHorizonScheduler(a.Engine, cfg.MaintenanceCron, cfg.Location())
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	handler.Scheduler = scheduler

	// Create router
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", cfg.Port)
		log.Printf("📊 API available at http://localhost:%d/api", cfg.Port)
		log.Printf("🗄️  Store: %s, horizon %d months, maintenance %s", cfg.DBDriver, cfg.HorizonMonths, scheduler.Spec)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	scheduler.Stop()

	log.Println("Server stopped")
}
