/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty engine server. Handles configuration,
  dependency injection, seeding, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from environment, then apply flag overrides
  2. Initialize SQLite store
  3. Create API handler with dependencies
  4. Apply optional YAML seed file
  5. Start the expiration sweep scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database
  -seed    YAML seed file applied at startup (overrides SEED_FILE)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (config timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/loyalty.db"

  # Run with in-memory database and a seed
  ./server -db=":memory:" -seed="./seeds/demo.yaml"

  # Run on different port
  ./server -port=3000

SEE ALSO:
  - config/config.go: Environment configuration
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
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

	"github.com/atlas/loyalty-engine/api"
	"github.com/atlas/loyalty-engine/config"
	"github.com/atlas/loyalty-engine/factory"
	"github.com/atlas/loyalty-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Flags override the environment for local development.
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	seedFile := flag.String("seed", cfg.SeedFile, "YAML seed file applied at startup")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Initialize handler
	handler, err := api.NewHandler(store)
	if err != nil {
		log.Fatalf("Failed to initialize handler: %v", err)
	}

	// Apply seed file if configured
	if *seedFile != "" {
		seed, err := factory.LoadSeed(*seedFile)
		if err != nil {
			log.Fatalf("Failed to load seed file: %v", err)
		}
		if err := factory.Apply(context.Background(), seed, handler.Registry, store); err != nil {
			log.Fatalf("Failed to apply seed file: %v", err)
		}
		log.Printf("[Seed] Applied %s: %d programs, %d rules, %d memberships",
			*seedFile, len(seed.Programs), len(seed.Rules), len(seed.Memberships))
	}

	// Start the expiration sweep scheduler
	scheduler := api.NewSweepScheduler(store, handler)
	scheduler.Enabled = cfg.SweepEnabled
	scheduler.CheckInterval = cfg.SweepInterval
	scheduler.Start()
	defer scheduler.Stop()

	// Create router
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("📊 API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
