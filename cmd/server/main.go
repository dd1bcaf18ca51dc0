/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Loom Projection Engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse environment config, then command-line flags (flags win)
  2. Initialize SQLite store
  3. Create API handler with engine collaborators
  4. Start the background roll scheduler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port           HTTP server port (default: 8080)
  -db             SQLite database path (default: loom.db)
                  Use ":memory:" for in-memory database
  -roll-interval  Scheduler roll interval (default: 1h)
  -audit-rate     Spot-audit probability per woven shift (default: 0.1)

ENVIRONMENT:
  LOOM_PORT, LOOM_DB_PATH, LOOM_ROLL_INTERVAL, LOOM_AUDIT_RATE,
  LOOM_SCHEDULER_ENABLED - same meaning as the flags above.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the roll scheduler (waits for an in-flight pass)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/loom.db"

  # Run with in-memory database, rolling every minute
  ./server -db=":memory:" -roll-interval=1m

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Background roll scheduler
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

	"github.com/caarlos0/env/v11"
	"github.com/tapestry/loom-engine/api"
	"github.com/tapestry/loom-engine/store/sqlite"
)

type config struct {
	Port             int           `env:"LOOM_PORT" envDefault:"8080"`
	DBPath           string        `env:"LOOM_DB_PATH" envDefault:"loom.db"`
	RollInterval     time.Duration `env:"LOOM_ROLL_INTERVAL" envDefault:"1h"`
	AuditRate        float64       `env:"LOOM_AUDIT_RATE" envDefault:"0.1"`
	SchedulerEnabled bool          `env:"LOOM_SCHEDULER_ENABLED" envDefault:"true"`
}

func main() {
	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Failed to parse environment: %v", err)
	}

	// Flags override environment
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	rollInterval := flag.Duration("roll-interval", cfg.RollInterval, "scheduler roll interval")
	auditRate := flag.Float64("audit-rate", cfg.AuditRate, "spot-audit probability per woven shift")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Initialize handler; the store doubles as the audit sink
	handler := api.NewHandler(store, store)
	handler.AuditRate = *auditRate

	// Background roll scheduler
	scheduler := api.NewRollScheduler(handler)
	scheduler.RollInterval = *rollInterval
	scheduler.Enabled = cfg.SchedulerEnabled
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
		log.Printf("Server starting on http://localhost:%d", *port)
		log.Printf("API available at http://localhost:%d/api", *port)
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
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
