// cmd/api/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MereWhiplash/engram-cortex/internal/api"
	"github.com/MereWhiplash/engram-cortex/internal/app"
	"github.com/MereWhiplash/engram-cortex/internal/config"
	"github.com/MereWhiplash/engram-cortex/internal/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("ENGRAM_CONFIG"), "Path to YAML config file")

	// Flags override the config file and environment when set.
	addr := flag.String("addr", "", "Server address")
	storageDriver := flag.String("storage-driver", "", "Storage driver: sqlite, postgres, mongodb, memory")
	postgresDSN := flag.String("postgres-dsn", "", "PostgreSQL connection string")
	mongoURI := flag.String("mongodb-uri", "", "MongoDB connection URI")
	embeddingURL := flag.String("embedding-url", "", "Embedding provider URL")
	embeddingModel := flag.String("embedding-model", "", "Embedding model")
	rateLimit := flag.Int("rate-limit", -1, "Requests per minute per client (0 to disable)")
	corsOrigins := flag.String("cors-origins", "", "Comma-separated list of allowed CORS origins")
	migrateOnly := flag.Bool("migrate", false, "Run migrations and exit")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	setIf(&cfg.Server.Addr, *addr)
	setIf(&cfg.Storage.Driver, *storageDriver)
	setIf(&cfg.Storage.PostgresDSN, *postgresDSN)
	setIf(&cfg.Storage.MongoURI, *mongoURI)
	setIf(&cfg.Embedder.URL, *embeddingURL)
	setIf(&cfg.Embedder.Model, *embeddingModel)
	if *rateLimit >= 0 {
		cfg.Server.RateLimit = *rateLimit
	}
	if *corsOrigins != "" {
		cfg.Server.CORSOrigins = strings.Split(*corsOrigins, ",")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logg, err := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx := context.Background()

	a, err := app.New(ctx, cfg, logg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	// Storage constructors create their schema.
	if *migrateOnly {
		logg.Info("migrations complete")
		return
	}

	handlers := api.NewHandlers(a.Service, logg)
	handlers.SetHealthCheck(a.Ping)

	router := api.NewRouter(handlers, api.RouterConfig{
		Timeout:     cfg.Server.Timeout,
		RateLimit:   cfg.Server.RateLimit,
		CORSOrigins: strings.Join(cfg.Server.CORSOrigins, ","),
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.Timeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	a.Start()

	// Graceful shutdown
	done := make(chan bool)
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logg.Info("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logg.Error("shutdown error", "error", err)
		}

		close(done)
	}()

	logg.Info("starting API server", "addr", cfg.Server.Addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	<-done
	fmt.Println("Server stopped")
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
