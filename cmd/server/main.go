package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MereWhiplash/engram-cortex/internal/app"
	"github.com/MereWhiplash/engram-cortex/internal/config"
	"github.com/MereWhiplash/engram-cortex/internal/gitinfo"
	"github.com/MereWhiplash/engram-cortex/internal/logger"
	"github.com/MereWhiplash/engram-cortex/internal/mcptypes"
	"github.com/MereWhiplash/engram-cortex/internal/search"
	"github.com/MereWhiplash/engram-cortex/internal/tools"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// version is set by goreleaser via ldflags
var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("ENGRAM_CONFIG"), "Path to YAML config file")

	// Storage flags
	storageDriver := flag.String("storage-driver", "", "Storage driver: sqlite, postgres, mongodb, memory")
	dbPath := flag.String("db-path", "", "Path to SQLite database (sqlite driver)")
	postgresDSN := flag.String("postgres-dsn", "", "PostgreSQL connection string (postgres driver)")
	mongoURI := flag.String("mongodb-uri", "", "MongoDB connection URI (mongodb driver)")

	// Embedder flags
	embeddingURL := flag.String("embedding-url", "", "Embedding provider URL")
	embeddingModel := flag.String("embedding-model", "", "Embedding model")

	owner := flag.String("owner", "", "Owner ID (default: $ENGRAM_OWNER_ID, then git user.email)")

	// CLI mode flags
	listFlag := flag.Bool("list", false, "List recent memories (CLI mode)")
	limitFlag := flag.Int("limit", 5, "Limit for list operation")
	versionFlag := flag.Bool("version", false, "Print version and exit")

	flag.Parse()

	if *versionFlag {
		fmt.Printf("engram-server %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	setIf(&cfg.Storage.Driver, *storageDriver)
	setIf(&cfg.Storage.SQLitePath, *dbPath)
	setIf(&cfg.Storage.PostgresDSN, *postgresDSN)
	setIf(&cfg.Storage.MongoURI, *mongoURI)
	setIf(&cfg.Embedder.URL, *embeddingURL)
	setIf(&cfg.Embedder.Model, *embeddingModel)
	setIf(&cfg.Owner.ID, *owner)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	scope := gitinfo.ResolveScope(cfg.Scope(), gitinfo.Get())
	if scope.OwnerID == "" {
		log.Fatal("Owner required: use --owner, ENGRAM_OWNER_ID or set git user.email")
	}

	// stdout carries the MCP protocol.
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

	// CLI mode - list memories
	if *listFlag {
		if err := runList(ctx, a, scope, *limitFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Create MCP server
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "engram-cortex",
		Version: version,
	}, nil)

	// Register tools
	tools.Register(server, tools.NewHandler(a.Service, scope))

	a.Start()

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logg.Info("shutting down")
		cancel()
	}()

	// Start server with stdio transport
	logg.Info("starting MCP server", "owner", scope.OwnerID)
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		logg.Error("server error", "error", err)
	}
}

func runList(ctx context.Context, a *app.App, scope types.Scope, limit int) error {
	results, err := a.Service.Search(ctx, search.Request{Scope: scope, Limit: limit})
	if err != nil {
		return fmt.Errorf("failed to list memories: %w", err)
	}

	for _, r := range results {
		v := mcptypes.NewItemView(r.Item, 0)
		fmt.Printf("[%s/%s] %s\n", v.Type, v.Path, v.Title)
	}
	return nil
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
