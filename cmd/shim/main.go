// cmd/shim/main.go
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MereWhiplash/engram-cortex/internal/client"
	"github.com/MereWhiplash/engram-cortex/internal/gitinfo"
	"github.com/MereWhiplash/engram-cortex/internal/shim"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

func main() {
	apiURL := flag.String("api-url", "", "Central API URL (required)")
	owner := flag.String("owner", "", "Owner ID (default: $ENGRAM_OWNER_ID, then git user.email)")
	org := flag.String("org", "", "Organization ID (default: $ENGRAM_ORGANIZATION_ID, then git remote org)")
	flag.Parse()

	_ = godotenv.Load()

	// Check for env var if flag not set
	if *apiURL == "" {
		*apiURL = os.Getenv("ENGRAM_API_URL")
	}
	if *apiURL == "" {
		log.Fatal("API URL required: use --api-url or ENGRAM_API_URL environment variable")
	}
	if *owner == "" {
		*owner = os.Getenv("ENGRAM_OWNER_ID")
	}
	if *org == "" {
		*org = os.Getenv("ENGRAM_ORGANIZATION_ID")
	}

	scope := gitinfo.ResolveScope(types.Scope{OwnerID: *owner, OrganizationID: *org}, gitinfo.Get())
	if scope.OwnerID == "" {
		log.Fatal("Owner required: use --owner, ENGRAM_OWNER_ID or set git user.email")
	}
	log.Printf("Memory scope: owner=%s organization=%s", scope.OwnerID, scope.OrganizationID)

	// Create API client
	apiClient := client.New(*apiURL, scope)

	// Create shim handler
	handler := shim.NewHandler(apiClient)

	// Create MCP server
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "engram-cortex",
		Version: "1.0.0",
	}, nil)

	// Register tools
	shim.Register(server, handler)

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Shutting down...")
		cancel()
	}()

	// Start server with stdio transport
	log.Println("Starting engram shim...")
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
