package storage_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MereWhiplash/engram-cortex/internal/storage"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// cleanupPostgres removes all test data before each test
func cleanupPostgres(t *testing.T, dsn string) {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect for cleanup: %v", err)
	}
	defer pool.Close()

	for _, mt := range types.AllTypes {
		// Tables may not exist yet on a fresh database.
		pool.Exec(ctx, "DROP TABLE IF EXISTS embeddings_"+string(mt))
		pool.Exec(ctx, "DROP TABLE IF EXISTS memories_"+string(mt))
	}
}

func TestPostgresStorage(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping Postgres tests")
	}
	cleanupPostgres(t, dsn)

	store, err := storage.NewPostgres(context.Background(), dsn, testDims)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	defer store.Close()

	runStorageSuite(t, store)
}
