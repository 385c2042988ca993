package storage_test

import (
	"context"
	"os"
	"testing"

	"github.com/MereWhiplash/engram-cortex/internal/storage"
)

func TestNew_SQLite(t *testing.T) {
	f, err := os.CreateTemp("", "test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	f.Close()

	ctx := context.Background()
	store, err := storage.New(ctx, storage.Config{
		Driver:     "sqlite",
		SQLitePath: f.Name(),
	})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	defer store.Close()

	// Verify it works
	if err := store.Insert(ctx, newItem("u1", "Test content")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
}

func TestNew_Memory(t *testing.T) {
	store, err := storage.New(context.Background(), storage.Config{Driver: "memory"})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	if _, ok := store.(*storage.Memory); !ok {
		t.Errorf("expected *storage.Memory, got %T", store)
	}
}

func TestNew_UnknownDriver(t *testing.T) {
	ctx := context.Background()
	_, err := storage.New(ctx, storage.Config{
		Driver: "unknown",
	})
	if err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestNew_SQLite_MissingPath(t *testing.T) {
	ctx := context.Background()
	_, err := storage.New(ctx, storage.Config{
		Driver: "sqlite",
	})
	if err == nil {
		t.Error("expected error for missing sqlite path")
	}
}

func TestNew_Postgres_MissingDSN(t *testing.T) {
	ctx := context.Background()
	_, err := storage.New(ctx, storage.Config{
		Driver: "postgres",
	})
	if err == nil {
		t.Error("expected error for missing postgres DSN")
	}
}

func TestNew_Postgres_MissingDimensions(t *testing.T) {
	ctx := context.Background()
	_, err := storage.New(ctx, storage.Config{
		Driver:      "postgres",
		PostgresDSN: "postgres://localhost/engram",
	})
	if err == nil {
		t.Error("expected error for missing dimensions")
	}
}

func TestNew_MongoDB_MissingURI(t *testing.T) {
	ctx := context.Background()
	_, err := storage.New(ctx, storage.Config{
		Driver: "mongodb",
	})
	if err == nil {
		t.Error("expected error for missing mongodb URI")
	}
}
