//go:build cgo

// internal/storage/sqlite_cgo.go
package storage

import (
	"context"
	"database/sql"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/MereWhiplash/engram-cortex/internal/types"
)

func openSQLite(path string) (*sql.DB, error) {
	sqlite_vec.Auto()
	return sql.Open("sqlite3", path+"?_busy_timeout=5000")
}

func encodeVector(vec []float32) ([]byte, error) {
	return sqlite_vec.SerializeFloat32(vec)
}

func (s *SQLite) searchVector(ctx context.Context, t types.MemoryType, ownerID, field string, vec []float32, limit int) ([]VectorHit, error) {
	items, embeddings, _ := tableNames(t)
	blob, err := encodeVector(vec)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT e.item_id, e.field, 1 - vec_distance_cosine(e.embedding, ?) AS similarity
		FROM ` + embeddings + ` e
		JOIN ` + items + ` m ON m.id = e.item_id
		WHERE m.owner_id = ? AND m.is_deleted = 0
		  AND e.embedding IS NOT NULL AND length(e.embedding) = ?
	`
	args := []interface{}{blob, ownerID, len(blob)}

	if field != "" {
		query += " AND e.field = ?"
		args = append(args, field)
	}

	query += " ORDER BY similarity DESC, e.item_id LIMIT ?"
	args = append(args, limit)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var h VectorHit
		if err := rows.Scan(&h.ItemID, &h.Field, &h.Similarity); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
