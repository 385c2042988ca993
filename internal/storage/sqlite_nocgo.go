//go:build !cgo

// internal/storage/sqlite_nocgo.go
package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"

	_ "modernc.org/sqlite"

	"github.com/MereWhiplash/engram-cortex/internal/embedder"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// Without cgo there is no sqlite-vec extension, so vectors are ranked in
// process after an owner-scoped scan.

func openSQLite(path string) (*sql.DB, error) {
	return sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
}

func encodeVector(vec []float32) ([]byte, error) {
	buf := make([]byte, len(vec)*4)
	for i, x := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf, nil
}

func (s *SQLite) searchVector(ctx context.Context, t types.MemoryType, ownerID, field string, vec []float32, limit int) ([]VectorHit, error) {
	items, embeddings, _ := tableNames(t)

	query := `
		SELECT e.item_id, e.field, e.embedding
		FROM ` + embeddings + ` e
		JOIN ` + items + ` m ON m.id = e.item_id
		WHERE m.owner_id = ? AND m.is_deleted = 0
		  AND e.embedding IS NOT NULL AND length(e.embedding) = ?
	`
	args := []interface{}{ownerID, len(vec) * 4}

	if field != "" {
		query += " AND e.field = ?"
		args = append(args, field)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var h VectorHit
		var blob []byte
		if err := rows.Scan(&h.ItemID, &h.Field, &blob); err != nil {
			return nil, err
		}
		h.Similarity = embedder.CosineSimilarity(vec, decodeVector(blob))
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return topHits(hits, limit), nil
}
