// internal/storage/sqlite.go
package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// timeLayout is fixed width so text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite implements Storage using SQLite. Builds with cgo use mattn's
// driver plus sqlite-vec for vector distance; builds without cgo use the
// pure Go modernc driver and rank vectors in process.
type SQLite struct {
	conn *sql.DB
}

// NewSQLite creates a new SQLite storage
func NewSQLite(path string) (*SQLite, error) {
	conn, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases
	// shared across queries.
	conn.SetMaxOpenConns(1)

	s := &SQLite{conn: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLite) initSchema() error {
	for _, t := range types.AllTypes {
		items, embeddings, _ := tableNames(t)
		schema := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %[1]s (
				id TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL,
				organization_id TEXT NOT NULL DEFAULT '',
				dedup_key TEXT,
				tree_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				metadata TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				is_deleted INTEGER NOT NULL DEFAULT 0,
				deleted_at TEXT
			);

			CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_dedup ON %[1]s(owner_id, dedup_key) WHERE dedup_key IS NOT NULL;
			CREATE INDEX IF NOT EXISTS idx_%[1]s_owner_tree ON %[1]s(owner_id, tree_key);
			CREATE INDEX IF NOT EXISTS idx_%[1]s_owner_updated ON %[1]s(owner_id, updated_at);

			CREATE TABLE IF NOT EXISTS %[2]s (
				item_id TEXT NOT NULL,
				field TEXT NOT NULL,
				source_hash TEXT NOT NULL,
				embedding BLOB,
				claimed_until TEXT,
				PRIMARY KEY (item_id, field)
			);

			CREATE INDEX IF NOT EXISTS idx_%[2]s_pending ON %[2]s(claimed_until) WHERE embedding IS NULL;
		`, items, embeddings)
		if _, err := s.conn.Exec(schema); err != nil {
			return fmt.Errorf("%s: %w", t, err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.conn.Close()
}

func (s *SQLite) Insert(ctx context.Context, item *types.Item) error {
	items, embeddings, err := tableNames(item.Type)
	if err != nil {
		return err
	}
	payload, metadata, err := encodeBodies(item)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+items+` (id, owner_id, organization_id, dedup_key, tree_key, payload, metadata, created_at, updated_at, is_deleted, deleted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.OwnerID, item.OrganizationID, nullString(item.DedupKey),
		types.PathKey(item.TreePath), payload, metadata,
		formatTime(item.CreatedAt), formatTime(item.UpdatedAt), item.IsDeleted, nullTime(item.DeletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert memory: %w", err)
	}

	for field, emb := range item.Embeddings {
		var blob []byte
		if len(emb.Vector) > 0 {
			if blob, err = encodeVector(emb.Vector); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO `+embeddings+` (item_id, field, source_hash, embedding) VALUES (?, ?, ?, ?)`,
			item.ID, field, emb.SourceHash, blob,
		)
		if err != nil {
			return fmt.Errorf("failed to insert embedding slot: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLite) Get(ctx context.Context, t types.MemoryType, id string) (*types.Item, error) {
	items, _, err := tableNames(t)
	if err != nil {
		return nil, err
	}
	found, err := s.queryItems(ctx, t, `SELECT `+itemColumns+` FROM `+items+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, notFound(t, id)
	}
	if err := s.loadEmbeddings(ctx, t, found); err != nil {
		return nil, err
	}
	return found[0], nil
}

func (s *SQLite) GetMany(ctx context.Context, t types.MemoryType, ids []string) ([]*types.Item, error) {
	items, _, err := tableNames(t)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.queryItems(ctx, t, `SELECT `+itemColumns+` FROM `+items+` WHERE id IN (`+placeholders(len(ids))+`)`, args...)
}

func (s *SQLite) FindByDedupKey(ctx context.Context, t types.MemoryType, ownerID, key string) (*types.Item, error) {
	items, _, err := tableNames(t)
	if err != nil {
		return nil, err
	}
	found, err := s.queryItems(ctx, t,
		`SELECT `+itemColumns+` FROM `+items+` WHERE owner_id = ? AND dedup_key = ?`, ownerID, key)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, notFound(t, key)
	}
	if err := s.loadEmbeddings(ctx, t, found); err != nil {
		return nil, err
	}
	return found[0], nil
}

func (s *SQLite) Update(ctx context.Context, item *types.Item, reset map[string]string) error {
	items, embeddings, err := tableNames(item.Type)
	if err != nil {
		return err
	}
	payload, metadata, err := encodeBodies(item)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE `+items+` SET payload = ?, metadata = ?, updated_at = ?, is_deleted = ?, deleted_at = ? WHERE id = ?`,
		payload, metadata, formatTime(item.UpdatedAt), item.IsDeleted, nullTime(item.DeletedAt), item.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update memory: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound(item.Type, item.ID)
	}

	for field, hash := range reset {
		if hash == "" {
			_, err = tx.ExecContext(ctx, `DELETE FROM `+embeddings+` WHERE item_id = ? AND field = ?`, item.ID, field)
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO `+embeddings+` (item_id, field, source_hash) VALUES (?, ?, ?)
				 ON CONFLICT(item_id, field) DO UPDATE SET source_hash = excluded.source_hash, embedding = NULL, claimed_until = NULL`,
				item.ID, field, hash,
			)
		}
		if err != nil {
			return fmt.Errorf("failed to reset embedding %s: %w", field, err)
		}
	}

	return tx.Commit()
}

func (s *SQLite) SetTreePath(ctx context.Context, t types.MemoryType, id string, path []string, at time.Time) error {
	items, _, err := tableNames(t)
	if err != nil {
		return err
	}
	result, err := s.conn.ExecContext(ctx,
		`UPDATE `+items+` SET tree_key = ?, updated_at = ? WHERE id = ?`,
		types.PathKey(path), formatTime(at), id,
	)
	if err != nil {
		return err
	}
	return s.expectRow(result, t, id)
}

func (s *SQLite) SoftDelete(ctx context.Context, t types.MemoryType, id string, at time.Time) error {
	items, _, err := tableNames(t)
	if err != nil {
		return err
	}
	result, err := s.conn.ExecContext(ctx,
		`UPDATE `+items+` SET is_deleted = 1, deleted_at = ?, updated_at = ? WHERE id = ? AND is_deleted = 0`,
		formatTime(at), formatTime(at), id,
	)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err != nil || rows > 0 {
		return err
	}
	// Already deleted is fine; missing is not.
	_, err = s.Get(ctx, t, id)
	return err
}

func (s *SQLite) HardDelete(ctx context.Context, t types.MemoryType, id string) error {
	items, embeddings, err := tableNames(t)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+embeddings+` WHERE item_id = ?`, id); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM `+items+` WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := s.expectRow(result, t, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) List(ctx context.Context, t types.MemoryType, opts types.ListOpts) ([]*types.Item, error) {
	items, _, err := tableNames(t)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + itemColumns + ` FROM ` + items + ` WHERE 1=1`
	args := []interface{}{}

	if opts.OwnerID != "" {
		query += " AND owner_id = ?"
		args = append(args, opts.OwnerID)
	}
	if !opts.IncludeDeleted {
		query += " AND is_deleted = 0"
	}
	if len(opts.PathPrefix) > 0 {
		query += " AND instr(tree_key, ?) = 1"
		args = append(args, types.PathKey(opts.PathPrefix))
	}

	query += " ORDER BY updated_at DESC, id ASC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	found, err := s.queryItems(ctx, t, query, args...)
	if err != nil {
		return nil, err
	}
	if opts.WithEmbeddings {
		if err := s.loadEmbeddings(ctx, t, found); err != nil {
			return nil, err
		}
	}
	return found, nil
}

func (s *SQLite) ClaimPending(ctx context.Context, t types.MemoryType, limit int, lease time.Duration, now time.Time) ([]PendingEmbedding, error) {
	items, embeddings, err := tableNames(t)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 32
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT e.item_id, m.owner_id, e.field, e.source_hash
		 FROM `+embeddings+` e JOIN `+items+` m ON m.id = e.item_id
		 WHERE e.embedding IS NULL AND (e.claimed_until IS NULL OR e.claimed_until < ?) AND m.is_deleted = 0
		 ORDER BY m.updated_at ASC, e.item_id, e.field
		 LIMIT ?`,
		formatTime(now), limit,
	)
	if err != nil {
		return nil, err
	}
	var claimed []PendingEmbedding
	for rows.Next() {
		var p PendingEmbedding
		if err := rows.Scan(&p.ItemID, &p.OwnerID, &p.Field, &p.SourceHash); err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	until := formatTime(now.Add(lease))
	for _, p := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE `+embeddings+` SET claimed_until = ? WHERE item_id = ? AND field = ?`,
			until, p.ItemID, p.Field,
		); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SQLite) SetEmbedding(ctx context.Context, t types.MemoryType, id, field, sourceHash string, vec []float32) (bool, error) {
	_, embeddings, err := tableNames(t)
	if err != nil {
		return false, err
	}
	blob, err := encodeVector(vec)
	if err != nil {
		return false, err
	}
	result, err := s.conn.ExecContext(ctx,
		`UPDATE `+embeddings+` SET embedding = ?, claimed_until = NULL WHERE item_id = ? AND field = ? AND source_hash = ?`,
		blob, id, field, sourceHash,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (s *SQLite) SearchVector(ctx context.Context, t types.MemoryType, ownerID, field string, vec []float32, limit int) ([]VectorHit, error) {
	if _, _, err := tableNames(t); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	return s.searchVector(ctx, t, ownerID, field, vec, limit)
}

func (s *SQLite) Owners(ctx context.Context, t types.MemoryType) ([]string, error) {
	items, _, err := tableNames(t)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn.QueryContext(ctx, `SELECT DISTINCT owner_id FROM `+items+` ORDER BY owner_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, err
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

const itemColumns = `id, owner_id, organization_id, dedup_key, tree_key, payload, metadata, created_at, updated_at, is_deleted, deleted_at`

func (s *SQLite) queryItems(ctx context.Context, t types.MemoryType, query string, args ...interface{}) ([]*types.Item, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Item
	for rows.Next() {
		var it types.Item
		var dedupKey, metadata, deletedAt sql.NullString
		var treeKey, payload, createdAt, updatedAt string

		if err := rows.Scan(&it.ID, &it.OwnerID, &it.OrganizationID, &dedupKey, &treeKey, &payload,
			&metadata, &createdAt, &updatedAt, &it.IsDeleted, &deletedAt); err != nil {
			return nil, err
		}

		it.Type = t
		it.DedupKey = dedupKey.String
		it.TreePath = types.KeyPath(treeKey)
		if it.Payload, err = types.DecodePayload(t, []byte(payload)); err != nil {
			return nil, err
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &it.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		if it.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if it.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		if deletedAt.Valid {
			d, err := parseTime(deletedAt.String)
			if err != nil {
				return nil, err
			}
			it.DeletedAt = &d
		}
		out = append(out, &it)
	}

	return out, rows.Err()
}

func (s *SQLite) loadEmbeddings(ctx context.Context, t types.MemoryType, items []*types.Item) error {
	if len(items) == 0 {
		return nil
	}
	_, embeddings, _ := tableNames(t)

	byID := make(map[string]*types.Item, len(items))
	args := make([]interface{}, 0, len(items))
	for _, it := range items {
		byID[it.ID] = it
		it.Embeddings = make(map[string]types.Embedding)
		args = append(args, it.ID)
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT item_id, field, source_hash, embedding FROM `+embeddings+` WHERE item_id IN (`+placeholders(len(args))+`)`,
		args...,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id, field, hash string
		var blob []byte
		if err := rows.Scan(&id, &field, &hash, &blob); err != nil {
			return err
		}
		byID[id].Embeddings[field] = types.Embedding{SourceHash: hash, Vector: decodeVector(blob)}
	}
	return rows.Err()
}

func (s *SQLite) expectRow(result sql.Result, t types.MemoryType, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound(t, id)
	}
	return nil
}

func encodeBodies(item *types.Item) (payload string, metadata sql.NullString, err error) {
	data, err := json.Marshal(item.Payload)
	if err != nil {
		return "", metadata, fmt.Errorf("failed to encode payload: %w", err)
	}
	if len(item.Metadata) > 0 {
		md, err := json.Marshal(item.Metadata)
		if err != nil {
			return "", metadata, fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = sql.NullString{String: string(md), Valid: true}
	}
	return string(data), metadata, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// decodeVector reads the little-endian float32 layout sqlite-vec uses.
func decodeVector(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	v := make([]float32, len(blob)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return v
}
