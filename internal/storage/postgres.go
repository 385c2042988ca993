// internal/storage/postgres.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// Postgres implements Storage using PostgreSQL with pgvector
type Postgres struct {
	pool *pgxpool.Pool
	dims int
}

// NewPostgres creates a new Postgres storage
func NewPostgres(ctx context.Context, dsn string, dims int) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	p := &Postgres{pool: pool, dims: dims}
	if err := p.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return p, nil
}

func (p *Postgres) initSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return err
	}
	for _, t := range types.AllTypes {
		items, embeddings, _ := tableNames(t)
		schema := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %[1]s (
				id TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL,
				organization_id TEXT NOT NULL DEFAULT '',
				dedup_key TEXT,
				tree_key TEXT NOT NULL,
				payload JSONB NOT NULL,
				metadata JSONB,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
				deleted_at TIMESTAMPTZ
			);

			CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_dedup ON %[1]s(owner_id, dedup_key) WHERE dedup_key IS NOT NULL;
			CREATE INDEX IF NOT EXISTS idx_%[1]s_owner_tree ON %[1]s(owner_id, tree_key text_pattern_ops);
			CREATE INDEX IF NOT EXISTS idx_%[1]s_owner_updated ON %[1]s(owner_id, updated_at DESC);

			CREATE TABLE IF NOT EXISTS %[2]s (
				item_id TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
				field TEXT NOT NULL,
				source_hash TEXT NOT NULL,
				embedding vector(%[3]d),
				claimed_until TIMESTAMPTZ,
				PRIMARY KEY (item_id, field)
			);

			CREATE INDEX IF NOT EXISTS idx_%[2]s_pending ON %[2]s(claimed_until) WHERE embedding IS NULL;
			CREATE INDEX IF NOT EXISTS idx_%[2]s_vector ON %[2]s USING hnsw (embedding vector_cosine_ops);
		`, items, embeddings, p.dims)
		if _, err := p.pool.Exec(ctx, schema); err != nil {
			return fmt.Errorf("%s: %w", t, err)
		}
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Insert(ctx context.Context, item *types.Item) error {
	items, embeddings, err := tableNames(item.Type)
	if err != nil {
		return err
	}
	payload, metadata, err := encodeJSONBodies(item)
	if err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO `+items+` (id, owner_id, organization_id, dedup_key, tree_key, payload, metadata, created_at, updated_at, is_deleted, deleted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		item.ID, item.OwnerID, item.OrganizationID, optionalString(item.DedupKey),
		types.PathKey(item.TreePath), payload, metadata,
		item.CreatedAt, item.UpdatedAt, item.IsDeleted, item.DeletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert memory: %w", err)
	}

	for field, emb := range item.Embeddings {
		var vec *pgvector.Vector
		if len(emb.Vector) > 0 {
			v := pgvector.NewVector(emb.Vector)
			vec = &v
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO `+embeddings+` (item_id, field, source_hash, embedding) VALUES ($1, $2, $3, $4)`,
			item.ID, field, emb.SourceHash, vec,
		)
		if err != nil {
			return fmt.Errorf("failed to insert embedding slot: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (p *Postgres) Get(ctx context.Context, t types.MemoryType, id string) (*types.Item, error) {
	items, _, err := tableNames(t)
	if err != nil {
		return nil, err
	}
	found, err := p.queryItems(ctx, t, `SELECT `+itemColumns+` FROM `+items+` WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, notFound(t, id)
	}
	if err := p.loadEmbeddings(ctx, t, found); err != nil {
		return nil, err
	}
	return found[0], nil
}

func (p *Postgres) GetMany(ctx context.Context, t types.MemoryType, ids []string) ([]*types.Item, error) {
	items, _, err := tableNames(t)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return p.queryItems(ctx, t, `SELECT `+itemColumns+` FROM `+items+` WHERE id = ANY($1)`, ids)
}

func (p *Postgres) FindByDedupKey(ctx context.Context, t types.MemoryType, ownerID, key string) (*types.Item, error) {
	items, _, err := tableNames(t)
	if err != nil {
		return nil, err
	}
	found, err := p.queryItems(ctx, t,
		`SELECT `+itemColumns+` FROM `+items+` WHERE owner_id = $1 AND dedup_key = $2`, ownerID, key)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, notFound(t, key)
	}
	if err := p.loadEmbeddings(ctx, t, found); err != nil {
		return nil, err
	}
	return found[0], nil
}

func (p *Postgres) Update(ctx context.Context, item *types.Item, reset map[string]string) error {
	items, embeddings, err := tableNames(item.Type)
	if err != nil {
		return err
	}
	payload, metadata, err := encodeJSONBodies(item)
	if err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx,
		`UPDATE `+items+` SET payload = $1, metadata = $2, updated_at = $3, is_deleted = $4, deleted_at = $5 WHERE id = $6`,
		payload, metadata, item.UpdatedAt, item.IsDeleted, item.DeletedAt, item.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update memory: %w", err)
	}
	if result.RowsAffected() == 0 {
		return notFound(item.Type, item.ID)
	}

	for field, hash := range reset {
		if hash == "" {
			_, err = tx.Exec(ctx, `DELETE FROM `+embeddings+` WHERE item_id = $1 AND field = $2`, item.ID, field)
		} else {
			_, err = tx.Exec(ctx,
				`INSERT INTO `+embeddings+` (item_id, field, source_hash) VALUES ($1, $2, $3)
				 ON CONFLICT (item_id, field) DO UPDATE SET source_hash = EXCLUDED.source_hash, embedding = NULL, claimed_until = NULL`,
				item.ID, field, hash,
			)
		}
		if err != nil {
			return fmt.Errorf("failed to reset embedding %s: %w", field, err)
		}
	}

	return tx.Commit(ctx)
}

func (p *Postgres) SetTreePath(ctx context.Context, t types.MemoryType, id string, path []string, at time.Time) error {
	items, _, err := tableNames(t)
	if err != nil {
		return err
	}
	result, err := p.pool.Exec(ctx,
		`UPDATE `+items+` SET tree_key = $1, updated_at = $2 WHERE id = $3`,
		types.PathKey(path), at, id,
	)
	return expectTag(result, err, t, id)
}

func (p *Postgres) SoftDelete(ctx context.Context, t types.MemoryType, id string, at time.Time) error {
	items, _, err := tableNames(t)
	if err != nil {
		return err
	}
	result, err := p.pool.Exec(ctx,
		`UPDATE `+items+` SET is_deleted = TRUE, deleted_at = $1, updated_at = $1 WHERE id = $2 AND NOT is_deleted`,
		at, id,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() > 0 {
		return nil
	}
	_, err = p.Get(ctx, t, id)
	return err
}

func (p *Postgres) HardDelete(ctx context.Context, t types.MemoryType, id string) error {
	items, _, err := tableNames(t)
	if err != nil {
		return err
	}
	// Embedding rows go with the item through ON DELETE CASCADE.
	result, err := p.pool.Exec(ctx, `DELETE FROM `+items+` WHERE id = $1`, id)
	return expectTag(result, err, t, id)
}

func (p *Postgres) List(ctx context.Context, t types.MemoryType, opts types.ListOpts) ([]*types.Item, error) {
	items, _, err := tableNames(t)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + itemColumns + ` FROM ` + items + ` WHERE 1=1`
	args := []interface{}{}
	argNum := 1

	if opts.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argNum)
		args = append(args, opts.OwnerID)
		argNum++
	}
	if !opts.IncludeDeleted {
		query += " AND NOT is_deleted"
	}
	if len(opts.PathPrefix) > 0 {
		query += fmt.Sprintf(" AND starts_with(tree_key, $%d)", argNum)
		args = append(args, types.PathKey(opts.PathPrefix))
		argNum++
	}

	query += " ORDER BY updated_at DESC, id ASC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, opts.Limit)
	}

	found, err := p.queryItems(ctx, t, query, args...)
	if err != nil {
		return nil, err
	}
	if opts.WithEmbeddings {
		if err := p.loadEmbeddings(ctx, t, found); err != nil {
			return nil, err
		}
	}
	return found, nil
}

func (p *Postgres) ClaimPending(ctx context.Context, t types.MemoryType, limit int, lease time.Duration, now time.Time) ([]PendingEmbedding, error) {
	items, embeddings, err := tableNames(t)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 32
	}

	rows, err := p.pool.Query(ctx, `
		UPDATE `+embeddings+` e SET claimed_until = $1
		FROM (
			SELECT c.item_id, c.field, m.owner_id
			FROM `+embeddings+` c JOIN `+items+` m ON m.id = c.item_id
			WHERE c.embedding IS NULL AND (c.claimed_until IS NULL OR c.claimed_until < $2) AND NOT m.is_deleted
			ORDER BY m.updated_at ASC, c.item_id, c.field
			LIMIT $3
			FOR UPDATE OF c SKIP LOCKED
		) pending
		WHERE e.item_id = pending.item_id AND e.field = pending.field
		RETURNING e.item_id, pending.owner_id, e.field, e.source_hash`,
		now.Add(lease), now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []PendingEmbedding
	for rows.Next() {
		var pe PendingEmbedding
		if err := rows.Scan(&pe.ItemID, &pe.OwnerID, &pe.Field, &pe.SourceHash); err != nil {
			return nil, err
		}
		claimed = append(claimed, pe)
	}
	return claimed, rows.Err()
}

func (p *Postgres) SetEmbedding(ctx context.Context, t types.MemoryType, id, field, sourceHash string, vec []float32) (bool, error) {
	_, embeddings, err := tableNames(t)
	if err != nil {
		return false, err
	}
	result, err := p.pool.Exec(ctx,
		`UPDATE `+embeddings+` SET embedding = $1, claimed_until = NULL WHERE item_id = $2 AND field = $3 AND source_hash = $4`,
		pgvector.NewVector(vec), id, field, sourceHash,
	)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (p *Postgres) SearchVector(ctx context.Context, t types.MemoryType, ownerID, field string, vec []float32, limit int) ([]VectorHit, error) {
	items, embeddings, err := tableNames(t)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT e.item_id, e.field, 1 - (e.embedding <=> $1) AS similarity
		FROM ` + embeddings + ` e
		JOIN ` + items + ` m ON m.id = e.item_id
		WHERE m.owner_id = $2 AND NOT m.is_deleted AND e.embedding IS NOT NULL
	`
	args := []interface{}{pgvector.NewVector(vec), ownerID}
	argNum := 3

	if field != "" {
		query += fmt.Sprintf(" AND e.field = $%d", argNum)
		args = append(args, field)
		argNum++
	}

	query += fmt.Sprintf(" ORDER BY e.embedding <=> $1 LIMIT $%d", argNum)
	args = append(args, limit)

	rows, err := p.pool.Query(ctx, query, args...)
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

func (p *Postgres) Owners(ctx context.Context, t types.MemoryType) ([]string, error) {
	items, _, err := tableNames(t)
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT owner_id FROM `+items+` ORDER BY owner_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *Postgres) queryItems(ctx context.Context, t types.MemoryType, query string, args ...interface{}) ([]*types.Item, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Item
	for rows.Next() {
		var it types.Item
		var dedupKey *string
		var treeKey string
		var payload, metadata []byte

		err := rows.Scan(
			&it.ID, &it.OwnerID, &it.OrganizationID, &dedupKey, &treeKey, &payload,
			&metadata, &it.CreatedAt, &it.UpdatedAt, &it.IsDeleted, &it.DeletedAt,
		)
		if err != nil {
			return nil, err
		}

		it.Type = t
		if dedupKey != nil {
			it.DedupKey = *dedupKey
		}
		it.TreePath = types.KeyPath(treeKey)
		if it.Payload, err = types.DecodePayload(t, payload); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &it.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		out = append(out, &it)
	}

	return out, rows.Err()
}

func (p *Postgres) loadEmbeddings(ctx context.Context, t types.MemoryType, items []*types.Item) error {
	if len(items) == 0 {
		return nil
	}
	_, embeddings, _ := tableNames(t)

	byID := make(map[string]*types.Item, len(items))
	ids := make([]string, 0, len(items))
	for _, it := range items {
		byID[it.ID] = it
		it.Embeddings = make(map[string]types.Embedding)
		ids = append(ids, it.ID)
	}

	rows, err := p.pool.Query(ctx,
		`SELECT item_id, field, source_hash, embedding::text FROM `+embeddings+` WHERE item_id = ANY($1)`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id, field, hash string
		var text *string
		if err := rows.Scan(&id, &field, &hash, &text); err != nil {
			return err
		}
		emb := types.Embedding{SourceHash: hash}
		if text != nil {
			var v pgvector.Vector
			if err := v.Scan(*text); err != nil {
				return fmt.Errorf("failed to parse embedding: %w", err)
			}
			emb.Vector = v.Slice()
		}
		byID[id].Embeddings[field] = emb
	}
	return rows.Err()
}

func encodeJSONBodies(item *types.Item) (payload, metadata []byte, err error) {
	payload, err = json.Marshal(item.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	if len(item.Metadata) > 0 {
		if metadata, err = json.Marshal(item.Metadata); err != nil {
			return nil, nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
	}
	return payload, metadata, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func expectTag(result pgconn.CommandTag, err error, t types.MemoryType, id string) error {
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return notFound(t, id)
	}
	return nil
}
