// internal/storage/mongodb.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/MereWhiplash/engram-cortex/internal/embedder"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// MongoDB implements Storage using MongoDB with Atlas Vector Search.
// Each memory type gets a memories_<type> and an embeddings_<type>
// collection.
type MongoDB struct {
	client *mongo.Client
	db     *mongo.Database
}

// itemDoc is the MongoDB document structure
type itemDoc struct {
	ID             string         `bson:"_id"`
	OwnerID        string         `bson:"owner_id"`
	OrganizationID string         `bson:"organization_id"`
	DedupKey       *string        `bson:"dedup_key,omitempty"`
	TreePath       []string       `bson:"tree_path"`
	Payload        string         `bson:"payload"`
	Metadata       map[string]any `bson:"metadata,omitempty"`
	CreatedAt      time.Time      `bson:"created_at"`
	UpdatedAt      time.Time      `bson:"updated_at"`
	IsDeleted      bool           `bson:"is_deleted"`
	DeletedAt      *time.Time     `bson:"deleted_at,omitempty"`
}

// embeddingDoc is one embedding slot. is_deleted mirrors the item so that
// vector queries and claims can filter without a join.
type embeddingDoc struct {
	ID           string     `bson:"_id"`
	ItemID       string     `bson:"item_id"`
	OwnerID      string     `bson:"owner_id"`
	Field        string     `bson:"field"`
	SourceHash   string     `bson:"source_hash"`
	Vector       []float32  `bson:"vector"`
	ClaimedUntil *time.Time `bson:"claimed_until"`
	IsDeleted    bool       `bson:"is_deleted"`
}

func slotID(itemID, field string) string { return itemID + "/" + field }

// NewMongoDB creates a new MongoDB storage
func NewMongoDB(ctx context.Context, uri, database string) (*MongoDB, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	m := &MongoDB{
		client: client,
		db:     client.Database(database),
	}

	if err := m.initIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return m, nil
}

func (m *MongoDB) collections(t types.MemoryType) (items, embeddings *mongo.Collection, err error) {
	in, en, err := tableNames(t)
	if err != nil {
		return nil, nil, err
	}
	return m.db.Collection(in), m.db.Collection(en), nil
}

func (m *MongoDB) initIndexes(ctx context.Context) error {
	for _, t := range types.AllTypes {
		items, embeddings, _ := m.collections(t)

		itemIndexes := []mongo.IndexModel{
			{
				Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "dedup_key", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.D{{Key: "dedup_key", Value: bson.D{{Key: "$type", Value: "string"}}}}),
			},
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "tree_path", Value: 1}}},
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "updated_at", Value: -1}}},
		}
		if _, err := items.Indexes().CreateMany(ctx, itemIndexes); err != nil {
			return fmt.Errorf("%s: %w", t, err)
		}

		embIndexes := []mongo.IndexModel{
			{Keys: bson.D{{Key: "item_id", Value: 1}}},
			{Keys: bson.D{{Key: "vector", Value: 1}, {Key: "claimed_until", Value: 1}}},
		}
		if _, err := embeddings.Indexes().CreateMany(ctx, embIndexes); err != nil {
			return fmt.Errorf("%s: %w", t, err)
		}
	}
	return nil
}

func (m *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func toItemDoc(item *types.Item) (itemDoc, error) {
	payload, _, err := encodeJSONBodies(item)
	if err != nil {
		return itemDoc{}, err
	}
	return itemDoc{
		ID:             item.ID,
		OwnerID:        item.OwnerID,
		OrganizationID: item.OrganizationID,
		DedupKey:       optionalString(item.DedupKey),
		TreePath:       item.TreePath,
		Payload:        string(payload),
		Metadata:       item.Metadata,
		CreatedAt:      item.CreatedAt,
		UpdatedAt:      item.UpdatedAt,
		IsDeleted:      item.IsDeleted,
		DeletedAt:      item.DeletedAt,
	}, nil
}

func fromItemDoc(t types.MemoryType, doc itemDoc) (*types.Item, error) {
	payload, err := types.DecodePayload(t, []byte(doc.Payload))
	if err != nil {
		return nil, err
	}
	it := &types.Item{
		ID:             doc.ID,
		OwnerID:        doc.OwnerID,
		OrganizationID: doc.OrganizationID,
		Type:           t,
		TreePath:       doc.TreePath,
		Payload:        payload,
		Metadata:       doc.Metadata,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
		IsDeleted:      doc.IsDeleted,
		DeletedAt:      doc.DeletedAt,
	}
	if doc.DedupKey != nil {
		it.DedupKey = *doc.DedupKey
	}
	return it, nil
}

func (m *MongoDB) Insert(ctx context.Context, item *types.Item) error {
	items, embeddings, err := m.collections(item.Type)
	if err != nil {
		return err
	}
	doc, err := toItemDoc(item)
	if err != nil {
		return err
	}

	if _, err := items.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert memory: %w", err)
	}

	var slots []interface{}
	for field, emb := range item.Embeddings {
		slots = append(slots, embeddingDoc{
			ID:         slotID(item.ID, field),
			ItemID:     item.ID,
			OwnerID:    item.OwnerID,
			Field:      field,
			SourceHash: emb.SourceHash,
			Vector:     emb.Vector,
			IsDeleted:  item.IsDeleted,
		})
	}
	if len(slots) > 0 {
		if _, err := embeddings.InsertMany(ctx, slots); err != nil {
			// Leave no item behind without its slots.
			items.DeleteOne(ctx, bson.D{{Key: "_id", Value: item.ID}})
			return fmt.Errorf("failed to insert embedding slots: %w", err)
		}
	}
	return nil
}

func (m *MongoDB) findItems(ctx context.Context, t types.MemoryType, filter bson.D, opts ...*options.FindOptions) ([]*types.Item, error) {
	items, _, err := m.collections(t)
	if err != nil {
		return nil, err
	}
	cursor, err := items.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*types.Item
	for cursor.Next(ctx) {
		var doc itemDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		it, err := fromItemDoc(t, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, cursor.Err()
}

func (m *MongoDB) Get(ctx context.Context, t types.MemoryType, id string) (*types.Item, error) {
	found, err := m.findItems(ctx, t, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, notFound(t, id)
	}
	if err := m.loadEmbeddings(ctx, t, found); err != nil {
		return nil, err
	}
	return found[0], nil
}

func (m *MongoDB) GetMany(ctx context.Context, t types.MemoryType, ids []string) ([]*types.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return m.findItems(ctx, t, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
}

func (m *MongoDB) FindByDedupKey(ctx context.Context, t types.MemoryType, ownerID, key string) (*types.Item, error) {
	found, err := m.findItems(ctx, t, bson.D{{Key: "owner_id", Value: ownerID}, {Key: "dedup_key", Value: key}})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, notFound(t, key)
	}
	if err := m.loadEmbeddings(ctx, t, found); err != nil {
		return nil, err
	}
	return found[0], nil
}

func (m *MongoDB) Update(ctx context.Context, item *types.Item, reset map[string]string) error {
	items, embeddings, err := m.collections(item.Type)
	if err != nil {
		return err
	}
	doc, err := toItemDoc(item)
	if err != nil {
		return err
	}

	result, err := items.UpdateOne(ctx, bson.D{{Key: "_id", Value: item.ID}}, bson.D{{Key: "$set", Value: bson.D{
		{Key: "payload", Value: doc.Payload},
		{Key: "metadata", Value: doc.Metadata},
		{Key: "updated_at", Value: doc.UpdatedAt},
		{Key: "is_deleted", Value: doc.IsDeleted},
		{Key: "deleted_at", Value: doc.DeletedAt},
	}}})
	if err != nil {
		return fmt.Errorf("failed to update memory: %w", err)
	}
	if result.MatchedCount == 0 {
		return notFound(item.Type, item.ID)
	}

	if _, err := embeddings.UpdateMany(ctx,
		bson.D{{Key: "item_id", Value: item.ID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "is_deleted", Value: item.IsDeleted}}}},
	); err != nil {
		return err
	}

	for field, hash := range reset {
		id := slotID(item.ID, field)
		if hash == "" {
			_, err = embeddings.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
		} else {
			_, err = embeddings.ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}}, embeddingDoc{
				ID:         id,
				ItemID:     item.ID,
				OwnerID:    item.OwnerID,
				Field:      field,
				SourceHash: hash,
				IsDeleted:  item.IsDeleted,
			}, options.Replace().SetUpsert(true))
		}
		if err != nil {
			return fmt.Errorf("failed to reset embedding %s: %w", field, err)
		}
	}
	return nil
}

func (m *MongoDB) SetTreePath(ctx context.Context, t types.MemoryType, id string, path []string, at time.Time) error {
	items, _, err := m.collections(t)
	if err != nil {
		return err
	}
	result, err := items.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, bson.D{{Key: "$set", Value: bson.D{
		{Key: "tree_path", Value: path},
		{Key: "updated_at", Value: at},
	}}})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return notFound(t, id)
	}
	return nil
}

func (m *MongoDB) SoftDelete(ctx context.Context, t types.MemoryType, id string, at time.Time) error {
	items, embeddings, err := m.collections(t)
	if err != nil {
		return err
	}
	result, err := items.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}, {Key: "is_deleted", Value: false}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "is_deleted", Value: true},
			{Key: "deleted_at", Value: at},
			{Key: "updated_at", Value: at},
		}}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		_, err := m.Get(ctx, t, id)
		return err
	}
	_, err = embeddings.UpdateMany(ctx,
		bson.D{{Key: "item_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "is_deleted", Value: true}}}},
	)
	return err
}

func (m *MongoDB) HardDelete(ctx context.Context, t types.MemoryType, id string) error {
	items, embeddings, err := m.collections(t)
	if err != nil {
		return err
	}
	result, err := items.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return notFound(t, id)
	}
	_, err = embeddings.DeleteMany(ctx, bson.D{{Key: "item_id", Value: id}})
	return err
}

func (m *MongoDB) List(ctx context.Context, t types.MemoryType, opts types.ListOpts) ([]*types.Item, error) {
	filter := bson.D{}
	if opts.OwnerID != "" {
		filter = append(filter, bson.E{Key: "owner_id", Value: opts.OwnerID})
	}
	if !opts.IncludeDeleted {
		filter = append(filter, bson.E{Key: "is_deleted", Value: false})
	}
	for i, label := range opts.PathPrefix {
		filter = append(filter, bson.E{Key: fmt.Sprintf("tree_path.%d", i), Value: label})
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	found, err := m.findItems(ctx, t, filter, findOpts)
	if err != nil {
		return nil, err
	}
	if opts.WithEmbeddings {
		if err := m.loadEmbeddings(ctx, t, found); err != nil {
			return nil, err
		}
	}
	return found, nil
}

func (m *MongoDB) ClaimPending(ctx context.Context, t types.MemoryType, limit int, lease time.Duration, now time.Time) ([]PendingEmbedding, error) {
	_, embeddings, err := m.collections(t)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 32
	}

	filter := bson.D{
		{Key: "vector", Value: nil},
		{Key: "is_deleted", Value: false},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "claimed_until", Value: nil}},
			bson.D{{Key: "claimed_until", Value: bson.D{{Key: "$lt", Value: now}}}},
		}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "claimed_until", Value: now.Add(lease)}}}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var claimed []PendingEmbedding
	for len(claimed) < limit {
		var doc embeddingDoc
		err := embeddings.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, PendingEmbedding{
			ItemID:     doc.ItemID,
			OwnerID:    doc.OwnerID,
			Field:      doc.Field,
			SourceHash: doc.SourceHash,
		})
	}
	return claimed, nil
}

func (m *MongoDB) SetEmbedding(ctx context.Context, t types.MemoryType, id, field, sourceHash string, vec []float32) (bool, error) {
	_, embeddings, err := m.collections(t)
	if err != nil {
		return false, err
	}
	result, err := embeddings.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: slotID(id, field)}, {Key: "source_hash", Value: sourceHash}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "vector", Value: vec},
			{Key: "claimed_until", Value: nil},
		}}},
	)
	if err != nil {
		return false, err
	}
	return result.MatchedCount > 0, nil
}

func (m *MongoDB) SearchVector(ctx context.Context, t types.MemoryType, ownerID, field string, vec []float32, limit int) ([]VectorHit, error) {
	_, embeddings, err := m.collections(t)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	filter := bson.D{
		{Key: "owner_id", Value: ownerID},
		{Key: "is_deleted", Value: false},
	}
	if field != "" {
		filter = append(filter, bson.E{Key: "field", Value: field})
	}

	// Atlas Vector Search pipeline
	// Note: This requires an Atlas Vector Search index named "embedding_index"
	// on each embeddings collection. Other deployments fall back to ranking
	// in process.
	pipeline := mongo.Pipeline{
		{{Key: "$vectorSearch", Value: bson.D{
			{Key: "index", Value: "embedding_index"},
			{Key: "path", Value: "vector"},
			{Key: "queryVector", Value: vec},
			{Key: "numCandidates", Value: limit * 10},
			{Key: "limit", Value: limit},
			{Key: "filter", Value: filter},
		}}},
		{{Key: "$project", Value: bson.D{
			{Key: "item_id", Value: 1},
			{Key: "field", Value: 1},
			{Key: "score", Value: bson.D{{Key: "$meta", Value: "vectorSearchScore"}}},
		}}},
	}

	cursor, err := embeddings.Aggregate(ctx, pipeline)
	if err != nil {
		return m.searchVectorFallback(ctx, embeddings, filter, vec, limit)
	}
	defer cursor.Close(ctx)

	var hits []VectorHit
	for cursor.Next(ctx) {
		var row struct {
			ItemID string  `bson:"item_id"`
			Field  string  `bson:"field"`
			Score  float64 `bson:"score"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}
		// Atlas reports cosine as (1 + cos) / 2.
		hits = append(hits, VectorHit{ItemID: row.ItemID, Field: row.Field, Similarity: 2*row.Score - 1})
	}
	return hits, cursor.Err()
}

func (m *MongoDB) searchVectorFallback(ctx context.Context, embeddings *mongo.Collection, filter bson.D, vec []float32, limit int) ([]VectorHit, error) {
	filter = append(filter, bson.E{Key: "vector", Value: bson.D{{Key: "$ne", Value: nil}}})
	cursor, err := embeddings.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var hits []VectorHit
	for cursor.Next(ctx) {
		var doc embeddingDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		if len(doc.Vector) != len(vec) {
			continue
		}
		hits = append(hits, VectorHit{
			ItemID:     doc.ItemID,
			Field:      doc.Field,
			Similarity: embedder.CosineSimilarity(vec, doc.Vector),
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return topHits(hits, limit), nil
}

func (m *MongoDB) Owners(ctx context.Context, t types.MemoryType) ([]string, error) {
	items, _, err := m.collections(t)
	if err != nil {
		return nil, err
	}
	values, err := items.Distinct(ctx, "owner_id", bson.D{})
	if err != nil {
		return nil, err
	}
	owners := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			owners = append(owners, s)
		}
	}
	return owners, nil
}

func (m *MongoDB) loadEmbeddings(ctx context.Context, t types.MemoryType, items []*types.Item) error {
	if len(items) == 0 {
		return nil
	}
	_, embeddings, _ := m.collections(t)

	byID := make(map[string]*types.Item, len(items))
	ids := make([]string, 0, len(items))
	for _, it := range items {
		byID[it.ID] = it
		it.Embeddings = make(map[string]types.Embedding)
		ids = append(ids, it.ID)
	}

	cursor, err := embeddings.Find(ctx, bson.D{{Key: "item_id", Value: bson.D{{Key: "$in", Value: ids}}}})
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc embeddingDoc
		if err := cursor.Decode(&doc); err != nil {
			return err
		}
		byID[doc.ItemID].Embeddings[doc.Field] = types.Embedding{SourceHash: doc.SourceHash, Vector: doc.Vector}
	}
	return cursor.Err()
}
