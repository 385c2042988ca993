// internal/service/service.go
// Package service is the single entry point the transports call: it
// wires classification, the memory stores, search, the tree index and
// reflexion together and traces every operation.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MereWhiplash/engram-cortex/internal/classifier"
	"github.com/MereWhiplash/engram-cortex/internal/embedder"
	"github.com/MereWhiplash/engram-cortex/internal/memory"
	"github.com/MereWhiplash/engram-cortex/internal/reflexion"
	"github.com/MereWhiplash/engram-cortex/internal/search"
	"github.com/MereWhiplash/engram-cortex/internal/tree"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

const tracerName = "github.com/MereWhiplash/engram-cortex/internal/service"

// Deps are the components a Service drives.
type Deps struct {
	Registry   *memory.Registry
	Search     *search.Engine
	Tree       *tree.Index
	Classifier classifier.Classifier
	Reflexion  *reflexion.Consolidator
	Gateway    *embedder.Gateway
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithTracer overrides the global tracer provider's tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithBackfillBatch sets how many slots one backfill pass claims per type.
func WithBackfillBatch(n int) Option {
	return func(s *Service) { s.batch = n }
}

// Service contains the business logic for memory operations
type Service struct {
	reg    *memory.Registry
	engine *search.Engine
	tree   *tree.Index
	cls    classifier.Classifier
	refl   *reflexion.Consolidator
	gw     *embedder.Gateway
	log    *slog.Logger
	tracer trace.Tracer
	batch  int
	now    func() time.Time
}

// New creates a new Service
func New(d Deps, opts ...Option) *Service {
	s := &Service{
		reg:    d.Registry,
		engine: d.Search,
		tree:   d.Tree,
		cls:    d.Classifier,
		refl:   d.Reflexion,
		gw:     d.Gateway,
		log:    slog.Default(),
		tracer: otel.Tracer(tracerName),
		batch:  64,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) start(ctx context.Context, op string, scope types.Scope, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "memory."+op)
	span.SetAttributes(append(attrs, attribute.String("owner.id", scope.OwnerID))...)
	return ctx, span
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StoreResult is the outcome of one memory type's write during
// ClassifyAndStore. Each type succeeds or fails on its own.
type StoreResult struct {
	ID          string   `json:"id,omitempty"`
	Created     bool     `json:"created"`
	TreePath    []string `json:"tree_path,omitempty"`
	Placeholder bool     `json:"placeholder,omitempty"`
	Missing     []string `json:"missing,omitempty"`
	Error       string   `json:"error,omitempty"`
	Err         error    `json:"-"`
}

// ClassifyAndStore files content into every memory type the classifier
// picks. Writes run concurrently and fail independently; assignments
// missing required fields are stored with placeholders rather than
// dropped.
func (s *Service) ClassifyAndStore(ctx context.Context, scope types.Scope, u classifier.ContentUnit) (results map[types.MemoryType]StoreResult, err error) {
	ctx, span := s.start(ctx, "classify_and_store", scope,
		attribute.String("source_hint", string(u.SourceHint)),
		attribute.Bool("dedup", u.DedupKey != ""))
	defer func() { finish(span, err) }()

	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	cats, err := s.categories(ctx, scope)
	if err != nil {
		return nil, err
	}
	as, err := s.cls.Classify(ctx, u, classifier.Context{Scope: scope, Categories: cats, Now: now})
	if err != nil && !errors.Is(err, types.ErrIncompleteClassification) {
		return nil, fmt.Errorf("classification failed: %w", err)
	}
	if err != nil {
		s.log.Info("storing incomplete classification with placeholders", "owner", scope.OwnerID, "detail", err)
	}

	results = make(map[types.MemoryType]StoreResult, len(as))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, a := range as {
		a := a
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := s.storeAssignment(ctx, scope, u, a, now)
			mu.Lock()
			results[a.Type] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	failed := 0
	for t, r := range results {
		if r.Err != nil {
			failed++
			s.log.Warn("memory write failed", "owner", scope.OwnerID, "type", t, "error", r.Err)
		}
	}
	span.SetAttributes(attribute.Int("assignments", len(as)), attribute.Int("failed", failed))
	return results, nil
}

func (s *Service) storeAssignment(ctx context.Context, scope types.Scope, u classifier.ContentUnit, a classifier.Assignment, now time.Time) StoreResult {
	st, err := s.reg.Store(a.Type)
	if err != nil {
		return StoreResult{Err: err, Error: err.Error()}
	}
	payload := a.Payload
	meta := map[string]any{"source_hint": string(u.SourceHint)}
	res := StoreResult{Missing: a.Missing}
	if len(a.Missing) > 0 {
		payload = types.FillPlaceholders(payload, now)
		meta["placeholder_fields"] = a.Missing
		res.Placeholder = true
	}
	it, created, err := st.Create(ctx, scope, memory.Draft{
		Payload:  payload,
		TreePath: a.TreePath,
		DedupKey: u.DedupKey,
		Metadata: meta,
	})
	if err != nil {
		res.Err, res.Error = err, err.Error()
		return res
	}
	res.ID, res.Created, res.TreePath = it.ID, created, it.TreePath
	return res
}

// categories lists every path the owner already files items under.
func (s *Service) categories(ctx context.Context, scope types.Scope) ([][]string, error) {
	seen := make(map[string]bool)
	var out [][]string
	for _, t := range types.AllTypes {
		root, err := s.tree.Tree(ctx, scope, t, nil)
		if err != nil {
			return nil, err
		}
		root.Walk(func(n *tree.Node) bool {
			if len(n.Path) > 0 && !seen[types.PathKey(n.Path)] {
				seen[types.PathKey(n.Path)] = true
				out = append(out, n.Path)
			}
			return true
		})
	}
	return out, nil
}

// CreateItem stores an already-structured item, bypassing the classifier.
func (s *Service) CreateItem(ctx context.Context, scope types.Scope, d memory.Draft) (it *types.Item, created bool, err error) {
	ctx, span := s.start(ctx, "create", scope)
	defer func() { finish(span, err) }()

	if d.Payload == nil {
		return nil, false, &types.ValidationError{Field: "payload", Constraint: "required"}
	}
	st, err := s.reg.Store(d.Payload.Kind())
	if err != nil {
		return nil, false, err
	}
	return st.Create(ctx, scope, d)
}

// GetItem returns one live item.
func (s *Service) GetItem(ctx context.Context, scope types.Scope, id string) (it *types.Item, err error) {
	ctx, span := s.start(ctx, "get", scope, attribute.String("item.id", id))
	defer func() { finish(span, err) }()

	st, err := s.reg.ForID(id)
	if err != nil {
		return nil, err
	}
	return st.Get(ctx, scope, id)
}

// EditItem patches an item's fields.
func (s *Service) EditItem(ctx context.Context, scope types.Scope, id string, patch types.FieldPatch) (it *types.Item, err error) {
	ctx, span := s.start(ctx, "edit", scope, attribute.String("item.id", id))
	defer func() { finish(span, err) }()

	if len(patch) == 0 {
		return nil, &types.ValidationError{Field: "fields", Constraint: "at least one field is required"}
	}
	st, err := s.reg.ForID(id)
	if err != nil {
		return nil, err
	}
	return st.Update(ctx, scope, id, patch)
}

// MoveItem refiles an item under a new tree path.
func (s *Service) MoveItem(ctx context.Context, scope types.Scope, id string, path []string) (it *types.Item, err error) {
	ctx, span := s.start(ctx, "move", scope, attribute.String("item.id", id))
	defer func() { finish(span, err) }()

	return s.tree.Move(ctx, scope, id, path)
}

// DeleteItem soft-deletes an item.
func (s *Service) DeleteItem(ctx context.Context, scope types.Scope, id string) (err error) {
	ctx, span := s.start(ctx, "delete", scope, attribute.String("item.id", id))
	defer func() { finish(span, err) }()

	st, err := s.reg.ForID(id)
	if err != nil {
		return err
	}
	return st.SoftDelete(ctx, scope, id)
}

// HardDeleteItem removes an item permanently.
func (s *Service) HardDeleteItem(ctx context.Context, scope types.Scope, id string) (err error) {
	ctx, span := s.start(ctx, "hard_delete", scope, attribute.String("item.id", id))
	defer func() { finish(span, err) }()

	st, err := s.reg.ForID(id)
	if err != nil {
		return err
	}
	return st.HardDelete(ctx, scope, id)
}

// Search runs a hybrid search.
func (s *Service) Search(ctx context.Context, req search.Request) (rs []search.Result, err error) {
	ctx, span := s.start(ctx, "search", req.Scope,
		attribute.Int("limit", req.Limit), attribute.Int("types", len(req.Types)))
	defer func() {
		span.SetAttributes(attribute.Int("results", len(rs)))
		finish(span, err)
	}()

	return s.engine.Search(ctx, req)
}

// GetTree returns the owner's category tree for t below prefix.
func (s *Service) GetTree(ctx context.Context, scope types.Scope, t types.MemoryType, prefix []string) (n *tree.Node, err error) {
	ctx, span := s.start(ctx, "tree", scope, attribute.String("type", string(t)))
	defer func() { finish(span, err) }()

	if err := scope.Validate(); err != nil {
		return nil, err
	}
	return s.tree.Tree(ctx, scope, t, prefix)
}

// TriggerReflexion starts a background reorganization for the owner.
func (s *Service) TriggerReflexion(ctx context.Context, scope types.Scope) (res reflexion.TriggerResult, err error) {
	ctx, span := s.start(ctx, "reflexion.trigger", scope)
	defer func() {
		span.SetAttributes(attribute.String("result", string(res)))
		finish(span, err)
	}()

	return s.refl.Trigger(ctx, scope)
}

// ReflexionStatus reports the owner's reflexion state.
func (s *Service) ReflexionStatus(scope types.Scope) (reflexion.Status, error) {
	if err := scope.Validate(); err != nil {
		return reflexion.Status{}, err
	}
	return s.refl.Status(scope), nil
}

// Backfill runs one embedding pass over the given types, or all of them.
// A type that fails does not stop the others.
func (s *Service) Backfill(ctx context.Context, ts []types.MemoryType) (stats map[types.MemoryType]memory.BackfillStats, err error) {
	ctx, span := s.start(ctx, "backfill", types.Scope{})
	defer func() { finish(span, err) }()

	if !s.gw.Enabled() {
		return nil, types.ErrEmbeddingUnavailable
	}
	if len(ts) == 0 {
		ts = types.AllTypes
	}
	stats = make(map[types.MemoryType]memory.BackfillStats, len(ts))
	var errs []error
	for _, t := range ts {
		st, err := s.reg.Store(t)
		if err != nil {
			return nil, err
		}
		r, err := st.BackfillEmbeddings(ctx, s.gw, s.batch, memory.DefaultLease)
		stats[t] = r
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
		}
	}
	return stats, errors.Join(errs...)
}
