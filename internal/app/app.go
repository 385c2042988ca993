// Package app assembles a memory service from configuration. The API
// server and the stdio MCP server share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MereWhiplash/engram-cortex/internal/classifier"
	"github.com/MereWhiplash/engram-cortex/internal/config"
	"github.com/MereWhiplash/engram-cortex/internal/embedder"
	"github.com/MereWhiplash/engram-cortex/internal/lock"
	"github.com/MereWhiplash/engram-cortex/internal/memory"
	"github.com/MereWhiplash/engram-cortex/internal/reflexion"
	"github.com/MereWhiplash/engram-cortex/internal/scheduler"
	"github.com/MereWhiplash/engram-cortex/internal/search"
	"github.com/MereWhiplash/engram-cortex/internal/service"
	"github.com/MereWhiplash/engram-cortex/internal/storage"
	"github.com/MereWhiplash/engram-cortex/internal/tree"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// App is a wired memory service and its background workers.
type App struct {
	Storage   storage.Storage
	Service   *service.Service
	Scheduler *scheduler.Scheduler

	log     *slog.Logger
	closers []func() error
}

// New opens storage and builds every component described by cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{log: logger}

	store, err := storage.New(ctx, cfg.StorageOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.Storage = store
	a.closers = append(a.closers, store.Close)

	emb, err := embedder.New(cfg.EmbedderOptions())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	gw := embedder.NewGateway(emb, cfg.Embedder.Timeout, logger)

	reg := memory.NewRegistry(store,
		memory.WithLogger(logger),
		memory.WithPendingHook(a.nudge),
	)

	engine, err := search.New(reg, gw,
		search.WithWeights(cfg.Search.Weights),
		search.WithCache(cfg.Search.CacheMaxCost, cfg.Search.CacheTTL),
		search.WithMaxCorpus(cfg.Search.MaxCorpus),
		search.WithLogger(logger),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize search: %w", err)
	}
	a.closers = append(a.closers, func() error { engine.Close(); return nil })

	ix := tree.New(reg, tree.WithLogger(logger))

	reflOpts := []reflexion.Option{reflexion.WithConfig(cfg.Reflexion), reflexion.WithLogger(logger)}
	if cfg.Lock.RedisURL != "" {
		rl, err := lock.NewRedis(ctx, cfg.Lock.RedisURL, cfg.Lock.Prefix)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, rl.Close)
		reflOpts = append(reflOpts, reflexion.WithLocker(rl))
	}
	refl := reflexion.New(reg, ix, reflOpts...)
	a.closers = append(a.closers, func() error { refl.Close(); return nil })

	var cls classifier.Classifier = classifier.NewHeuristic()
	if cfg.Classifier.Provider == "anthropic" {
		cls = classifier.NewChain(classifier.NewLLM(cfg.Classifier.APIKey, cfg.Classifier.Model), cls, logger)
	}

	svcOpts := []service.Option{service.WithLogger(logger)}
	if cfg.Scheduler.BackfillBatch > 0 {
		svcOpts = append(svcOpts, service.WithBackfillBatch(cfg.Scheduler.BackfillBatch))
	}
	a.Service = service.New(service.Deps{
		Registry:   reg,
		Search:     engine,
		Tree:       ix,
		Classifier: cls,
		Reflexion:  refl,
		Gateway:    gw,
	}, svcOpts...)

	sched, err := scheduler.New(a.Service, store, scheduler.Config{
		Backfill:  cfg.Scheduler.Backfill,
		Reflexion: cfg.Scheduler.Reflexion,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Scheduler = sched

	logger.Info("memory service ready",
		"storage", cfg.Storage.Driver,
		"embedder", cfg.Embedder.Provider,
		"classifier", cfg.Classifier.Provider)
	return a, nil
}

// nudge forwards pending embedding work to the scheduler. Writes made
// before the scheduler exists are picked up by the next sweep.
func (a *App) nudge(t types.MemoryType) {
	if a.Scheduler != nil {
		a.Scheduler.Nudge(t)
	}
}

// Start runs the background workers.
func (a *App) Start() {
	a.Scheduler.Start()
}

// Ping checks that storage answers.
func (a *App) Ping(ctx context.Context) error {
	_, err := a.Storage.Owners(ctx, types.TypeCore)
	return err
}

// Close stops the workers and releases every resource, newest first.
func (a *App) Close() error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
