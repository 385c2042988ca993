// Package scheduler runs the background work of a server process:
// embedding backfill sweeps, nudged sweeps right after writes, and
// periodic reflexion for every owner in storage.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MereWhiplash/engram-cortex/internal/memory"
	"github.com/MereWhiplash/engram-cortex/internal/reflexion"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 1m".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Jobs is the work the scheduler drives. service.Service implements it.
type Jobs interface {
	Backfill(ctx context.Context, ts []types.MemoryType) (map[types.MemoryType]memory.BackfillStats, error)
	TriggerReflexion(ctx context.Context, scope types.Scope) (reflexion.TriggerResult, error)
}

// OwnerSource lists the owners that have items of a type. storage.Storage
// implements it.
type OwnerSource interface {
	Owners(ctx context.Context, t types.MemoryType) ([]string, error)
}

// Config holds cron specs. An empty spec disables that job.
type Config struct {
	Backfill  string
	Reflexion string
	// JobTimeout bounds one run of either job.
	JobTimeout time.Duration
}

// Scheduler owns the cron runner and the nudge worker.
type Scheduler struct {
	jobs    Jobs
	owners  OwnerSource
	cfg     Config
	log     *slog.Logger
	cron    *cron.Cron
	nudges  chan struct{}
	mu      sync.Mutex
	pending map[types.MemoryType]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates the specs and builds a stopped Scheduler.
func New(jobs Jobs, owners OwnerSource, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		jobs:    jobs,
		owners:  owners,
		cfg:     cfg,
		log:     logger,
		nudges:  make(chan struct{}, 1),
		pending: make(map[types.MemoryType]bool),
		ctx:     ctx,
		cancel:  cancel,
	}

	cronLog := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))
	s.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	if cfg.Backfill != "" {
		if _, err := s.cron.AddFunc(cfg.Backfill, func() { s.RunBackfill(s.ctx, nil) }); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid backfill schedule %q: %w", cfg.Backfill, err)
		}
	}
	if cfg.Reflexion != "" {
		if _, err := s.cron.AddFunc(cfg.Reflexion, func() { s.RunReflexion(s.ctx) }); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid reflexion schedule %q: %w", cfg.Reflexion, err)
		}
	}
	return s, nil
}

// Start begins the cron runner and the nudge worker.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.nudgeLoop()
	s.cron.Start()
	s.log.Info("scheduler started", "backfill", s.cfg.Backfill, "reflexion", s.cfg.Reflexion)
}

// Stop halts scheduling and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
}

// Nudge asks for a backfill pass over t soon. Calls coalesce while a pass
// is queued. It never blocks, so it is safe to use as the registry's
// pending hook.
func (s *Scheduler) Nudge(t types.MemoryType) {
	s.mu.Lock()
	s.pending[t] = true
	s.mu.Unlock()

	select {
	case s.nudges <- struct{}{}:
	default:
	}
}

func (s *Scheduler) nudgeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.nudges:
			s.mu.Lock()
			ts := make([]types.MemoryType, 0, len(s.pending))
			for t := range s.pending {
				ts = append(ts, t)
			}
			s.pending = make(map[types.MemoryType]bool)
			s.mu.Unlock()

			// An earlier signal already drained these.
			if len(ts) == 0 {
				continue
			}
			sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
			s.RunBackfill(s.ctx, ts)
		}
	}
}

// RunBackfill runs one backfill pass over ts, or every type when empty.
func (s *Scheduler) RunBackfill(ctx context.Context, ts []types.MemoryType) map[types.MemoryType]memory.BackfillStats {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	stats, err := s.jobs.Backfill(ctx, ts)
	switch {
	case errors.Is(err, types.ErrEmbeddingUnavailable):
		s.log.Debug("backfill skipped, no embedder configured")
		return nil
	case err != nil:
		s.log.Warn("backfill pass failed", "error", err)
	}

	var written int
	for _, st := range stats {
		written += st.Written
	}
	if written > 0 {
		s.log.Info("backfill pass finished", "written", written)
	}
	return stats
}

// RunReflexion triggers reflexion for every owner in storage and returns
// how many runs were started.
func (s *Scheduler) RunReflexion(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	owners, err := s.allOwners(ctx)
	if err != nil {
		s.log.Error("failed to list owners for reflexion", "error", err)
		return 0
	}

	started := 0
	for _, owner := range owners {
		res, err := s.jobs.TriggerReflexion(ctx, types.Scope{OwnerID: owner})
		if err != nil {
			s.log.Warn("failed to trigger reflexion", "owner", owner, "error", err)
			continue
		}
		if res == reflexion.Accepted {
			started++
		}
	}
	s.log.Info("scheduled reflexion", "owners", len(owners), "started", started)
	return started
}

func (s *Scheduler) allOwners(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var errs []error
	for _, t := range types.AllTypes {
		owners, err := s.owners.Owners(ctx, t)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
			continue
		}
		for _, o := range owners {
			seen[o] = true
		}
	}
	if len(seen) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	out := make([]string, 0, len(seen))
	for o := range seen {
		out = append(out, o)
	}
	sort.Strings(out)
	return out, nil
}
