// internal/reflexion/reflexion.go
// Package reflexion periodically reorganizes an owner's memory: it merges
// near-duplicate categories and files near-duplicate items together. It
// only ever changes where items live, never what they say.
package reflexion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MereWhiplash/engram-cortex/internal/lock"
	"github.com/MereWhiplash/engram-cortex/internal/memory"
	"github.com/MereWhiplash/engram-cortex/internal/tree"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// State is where an owner's consolidation currently is.
type State string

const (
	StateIdle      State = "idle"
	StateScanning  State = "scanning"
	StateRewriting State = "rewriting"
)

// TriggerResult says what a trigger did.
type TriggerResult string

const (
	Accepted       TriggerResult = "accepted"
	AlreadyRunning TriggerResult = "already_running"
)

var (
	// ErrBudgetExceeded aborts a run whose scan took too long. Nothing
	// is moved.
	ErrBudgetExceeded = errors.New("reflexion time budget exceeded")
	// ErrAlreadyRunning is returned by Run when the owner is busy.
	ErrAlreadyRunning = errors.New("reflexion already running")
)

// Config tunes a Consolidator.
type Config struct {
	Budget           time.Duration `yaml:"budget"`
	MergeThreshold   float64       `yaml:"merge_threshold"`
	VectorThreshold  float64       `yaml:"vector_threshold"`
	JaccardThreshold float64       `yaml:"jaccard_threshold"`
	// LeaseTTL bounds how long a crashed run can block the owner.
	LeaseTTL time.Duration `yaml:"lease_ttl"`
	// MaxPairwise caps the items per type compared pairwise.
	MaxPairwise int `yaml:"max_pairwise"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Budget:           30 * time.Second,
		MergeThreshold:   tree.DefaultMergeThreshold,
		VectorThreshold:  0.95,
		JaccardThreshold: 0.8,
		LeaseTTL:         10 * time.Minute,
		MaxPairwise:      2000,
	}
}

// Report describes one finished run.
type Report struct {
	Owner      string       `json:"owner"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Duration   string       `json:"duration"`
	Proposed   int          `json:"proposed"`
	Applied    int          `json:"applied"`
	Merges     []tree.Merge `json:"merges,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// Status is an owner's current state and last run.
type Status struct {
	Owner   string  `json:"owner"`
	State   State   `json:"state"`
	LastRun *Report `json:"last_run,omitempty"`
}

type ownerState struct {
	state State
	last  *Report
}

// Option configures a Consolidator.
type Option func(*Consolidator)

// WithConfig overrides DefaultConfig. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(c *Consolidator) {
		d := DefaultConfig()
		if cfg.Budget <= 0 {
			cfg.Budget = d.Budget
		}
		if cfg.MergeThreshold <= 0 {
			cfg.MergeThreshold = d.MergeThreshold
		}
		if cfg.VectorThreshold <= 0 {
			cfg.VectorThreshold = d.VectorThreshold
		}
		if cfg.JaccardThreshold <= 0 {
			cfg.JaccardThreshold = d.JaccardThreshold
		}
		if cfg.LeaseTTL <= 0 {
			cfg.LeaseTTL = d.LeaseTTL
		}
		if cfg.MaxPairwise <= 0 {
			cfg.MaxPairwise = d.MaxPairwise
		}
		c.cfg = cfg
	}
}

// WithLocker coalesces runs across processes. The default only
// coalesces within this one.
func WithLocker(l lock.Locker) Option {
	return func(c *Consolidator) { c.locker = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Consolidator) { c.log = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Consolidator) { c.now = now }
}

// Consolidator runs reflexion, at most once per owner at a time.
type Consolidator struct {
	reg    *memory.Registry
	ix     *tree.Index
	locker lock.Locker
	cfg    Config
	log    *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	owners map[string]*ownerState
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	// onScan runs at the start of every scan, for tests.
	onScan func()
}

// New creates a Consolidator.
func New(reg *memory.Registry, ix *tree.Index, opts ...Option) *Consolidator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consolidator{
		reg:    reg,
		ix:     ix,
		locker: lock.NewLocal(),
		cfg:    DefaultConfig(),
		log:    slog.Default(),
		now:    time.Now,
		owners: make(map[string]*ownerState),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Trigger starts a background run for the owner unless one is already in
// progress, in which case the trigger is dropped.
func (c *Consolidator) Trigger(ctx context.Context, scope types.Scope) (TriggerResult, error) {
	unlock, ok, err := c.begin(ctx, scope)
	if err != nil {
		return "", err
	}
	if !ok {
		return AlreadyRunning, nil
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, _ = c.run(c.ctx, scope, unlock)
	}()
	return Accepted, nil
}

// Run performs a run synchronously.
func (c *Consolidator) Run(ctx context.Context, scope types.Scope) (*Report, error) {
	unlock, ok, err := c.begin(ctx, scope)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	return c.run(ctx, scope, unlock)
}

// Status reports the owner's state and last run.
func (c *Consolidator) Status(scope types.Scope) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{Owner: scope.OwnerID, State: StateIdle}
	if o, ok := c.owners[scope.OwnerID]; ok {
		st.State = o.state
		if o.last != nil {
			r := *o.last
			st.LastRun = &r
		}
	}
	return st
}

// Wait blocks until every background run has finished.
func (c *Consolidator) Wait() { c.wg.Wait() }

// Close cancels background runs and waits for them.
func (c *Consolidator) Close() {
	c.cancel()
	c.wg.Wait()
}

// begin moves the owner out of idle and takes the shared lease.
func (c *Consolidator) begin(ctx context.Context, scope types.Scope) (lock.Unlock, bool, error) {
	if err := scope.Validate(); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	o, ok := c.owners[scope.OwnerID]
	if !ok {
		o = &ownerState{state: StateIdle}
		c.owners[scope.OwnerID] = o
	}
	if o.state != StateIdle {
		c.mu.Unlock()
		return nil, false, nil
	}
	o.state = StateScanning
	c.mu.Unlock()

	unlock, ok, err := c.locker.TryLock(ctx, "reflexion:"+scope.OwnerID, c.cfg.LeaseTTL)
	if err != nil || !ok {
		c.setState(scope.OwnerID, StateIdle)
		if err != nil {
			return nil, false, fmt.Errorf("failed to acquire reflexion lease: %w", err)
		}
		return nil, false, nil
	}
	return unlock, true, nil
}

func (c *Consolidator) setState(owner string, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners[owner].state = s
}

func (c *Consolidator) finish(owner string, r *Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.owners[owner]
	o.state = StateIdle
	o.last = r
}

func (c *Consolidator) run(ctx context.Context, scope types.Scope, unlock lock.Unlock) (*Report, error) {
	start := c.now()
	report := &Report{Owner: scope.OwnerID, StartedAt: start}
	defer func() {
		if err := unlock(context.Background()); err != nil {
			c.log.Warn("failed to release reflexion lease", "owner", scope.OwnerID, "error", err)
		}
	}()

	plan, err := c.scan(ctx, scope, start.Add(c.cfg.Budget))
	if err == nil {
		report.Proposed = len(plan.Moves)
		report.Merges = plan.Merges
		if !plan.Empty() {
			c.setState(scope.OwnerID, StateRewriting)
			report.Applied, err = c.ix.Apply(ctx, scope, plan)
		}
	}

	report.FinishedAt = c.now()
	report.Duration = report.FinishedAt.Sub(start).String()
	if err != nil {
		report.Error = err.Error()
		c.log.Warn("reflexion run failed", "owner", scope.OwnerID, "error", err,
			"applied", report.Applied)
	} else {
		c.log.Info("reflexion run finished", "owner", scope.OwnerID,
			"proposed", report.Proposed, "applied", report.Applied, "duration", report.Duration)
	}
	c.finish(scope.OwnerID, report)
	return report, err
}
