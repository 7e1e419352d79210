// Package registry bundles the process-wide collaborators every other
// layer is handed by reference instead of reaching for an import-time
// singleton: the schema catalog, the branch catalog, a backend handle,
// a named-lock table for serializing per-key operations (schema init,
// per-branch merges), and the concurrency guards (a bounded semaphore
// plus a request-rate limiter) that keep concurrent callers from
// overwhelming the backend.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/infrahub-project/infrahub-core/internal/branch"
	"github.com/infrahub-project/infrahub-core/internal/config"
	"github.com/infrahub-project/infrahub-core/internal/errors"
	"github.com/infrahub-project/infrahub-core/internal/schema"
	"github.com/infrahub-project/infrahub-core/internal/store"
)

// DefaultMaxConcurrentOperations bounds how many branch-mutating
// operations (merge, rebase, bulk create) may run against the backend
// at once, independent of whatever connection-pool limit the backend
// itself enforces.
const DefaultMaxConcurrentOperations = 50

// DefaultRateLimit caps the steady-state rate of backend-facing calls
// a single process issues, as a defensive ceiling independent of the
// semaphore above (the semaphore bounds concurrency, this bounds
// throughput).
const DefaultRateLimit = rate.Limit(200)

// Registry is the single value a server process constructs once and
// passes by reference to every collaborator (node manager, diff
// engine, merge) that needs backend access, schema lookups, or branch
// bookkeeping. It owns no business logic of its own.
type Registry struct {
	Backend store.Backend
	Schemas *schema.Registry
	Logger  *slog.Logger

	branches *branch.Store

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	timeouts *TimeoutTracker
}

// New constructs a Registry around backend and schemas, sized by cfg
// (the core's own ConcurrencyConfig — zero fields fall back to this
// package's defaults). A nil logger falls back to slog's default.
func New(backend store.Backend, schemas *schema.Registry, cfg config.ConcurrencyConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	maxOps := cfg.MaxConcurrentOperations
	if maxOps <= 0 {
		maxOps = DefaultMaxConcurrentOperations
	}
	rateLimit := rate.Limit(cfg.RateLimitPerSecond)
	if rateLimit <= 0 {
		rateLimit = DefaultRateLimit
	}
	return &Registry{
		Backend:  backend,
		Schemas:  schemas,
		Logger:   logger.With("component", "registry"),
		branches: branch.NewStore(backend, logger),
		locks:    make(map[string]*sync.Mutex),
		sem:      semaphore.NewWeighted(int64(maxOps)),
		limiter:  rate.NewLimiter(rateLimit, int(maxOps)),
		timeouts: NewTimeoutTracker(),
	}
}

// Branches exposes the branch catalog backing this registry.
func (r *Registry) Branches() *branch.Store {
	return r.branches
}

// Stats returns the recorded timeout statistics for operation, or nil
// if RunGuarded has never been called with that name.
func (r *Registry) Stats(operation string) *TimeoutStats {
	return r.timeouts.Stats(operation)
}

// namedLock returns the mutex serializing operations keyed by key,
// creating it on first use. Distinct keys (e.g. "merge:feature",
// "schema-init:main") never block each other.
func (r *Registry) namedLock(key string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	m, ok := r.locks[key]
	if !ok {
		m = &sync.Mutex{}
		r.locks[key] = m
	}
	return m
}

// WithNamedLock runs fn while holding the mutex registered under key,
// used to serialize schema init, first-time backend init, and
// per-branch merges without blocking unrelated keys.
func (r *Registry) WithNamedLock(key string, fn func() error) error {
	m := r.namedLock(key)
	m.Lock()
	defer m.Unlock()
	return fn()
}

// Acquire blocks until a concurrency slot is free or ctx is done,
// bounding how many operations this process runs against the backend
// at once regardless of how many callers invoke it.
func (r *Registry) Acquire(ctx context.Context) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return errors.TimeoutError(err, "timed out waiting for a concurrency slot")
	}
	return nil
}

// Release returns the slot acquired by a matching Acquire call.
func (r *Registry) Release() {
	r.sem.Release(1)
}

// Allow reports whether a backend-facing call may proceed under the
// registry's steady-state rate limit, without blocking — callers that
// get false should back off rather than retry immediately.
func (r *Registry) Allow() bool {
	return r.limiter.Allow()
}

// RunGuarded runs fn after acquiring both a concurrency slot and
// recording the operation against the timeout tracker, releasing the
// slot and recording the result regardless of outcome. This is the
// single entry point merge/nodemanager callers should route
// backend-mutating work through.
func (r *Registry) RunGuarded(ctx context.Context, operation string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if err := r.Acquire(ctx); err != nil {
		return err
	}
	defer r.Release()

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(tctx)
	duration := time.Since(start)

	timedOut := tctx.Err() == context.DeadlineExceeded
	r.timeouts.Record(operation, duration, timedOut)
	if timedOut {
		r.Logger.Warn("operation timed out", "operation", operation, "duration", duration, "timeout", timeout)
		return errors.TimeoutErrorf(err, "operation %q exceeded %s", operation, timeout)
	}
	return err
}

// TimeoutStats summarizes one operation's recorded timeout history.
type TimeoutStats struct {
	Operation       string
	TotalExecutions int
	TimeoutCount    int
	AverageDuration time.Duration
	MaxDuration     time.Duration
}

// TimeoutTracker accumulates per-operation timeout statistics so an
// operator can see which operations are approaching their deadline
// budget before they start failing outright.
type TimeoutTracker struct {
	mu    sync.Mutex
	stats map[string]*TimeoutStats
}

// NewTimeoutTracker returns an empty tracker.
func NewTimeoutTracker() *TimeoutTracker {
	return &TimeoutTracker{stats: make(map[string]*TimeoutStats)}
}

// Record folds one execution's outcome into operation's running stats.
func (t *TimeoutTracker) Record(operation string, duration time.Duration, timedOut bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[operation]
	if !ok {
		s = &TimeoutStats{Operation: operation}
		t.stats[operation] = s
	}
	s.TotalExecutions++
	if timedOut {
		s.TimeoutCount++
	}
	if s.TotalExecutions == 1 {
		s.AverageDuration = duration
	} else {
		total := s.AverageDuration.Nanoseconds() * int64(s.TotalExecutions-1)
		s.AverageDuration = time.Duration((total + duration.Nanoseconds()) / int64(s.TotalExecutions))
	}
	if duration > s.MaxDuration {
		s.MaxDuration = duration
	}
}

// Stats returns a snapshot of operation's recorded statistics, or nil
// if it has never been recorded.
func (t *TimeoutTracker) Stats(operation string) *TimeoutStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stats[operation]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}
