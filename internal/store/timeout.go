package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/infrahub-project/infrahub-core/internal/errors"
)

// TimeoutMonitor wraps an operation with a deadline, logging when
// execution crosses a warning ratio of the budget and classifying a
// deadline overrun as a Timeout error (§7) rather than letting the
// raw context.DeadlineExceeded escape.
type TimeoutMonitor struct {
	logger        *slog.Logger
	warningRatio  float64
}

// NewTimeoutMonitor returns a monitor logging through logger, warning
// once an operation has used 80% of its budget.
func NewTimeoutMonitor(logger *slog.Logger) *TimeoutMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimeoutMonitor{logger: logger, warningRatio: 0.8}
}

// Run executes fn under a deadline derived from timeout, translating a
// deadline overrun into a *errors.Error of kind Timeout.
func (m *TimeoutMonitor) Run(ctx context.Context, operation string, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() { errCh <- fn(ctx) }()

	select {
	case err := <-errCh:
		elapsed := time.Since(start)
		warnAt := time.Duration(float64(timeout) * m.warningRatio)
		switch {
		case err != nil:
			m.logger.Error("operation failed", "operation", operation, "elapsed", elapsed, "error", err)
		case elapsed >= warnAt:
			m.logger.Warn("operation approached its timeout budget", "operation", operation, "elapsed", elapsed, "timeout", timeout)
		default:
			m.logger.Debug("operation completed", "operation", operation, "elapsed", elapsed)
		}
		return err
	case <-ctx.Done():
		m.logger.Error("operation exceeded its deadline", "operation", operation, "timeout", timeout)
		return errors.TimeoutError(ctx.Err(), "operation "+operation+" exceeded its deadline")
	}
}

// Tracker aggregates per-operation timing statistics, used to surface
// whether an operation is trending toward its configured budget across
// many calls rather than just the one in front of you.
type Tracker struct {
	mu    sync.Mutex
	stats map[string]*Stats
}

// Stats is one operation's running timing aggregate.
type Stats struct {
	Count       int
	TotalTime   time.Duration
	MaxTime     time.Duration
	TimeoutHits int
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{stats: make(map[string]*Stats)}
}

// RecordExecution folds one call's duration and outcome into operation's stats.
func (t *Tracker) RecordExecution(operation string, d time.Duration, timedOut bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[operation]
	if !ok {
		s = &Stats{}
		t.stats[operation] = s
	}
	s.Count++
	s.TotalTime += d
	if d > s.MaxTime {
		s.MaxTime = d
	}
	if timedOut {
		s.TimeoutHits++
	}
}

// GetStats returns a copy of operation's aggregate, or the zero value
// if it has never been recorded.
func (t *Tracker) GetStats(operation string) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.stats[operation]; ok {
		return *s
	}
	return Stats{}
}

// GetAllStats returns a copy of every tracked operation's aggregate.
func (t *Tracker) GetAllStats() map[string]Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]Stats, len(t.stats))
	for op, s := range t.stats {
		out[op] = *s
	}
	return out
}
