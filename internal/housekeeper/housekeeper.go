// Package housekeeper runs the periodic maintenance of the record store:
// retiring old queries into the archive and resetting client rate limits.
package housekeeper

import (
	"context"
	"time"

	"grimm.is/blackhole/internal/clock"
	"grimm.is/blackhole/internal/datastore"
	"grimm.is/blackhole/internal/errors"
	"grimm.is/blackhole/internal/logging"
	"grimm.is/blackhole/internal/scheduler"
)

// Task IDs registered with the scheduler.
const (
	TaskRetention      = "retention"
	TaskRateLimitReset = "rate-limit-reset"
	TaskArchiveCleanup = "archive-cleanup"
)

// Archive receives retired queries.
type Archive interface {
	Archive(records []datastore.QueryRecord) error
}

// Cleaner drops expired archive entries.
type Cleaner interface {
	Cleanup() (int64, error)
}

// Options configures the housekeeper.
type Options struct {
	// MaxAge is how long queries stay in memory.
	MaxAge time.Duration
	// RetentionInterval is how often old queries are retired.
	RetentionInterval time.Duration
	// RateLimitInterval is how often client rate limits reset. Zero
	// disables the reset task.
	RateLimitInterval time.Duration
	// CleanupInterval is how often the archive drops expired entries.
	CleanupInterval time.Duration

	Archive Archive // optional
	Cleaner Cleaner // optional
	Clock   clock.Clock
	Logger  *logging.Logger
}

// Housekeeper owns the maintenance tasks for one store.
type Housekeeper struct {
	store  *datastore.Store
	opts   Options
	clock  clock.Clock
	logger *logging.Logger
}

// New creates a housekeeper for store.
func New(store *datastore.Store, opts Options) (*Housekeeper, error) {
	if opts.MaxAge <= 0 {
		return nil, errors.New(errors.KindValidation, "max age must be positive")
	}
	if opts.RetentionInterval <= 0 {
		return nil, errors.New(errors.KindValidation, "retention interval must be positive")
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Housekeeper{
		store:  store,
		opts:   opts,
		clock:  clock.Or(opts.Clock),
		logger: logger.WithComponent("housekeeper"),
	}, nil
}

// Register adds the maintenance tasks to s.
func (h *Housekeeper) Register(s *scheduler.Scheduler) error {
	tasks := []*scheduler.Task{{
		ID:          TaskRetention,
		Name:        "Query retention",
		Description: "Retire queries older than the retention window",
		Schedule:    scheduler.Every(h.opts.RetentionInterval),
		Func:        h.Retain,
		Enabled:     true,
		RunOnStart:  true,
	}}
	if h.opts.RateLimitInterval > 0 {
		tasks = append(tasks, &scheduler.Task{
			ID:          TaskRateLimitReset,
			Name:        "Rate limit reset",
			Description: "Clear per-client query counters",
			Schedule:    scheduler.Aligned(h.opts.RateLimitInterval, 0),
			Func:        h.ResetRateLimits,
			Enabled:     true,
		})
	}
	if h.opts.Cleaner != nil {
		tasks = append(tasks, &scheduler.Task{
			ID:          TaskArchiveCleanup,
			Name:        "Archive cleanup",
			Description: "Drop expired archived queries",
			Schedule:    scheduler.Every(h.opts.CleanupInterval),
			Func:        h.CleanupArchive,
			Enabled:     true,
			Timeout:     time.Minute,
		})
	}

	for _, t := range tasks {
		if err := s.AddTask(t); err != nil {
			return err
		}
	}
	return nil
}

// Cutoff returns the retention boundary for now: now minus the maximum
// age, rounded up to an overtime interval boundary so whole buckets expire
// together.
func (h *Housekeeper) Cutoff(now time.Time) time.Time {
	return h.store.Timeline().AlignUp(now.Add(-h.opts.MaxAge))
}

// Retain retires queries older than the cutoff and archives them.
func (h *Housekeeper) Retain(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cutoff := h.Cutoff(h.clock.Now())
	retired := h.store.RetireBefore(cutoff)
	if len(retired) == 0 {
		return nil
	}
	h.logger.Debug("queries retired", "count", len(retired), "cutoff", cutoff)

	if h.opts.Archive == nil {
		return nil
	}
	if err := h.opts.Archive.Archive(retired); err != nil {
		h.logger.Error("failed to archive retired queries", "count", len(retired), "error", err)
		return errors.Wrapf(err, errors.KindUnavailable, "archive %d queries", len(retired))
	}
	return nil
}

// ResetRateLimits clears every client's rate-limit counter.
func (h *Housekeeper) ResetRateLimits(context.Context) error {
	h.store.ResetRateLimits()
	return nil
}

// CleanupArchive drops expired archive entries.
func (h *Housekeeper) CleanupArchive(ctx context.Context) error {
	if h.opts.Cleaner == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := h.opts.Cleaner.Cleanup()
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "archive cleanup")
	}
	if n > 0 {
		h.logger.Info("expired archive entries removed", "count", n)
	}
	return nil
}
