// Package scanner implements the scheduled producer of the overdue
// pipeline: on a fixed cadence it queries for overdue pending tasks and
// fans them into the job queue in bounded batches.
package scanner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tmarek/taskboard-api/internal/queue"
	"github.com/tmarek/taskboard-api/internal/store"
)

// Defaults for the scanner schedule and batching.
const (
	// DefaultInterval is the wall-clock cadence between scans.
	DefaultInterval = time.Hour

	// DefaultBatchSize caps how many task summaries go into one
	// notification job.
	DefaultBatchSize = 100
)

// TaskFinder is the slice of the task store the scanner reads from.
type TaskFinder interface {
	FindOverduePending(ctx context.Context, now time.Time) ([]store.TaskSummary, error)
}

// Config holds the scanner's tunables. Zero values select the defaults.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// OverdueScanner periodically queries for overdue pending tasks and
// enqueues one overdue-tasks-notification job per batch. It only reads
// tasks; resetting their status is the processor's job.
type OverdueScanner struct {
	tasks     TaskFinder
	enqueuer  queue.Enqueuer
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time // injectable for tests
}

// NewOverdueScanner creates a scanner over the given store and queue.
func NewOverdueScanner(
	tasks TaskFinder,
	enqueuer queue.Enqueuer,
	cfg Config,
	log *slog.Logger,
) *OverdueScanner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &OverdueScanner{
		tasks:     tasks,
		enqueuer:  enqueuer,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		logger:    log.With("component", "overdue_scanner"),
		ctx:       ctx,
		cancel:    cancel,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the ticker goroutine. The first scan happens after one
// full interval, not immediately.
func (s *OverdueScanner) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("overdue scanner started", "interval", s.interval)

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Info("overdue scanner stopped")
				return
			case <-ticker.C:
				// A started scan runs to completion even during shutdown;
				// Stop waits for it rather than aborting it mid-enqueue.
				s.Scan(context.Background())
			}
		}
	}()
}

// Stop shuts the scanner down and waits for an in-flight scan to finish.
func (s *OverdueScanner) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Scan runs one pass. It never returns an error: any query or enqueue
// failure is logged and the pass ends early, leaving recovery to the
// next scheduled tick.
func (s *OverdueScanner) Scan(ctx context.Context) {
	now := s.now()

	overdue, err := s.tasks.FindOverduePending(ctx, now)
	if err != nil {
		s.logger.Error("overdue scan query failed, skipping this run",
			"error", err)
		return
	}

	if len(overdue) == 0 {
		s.logger.Debug("no overdue pending tasks found")
		return
	}

	s.logger.Info("overdue pending tasks found",
		"count", len(overdue),
		"batch_size", s.batchSize)

	for batchIdx, batch := range chunk(overdue, s.batchSize) {
		notices := make([]queue.OverdueTaskNotice, len(batch))
		for i, summary := range batch {
			notices[i] = queue.OverdueTaskNotice{
				TaskID:  summary.TaskID,
				Title:   summary.Title,
				DueDate: summary.DueDate,
			}
		}

		err := s.enqueuer.Enqueue(
			ctx,
			queue.JobOverdueTasksNotification,
			queue.OverdueNotificationPayload{Tasks: notices},
			queue.Options{
				Attempts: 3,
				Backoff: queue.Backoff{
					Type:  queue.BackoffExponential,
					Delay: time.Second,
				},
				RemoveOnComplete: true,
				// Failed notification jobs are retained for inspection.
				RemoveOnFail: false,
			},
		)
		if err != nil {
			s.logger.Error("failed to enqueue overdue notification batch, ending run early",
				"batch_index", batchIdx,
				"batch_len", len(batch),
				"error", err)
			return
		}
	}
}

// chunk partitions items into consecutive slices of at most size
// elements, preserving order.
func chunk(items []store.TaskSummary, size int) [][]store.TaskSummary {
	if size <= 0 {
		return nil
	}

	var batches [][]store.TaskSummary
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}
