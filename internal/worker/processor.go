// Package worker implements the job queue consumer: a pool of workers
// that dequeue jobs, dispatch them by name to transactional handlers,
// and apply the retry-or-terminal failure policy.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmarek/taskboard-api/internal/domain"
	"github.com/tmarek/taskboard-api/internal/platform/logger"
	"github.com/tmarek/taskboard-api/internal/queue"
	"github.com/tmarek/taskboard-api/internal/store"
)

// Processor tunables.
const (
	// DefaultConcurrency is how many jobs one process works at once.
	DefaultConcurrency = 3

	// DefaultMaxRetries is the handler failure count after which an
	// error is converted into a terminal failure result instead of
	// being handed back to the queue.
	DefaultMaxRetries = 3

	// DefaultPollInterval is how long an idle worker waits before
	// polling the queue again.
	DefaultPollInterval = time.Second

	// redeliveryPaceBase and redeliveryPaceCap bound the pre-dispatch
	// sleep applied to redelivered jobs. This pacing is deliberately
	// separate from the queue-native backoff configured at enqueue time.
	redeliveryPaceBase = time.Second
	redeliveryPaceCap  = 30 * time.Second
)

// Result is the reported outcome of one job execution.
type Result struct {
	Success        bool              `json:"success"`
	TaskID         string            `json:"taskId,omitempty"`
	NewStatus      domain.TaskStatus `json:"newStatus,omitempty"`
	ProcessedCount int               `json:"processedCount"`
	Error          string            `json:"error,omitempty"`
}

// overduePageSize is the page size the notification handler uses while
// re-querying overdue tasks.
const overduePageSize = 100

// Config holds processor tunables. Zero values select the defaults.
type Config struct {
	Concurrency  int
	MaxRetries   int
	PollInterval time.Duration
}

// TaskProcessor consumes jobs from the queue and executes them inside
// transactional units of work. It runs entirely outside the HTTP path.
type TaskProcessor struct {
	consumer queue.Consumer
	tasks    store.TaskStore
	txRunner store.TxRunner
	logger   *slog.Logger

	concurrency  int
	maxRetries   int
	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now   func() time.Time                        // injectable for tests
	sleep func(ctx context.Context, d time.Duration) // injectable for tests
}

// NewTaskProcessor creates a processor over the given queue and store.
func NewTaskProcessor(
	consumer queue.Consumer,
	tasks store.TaskStore,
	txRunner store.TxRunner,
	cfg Config,
	log *slog.Logger,
) *TaskProcessor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &TaskProcessor{
		consumer:     consumer,
		tasks:        tasks,
		txRunner:     txRunner,
		logger:       log.With("component", "task_processor"),
		concurrency:  cfg.Concurrency,
		maxRetries:   cfg.MaxRetries,
		pollInterval: cfg.PollInterval,
		ctx:          ctx,
		cancel:       cancel,
		now:          func() time.Time { return time.Now().UTC() },
		sleep:        sleepCtx,
	}
}

// Start launches the worker goroutines.
func (p *TaskProcessor) Start() {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("task processor started", "concurrency", p.concurrency)
}

// Stop shuts the processor down. Workers stop dequeuing immediately,
// but any job already leased runs to completion and settles before
// Stop returns.
func (p *TaskProcessor) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("task processor stopped")
}

// worker is one consume loop.
func (p *TaskProcessor) worker(id int) {
	defer p.wg.Done()

	log := p.logger.With("worker_id", id)
	log.Debug("starting worker")

	for {
		select {
		case <-p.ctx.Done():
			log.Debug("stopping worker")
			return
		default:
		}

		job, err := p.consumer.Dequeue(p.ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrNoJobs) && !errors.Is(err, context.Canceled) {
				log.Error("failed to dequeue job", "error", err)
			}
			p.sleep(p.ctx, p.pollInterval)
			continue
		}

		// A leased job runs on its own context, detached from the
		// shutdown one: Stop must not abort a transaction mid-flight or
		// strand the row as active until the visibility timeout.
		jobCtx := logger.WithLogger(context.Background(), log.With(
			"job_id", job.ID,
			"job_name", job.Name,
			"attempts_made", job.AttemptsMade,
		))

		result, jobErr := p.ProcessJob(jobCtx, job)
		p.settle(jobCtx, job, result, jobErr)
	}
}

// settle reports the job outcome back to the queue. A nil jobErr means
// the job is finished (successfully or terminally) and is completed; a
// non-nil jobErr hands the job back for queue-native redelivery.
func (p *TaskProcessor) settle(ctx context.Context, job *queue.Job, result Result, jobErr error) {
	log := logger.FromContext(ctx)

	if jobErr != nil {
		if err := p.consumer.Fail(ctx, job, jobErr); err != nil {
			log.Error("failed to hand job back to queue", "error", err)
		}
		return
	}

	if err := p.consumer.Complete(ctx, job); err != nil {
		log.Error("failed to complete job", "error", err)
		return
	}

	if result.Success {
		log.Info("job succeeded",
			"task_id", result.TaskID,
			"processed_count", result.ProcessedCount)
	} else {
		log.Warn("job finished with failure result", "job_error", result.Error)
	}
}

// ProcessJob executes one job delivery. The returned error is non-nil
// only for retryable failures with attempts remaining; once the job's
// AttemptsMade reaches the retry ceiling the error is converted into a
// terminal failure Result and nil is returned, so the queue marks the
// job finished instead of redelivering it forever.
func (p *TaskProcessor) ProcessJob(ctx context.Context, job *queue.Job) (Result, error) {
	log := logger.FromContext(ctx)

	// Pace redelivered jobs before dispatching. Exponential in the
	// number of prior attempts, capped.
	if job.AttemptsMade > 0 {
		p.sleep(ctx, redeliveryPace(job.AttemptsMade))
	}

	log.Info("processing job")

	result, err := p.dispatch(ctx, job)
	if err == nil {
		return result, nil
	}

	if job.AttemptsMade < p.maxRetries {
		log.Warn("job handler failed, requesting redelivery",
			"error", err,
			"attempts_made", job.AttemptsMade,
			"max_retries", p.maxRetries)
		return Result{}, err
	}

	terminal := Result{
		Success: false,
		Error:   fmt.Sprintf("Job failed after %d retries: %v", p.maxRetries, err),
	}
	log.Error("job failed terminally", "error", err, "max_retries", p.maxRetries)
	return terminal, nil
}

// dispatch routes a job to its handler by name.
func (p *TaskProcessor) dispatch(ctx context.Context, job *queue.Job) (Result, error) {
	switch job.Name {
	case queue.JobTaskStatusUpdate:
		return p.handleStatusUpdate(ctx, job)
	case queue.JobOverdueTasksNotification:
		return p.handleOverdueNotification(ctx, job)
	default:
		// Not a retryable condition; redelivering an unknown name would
		// never succeed.
		return Result{Success: false, Error: "Unknown job type"}, nil
	}
}

// handleStatusUpdate re-applies a task status change inside its own
// transaction. Re-applying the same status is naturally idempotent,
// which is what makes at-least-once delivery safe here.
func (p *TaskProcessor) handleStatusUpdate(ctx context.Context, job *queue.Job) (Result, error) {
	var payload queue.StatusUpdatePayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("malformed payload: %v", err)}, nil
	}

	if payload.TaskID == "" || payload.Status == "" {
		return Result{Success: false, Error: "payload requires both taskId and status"}, nil
	}

	taskID, err := uuid.Parse(payload.TaskID)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("invalid taskId %q", payload.TaskID)}, nil
	}

	if !domain.IsValidTaskStatus(payload.Status) {
		return Result{
			Success: false,
			Error:   fmt.Sprintf("invalid status %q", payload.Status),
		}, nil
	}

	var notFound bool
	err = p.txRunner.RunInTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		err := p.tasks.WithTx(tx).UpdateStatus(ctx, taskID, payload.Status)
		if errors.Is(err, store.ErrTaskNotFound) {
			notFound = true
			return nil
		}
		return err
	})
	if err != nil {
		// Transient store failure; the transaction has rolled back.
		return Result{}, err
	}
	if notFound {
		return Result{
			Success: false,
			TaskID:  payload.TaskID,
			Error:   fmt.Sprintf("Task %s not found", payload.TaskID),
		}, nil
	}

	return Result{
		Success:   true,
		TaskID:    payload.TaskID,
		NewStatus: payload.Status,
	}, nil
}

// handleOverdueNotification re-queries currently-overdue tasks in pages
// and resets each to pending inside one transaction, ignoring the job
// payload beyond its role as a trigger. Rewriting pending onto tasks
// that are usually pending already is a deliberate self-healing nudge.
func (p *TaskProcessor) handleOverdueNotification(ctx context.Context, job *queue.Job) (Result, error) {
	now := p.now()
	processed := 0

	err := p.txRunner.RunInTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		txTasks := p.tasks.WithTx(tx)

		for offset := 0; ; offset += overduePageSize {
			page, err := txTasks.FindOverdueTasks(ctx, now, overduePageSize, offset)
			if err != nil {
				return fmt.Errorf("failed to fetch overdue tasks page: %w", err)
			}

			for _, task := range page {
				if err := txTasks.UpdateStatus(ctx, task.ID, domain.TaskStatusPending); err != nil {
					return fmt.Errorf("failed to reset task %s: %w", task.ID, err)
				}
				processed++
			}

			if len(page) < overduePageSize {
				return nil
			}
		}
	})
	if err != nil {
		return Result{}, err
	}

	return Result{Success: true, ProcessedCount: processed}, nil
}

// redeliveryPace computes the pre-dispatch sleep for a redelivered job.
func redeliveryPace(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		return 0
	}
	// Past 2^5 the cap always wins; keep the shift small to avoid overflow.
	if attemptsMade > 5 {
		return redeliveryPaceCap
	}
	d := redeliveryPaceBase << attemptsMade
	if d > redeliveryPaceCap {
		return redeliveryPaceCap
	}
	return d
}

// sleepCtx sleeps for d or until the context is canceled.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
