package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tmarek/taskboard-api/internal/platform/logger"
	"github.com/tmarek/taskboard-api/internal/queue"
	"github.com/tmarek/taskboard-api/internal/store"
)

// DefaultVisibilityTimeout is how long a leased (active) job may go
// without a heartbeat before it is considered abandoned and becomes
// eligible for redelivery. This is what makes delivery at-least-once
// across consumer crashes.
const DefaultVisibilityTimeout = 5 * time.Minute

// PostgresJobQueue implements queue.Queue over a jobs table. Producers
// insert pending rows; consumers lease rows with FOR UPDATE SKIP LOCKED
// so concurrent workers never double-claim a live job.
type PostgresJobQueue struct {
	db         store.DBTX
	visibility time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewPostgresJobQueue creates a job queue over the given database handle.
// A zero visibility timeout selects DefaultVisibilityTimeout.
func NewPostgresJobQueue(db store.DBTX, visibility time.Duration, log *slog.Logger) *PostgresJobQueue {
	if db == nil {
		panic("db cannot be nil")
	}

	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}

	if log == nil {
		log = slog.Default()
	}

	return &PostgresJobQueue{
		db:         db,
		visibility: visibility,
		logger:     log.With(slog.String("component", "job_queue")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Ensure PostgresJobQueue implements queue.Queue
var _ queue.Queue = (*PostgresJobQueue)(nil)

// Enqueue implements queue.Enqueuer. The job row is durably inserted
// before Enqueue returns.
func (q *PostgresJobQueue) Enqueue(
	ctx context.Context,
	name string,
	payload any,
	opts queue.Options,
) error {
	log := logger.FromContextOrDefault(ctx, q.logger)

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}

	maxAttempts := opts.Attempts
	if maxAttempts <= 0 {
		maxAttempts = queue.DefaultMaxAttempts
	}

	backoffType := opts.Backoff.Type
	if backoffType == "" {
		backoffType = queue.BackoffFixed
	}

	now := q.now()
	jobID := uuid.New()

	query := `
		INSERT INTO jobs (
			id, name, payload, status, attempts_made, max_attempts,
			backoff_type, backoff_delay_ms, remove_on_complete, remove_on_fail,
			scheduled_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = q.db.ExecContext(
		ctx,
		query,
		jobID,
		name,
		data,
		queue.JobStatusPending,
		maxAttempts,
		backoffType,
		opts.Backoff.Delay.Milliseconds(),
		opts.RemoveOnComplete,
		opts.RemoveOnFail,
		now,
		now,
		now,
	)
	if err != nil {
		log.Error("failed to enqueue job",
			slog.String("job_name", name),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to enqueue job %q: %w", name, MapError(err))
	}

	log.Debug("job enqueued",
		slog.String("job_id", jobID.String()),
		slog.String("job_name", name))
	return nil
}

// Dequeue implements queue.Consumer. It leases the oldest due pending
// job, or an active job whose lease has expired (crashed consumer), in a
// single statement so the claim is atomic.
func (q *PostgresJobQueue) Dequeue(ctx context.Context) (*queue.Job, error) {
	log := logger.FromContextOrDefault(ctx, q.logger)
	now := q.now()

	query := `
		UPDATE jobs
		SET status = $1, updated_at = $2
		WHERE id = (
			SELECT id
			FROM jobs
			WHERE (status = $3 AND scheduled_at <= $2)
			   OR (status = $1 AND updated_at < $4)
			ORDER BY scheduled_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, name, payload, attempts_made, max_attempts,
			backoff_type, backoff_delay_ms, remove_on_complete, remove_on_fail,
			last_error, scheduled_at, created_at, updated_at
	`
	row := q.db.QueryRowContext(
		ctx,
		query,
		queue.JobStatusActive,
		now,
		queue.JobStatusPending,
		now.Add(-q.visibility),
	)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrNoJobs
		}
		log.Error("failed to dequeue job",
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}

	job.Status = queue.JobStatusActive
	return job, nil
}

// Complete implements queue.Consumer. Per the removal policy the job row
// is deleted on success, or marked completed when RemoveOnComplete is off.
func (q *PostgresJobQueue) Complete(ctx context.Context, job *queue.Job) error {
	log := logger.FromContextOrDefault(ctx, q.logger)

	var err error
	if job.RemoveOnComplete {
		_, err = q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, job.ID)
	} else {
		_, err = q.db.ExecContext(ctx,
			`UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3`,
			queue.JobStatusCompleted, q.now(), job.ID)
	}
	if err != nil {
		log.Error("failed to complete job",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to complete job: %w", MapError(err))
	}

	return nil
}

// Fail implements queue.Consumer. While attempts remain the job is
// rescheduled at now plus the queue-native backoff delay; once exhausted
// it is removed or retained according to RemoveOnFail.
func (q *PostgresJobQueue) Fail(ctx context.Context, job *queue.Job, jobErr error) error {
	log := logger.FromContextOrDefault(ctx, q.logger)

	attempts := job.AttemptsMade + 1
	now := q.now()

	errMsg := ""
	if jobErr != nil {
		errMsg = jobErr.Error()
	}

	if attempts < job.MaxAttempts {
		delay := job.Backoff.NextDelay(attempts)
		_, err := q.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = $1, attempts_made = $2, last_error = $3, scheduled_at = $4, updated_at = $5
			WHERE id = $6
		`, queue.JobStatusPending, attempts, errMsg, now.Add(delay), now, job.ID)
		if err != nil {
			log.Error("failed to reschedule job",
				slog.String("job_id", job.ID.String()),
				slog.String("error", err.Error()))
			return fmt.Errorf("failed to reschedule job: %w", MapError(err))
		}

		log.Info("job rescheduled after failure",
			slog.String("job_id", job.ID.String()),
			slog.String("job_name", job.Name),
			slog.Int("attempts_made", attempts),
			slog.Duration("delay", delay))
		return nil
	}

	// Attempt budget exhausted.
	var err error
	if job.RemoveOnFail {
		_, err = q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, job.ID)
	} else {
		_, err = q.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = $1, attempts_made = $2, last_error = $3, updated_at = $4
			WHERE id = $5
		`, queue.JobStatusFailed, attempts, errMsg, now, job.ID)
	}
	if err != nil {
		log.Error("failed to finalize exhausted job",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to finalize exhausted job: %w", MapError(err))
	}

	log.Warn("job failed terminally",
		slog.String("job_id", job.ID.String()),
		slog.String("job_name", job.Name),
		slog.Int("attempts_made", attempts),
		slog.Bool("removed", job.RemoveOnFail))
	return nil
}

// scanJob reads one job row.
func scanJob(row rowScanner) (*queue.Job, error) {
	var (
		job            queue.Job
		backoffDelayMs int64
		lastError      sql.NullString
	)

	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Payload,
		&job.AttemptsMade,
		&job.MaxAttempts,
		&job.Backoff.Type,
		&backoffDelayMs,
		&job.RemoveOnComplete,
		&job.RemoveOnFail,
		&lastError,
		&job.ScheduledAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Backoff.Delay = time.Duration(backoffDelayMs) * time.Millisecond
	job.LastError = lastError.String
	return &job, nil
}
