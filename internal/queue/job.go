package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tmarek/taskboard-api/internal/domain"
)

// Job name constants. The name selects the handler the processor
// dispatches a job to.
const (
	// JobTaskStatusUpdate carries a single task's status change.
	JobTaskStatusUpdate = "task-status-update"

	// JobOverdueTasksNotification carries a batch of overdue task summaries.
	JobOverdueTasksNotification = "overdue-tasks-notification"
)

// JobStatus represents the queue-side lifecycle state of a job.
type JobStatus string

// Possible job status values
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// BackoffType selects how the queue spaces out redeliveries of a failed job.
type BackoffType string

// Possible backoff types
const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff describes the queue-native redelivery schedule for a job.
// This is distinct from the processor's own pre-dispatch pacing sleep;
// the two compose rather than replace each other.
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// NextDelay returns how long the queue should wait before redelivering a
// job that has failed attemptsMade times (attemptsMade >= 1).
func (b Backoff) NextDelay(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if attemptsMade < 1 {
		attemptsMade = 1
	}

	switch b.Type {
	case BackoffExponential:
		return b.Delay << (attemptsMade - 1)
	default:
		return b.Delay
	}
}

// Options configures a job at enqueue time.
type Options struct {
	// Attempts is the total number of delivery attempts before the job is
	// considered terminally failed. Zero means DefaultMaxAttempts.
	Attempts int

	// Backoff is the queue-native redelivery schedule.
	Backoff Backoff

	// RemoveOnComplete deletes the job row once it succeeds.
	RemoveOnComplete bool

	// RemoveOnFail deletes the job row once its attempts are exhausted.
	// When false, the failed row is retained for inspection.
	RemoveOnFail bool
}

// DefaultMaxAttempts is the delivery attempt ceiling applied when Options
// does not specify one.
const DefaultMaxAttempts = 3

// Job is a durable unit of asynchronous work tracked by the queue.
// Delivery is at-least-once: after a crash or redelivery a consumer may
// see the same job more than once, so handlers must tolerate re-application.
type Job struct {
	ID               uuid.UUID       `json:"id"`
	Name             string          `json:"name"`
	Payload          json.RawMessage `json:"payload"`
	Status           JobStatus       `json:"status"`
	AttemptsMade     int             `json:"attempts_made"`
	MaxAttempts      int             `json:"max_attempts"`
	Backoff          Backoff         `json:"backoff"`
	RemoveOnComplete bool            `json:"remove_on_complete"`
	RemoveOnFail     bool            `json:"remove_on_fail"`
	LastError        string          `json:"last_error,omitempty"`
	ScheduledAt      time.Time       `json:"scheduled_at"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// UnmarshalPayload decodes the job payload into the provided structure.
func (j *Job) UnmarshalPayload(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// AttemptsExhausted reports whether the job has used up its delivery budget.
func (j *Job) AttemptsExhausted() bool {
	return j.AttemptsMade >= j.MaxAttempts
}

// StatusUpdatePayload is the wire contract of a task-status-update job.
type StatusUpdatePayload struct {
	TaskID string            `json:"taskId"`
	Status domain.TaskStatus `json:"status"`
}

// OverdueTaskNotice is one task summary inside an overdue notification job.
type OverdueTaskNotice struct {
	TaskID  uuid.UUID `json:"taskId"`
	Title   string    `json:"title"`
	DueDate time.Time `json:"dueDate"`
}

// OverdueNotificationPayload is the wire contract of an
// overdue-tasks-notification job. The producer bounds Tasks at the
// scanner's batch size; the consumer re-queries the store rather than
// trusting the payload for its own processing.
type OverdueNotificationPayload struct {
	Tasks []OverdueTaskNotice `json:"tasks"`
}
