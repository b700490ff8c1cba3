package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/tmarek/taskboard-api/internal/domain"
)

// TaskSummary is a light projection of a task used by the overdue scanner.
// Only the fields needed for the notification payload are selected, which
// keeps job payloads small.
type TaskSummary struct {
	TaskID  uuid.UUID `json:"taskId"`
	Title   string    `json:"title"`
	DueDate time.Time `json:"dueDate"`
}

// TaskStore defines the interface for task data persistence.
type TaskStore interface {
	// Create saves a new task to the store.
	// Returns validation errors from the domain Task if data is invalid.
	Create(ctx context.Context, task *domain.Task) error

	// GetByID retrieves a task by its unique ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// Update saves changes to an existing task.
	// Returns ErrTaskNotFound if the task does not exist.
	Update(ctx context.Context, task *domain.Task) error

	// UpdateStatus updates only the status of an existing task.
	// Returns ErrTaskNotFound if the task does not exist.
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus) error

	// Delete removes a task from the store by its ID.
	// Returns ErrTaskNotFound if the task does not exist.
	Delete(ctx context.Context, id uuid.UUID) error

	// ListByUser retrieves a page of the user's tasks ordered by creation
	// time descending, along with the total count for pagination.
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Task, int, error)

	// FindOverduePending returns summaries of tasks whose due date is
	// strictly before now and whose status is still pending. Used by the
	// overdue scanner to build notification payloads.
	FindOverduePending(ctx context.Context, now time.Time) ([]TaskSummary, error)

	// FindOverdueTasks retrieves a page of tasks with due_date < now and
	// status != completed, ordered by due date ascending. Used by the
	// notification job handler to paginate through currently-overdue tasks.
	FindOverdueTasks(ctx context.Context, now time.Time, limit, offset int) ([]*domain.Task, error)

	// WithTx returns a new TaskStore instance that uses the provided
	// transaction. The transaction is created and managed by the caller
	// (typically a service or job handler).
	WithTx(tx *sql.Tx) TaskStore
}
