package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tmarek/taskboard-api/internal/domain"
	"github.com/tmarek/taskboard-api/internal/queue"
	"github.com/tmarek/taskboard-api/internal/store"
)

// TaskRepository defines the repository interface the task service needs.
// It mirrors store.TaskStore so the service stays decoupled from the
// concrete persistence implementation.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	Update(ctx context.Context, task *domain.Task) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Task, int, error)

	// WithTx returns a new repository instance bound to the transaction.
	WithTx(tx *sql.Tx) TaskRepository
}

// CreateTaskInput carries the fields for creating a task.
type CreateTaskInput struct {
	UserID      uuid.UUID
	Title       string
	Description string
	Priority    domain.TaskPriority
	DueDate     *time.Time
}

// UpdateTaskInput carries a partial update; nil fields are left unchanged.
type UpdateTaskInput struct {
	Title       *string
	Description *string
	Status      *domain.TaskStatus
	Priority    *domain.TaskPriority
	DueDate     *time.Time
}

// BatchAction selects what BatchProcess does to each task.
type BatchAction string

// Supported batch actions
const (
	BatchActionComplete BatchAction = "complete"
	BatchActionDelete   BatchAction = "delete"
)

// BatchResult is the per-item outcome of a batch operation.
type BatchResult struct {
	TaskID  uuid.UUID `json:"taskId"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
}

// TaskPage is the pagination envelope returned by List.
type TaskPage struct {
	Items     []*domain.Task `json:"items"`
	Total     int            `json:"total"`
	Page      int            `json:"page"`
	PageCount int            `json:"pageCount"`
}

// DefaultPageSize bounds List when the caller does not specify a size.
const DefaultPageSize = 20

// TaskService performs task mutations inside transactional units of work
// and emits a status-update job whenever a task's status changes.
type TaskService struct {
	repo     TaskRepository
	txRunner store.TxRunner
	enqueuer queue.Enqueuer
	logger   *slog.Logger
}

// NewTaskService creates a new TaskService.
// It returns an error if any required dependency is nil.
func NewTaskService(
	repo TaskRepository,
	txRunner store.TxRunner,
	enqueuer queue.Enqueuer,
	log *slog.Logger,
) (*TaskService, error) {
	if repo == nil {
		return nil, &TaskServiceError{Operation: "create_service", Message: "repo cannot be nil"}
	}
	if txRunner == nil {
		return nil, &TaskServiceError{Operation: "create_service", Message: "txRunner cannot be nil"}
	}
	if enqueuer == nil {
		return nil, &TaskServiceError{Operation: "create_service", Message: "enqueuer cannot be nil"}
	}

	if log == nil {
		log = slog.Default()
	}

	return &TaskService{
		repo:     repo,
		txRunner: txRunner,
		enqueuer: enqueuer,
		logger:   log.With("component", "task_service"),
	}, nil
}

// statusUpdateJobOptions configures status-update jobs: retried by the
// queue with exponential backoff, removed on success and on terminal
// failure ("fire and mostly forget").
func statusUpdateJobOptions() queue.Options {
	return queue.Options{
		Attempts: 3,
		Backoff: queue.Backoff{
			Type:  queue.BackoffExponential,
			Delay: time.Second,
		},
		RemoveOnComplete: true,
		RemoveOnFail:     true,
	}
}

// Create creates a new task inside a transaction and returns it.
func (s *TaskService) Create(ctx context.Context, input CreateTaskInput) (*domain.Task, error) {
	task, err := domain.NewTask(
		input.UserID,
		input.Title,
		input.Description,
		input.Priority,
		input.DueDate,
	)
	if err != nil {
		return nil, newTaskServiceError("create_task", "invalid task data", err)
	}

	err = s.txRunner.RunInTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.repo.WithTx(tx).Create(ctx, task); err != nil {
			return newTaskServiceError("create_task", "failed to save task", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("task created",
		"task_id", task.ID,
		"user_id", task.UserID)
	return task, nil
}

// Get retrieves a task by ID.
func (s *TaskService) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, newTaskServiceError("get_task", "failed to retrieve task", err)
	}
	return task, nil
}

// List returns a page of the user's tasks.
func (s *TaskService) List(ctx context.Context, userID uuid.UUID, page, pageSize int) (*TaskPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}

	items, total, err := s.repo.ListByUser(ctx, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, newTaskServiceError("list_tasks", "failed to list tasks", err)
	}

	pageCount := (total + pageSize - 1) / pageSize
	return &TaskPage{
		Items:     items,
		Total:     total,
		Page:      page,
		PageCount: pageCount,
	}, nil
}

// Update applies a partial update to a task inside a transaction. When
// the update changes the task's status, a task-status-update job is
// enqueued best-effort: an enqueue failure is logged and the committed
// mutation stands.
func (s *TaskService) Update(ctx context.Context, id uuid.UUID, input UpdateTaskInput) (*domain.Task, error) {
	var (
		updated       *domain.Task
		statusChanged bool
	)

	err := s.txRunner.RunInTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		txRepo := s.repo.WithTx(tx)

		task, err := txRepo.GetByID(ctx, id)
		if err != nil {
			return newTaskServiceError("update_task", "failed to retrieve task", err)
		}

		oldStatus := task.Status

		if input.Title != nil {
			task.Title = *input.Title
		}
		if input.Description != nil {
			task.Description = *input.Description
		}
		if input.Priority != nil {
			task.Priority = *input.Priority
		}
		if input.DueDate != nil {
			task.DueDate = input.DueDate
		}
		if input.Status != nil {
			if err := task.SetStatus(*input.Status); err != nil {
				return newTaskServiceError("update_task", "invalid status", err)
			}
		}
		task.UpdatedAt = time.Now().UTC()

		if err := txRepo.Update(ctx, task); err != nil {
			return newTaskServiceError("update_task", "failed to save task", err)
		}

		statusChanged = task.Status != oldStatus
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}

	// A status change is the sole trigger for emitting a status-update
	// job. The job is advisory: the committed mutation is authoritative.
	if statusChanged {
		s.emitStatusUpdate(ctx, updated.ID, updated.Status)
	}

	return updated, nil
}

// Remove deletes a task inside a transaction.
func (s *TaskService) Remove(ctx context.Context, id uuid.UUID) error {
	return s.txRunner.RunInTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.repo.WithTx(tx).Delete(ctx, id); err != nil {
			return newTaskServiceError("remove_task", "failed to delete task", err)
		}
		return nil
	})
}

// BatchProcess applies an action to each task inside one shared
// transaction. A single item's failure (including not-found) is captured
// in its result without aborting the remaining items; only a failure of
// the transaction itself fails the whole batch.
func (s *TaskService) BatchProcess(
	ctx context.Context,
	taskIDs []uuid.UUID,
	action BatchAction,
) ([]BatchResult, error) {
	if action != BatchActionComplete && action != BatchActionDelete {
		return nil, &TaskServiceError{
			Operation: "batch_process",
			Message:   fmt.Sprintf("unknown batch action %q", action),
		}
	}

	results := make([]BatchResult, 0, len(taskIDs))
	var completed []uuid.UUID

	err := s.txRunner.RunInTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		txRepo := s.repo.WithTx(tx)

		for _, taskID := range taskIDs {
			var itemErr error
			switch action {
			case BatchActionComplete:
				itemErr = txRepo.UpdateStatus(ctx, taskID, domain.TaskStatusCompleted)
			case BatchActionDelete:
				itemErr = txRepo.Delete(ctx, taskID)
			}

			switch {
			case itemErr == nil:
				results = append(results, BatchResult{TaskID: taskID, Success: true})
				if action == BatchActionComplete {
					completed = append(completed, taskID)
				}
			case errors.Is(itemErr, store.ErrTaskNotFound):
				results = append(results, BatchResult{
					TaskID: taskID,
					Error:  fmt.Sprintf("Task %s not found", taskID),
				})
			default:
				// A store-level failure beyond not-found poisons the
				// transaction; abort the batch.
				return newTaskServiceError("batch_process", "store operation failed", itemErr)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("batch operation failed",
			"action", action,
			"task_count", len(taskIDs),
			"error", err)
		return nil, fmt.Errorf("%w: %v", ErrBatchFailed, err)
	}

	// Completing a task is a status change; emit the jobs only after the
	// batch has committed.
	for _, taskID := range completed {
		s.emitStatusUpdate(ctx, taskID, domain.TaskStatusCompleted)
	}

	return results, nil
}

// emitStatusUpdate enqueues a task-status-update job through the bounded
// retry helper. Failures are logged, never propagated: a queue outage
// must not undo or fail a committed task mutation.
func (s *TaskService) emitStatusUpdate(ctx context.Context, taskID uuid.UUID, status domain.TaskStatus) {
	payload := queue.StatusUpdatePayload{
		TaskID: taskID.String(),
		Status: status,
	}

	err := queue.EnqueueWithRetry(
		ctx,
		s.enqueuer,
		queue.JobTaskStatusUpdate,
		payload,
		statusUpdateJobOptions(),
		s.logger,
	)
	if err != nil {
		s.logger.Error("failed to enqueue status update job, continuing",
			"task_id", taskID,
			"status", status,
			"error", err)
		return
	}

	s.logger.Debug("status update job enqueued",
		"task_id", taskID,
		"status", status)
}
