package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/tmarek/taskboard-api/internal/domain"
	"github.com/tmarek/taskboard-api/internal/service"
)

// Common request/response structures

// RegisterRequest defines the payload for the user registration endpoint.
type RegisterRequest struct {
	Email    string `json:"email"    validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// LoginRequest defines the payload for the user login endpoint.
type LoginRequest struct {
	Email    string `json:"email"    validate:"required,email"`
	Password string `json:"password" validate:"required,min=1"`
}

// AuthResponse defines the successful response for authentication endpoints.
type AuthResponse struct {
	UserID uuid.UUID `json:"userId"`
	Email  string    `json:"email"`
	Token  string    `json:"token"`
}

// CreateTaskRequest defines the payload for creating a task.
type CreateTaskRequest struct {
	Title       string     `json:"title"       validate:"required,max=200"`
	Description string     `json:"description" validate:"max=2000"`
	Priority    string     `json:"priority"    validate:"omitempty,oneof=LOW MEDIUM HIGH"`
	DueDate     *time.Time `json:"dueDate"`
}

// UpdateTaskRequest defines the payload for a partial task update.
// Omitted fields are left unchanged.
type UpdateTaskRequest struct {
	Title       *string    `json:"title"       validate:"omitempty,min=1,max=200"`
	Description *string    `json:"description" validate:"omitempty,max=2000"`
	Status      *string    `json:"status"      validate:"omitempty,oneof=PENDING IN_PROGRESS COMPLETED"`
	Priority    *string    `json:"priority"    validate:"omitempty,oneof=LOW MEDIUM HIGH"`
	DueDate     *time.Time `json:"dueDate"`
}

// BatchTaskRequest defines the payload for the batch task endpoint.
type BatchTaskRequest struct {
	TaskIDs []uuid.UUID `json:"taskIds" validate:"required,min=1,max=100"`
	Action  string      `json:"action"  validate:"required,oneof=complete delete"`
}

// TaskResponse is the client-facing representation of a task.
type TaskResponse struct {
	ID          uuid.UUID  `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// NewTaskResponse converts a domain task to its API representation.
func NewTaskResponse(task *domain.Task) TaskResponse {
	return TaskResponse{
		ID:          task.ID,
		Title:       task.Title,
		Description: task.Description,
		Status:      string(task.Status),
		Priority:    string(task.Priority),
		DueDate:     task.DueDate,
		CreatedAt:   task.CreatedAt,
		UpdatedAt:   task.UpdatedAt,
	}
}

// TaskListResponse is the pagination envelope for the task list endpoint.
type TaskListResponse struct {
	Items     []TaskResponse `json:"items"`
	Total     int            `json:"total"`
	Page      int            `json:"page"`
	PageCount int            `json:"pageCount"`
}

// BatchTaskResponse carries the per-item outcomes of a batch operation.
type BatchTaskResponse struct {
	Results []service.BatchResult `json:"results"`
}
