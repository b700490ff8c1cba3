package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/tmarek/taskboard-api/internal/api/shared"
	"github.com/tmarek/taskboard-api/internal/domain"
	"github.com/tmarek/taskboard-api/internal/service"
)

// TaskHandler handles task management API requests. All routes require an
// authenticated user; tasks are only visible to their owner.
type TaskHandler struct {
	tasks *service.TaskService
}

// NewTaskHandler creates a new TaskHandler with the given dependencies.
func NewTaskHandler(tasks *service.TaskService) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

// CreateTask handles POST /tasks.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserIDFromContext(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req CreateTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	task, err := h.tasks.Create(r.Context(), service.CreateTaskInput{
		UserID:      userID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    domain.TaskPriority(req.Priority),
		DueDate:     req.DueDate,
	})
	if err != nil {
		HandleAPIError(w, r, err, "Failed to create task")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusCreated, NewTaskResponse(task))
}

// GetTask handles GET /tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.ownedTask(w, r)
	if !ok {
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, NewTaskResponse(task))
}

// ListTasks handles GET /tasks with page/pageSize query parameters.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserIDFromContext(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Unauthorized")
		return
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", service.DefaultPageSize)

	result, err := h.tasks.List(r.Context(), userID, page, pageSize)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list tasks")
		return
	}

	items := make([]TaskResponse, 0, len(result.Items))
	for _, task := range result.Items {
		items = append(items, NewTaskResponse(task))
	}

	shared.RespondWithJSON(w, r, http.StatusOK, TaskListResponse{
		Items:     items,
		Total:     result.Total,
		Page:      result.Page,
		PageCount: result.PageCount,
	})
}

// UpdateTask handles PATCH /tasks/{id}.
func (h *TaskHandler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.ownedTask(w, r)
	if !ok {
		return
	}

	var req UpdateTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	input := service.UpdateTaskInput{
		Title:       req.Title,
		Description: req.Description,
		DueDate:     req.DueDate,
	}
	if req.Status != nil {
		status := domain.TaskStatus(*req.Status)
		input.Status = &status
	}
	if req.Priority != nil {
		priority := domain.TaskPriority(*req.Priority)
		input.Priority = &priority
	}

	updated, err := h.tasks.Update(r.Context(), task.ID, input)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to update task")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, NewTaskResponse(updated))
}

// DeleteTask handles DELETE /tasks/{id}.
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.ownedTask(w, r)
	if !ok {
		return
	}

	if err := h.tasks.Remove(r.Context(), task.ID); err != nil {
		HandleAPIError(w, r, err, "Failed to delete task")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// BatchTasks handles POST /tasks/batch.
func (h *TaskHandler) BatchTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserIDFromContext(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req BatchTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	// Ownership is enforced up front; IDs the user does not own are treated
	// the same as missing ones so the batch result shape stays uniform.
	ids, preResults := h.filterOwned(r, userID, req.TaskIDs)

	results, err := h.tasks.BatchProcess(r.Context(), ids, service.BatchAction(req.Action))
	if err != nil {
		HandleAPIError(w, r, err, "Failed to process batch")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, BatchTaskResponse{
		Results: append(results, preResults...),
	})
}

// ownedTask loads the task named by the {id} path parameter and verifies the
// requester owns it. Tasks owned by someone else are reported as not found
// so the API does not leak their existence. Writes the error response and
// returns false on any failure.
func (h *TaskHandler) ownedTask(w http.ResponseWriter, r *http.Request) (*domain.Task, bool) {
	userID, ok := getUserIDFromContext(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Unauthorized")
		return nil, false
	}

	taskID, err := getPathUUID(r, "id")
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, err.Error())
		return nil, false
	}

	task, err := h.tasks.Get(r.Context(), taskID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to retrieve task")
		return nil, false
	}

	if task.UserID != userID {
		shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
		return nil, false
	}

	return task, true
}

// filterOwned splits batch IDs into those owned by the user and synthetic
// not-found results for the rest.
func (h *TaskHandler) filterOwned(
	r *http.Request,
	userID uuid.UUID,
	taskIDs []uuid.UUID,
) ([]uuid.UUID, []service.BatchResult) {
	owned := make([]uuid.UUID, 0, len(taskIDs))
	var rejected []service.BatchResult

	for _, id := range taskIDs {
		task, err := h.tasks.Get(r.Context(), id)
		if err != nil || task.UserID != userID {
			rejected = append(rejected, service.BatchResult{
				TaskID: id,
				Error:  "Task " + id.String() + " not found",
			})
			continue
		}
		owned = append(owned, id)
	}

	return owned, rejected
}

// queryInt parses an integer query parameter, falling back to def when the
// parameter is absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
