package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmarek/taskboard-api/internal/domain"
	"github.com/tmarek/taskboard-api/internal/queue"
	"github.com/tmarek/taskboard-api/internal/store"
)

// fakeTaskStore is an in-memory store.TaskStore. Iteration order for
// FindOverdueTasks follows insertion order so assertions are deterministic.
type fakeTaskStore struct {
	mu               sync.Mutex
	tasks            map[uuid.UUID]*domain.Task
	order            []uuid.UUID
	failUpdateStatus error

	// Optional gates for shutdown tests. When set (before any worker
	// starts), UpdateStatus announces itself on updateEntered and then
	// blocks until updateRelease is closed.
	updateEntered chan struct{}
	updateRelease chan struct{}
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[uuid.UUID]*domain.Task)}
}

func (s *fakeTaskStore) add(task *domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	s.order = append(s.order, task.ID)
}

func (s *fakeTaskStore) statusOf(id uuid.UUID) domain.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Status
}

func (s *fakeTaskStore) Create(ctx context.Context, task *domain.Task) error {
	s.add(task)
	return nil
}

func (s *fakeTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return task, nil
}

func (s *fakeTaskStore) Update(ctx context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return store.ErrTaskNotFound
	}
	s.tasks[task.ID] = task
	return nil
}

func (s *fakeTaskStore) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus) error {
	if s.updateEntered != nil {
		s.updateEntered <- struct{}{}
	}
	if s.updateRelease != nil {
		<-s.updateRelease
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdateStatus != nil {
		return s.failUpdateStatus
	}
	task, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *fakeTaskStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return store.ErrTaskNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *fakeTaskStore) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Task, int, error) {
	return nil, 0, nil
}

func (s *fakeTaskStore) FindOverduePending(ctx context.Context, now time.Time) ([]store.TaskSummary, error) {
	return nil, nil
}

func (s *fakeTaskStore) FindOverdueTasks(ctx context.Context, now time.Time, limit, offset int) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var overdue []*domain.Task
	for _, id := range s.order {
		task, ok := s.tasks[id]
		if !ok {
			continue
		}
		if task.DueDate == nil || !task.DueDate.Before(now) {
			continue
		}
		if task.Status == domain.TaskStatusCompleted {
			continue
		}
		overdue = append(overdue, task)
	}

	if offset >= len(overdue) {
		return nil, nil
	}
	overdue = overdue[offset:]
	if len(overdue) > limit {
		overdue = overdue[:limit]
	}
	return overdue, nil
}

func (s *fakeTaskStore) WithTx(tx *sql.Tx) store.TaskStore { return s }

// fakeTxRunner runs the function directly with a nil transaction.
type fakeTxRunner struct {
	runs      int
	commitErr error
}

func (r *fakeTxRunner) RunInTransaction(ctx context.Context, fn store.TxFn) error {
	r.runs++
	if err := fn(ctx, nil); err != nil {
		return err
	}
	return r.commitErr
}

// fakeConsumer serves a fixed script of jobs, then reports ErrNoJobs.
type fakeConsumer struct {
	mu        sync.Mutex
	jobs      []*queue.Job
	completed []uuid.UUID
	failed    []uuid.UUID
}

func (c *fakeConsumer) Dequeue(ctx context.Context) (*queue.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.jobs) == 0 {
		return nil, queue.ErrNoJobs
	}
	job := c.jobs[0]
	c.jobs = c.jobs[1:]
	return job, nil
}

func (c *fakeConsumer) Complete(ctx context.Context, job *queue.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = append(c.completed, job.ID)
	return nil
}

func (c *fakeConsumer) Fail(ctx context.Context, job *queue.Job, jobErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, job.ID)
	return nil
}

func (c *fakeConsumer) completedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.completed)
}

func newTestProcessor(tasks store.TaskStore, txRunner store.TxRunner, consumer queue.Consumer) *TaskProcessor {
	p := NewTaskProcessor(consumer, tasks, txRunner, Config{PollInterval: 5 * time.Millisecond}, nil)
	p.sleep = func(ctx context.Context, d time.Duration) {}
	return p
}

func statusUpdateJob(t *testing.T, taskID string, status domain.TaskStatus, attemptsMade int) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(queue.StatusUpdatePayload{TaskID: taskID, Status: status})
	require.NoError(t, err)
	return &queue.Job{
		ID:           uuid.New(),
		Name:         queue.JobTaskStatusUpdate,
		Payload:      payload,
		AttemptsMade: attemptsMade,
		MaxAttempts:  queue.DefaultMaxAttempts,
	}
}

func overdueTask(t *testing.T, status domain.TaskStatus, due time.Time) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(uuid.New(), "write report", "", domain.TaskPriorityMedium, &due)
	require.NoError(t, err)
	task.Status = status
	return task
}

func TestProcessJobStatusUpdate(t *testing.T) {
	tasks := newFakeTaskStore()
	txRunner := &fakeTxRunner{}
	p := newTestProcessor(tasks, txRunner, &fakeConsumer{})

	task, err := domain.NewTask(uuid.New(), "file taxes", "", domain.TaskPriorityHigh, nil)
	require.NoError(t, err)
	tasks.add(task)

	job := statusUpdateJob(t, task.ID.String(), domain.TaskStatusCompleted, 0)

	result, err := p.ProcessJob(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, task.ID.String(), result.TaskID)
	assert.Equal(t, domain.TaskStatusCompleted, result.NewStatus)
	assert.Equal(t, domain.TaskStatusCompleted, tasks.statusOf(task.ID))
	assert.Equal(t, 1, txRunner.runs)

	// Redelivery of the same job converges to the same state.
	result, err = p.ProcessJob(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, domain.TaskStatusCompleted, tasks.statusOf(task.ID))
}

func TestProcessJobStatusUpdateTaskMissing(t *testing.T) {
	tasks := newFakeTaskStore()
	p := newTestProcessor(tasks, &fakeTxRunner{}, &fakeConsumer{})

	missing := uuid.New()
	job := statusUpdateJob(t, missing.String(), domain.TaskStatusCompleted, 0)

	result, err := p.ProcessJob(context.Background(), job)
	require.NoError(t, err, "a deleted task must not trigger redelivery")
	assert.False(t, result.Success)
	assert.Equal(t, fmt.Sprintf("Task %s not found", missing), result.Error)
}

func TestProcessJobStatusUpdateBadPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "malformed JSON", payload: `{"taskId": `},
		{name: "missing fields", payload: `{}`},
		{name: "invalid task ID", payload: `{"taskId":"not-a-uuid","status":"COMPLETED"}`},
		{name: "unknown status", payload: fmt.Sprintf(`{"taskId":%q,"status":"DONE"}`, uuid.New())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txRunner := &fakeTxRunner{}
			p := newTestProcessor(newFakeTaskStore(), txRunner, &fakeConsumer{})

			job := &queue.Job{
				ID:          uuid.New(),
				Name:        queue.JobTaskStatusUpdate,
				Payload:     json.RawMessage(tt.payload),
				MaxAttempts: queue.DefaultMaxAttempts,
			}

			result, err := p.ProcessJob(context.Background(), job)
			require.NoError(t, err, "bad payloads never get better on retry")
			assert.False(t, result.Success)
			assert.NotEmpty(t, result.Error)
			assert.Zero(t, txRunner.runs, "no transaction should start for a bad payload")
		})
	}
}

func TestProcessJobRetryableStoreFailure(t *testing.T) {
	tasks := newFakeTaskStore()
	tasks.failUpdateStatus = errors.New("connection reset")
	p := newTestProcessor(tasks, &fakeTxRunner{}, &fakeConsumer{})

	job := statusUpdateJob(t, uuid.New().String(), domain.TaskStatusCompleted, 0)

	_, err := p.ProcessJob(context.Background(), job)
	require.Error(t, err, "transient failures with attempts left must be handed back")
	assert.ErrorContains(t, err, "connection reset")
}

func TestProcessJobTerminalAfterRetries(t *testing.T) {
	tasks := newFakeTaskStore()
	tasks.failUpdateStatus = errors.New("connection reset")
	p := newTestProcessor(tasks, &fakeTxRunner{}, &fakeConsumer{})

	job := statusUpdateJob(t, uuid.New().String(), domain.TaskStatusCompleted, 3)

	result, err := p.ProcessJob(context.Background(), job)
	require.NoError(t, err, "exhausted jobs must be settled, not redelivered")
	assert.False(t, result.Success)
	assert.Equal(t, "Job failed after 3 retries: connection reset", result.Error)
}

func TestProcessJobUnknownName(t *testing.T) {
	p := newTestProcessor(newFakeTaskStore(), &fakeTxRunner{}, &fakeConsumer{})

	job := &queue.Job{
		ID:          uuid.New(),
		Name:        "send-newsletter",
		Payload:     json.RawMessage(`{}`),
		MaxAttempts: queue.DefaultMaxAttempts,
	}

	result, err := p.ProcessJob(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "Unknown job type", result.Error)
}

func TestProcessJobOverdueNotification(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	tasks := newFakeTaskStore()
	overduePending := overdueTask(t, domain.TaskStatusPending, past)
	overdueInProgress := overdueTask(t, domain.TaskStatusInProgress, past)
	overdueDone := overdueTask(t, domain.TaskStatusCompleted, past)
	notDue := overdueTask(t, domain.TaskStatusPending, future)
	for _, task := range []*domain.Task{overduePending, overdueInProgress, overdueDone, notDue} {
		tasks.add(task)
	}

	txRunner := &fakeTxRunner{}
	p := newTestProcessor(tasks, txRunner, &fakeConsumer{})
	p.now = func() time.Time { return now }

	job := &queue.Job{
		ID:          uuid.New(),
		Name:        queue.JobOverdueTasksNotification,
		Payload:     json.RawMessage(`{"tasks":[]}`),
		MaxAttempts: queue.DefaultMaxAttempts,
	}

	result, err := p.ProcessJob(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.ProcessedCount)
	assert.Equal(t, 1, txRunner.runs, "all resets happen in one transaction")

	assert.Equal(t, domain.TaskStatusPending, tasks.statusOf(overduePending.ID))
	assert.Equal(t, domain.TaskStatusPending, tasks.statusOf(overdueInProgress.ID))
	assert.Equal(t, domain.TaskStatusCompleted, tasks.statusOf(overdueDone.ID), "completed tasks are left alone")
	assert.Equal(t, domain.TaskStatusPending, tasks.statusOf(notDue.ID))
}

func TestProcessJobOverdueNotificationEmpty(t *testing.T) {
	p := newTestProcessor(newFakeTaskStore(), &fakeTxRunner{}, &fakeConsumer{})

	job := &queue.Job{
		ID:          uuid.New(),
		Name:        queue.JobOverdueTasksNotification,
		Payload:     json.RawMessage(`{"tasks":[]}`),
		MaxAttempts: queue.DefaultMaxAttempts,
	}

	result, err := p.ProcessJob(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Zero(t, result.ProcessedCount)
}

func TestRedeliveryPacing(t *testing.T) {
	tests := []struct {
		attemptsMade int
		want         time.Duration
	}{
		{attemptsMade: 0, want: 0},
		{attemptsMade: 1, want: 2 * time.Second},
		{attemptsMade: 2, want: 4 * time.Second},
		{attemptsMade: 4, want: 16 * time.Second},
		{attemptsMade: 5, want: 30 * time.Second},
		{attemptsMade: 9, want: 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempts=%d", tt.attemptsMade), func(t *testing.T) {
			assert.Equal(t, tt.want, redeliveryPace(tt.attemptsMade))
		})
	}
}

func TestProcessJobSleepsBeforeRedelivery(t *testing.T) {
	tasks := newFakeTaskStore()
	task, err := domain.NewTask(uuid.New(), "file taxes", "", domain.TaskPriorityHigh, nil)
	require.NoError(t, err)
	tasks.add(task)

	p := newTestProcessor(tasks, &fakeTxRunner{}, &fakeConsumer{})
	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) { slept = append(slept, d) }

	_, err = p.ProcessJob(context.Background(), statusUpdateJob(t, task.ID.String(), domain.TaskStatusCompleted, 0))
	require.NoError(t, err)
	assert.Empty(t, slept, "first delivery runs immediately")

	_, err = p.ProcessJob(context.Background(), statusUpdateJob(t, task.ID.String(), domain.TaskStatusCompleted, 2))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{4 * time.Second}, slept)
}

func TestProcessorStartStop(t *testing.T) {
	tasks := newFakeTaskStore()
	task, err := domain.NewTask(uuid.New(), "file taxes", "", domain.TaskPriorityHigh, nil)
	require.NoError(t, err)
	tasks.add(task)

	consumer := &fakeConsumer{
		jobs: []*queue.Job{statusUpdateJob(t, task.ID.String(), domain.TaskStatusInProgress, 0)},
	}
	p := newTestProcessor(tasks, &fakeTxRunner{}, consumer)

	p.Start()
	require.Eventually(t, func() bool {
		return consumer.completedCount() == 1
	}, time.Second, 5*time.Millisecond)
	p.Stop()

	assert.Equal(t, domain.TaskStatusInProgress, tasks.statusOf(task.ID))
	assert.Empty(t, consumer.failed)
}

func TestStopWaitsForInFlightJob(t *testing.T) {
	tasks := newFakeTaskStore()
	task, err := domain.NewTask(uuid.New(), "file taxes", "", domain.TaskPriorityHigh, nil)
	require.NoError(t, err)
	tasks.add(task)
	tasks.updateEntered = make(chan struct{})
	tasks.updateRelease = make(chan struct{})

	consumer := &fakeConsumer{
		jobs: []*queue.Job{statusUpdateJob(t, task.ID.String(), domain.TaskStatusCompleted, 0)},
	}
	p := NewTaskProcessor(consumer, tasks, &fakeTxRunner{}, Config{
		Concurrency:  1,
		PollInterval: 5 * time.Millisecond,
	}, nil)
	p.sleep = func(ctx context.Context, d time.Duration) {}

	p.Start()
	<-tasks.updateEntered // the job is now mid-transaction

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(tasks.updateRelease)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the in-flight job settled")
	}

	assert.Equal(t, 1, consumer.completedCount(), "the in-flight job must settle despite shutdown")
	assert.Empty(t, consumer.failed)
	assert.Equal(t, domain.TaskStatusCompleted, tasks.statusOf(task.ID))
}
