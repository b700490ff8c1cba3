package service_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmarek/taskboard-api/internal/domain"
	"github.com/tmarek/taskboard-api/internal/queue"
	"github.com/tmarek/taskboard-api/internal/service"
	"github.com/tmarek/taskboard-api/internal/store"
)

// fakeTaskRepo is an in-memory TaskRepository with failure injection.
type fakeTaskRepo struct {
	mu         sync.Mutex
	tasks      map[uuid.UUID]*domain.Task
	failUpdate error
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{tasks: make(map[uuid.UUID]*domain.Task)}
}

func (r *fakeTaskRepo) Create(ctx context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *task
	r.tasks[task.ID] = &copied
	return nil
}

func (r *fakeTaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	copied := *task
	return &copied, nil
}

func (r *fakeTaskRepo) Update(ctx context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpdate != nil {
		return r.failUpdate
	}
	if _, ok := r.tasks[task.ID]; !ok {
		return store.ErrTaskNotFound
	}
	copied := *task
	r.tasks[task.ID] = &copied
	return nil
}

func (r *fakeTaskRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	task.Status = status
	return nil
}

func (r *fakeTaskRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return store.ErrTaskNotFound
	}
	delete(r.tasks, id)
	return nil
}

func (r *fakeTaskRepo) ListByUser(
	ctx context.Context,
	userID uuid.UUID,
	limit, offset int,
) ([]*domain.Task, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*domain.Task
	for _, task := range r.tasks {
		if task.UserID == userID {
			copied := *task
			all = append(all, &copied)
		}
	}
	total := len(all)
	if offset > len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func (r *fakeTaskRepo) WithTx(tx *sql.Tx) service.TaskRepository {
	return r
}

// fakeTxRunner invokes the function directly and can simulate a commit
// failure after the function has succeeded.
type fakeTxRunner struct {
	commitErr error
	runs      int
}

func (f *fakeTxRunner) RunInTransaction(ctx context.Context, fn store.TxFn) error {
	f.runs++
	if err := fn(ctx, nil); err != nil {
		return err
	}
	return f.commitErr
}

// recordingEnqueuer captures enqueued jobs and can be set to fail.
type recordingEnqueuer struct {
	mu       sync.Mutex
	jobs     []recordedJob
	failWith error
}

type recordedJob struct {
	name    string
	payload any
	opts    queue.Options
}

func (e *recordingEnqueuer) Enqueue(ctx context.Context, name string, payload any, opts queue.Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failWith != nil {
		return e.failWith
	}
	e.jobs = append(e.jobs, recordedJob{name: name, payload: payload, opts: opts})
	return nil
}

func (e *recordingEnqueuer) recorded() []recordedJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]recordedJob(nil), e.jobs...)
}

func newService(t *testing.T, repo *fakeTaskRepo, tx *fakeTxRunner, enq *recordingEnqueuer) *service.TaskService {
	t.Helper()
	svc, err := service.NewTaskService(repo, tx, enq, nil)
	require.NoError(t, err)
	return svc
}

func seedTask(t *testing.T, repo *fakeTaskRepo, status domain.TaskStatus) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(uuid.New(), "seeded", "", "", nil)
	require.NoError(t, err)
	task.Status = status
	require.NoError(t, repo.Create(context.Background(), task))
	return task
}

func TestTaskServiceCreate(t *testing.T) {
	repo := newFakeTaskRepo()
	tx := &fakeTxRunner{}
	enq := &recordingEnqueuer{}
	svc := newService(t, repo, tx, enq)

	task, err := svc.Create(context.Background(), service.CreateTaskInput{
		UserID: uuid.New(),
		Title:  "write the report",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.Equal(t, 1, tx.runs)

	// Creation is not a status change; no job is emitted.
	assert.Empty(t, enq.recorded())

	stored, err := repo.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "write the report", stored.Title)
}

func TestTaskServiceUpdateEmitsJobOnStatusChange(t *testing.T) {
	repo := newFakeTaskRepo()
	tx := &fakeTxRunner{}
	enq := &recordingEnqueuer{}
	svc := newService(t, repo, tx, enq)

	task := seedTask(t, repo, domain.TaskStatusPending)

	completed := domain.TaskStatusCompleted
	updated, err := svc.Update(context.Background(), task.ID, service.UpdateTaskInput{
		Status: &completed,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, updated.Status)

	jobs := enq.recorded()
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.JobTaskStatusUpdate, jobs[0].name)

	payload, ok := jobs[0].payload.(queue.StatusUpdatePayload)
	require.True(t, ok)
	assert.Equal(t, task.ID.String(), payload.TaskID)
	assert.Equal(t, domain.TaskStatusCompleted, payload.Status)

	// Fire and mostly forget: removed on success and on terminal failure.
	assert.True(t, jobs[0].opts.RemoveOnComplete)
	assert.True(t, jobs[0].opts.RemoveOnFail)
}

func TestTaskServiceUpdateNoJobWhenStatusUnchanged(t *testing.T) {
	repo := newFakeTaskRepo()
	tx := &fakeTxRunner{}
	enq := &recordingEnqueuer{}
	svc := newService(t, repo, tx, enq)

	task := seedTask(t, repo, domain.TaskStatusPending)

	// Writing the same status is not a change.
	same := domain.TaskStatusPending
	title := "renamed"
	_, err := svc.Update(context.Background(), task.ID, service.UpdateTaskInput{
		Title:  &title,
		Status: &same,
	})
	require.NoError(t, err)
	assert.Empty(t, enq.recorded())
}

func TestTaskServiceUpdateCommitsDespiteEnqueueFailure(t *testing.T) {
	repo := newFakeTaskRepo()
	tx := &fakeTxRunner{}
	enq := &recordingEnqueuer{failWith: errors.New("queue down")}
	svc := newService(t, repo, tx, enq)

	task := seedTask(t, repo, domain.TaskStatusPending)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Cut the enqueue retry loop short; the mutation must already be
		// committed by the time the helper gives up.
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	completed := domain.TaskStatusCompleted
	updated, err := svc.Update(ctx, task.ID, service.UpdateTaskInput{Status: &completed})
	require.NoError(t, err, "enqueue failure must not fail the update")
	assert.Equal(t, domain.TaskStatusCompleted, updated.Status)

	stored, err := repo.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)
}

func TestTaskServiceUpdateNotFound(t *testing.T) {
	svc := newService(t, newFakeTaskRepo(), &fakeTxRunner{}, &recordingEnqueuer{})

	completed := domain.TaskStatusCompleted
	_, err := svc.Update(context.Background(), uuid.New(), service.UpdateTaskInput{Status: &completed})
	assert.ErrorIs(t, err, service.ErrTaskNotFound)
}

func TestTaskServiceUpdateRollsBackOnStoreError(t *testing.T) {
	repo := newFakeTaskRepo()
	repo.failUpdate = errors.New("disk on fire")
	tx := &fakeTxRunner{}
	enq := &recordingEnqueuer{}
	svc := newService(t, repo, tx, enq)

	task := seedTask(t, repo, domain.TaskStatusPending)

	completed := domain.TaskStatusCompleted
	_, err := svc.Update(context.Background(), task.ID, service.UpdateTaskInput{Status: &completed})
	require.Error(t, err)

	// No job may be emitted for a mutation that did not commit.
	assert.Empty(t, enq.recorded())
}

func TestTaskServiceRemove(t *testing.T) {
	repo := newFakeTaskRepo()
	svc := newService(t, repo, &fakeTxRunner{}, &recordingEnqueuer{})

	task := seedTask(t, repo, domain.TaskStatusPending)

	require.NoError(t, svc.Remove(context.Background(), task.ID))

	_, err := repo.GetByID(context.Background(), task.ID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)

	assert.ErrorIs(t, svc.Remove(context.Background(), task.ID), service.ErrTaskNotFound)
}

func TestTaskServiceBatchProcessPartialFailure(t *testing.T) {
	repo := newFakeTaskRepo()
	tx := &fakeTxRunner{}
	enq := &recordingEnqueuer{}
	svc := newService(t, repo, tx, enq)

	existing := seedTask(t, repo, domain.TaskStatusPending)
	missing := uuid.New()

	results, err := svc.BatchProcess(
		context.Background(),
		[]uuid.UUID{existing.ID, missing},
		service.BatchActionComplete,
	)
	require.NoError(t, err, "a missing item must not fail the batch")
	require.Len(t, results, 2)

	assert.Equal(t, existing.ID, results[0].TaskID)
	assert.True(t, results[0].Success)

	assert.Equal(t, missing, results[1].TaskID)
	assert.False(t, results[1].Success)
	assert.Equal(t, "Task "+missing.String()+" not found", results[1].Error)

	stored, err := repo.GetByID(context.Background(), existing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)

	// Exactly one status-update job, for the task that was completed.
	jobs := enq.recorded()
	require.Len(t, jobs, 1)
	payload := jobs[0].payload.(queue.StatusUpdatePayload)
	assert.Equal(t, existing.ID.String(), payload.TaskID)
}

func TestTaskServiceBatchProcessDelete(t *testing.T) {
	repo := newFakeTaskRepo()
	svc := newService(t, repo, &fakeTxRunner{}, &recordingEnqueuer{})

	a := seedTask(t, repo, domain.TaskStatusPending)
	b := seedTask(t, repo, domain.TaskStatusInProgress)

	results, err := svc.BatchProcess(
		context.Background(),
		[]uuid.UUID{a.ID, b.ID},
		service.BatchActionDelete,
	)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)

	_, err = repo.GetByID(context.Background(), a.ID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestTaskServiceBatchProcessCommitFailure(t *testing.T) {
	repo := newFakeTaskRepo()
	tx := &fakeTxRunner{commitErr: errors.New("commit refused")}
	enq := &recordingEnqueuer{}
	svc := newService(t, repo, tx, enq)

	existing := seedTask(t, repo, domain.TaskStatusPending)

	_, err := svc.BatchProcess(
		context.Background(),
		[]uuid.UUID{existing.ID},
		service.BatchActionComplete,
	)
	assert.ErrorIs(t, err, service.ErrBatchFailed)

	// Nothing committed, nothing emitted.
	assert.Empty(t, enq.recorded())
}

func TestTaskServiceBatchProcessUnknownAction(t *testing.T) {
	svc := newService(t, newFakeTaskRepo(), &fakeTxRunner{}, &recordingEnqueuer{})

	_, err := svc.BatchProcess(context.Background(), nil, service.BatchAction("archive"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown batch action")
}

func TestTaskServiceList(t *testing.T) {
	repo := newFakeTaskRepo()
	svc := newService(t, repo, &fakeTxRunner{}, &recordingEnqueuer{})

	userID := uuid.New()
	for i := 0; i < 25; i++ {
		task, err := domain.NewTask(userID, "task", "", "", nil)
		require.NoError(t, err)
		require.NoError(t, repo.Create(context.Background(), task))
	}

	page, err := svc.List(context.Background(), userID, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, 25, page.Total)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 3, page.PageCount)
	assert.Len(t, page.Items, 10)
}
