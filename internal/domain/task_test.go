package domain_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmarek/taskboard-api/internal/domain"
)

func TestNewTask(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	due := time.Now().UTC().Add(24 * time.Hour)

	t.Run("creates a valid task with defaults", func(t *testing.T) {
		t.Parallel()

		task, err := domain.NewTask(userID, "Write report", "", "", nil)
		require.NoError(t, err)

		assert.NotEqual(t, uuid.Nil, task.ID)
		assert.Equal(t, userID, task.UserID)
		assert.Equal(t, domain.TaskStatusPending, task.Status)
		assert.Equal(t, domain.TaskPriorityMedium, task.Priority)
		assert.Nil(t, task.DueDate)
		assert.False(t, task.CreatedAt.IsZero())
	})

	t.Run("keeps explicit priority and due date", func(t *testing.T) {
		t.Parallel()

		task, err := domain.NewTask(userID, "Ship release", "cut the tag", domain.TaskPriorityHigh, &due)
		require.NoError(t, err)

		assert.Equal(t, domain.TaskPriorityHigh, task.Priority)
		require.NotNil(t, task.DueDate)
		assert.True(t, task.DueDate.Equal(due))
	})

	t.Run("rejects missing user", func(t *testing.T) {
		t.Parallel()

		_, err := domain.NewTask(uuid.Nil, "x", "", "", nil)
		assert.ErrorIs(t, err, domain.ErrEmptyTaskUserID)
	})

	t.Run("rejects empty title", func(t *testing.T) {
		t.Parallel()

		_, err := domain.NewTask(userID, "", "", "", nil)
		assert.ErrorIs(t, err, domain.ErrEmptyTaskTitle)
	})

	t.Run("rejects unknown priority", func(t *testing.T) {
		t.Parallel()

		_, err := domain.NewTask(userID, "x", "", domain.TaskPriority("URGENT"), nil)
		assert.ErrorIs(t, err, domain.ErrInvalidPriority)
	})
}

func TestTaskSetStatus(t *testing.T) {
	t.Parallel()

	task, err := domain.NewTask(uuid.New(), "x", "", "", nil)
	require.NoError(t, err)

	before := task.UpdatedAt
	time.Sleep(time.Millisecond)

	require.NoError(t, task.SetStatus(domain.TaskStatusCompleted))
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	assert.True(t, task.UpdatedAt.After(before))

	// Any status may follow any other; completed back to pending is legal.
	require.NoError(t, task.SetStatus(domain.TaskStatusPending))
	assert.Equal(t, domain.TaskStatusPending, task.Status)

	err = task.SetStatus(domain.TaskStatus("ARCHIVED"))
	assert.ErrorIs(t, err, domain.ErrInvalidTaskStatus)
	assert.Equal(t, domain.TaskStatusPending, task.Status)
}

func TestTaskIsOverdue(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	overdue, err := domain.NewTask(uuid.New(), "late", "", "", &past)
	require.NoError(t, err)
	assert.True(t, overdue.IsOverdue(now))

	upcoming, err := domain.NewTask(uuid.New(), "soon", "", "", &future)
	require.NoError(t, err)
	assert.False(t, upcoming.IsOverdue(now))

	undated, err := domain.NewTask(uuid.New(), "whenever", "", "", nil)
	require.NoError(t, err)
	assert.False(t, undated.IsOverdue(now))
}

func TestIsValidTaskStatus(t *testing.T) {
	t.Parallel()

	assert.True(t, domain.IsValidTaskStatus(domain.TaskStatusPending))
	assert.True(t, domain.IsValidTaskStatus(domain.TaskStatusInProgress))
	assert.True(t, domain.IsValidTaskStatus(domain.TaskStatusCompleted))
	assert.False(t, domain.IsValidTaskStatus(domain.TaskStatus("DONE")))
	assert.False(t, domain.IsValidTaskStatus(domain.TaskStatus("")))
}
