package store

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	s, err := New(db)
	require.NoError(t, err)
	return s
}

func TestRecoverStaleBuilds_FailsNonTerminalOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBuild(ctx, &BuildRecord{ID: "b-running", UserID: "u", Status: StatusInProgress}))
	require.NoError(t, s.CreateBuild(ctx, &BuildRecord{ID: "b-paused", UserID: "u", Status: StatusPaused}))
	require.NoError(t, s.CreateBuild(ctx, &BuildRecord{ID: "b-done", UserID: "u", Status: StatusCompleted}))
	require.NoError(t, s.CreateBuild(ctx, &BuildRecord{ID: "b-cancelled", UserID: "u", Status: StatusCancelled}))
	require.NoError(t, s.CreateTask(ctx, &TaskRecord{ID: "t-running", BuildID: "b-running", Status: StatusInProgress}))

	recovered, err := s.RecoverStaleBuilds(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), recovered)

	running, err := s.GetBuild(ctx, "b-running")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, running.Status)
	assert.Equal(t, interruptedMessage, running.ErrorMessage)
	assert.NotNil(t, running.CompletedAt)

	done, err := s.GetBuild(ctx, "b-done")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	cancelled, err := s.GetBuild(ctx, "b-cancelled")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	tasks, err := s.ListTasks(ctx, "b-running")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, StatusFailed, tasks[0].Status)
}

func TestUpdateBuild_UnknownIDReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateBuild(context.Background(), "missing", map[string]any{"status": StatusFailed})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertFile_ReplacesExistingPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertFile(ctx, &FileRecord{BuildID: "b1", Path: "main.go", Content: "v1"}))
	require.NoError(t, s.UpsertFile(ctx, &FileRecord{BuildID: "b1", Path: "main.go", Content: "v2"}))
	require.NoError(t, s.UpsertFile(ctx, &FileRecord{BuildID: "b1", Path: "go.mod", Content: "module x"}))

	files, err := s.ListFiles(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "go.mod", files[0].Path)
	assert.Equal(t, "main.go", files[1].Path)
	assert.Equal(t, "v2", files[1].Content)
}

func TestCheckpoints_AppendAndListInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCheckpoint(ctx, "b1", "planning", `{"plan":"x"}`))
	require.NoError(t, s.SaveCheckpoint(ctx, "b1", "architecture", `{"arch":"y"}`))

	checkpoints, err := s.ListCheckpoints(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, checkpoints, 2)
	assert.Equal(t, "planning", checkpoints[0].Phase)
	assert.Equal(t, "architecture", checkpoints[1].Phase)
}
