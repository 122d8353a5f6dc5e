package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/migration-factory/internal/changefeed"
)

func sampleExecution(pipelineID, taskID string, successors ...string) TaskExecution {
	return TaskExecution{
		TaskExecutionID: ExecutionID(pipelineID, taskID),
		PipelineID:      pipelineID,
		TaskID:          taskID,
		TaskReference:   "ref-" + taskID,
		Name:            "Task " + taskID,
		Status:          TaskNotStarted,
		Successors:      successors,
	}
}

func TestTaskExecutionsEnsureIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)
	s := NewTaskExecutions(db)

	te := sampleExecution("P", "A", "P-B")
	created, err := s.Ensure(ctx, te)
	require.NoError(t, err)
	assert.True(t, created)

	// A second ensure must not overwrite progress made since.
	got, err := s.Get(ctx, "P-A")
	require.NoError(t, err)
	got.Status = TaskInProgress
	_, err = s.Update(ctx, *got)
	require.NoError(t, err)

	created, err = s.Ensure(ctx, te)
	require.NoError(t, err)
	assert.False(t, created)

	got, err = s.Get(ctx, "P-A")
	require.NoError(t, err)
	assert.Equal(t, TaskInProgress, got.Status)
	assert.Equal(t, []string{"P-B"}, got.Successors)

	recs := feedRecords(t, db, TableTaskExecutions)
	require.Len(t, recs, 2)
	assert.Equal(t, changefeed.KindInsert, recs[0].Kind())
	assert.Equal(t, changefeed.KindUpdate, recs[1].Kind())
}

func TestTaskExecutionsEnsureRejectsOtherPipelinesID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)
	s := NewTaskExecutions(db)

	created, err := s.Ensure(ctx, sampleExecution("x-y", "z"))
	require.NoError(t, err)
	require.True(t, created)

	// "x" + "y-z" renders the same id as "x-y" + "z".
	created, err = s.Ensure(ctx, sampleExecution("x", "y-z"))
	assert.False(t, created)
	require.ErrorIs(t, err, ErrIDCollision)
	assert.Contains(t, err.Error(), `owned by pipeline "x-y"`)

	got, err := s.Get(ctx, "x-y-z")
	require.NoError(t, err)
	assert.Equal(t, "x-y", got.PipelineID)
	assert.Equal(t, "z", got.TaskID)

	rows, err := s.ListByPipeline(ctx, "x")
	require.NoError(t, err)
	assert.Empty(t, rows)

	created, err = s.Ensure(ctx, sampleExecution("x-y", "z"))
	require.NoError(t, err)
	assert.False(t, created)
}

func TestTaskExecutionsUpdateRejectsStaleVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewTaskExecutions(openTestDB(t))

	_, err := s.Ensure(ctx, sampleExecution("P", "A"))
	require.NoError(t, err)

	first, err := s.Get(ctx, "P-A")
	require.NoError(t, err)
	second := *first

	first.Output = "writer one"
	updated, err := s.Update(ctx, *first)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	second.Output = "writer two"
	_, err = s.Update(ctx, second)
	assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

	got, err := s.Get(ctx, "P-A")
	require.NoError(t, err)
	assert.Equal(t, "writer one", got.Output)
	assert.NotEmpty(t, got.History.LastModifiedTimestamp)
}

func TestTaskExecutionsUpdateMissingRow(t *testing.T) {
	t.Parallel()
	s := NewTaskExecutions(openTestDB(t))

	_, err := s.Update(context.Background(), sampleExecution("P", "ghost"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskExecutionsListAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)
	s := NewTaskExecutions(db)

	for _, te := range []TaskExecution{
		sampleExecution("P", "A"), sampleExecution("P", "B"), sampleExecution("Q", "A"),
	} {
		_, err := s.Ensure(ctx, te)
		require.NoError(t, err)
	}

	list, err := s.ListByPipeline(ctx, "P")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "P-A", list[0].TaskExecutionID)
	assert.Equal(t, "P-B", list[1].TaskExecutionID)

	require.NoError(t, s.Delete(ctx, "P-A"))
	assert.ErrorIs(t, s.Delete(ctx, "P-A"), ErrNotFound)

	recs := feedRecords(t, db, TableTaskExecutions)
	last := recs[len(recs)-1]
	assert.Equal(t, changefeed.KindDelete, last.Kind())

	var old TaskExecution
	require.NoError(t, json.Unmarshal(last.Old, &old))
	assert.Equal(t, "P", old.PipelineID)
}
