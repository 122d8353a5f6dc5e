package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/migration-factory/internal/changefeed"
)

func TestPipelinesCreateDefaultsToProvisioning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)
	s := NewPipelines(db)

	p, err := s.Create(ctx, Pipeline{PipelineID: "P", TemplateID: "T", Inputs: map[string]any{"wave": "1"}})
	require.NoError(t, err)
	assert.Equal(t, PipelineProvisioning, p.Status)

	_, err = s.Create(ctx, Pipeline{PipelineID: "P", TemplateID: "T"})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.Get(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, "1", got.Inputs["wave"])

	recs := feedRecords(t, db, TablePipelines)
	require.Len(t, recs, 1)
	assert.Equal(t, changefeed.KindInsert, recs[0].Kind())
}

func TestPipelinesTransitionGuardsCurrentStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewPipelines(openTestDB(t))

	_, err := s.Create(ctx, Pipeline{PipelineID: "P", TemplateID: "T"})
	require.NoError(t, err)

	p, err := s.Transition(ctx, "P", PipelineNotStarted, "test", PipelineProvisioning)
	require.NoError(t, err)
	assert.Equal(t, PipelineNotStarted, p.Status)
	assert.Equal(t, "test", p.History.LastModifiedBy)
	assert.Equal(t, int64(2), p.Version)

	_, err = s.Transition(ctx, "P", PipelineNotStarted, "test", PipelineProvisioning)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.Transition(ctx, "missing", PipelineNotStarted, "test", PipelineProvisioning)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPipelinesUpdateAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewPipelines(openTestDB(t))

	p, err := s.Create(ctx, Pipeline{PipelineID: "P", TemplateID: "T"})
	require.NoError(t, err)

	stale := *p
	p.CurrentTaskID = "P-A"
	_, err = s.Update(ctx, *p)
	require.NoError(t, err)

	_, err = s.Update(ctx, stale)
	assert.ErrorIs(t, err, ErrConflict)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "P-A", list[0].CurrentTaskID)

	require.NoError(t, s.Delete(ctx, "P"))
	assert.ErrorIs(t, s.Delete(ctx, "P"), ErrNotFound)
}
