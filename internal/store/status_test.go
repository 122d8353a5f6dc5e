package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskNotStarted, TaskInProgress, true},
		{TaskNotStarted, TaskComplete, false},
		{TaskInProgress, TaskComplete, true},
		{TaskInProgress, TaskPendingApproval, true},
		{TaskPendingApproval, TaskInProgress, true},
		{TaskComplete, TaskFailed, false},
		{TaskComplete, TaskRetry, true},
		{TaskSkip, TaskInProgress, false},
		{TaskRetry, TaskInProgress, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTaskStatusSets(t *testing.T) {
	assert.True(t, TaskSkip.IsOK())
	assert.False(t, TaskFailed.IsOK())
	assert.True(t, TaskFailed.IsTerminal())
	assert.False(t, TaskPendingApproval.IsTerminal())
	assert.True(t, TaskRetry.Startable())
	assert.False(t, TaskStatus("Bogus").Valid())
}

func TestPipelineStatusTransitions(t *testing.T) {
	assert.True(t, PipelineProvisioning.CanTransition(PipelineNotStarted))
	assert.False(t, PipelineProvisioning.CanTransition(PipelineInProgress))
	assert.True(t, PipelineInProgress.CanTransition(PipelineComplete))
	assert.False(t, PipelineComplete.CanTransition(PipelineFailed))
	assert.True(t, PipelineComplete.CanTransition(PipelineInProgress))
	assert.True(t, PipelineFailed.CanTransition(PipelineInProgress))
}

func TestExecutionID(t *testing.T) {
	assert.Equal(t, "P-A", ExecutionID("P", "A"))
}
