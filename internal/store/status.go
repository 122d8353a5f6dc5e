package store

// PipelineStatus is the aggregate state of a pipeline.
type PipelineStatus string

const (
	PipelineProvisioning PipelineStatus = "Provisioning"
	PipelineNotStarted   PipelineStatus = "Not Started"
	PipelineInProgress   PipelineStatus = "In Progress"
	PipelineComplete     PipelineStatus = "Complete"
	PipelineFailed       PipelineStatus = "Failed"
)

var pipelineTransitions = map[PipelineStatus][]PipelineStatus{
	PipelineProvisioning: {PipelineNotStarted},
	PipelineNotStarted:   {PipelineInProgress, PipelineFailed},
	PipelineInProgress:   {PipelineComplete, PipelineFailed},
	// A retried task reopens a finished pipeline.
	PipelineComplete: {PipelineInProgress},
	PipelineFailed:   {PipelineInProgress},
}

// CanTransition reports whether the pipeline state machine allows s -> to.
func (s PipelineStatus) CanTransition(to PipelineStatus) bool {
	for _, allowed := range pipelineTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s PipelineStatus) IsTerminal() bool {
	return s == PipelineComplete || s == PipelineFailed
}

// TaskStatus is the state of a single task execution.
type TaskStatus string

const (
	TaskNotStarted      TaskStatus = "Not Started"
	TaskInProgress      TaskStatus = "In Progress"
	TaskComplete        TaskStatus = "Complete"
	TaskFailed          TaskStatus = "Failed"
	TaskPendingApproval TaskStatus = "Pending Approval"
	TaskSkip            TaskStatus = "Skip"
	TaskRetry           TaskStatus = "Retry"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskNotStarted:      {TaskInProgress, TaskSkip},
	TaskInProgress:      {TaskComplete, TaskFailed, TaskSkip, TaskPendingApproval},
	TaskPendingApproval: {TaskInProgress, TaskComplete, TaskFailed, TaskSkip},
	TaskComplete:        {TaskRetry},
	TaskFailed:          {TaskRetry},
	TaskSkip:            {TaskRetry},
	TaskRetry:           {TaskInProgress},
}

// Valid reports whether s is one of the fixed task statuses.
func (s TaskStatus) Valid() bool {
	_, ok := taskTransitions[s]
	return ok
}

// CanTransition reports whether the task state machine allows s -> to.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal is true for Complete, Failed and Skip; only Retry leaves them.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskComplete || s == TaskFailed || s == TaskSkip
}

// IsOK is the "OK to proceed" set that releases successors.
func (s TaskStatus) IsOK() bool {
	return s == TaskComplete || s == TaskSkip
}

// Startable reports whether the orchestrator may move s to In Progress.
func (s TaskStatus) Startable() bool {
	return s == TaskNotStarted || s == TaskRetry
}
