package orchestrator

import (
	"fmt"
	"slices"

	"github.com/mattjoyce/migration-factory/internal/config"
	"github.com/mattjoyce/migration-factory/internal/store"
)

// JoinBarrier decides whether a successor may start given the current rows
// of its pipeline.
type JoinBarrier interface {
	Ready(successorID string, tasks []store.TaskExecution) bool
}

// JoinAny starts a successor on the first finished predecessor. The start
// guard keeps later predecessors from starting it again.
type JoinAny struct{}

func (JoinAny) Ready(string, []store.TaskExecution) bool { return true }

// JoinAll starts a successor only once every predecessor is Complete or Skip.
type JoinAll struct{}

func (JoinAll) Ready(successorID string, tasks []store.TaskExecution) bool {
	for _, te := range tasks {
		if slices.Contains(te.Successors, successorID) && !te.Status.IsOK() {
			return false
		}
	}
	return true
}

// BarrierFor maps a configured join mode to its barrier.
func BarrierFor(mode string) (JoinBarrier, error) {
	switch mode {
	case "", config.JoinAny:
		return JoinAny{}, nil
	case config.JoinAll:
		return JoinAll{}, nil
	default:
		return nil, fmt.Errorf("unknown join mode %q", mode)
	}
}

// EntryTasks returns the executions no other execution lists as a successor,
// in input order.
func EntryTasks(tasks []store.TaskExecution) []store.TaskExecution {
	referenced := make(map[string]bool)
	for _, te := range tasks {
		for _, s := range te.Successors {
			referenced[s] = true
		}
	}
	var out []store.TaskExecution
	for _, te := range tasks {
		if !referenced[te.TaskExecutionID] {
			out = append(out, te)
		}
	}
	return out
}
