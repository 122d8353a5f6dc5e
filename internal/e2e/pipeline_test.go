package e2e

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/migration-factory/internal/changefeed"
	"github.com/mattjoyce/migration-factory/internal/config"
	"github.com/mattjoyce/migration-factory/internal/events"
	"github.com/mattjoyce/migration-factory/internal/lifecycle"
	"github.com/mattjoyce/migration-factory/internal/log"
	"github.com/mattjoyce/migration-factory/internal/logingest"
	"github.com/mattjoyce/migration-factory/internal/notify"
	"github.com/mattjoyce/migration-factory/internal/orchestrator"
	"github.com/mattjoyce/migration-factory/internal/queue"
	"github.com/mattjoyce/migration-factory/internal/runner"
	"github.com/mattjoyce/migration-factory/internal/storage"
	"github.com/mattjoyce/migration-factory/internal/store"
	"github.com/mattjoyce/migration-factory/internal/template"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

const chainTemplate = `
template_id: migrate-app
name: Migrate application
tasks:
  - template_task_id: discover
    task_reference: discover
    successor_ids: [replicate]
  - template_task_id: replicate
    task_reference: replicate
    successor_ids: [cutover]
  - template_task_id: cutover
    task_reference: cutover
`

// stack is every engine component over one database, driven step by step.
type stack struct {
	pipelines *store.Pipelines
	tasks     *store.TaskExecutions
	jobs      *queue.Queue
	bus       *events.Bus
	pollers   []*changefeed.Poller
	runner    *runner.Runner
}

func newStack(t *testing.T, automations map[string]config.AutomationConfig, joinMode string) *stack {
	t.Helper()
	ctx := context.Background()

	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pipelines := store.NewPipelines(db)
	tasks := store.NewTaskExecutions(db)
	templates := store.NewTemplates(db)
	jobs := queue.New(db)
	bus := events.NewBus(256)
	t.Cleanup(bus.Close)
	publisher := notify.NewPublisher(bus)

	ts, err := template.Parse([]byte(chainTemplate))
	require.NoError(t, err)
	_, err = template.NewImporter(templates, nil).Import(ctx, ts)
	require.NoError(t, err)

	join, err := orchestrator.BarrierFor(joinMode)
	require.NoError(t, err)
	orch := orchestrator.New(tasks, pipelines, runner.NewExecutor(jobs, nil), publisher, join, nil)
	ingester := logingest.New(tasks, publisher, 2, nil)

	const interval, batch = 10 * time.Millisecond, 100
	return &stack{
		pipelines: pipelines,
		tasks:     tasks,
		jobs:      jobs,
		bus:       bus,
		pollers: []*changefeed.Poller{
			changefeed.NewPoller(db, changefeed.Consumer{Name: "provisioner", Tables: []string{store.TablePipelines},
				Handler: lifecycle.NewProvisioner(templates, tasks, pipelines, nil)}, interval, batch),
			changefeed.NewPoller(db, changefeed.Consumer{Name: "reaper", Tables: []string{store.TablePipelines},
				Handler: lifecycle.NewReaper(tasks, nil)}, interval, batch),
			changefeed.NewPoller(db, changefeed.Consumer{Name: "orchestrator",
				Tables: []string{store.TablePipelines, store.TableTaskExecutions}, Handler: orch}, interval, batch),
		},
		runner: runner.New(jobs, automations, ingester, interval, nil),
	}
}

// settle polls every consumer and runs queued jobs until nothing is left.
func (s *stack) settle(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		work := 0
		for _, p := range s.pollers {
			n, err := p.PollOnce(ctx)
			require.NoError(t, err)
			work += n
		}
		ran, err := s.runner.ProcessNext(ctx)
		require.NoError(t, err)
		if ran {
			work++
		}
		if work == 0 {
			return
		}
	}
	t.Fatal("pipeline did not settle")
}

func (s *stack) createPipeline(t *testing.T, id string) {
	t.Helper()
	_, err := s.pipelines.Create(context.Background(), store.Pipeline{
		PipelineID: id,
		TemplateID: "migrate-app",
		Status:     store.PipelineProvisioning,
		Inputs:     map[string]any{"app": "billing"},
	})
	require.NoError(t, err)
}

func (s *stack) taskStatuses(t *testing.T, pipelineID string) map[string]store.TaskStatus {
	t.Helper()
	tes, err := s.tasks.ListByPipeline(context.Background(), pipelineID)
	require.NoError(t, err)
	out := make(map[string]store.TaskStatus, len(tes))
	for _, te := range tes {
		out[te.TaskID] = te.Status
	}
	return out
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func automationsFor(t *testing.T, scripts map[string]string) map[string]config.AutomationConfig {
	t.Helper()
	dir := t.TempDir()
	out := make(map[string]config.AutomationConfig, len(scripts))
	for ref, body := range scripts {
		out[ref] = config.AutomationConfig{Entrypoint: writeScript(t, dir, ref+".sh", body), Timeout: 10 * time.Second}
	}
	return out
}

func TestEndToEndPipelineCompletes(t *testing.T) {
	ok := `cat > /dev/null; echo "working"`
	s := newStack(t, automationsFor(t, map[string]string{
		"discover":  `grep -q billing && echo "found 3 servers"`,
		"replicate": ok,
		"cutover":   ok,
	}), config.JoinAny)

	s.createPipeline(t, "p1")
	s.settle(t)

	p, err := s.pipelines.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, store.PipelineComplete, p.Status)
	assert.Equal(t, map[string]store.TaskStatus{
		"discover":  store.TaskComplete,
		"replicate": store.TaskComplete,
		"cutover":   store.TaskComplete,
	}, s.taskStatuses(t, "p1"))

	discover, err := s.tasks.Get(context.Background(), store.ExecutionID("p1", "discover"))
	require.NoError(t, err)
	assert.Contains(t, discover.Output, "found 3 servers")
	assert.Equal(t, "automation finished", discover.OutputLastMessage)

	jobs, err := s.jobs.ListForTaskExecution(context.Background(), discover.TaskExecutionID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.StatusSucceeded, jobs[0].Status)

	successes := 0
	for _, ev := range s.bus.Since(0) {
		if ev.Type == notify.EventType && strings.Contains(string(ev.Data), `"`+notify.TaskSuccess+`"`) {
			successes++
		}
	}
	assert.Equal(t, 4, successes, "three completed tasks and the completed pipeline")
}

func TestEndToEndFailureStopsPipeline(t *testing.T) {
	s := newStack(t, automationsFor(t, map[string]string{
		"discover":  `cat > /dev/null; echo "ok"`,
		"replicate": `cat > /dev/null; echo "disk full" >&2; exit 2`,
		"cutover":   `cat > /dev/null`,
	}), config.JoinAny)

	s.createPipeline(t, "p2")
	s.settle(t)

	p, err := s.pipelines.Get(context.Background(), "p2")
	require.NoError(t, err)
	assert.Equal(t, store.PipelineFailed, p.Status)
	assert.Equal(t, store.ExecutionID("p2", "replicate"), p.CurrentTaskID)
	assert.Equal(t, map[string]store.TaskStatus{
		"discover":  store.TaskComplete,
		"replicate": store.TaskFailed,
		"cutover":   store.TaskNotStarted,
	}, s.taskStatuses(t, "p2"))

	jobs, err := s.jobs.ListForTaskExecution(context.Background(), store.ExecutionID("p2", "replicate"))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.StatusFailed, jobs[0].Status)
	require.NotNil(t, jobs[0].LastError)
	assert.Contains(t, *jobs[0].LastError, "status 2")
}

func TestEndToEndRetryResumesPipeline(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "attempted")
	automations := automationsFor(t, map[string]string{
		"discover":  `cat > /dev/null`,
		"replicate": `cat > /dev/null; if [ -f "$MARKER" ]; then echo "replicated"; else touch "$MARKER"; exit 1; fi`,
		"cutover":   `cat > /dev/null`,
	})
	replicate := automations["replicate"]
	replicate.Env = map[string]string{"MARKER": marker}
	automations["replicate"] = replicate

	s := newStack(t, automations, config.JoinAny)
	s.createPipeline(t, "p3")
	s.settle(t)

	p, err := s.pipelines.Get(context.Background(), "p3")
	require.NoError(t, err)
	require.Equal(t, store.PipelineFailed, p.Status)

	te, err := s.tasks.Get(context.Background(), store.ExecutionID("p3", "replicate"))
	require.NoError(t, err)
	te.Status = store.TaskRetry
	te.History.LastModifiedBy = "operator"
	_, err = s.tasks.Update(context.Background(), *te)
	require.NoError(t, err)
	s.settle(t)

	p, err = s.pipelines.Get(context.Background(), "p3")
	require.NoError(t, err)
	assert.Equal(t, store.PipelineComplete, p.Status)

	jobs, err := s.jobs.ListForTaskExecution(context.Background(), te.TaskExecutionID)
	require.NoError(t, err)
	assert.Len(t, jobs, 2, "the retry is a new job, not a deduplicated one")
}

func TestEndToEndDeleteReapsTasks(t *testing.T) {
	s := newStack(t, automationsFor(t, map[string]string{
		"discover":  `cat > /dev/null`,
		"replicate": `cat > /dev/null`,
		"cutover":   `cat > /dev/null`,
	}), config.JoinAll)

	s.createPipeline(t, "p4")
	s.settle(t)
	require.Len(t, s.taskStatuses(t, "p4"), 3)

	require.NoError(t, s.pipelines.Delete(context.Background(), "p4"))
	s.settle(t)
	assert.Empty(t, s.taskStatuses(t, "p4"))
}

func TestEndToEndApprovalGatesPipeline(t *testing.T) {
	s := newStack(t, automationsFor(t, map[string]string{
		"discover":  `cat > /dev/null`,
		"replicate": `cat > /dev/null; echo "[p5-replicate][PENDING_APPROVAL] replication lag needs sign-off"`,
		"cutover":   `cat > /dev/null`,
	}), config.JoinAny)

	s.createPipeline(t, "p5")
	s.settle(t)

	p, err := s.pipelines.Get(context.Background(), "p5")
	require.NoError(t, err)
	assert.Equal(t, store.PipelineInProgress, p.Status)
	assert.Equal(t, map[string]store.TaskStatus{
		"discover":  store.TaskComplete,
		"replicate": store.TaskPendingApproval,
		"cutover":   store.TaskNotStarted,
	}, s.taskStatuses(t, "p5"))

	te, err := s.tasks.Get(context.Background(), store.ExecutionID("p5", "replicate"))
	require.NoError(t, err)
	assert.Equal(t, "automation finished, awaiting approval", te.OutputLastMessage)
	assert.NotContains(t, te.Output, "JOB_COMPLETE")

	jobs, err := s.jobs.ListForTaskExecution(context.Background(), te.TaskExecutionID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.StatusSucceeded, jobs[0].Status)

	approvals := 0
	for _, ev := range s.bus.Since(0) {
		if ev.Type == notify.EventType && strings.Contains(string(ev.Data), `"`+notify.TaskManualApprovalNeeded+`"`) {
			approvals++
		}
	}
	assert.Positive(t, approvals)

	te.Status = store.TaskComplete
	te.History.LastModifiedBy = "operator"
	_, err = s.tasks.Update(context.Background(), *te)
	require.NoError(t, err)
	s.settle(t)

	p, err = s.pipelines.Get(context.Background(), "p5")
	require.NoError(t, err)
	assert.Equal(t, store.PipelineComplete, p.Status)
	assert.Equal(t, store.TaskComplete, s.taskStatuses(t, "p5")["cutover"])
}
