package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/migration-factory/internal/events"
	"github.com/mattjoyce/migration-factory/internal/log"
	"github.com/mattjoyce/migration-factory/internal/logingest"
	"github.com/mattjoyce/migration-factory/internal/notify"
	"github.com/mattjoyce/migration-factory/internal/queue"
	"github.com/mattjoyce/migration-factory/internal/storage"
	"github.com/mattjoyce/migration-factory/internal/store"
	"github.com/mattjoyce/migration-factory/internal/template"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

const waveYAML = `template_id: wave
tasks:
  - template_task_id: discover
    task_reference: discover-servers
    successor_ids: [cutover]
  - template_task_id: cutover
    task_reference: cutover
`

type testEnv struct {
	handler   http.Handler
	pipelines *store.Pipelines
	tasks     *store.TaskExecutions
	templates *store.Templates
	queue     *queue.Queue
	bus       *events.Bus
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	env := &testEnv{
		pipelines: store.NewPipelines(db),
		tasks:     store.NewTaskExecutions(db),
		templates: store.NewTemplates(db),
		queue:     queue.New(db),
		bus:       events.NewBus(16),
	}
	t.Cleanup(env.bus.Close)

	publisher := notify.NewPublisher(env.bus)
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	srv := New(cfg, Deps{
		Pipelines: env.pipelines,
		Tasks:     env.tasks,
		Templates: env.templates,
		Importer:  template.NewImporter(env.templates, logger),
		Ingester:  logingest.New(env.tasks, publisher, -1, logger),
		Publisher: publisher,
		Events:    env.bus,
		Jobs:      env.queue,
	}, logger)
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) importWave(t *testing.T) {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/v1/templates", waveYAML)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func (e *testEnv) seedTask(t *testing.T, id string, status store.TaskStatus) {
	t.Helper()
	_, err := e.tasks.Ensure(context.Background(), store.TaskExecution{
		TaskExecutionID: id,
		PipelineID:      "p1",
		TaskID:          "discover",
		TaskReference:   "discover-servers",
		Name:            "Discover",
		Status:          status,
	})
	require.NoError(t, err)
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, _, err := env.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		TaskExecutionID: "p1-a", TaskReference: "a", SubmittedBy: "test",
	})
	require.NoError(t, err)

	rr := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[HealthzResponse](t, rr)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.QueueDepth)
}

func TestCreatePipeline(t *testing.T) {
	env := newTestEnv(t, Config{})

	rr := env.do(t, http.MethodPost, "/v1/pipelines", `{"template_id":"wave"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = env.do(t, http.MethodPost, "/v1/pipelines", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/v1/pipelines", `not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	env.importWave(t)
	rr = env.do(t, http.MethodPost, "/v1/pipelines", `{"pipeline_id":"p1","template_id":"wave","task_execution_inputs":{"wave":"7"}}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	p := decode[store.Pipeline](t, rr)
	assert.Equal(t, store.PipelineProvisioning, p.Status)
	assert.Equal(t, "7", p.Inputs["wave"])

	rr = env.do(t, http.MethodPost, "/v1/pipelines", `{"pipeline_id":"p1","template_id":"wave"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.do(t, http.MethodPost, "/v1/pipelines", `{"template_id":"wave"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.NotEmpty(t, decode[store.Pipeline](t, rr).PipelineID)

	// p9-x would expand discover to an id another pipeline already owns.
	env.seedTask(t, "p9-x-discover", store.TaskNotStarted)
	rr = env.do(t, http.MethodPost, "/v1/pipelines", `{"pipeline_id":"p9-x","template_id":"wave"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), "collides")

	rr = env.do(t, http.MethodGet, "/v1/pipelines", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]store.Pipeline](t, rr), 2)
}

func TestGetAndDeletePipeline(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.importWave(t)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/pipelines/p1", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/pipelines/p1/tasks", "").Code)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/pipelines", `{"pipeline_id":"p1","template_id":"wave"}`).Code)
	env.seedTask(t, "p1-discover", store.TaskNotStarted)

	rr := env.do(t, http.MethodGet, "/v1/pipelines/p1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[PipelineResponse](t, rr)
	assert.Equal(t, "p1", resp.PipelineID)
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, "p1-discover", resp.Tasks[0].TaskExecutionID)

	rr = env.do(t, http.MethodGet, "/v1/pipelines/p1/tasks", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]store.TaskExecution](t, rr), 1)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/v1/pipelines/p1", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/v1/pipelines/p1", "").Code)
}

func TestSetTaskStatus(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seedTask(t, "p1-a", store.TaskNotStarted)
	env.seedTask(t, "p1-b", store.TaskInProgress)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/v1/task-executions/nope/status", `{"status":"Skip"}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/task-executions/p1-a/status", `{"status":"Not Started"}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/task-executions/p1-a/status", `{"status":"Done"}`).Code)

	// A running task reports its own outcome.
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/v1/task-executions/p1-b/status", `{"status":"Complete"}`).Code)
	// Not Started cannot be retried.
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/v1/task-executions/p1-a/status", `{"status":"Retry"}`).Code)
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/v1/task-executions/p1-a/status", `{"status":"Skip","expected_version":99}`).Code)

	rr := env.do(t, http.MethodPost, "/v1/task-executions/p1-a/status", `{"status":"Skip","modified_by":"operator"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	te := decode[store.TaskExecution](t, rr)
	assert.Equal(t, store.TaskSkip, te.Status)
	assert.Equal(t, "operator", te.History.LastModifiedBy)

	rr = env.do(t, http.MethodPost, "/v1/task-executions/p1-a/status", `{"status":"Retry"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, store.TaskRetry, decode[store.TaskExecution](t, rr).Status)

	// Only a running task can be held for approval.
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/v1/task-executions/p1-a/status", `{"status":"Pending Approval"}`).Code)
	rr = env.do(t, http.MethodPost, "/v1/task-executions/p1-b/status", `{"status":"Pending Approval"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, store.TaskPendingApproval, decode[store.TaskExecution](t, rr).Status)

	rr = env.do(t, http.MethodPost, "/v1/task-executions/p1-b/status", `{"status":"Complete"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	te = decode[store.TaskExecution](t, rr)
	assert.Equal(t, store.TaskComplete, te.Status)
	assert.Equal(t, "api", te.History.LastModifiedBy)
	assert.NotEmpty(t, te.History.OutcomeDate)
}

func TestTemplatesImportAndRead(t *testing.T) {
	env := newTestEnv(t, Config{})

	rr := env.do(t, http.MethodPost, "/v1/templates", "template_id: broken\ntasks: []\n")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/v1/templates", waveYAML)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"wave"}, decode[ImportResponse](t, rr).Imported)

	rr = env.do(t, http.MethodPost, "/v1/templates", waveYAML)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"wave"}, decode[ImportResponse](t, rr).Unchanged)

	rr = env.do(t, http.MethodGet, "/v1/templates/wave", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[store.Template](t, rr).Tasks, 2)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/templates/nope", "").Code)

	rr = env.do(t, http.MethodGet, "/v1/templates", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]store.Template](t, rr), 1)
}

func TestIngestLogs(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seedTask(t, "p1-a", store.TaskInProgress)

	rr := env.do(t, http.MethodPost, "/v1/logs", `{"lines":["[p1-a][IN_PROGRESS] copying","untagged"]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 1, decode[IngestResponse](t, rr).Applied)

	batch, err := logingest.EncodeBatch(logingest.Envelope{
		MessageType: "DATA_MESSAGE",
		LogGroup:    "/migration/automations",
		LogEvents:   []logingest.LogEvent{{ID: "1", Message: "[p1-a][JOB_COMPLETE] done"}},
	})
	require.NoError(t, err)
	rr = env.do(t, http.MethodPost, "/v1/logs", string(batch))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 1, decode[IngestResponse](t, rr).Applied)

	te, err := env.tasks.Get(context.Background(), "p1-a")
	require.NoError(t, err)
	assert.Equal(t, store.TaskComplete, te.Status)
	assert.Equal(t, "done", te.OutputLastMessage)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/logs", "%%%not-base64").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/logs", "").Code)
}

func TestTriggerNotification(t *testing.T) {
	env := newTestEnv(t, Config{})
	ch, cancel := env.bus.Subscribe(notify.EventType)
	defer cancel()

	body := `{"detail-type":"TaskFailed","detail":{"uuid":"u-1","dismissible":true,"header":"Cutover","content":"failed","timeStamp":"2026-01-01T00:00:00Z"}}`
	rr := env.do(t, http.MethodPost, "/v1/notifications", body)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, "u-1", decode[AcceptedResponse](t, rr).ID)

	select {
	case ev := <-ch:
		assert.Contains(t, string(ev.Data), `"uuid":"u-1"`)
	case <-time.After(time.Second):
		t.Fatal("trigger event not published")
	}

	rr = env.do(t, http.MethodPost, "/v1/notifications", `{"detail-type":"TaskFailed","detail":{"uuid":"u-2"}}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIngestRoutesAreRateLimited(t *testing.T) {
	env := newTestEnv(t, Config{RequestsPerSecond: 0.001, Burst: 1})

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/logs", `{"lines":[]}`).Code)
	rr := env.do(t, http.MethodPost, "/v1/logs", `{"lines":[]}`)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	// Reads are not limited.
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/pipelines", "").Code)
}

func TestEventsStreamReplaysAndFilters(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, err := env.bus.Publish("pipeline.other", map[string]string{"n": "0"})
	require.NoError(t, err)
	_, err = env.bus.Publish(notify.EventType, map[string]string{"n": "1"})
	require.NoError(t, err)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events?types="+notify.EventType, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readData := func() string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "data: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			}
		}
	}

	assert.JSONEq(t, `{"n":"1"}`, readData())

	require.Eventually(t, func() bool { return env.bus.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	_, err = env.bus.Publish("pipeline.other", map[string]string{"n": "2"})
	require.NoError(t, err)
	_, err = env.bus.Publish(notify.EventType, map[string]string{"n": "3"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":"3"}`, readData())
}

func TestOpenAPIListsTemplates(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.importWave(t)

	rr := env.do(t, http.MethodGet, "/openapi.json", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"enum":["wave"]`)
	assert.Contains(t, rr.Body.String(), `"/v1/task-executions/{taskExecutionID}/status"`)
}
