package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mattjoyce/migration-factory/internal/store"
	"github.com/mattjoyce/migration-factory/internal/template"
)

const maxBodyBytes = 8 << 20

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.deps.Jobs != nil {
		depth, err := s.deps.Jobs.Depth(r.Context())
		if err != nil {
			s.logger.Error("failed to compute queue depth", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
			return
		}
		resp.QueueDepth = depth
	}
	if s.deps.Gateway != nil {
		resp.Connections = s.deps.Gateway.Count()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleCreatePipeline handles POST /v1/pipelines. The row is written in
// Provisioning state; expansion happens off the change feed.
func (s *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req CreatePipelineRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.TemplateID = strings.TrimSpace(req.TemplateID)
	if req.TemplateID == "" {
		s.writeError(w, http.StatusBadRequest, "template_id is required")
		return
	}
	tmpl, err := s.deps.Templates.Get(r.Context(), req.TemplateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusUnprocessableEntity, "unknown template_id")
			return
		}
		s.internalError(w, "load template", err)
		return
	}
	if req.PipelineID == "" {
		req.PipelineID = uuid.NewString()
	}
	for _, tt := range tmpl.Tasks {
		id := store.ExecutionID(req.PipelineID, tt.TemplateTaskID)
		te, err := s.deps.Tasks.Get(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			s.internalError(w, "check task execution ids", err)
			return
		}
		if te.PipelineID != req.PipelineID {
			s.writeError(w, http.StatusConflict, "pipeline_id collides with task execution "+id+" of pipeline "+te.PipelineID)
			return
		}
	}

	p, err := s.deps.Pipelines.Create(r.Context(), store.Pipeline{
		PipelineID:    req.PipelineID,
		TemplateID:    req.TemplateID,
		Name:          req.Name,
		Status:        store.PipelineProvisioning,
		Inputs:        req.Inputs,
		Notifications: req.Notifications,
	})
	if errors.Is(err, store.ErrConflict) {
		s.writeError(w, http.StatusConflict, "pipeline already exists")
		return
	}
	if err != nil {
		s.internalError(w, "create pipeline", err)
		return
	}
	s.logger.Info("pipeline created", "pipeline_id", p.PipelineID, "template_id", p.TemplateID)
	respondJSON(w, http.StatusCreated, p)
}

// handleListPipelines handles GET /v1/pipelines.
func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	ps, err := s.deps.Pipelines.List(r.Context())
	if err != nil {
		s.internalError(w, "list pipelines", err)
		return
	}
	if ps == nil {
		ps = []store.Pipeline{}
	}
	respondJSON(w, http.StatusOK, ps)
}

// handleGetPipeline handles GET /v1/pipelines/{pipelineID}.
func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "pipelineID")
	p, err := s.deps.Pipelines.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "pipeline not found")
		return
	}
	if err != nil {
		s.internalError(w, "get pipeline", err)
		return
	}
	tasks, err := s.deps.Tasks.ListByPipeline(r.Context(), id)
	if err != nil {
		s.internalError(w, "list task executions", err)
		return
	}
	if tasks == nil {
		tasks = []store.TaskExecution{}
	}
	respondJSON(w, http.StatusOK, PipelineResponse{Pipeline: *p, Tasks: tasks})
}

// handleDeletePipeline handles DELETE /v1/pipelines/{pipelineID}. Task
// executions are removed by the reaper.
func (s *Server) handleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "pipelineID")
	err := s.deps.Pipelines.Delete(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "pipeline not found")
		return
	}
	if err != nil {
		s.internalError(w, "delete pipeline", err)
		return
	}
	s.logger.Info("pipeline deleted", "pipeline_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleListTasks handles GET /v1/pipelines/{pipelineID}/tasks.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "pipelineID")
	if _, err := s.deps.Pipelines.Get(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "pipeline not found")
			return
		}
		s.internalError(w, "get pipeline", err)
		return
	}
	tasks, err := s.deps.Tasks.ListByPipeline(r.Context(), id)
	if err != nil {
		s.internalError(w, "list task executions", err)
		return
	}
	if tasks == nil {
		tasks = []store.TaskExecution{}
	}
	respondJSON(w, http.StatusOK, tasks)
}

// handleGetTask handles GET /v1/task-executions/{taskExecutionID}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	te, err := s.deps.Tasks.Get(r.Context(), chi.URLParam(r, "taskExecutionID"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task execution not found")
		return
	}
	if err != nil {
		s.internalError(w, "get task execution", err)
		return
	}
	respondJSON(w, http.StatusOK, te)
}

// handleListJobs handles GET /v1/task-executions/{taskExecutionID}/jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		s.writeError(w, http.StatusNotFound, "automation jobs unavailable")
		return
	}
	jobs, err := s.deps.Jobs.ListForTaskExecution(r.Context(), chi.URLParam(r, "taskExecutionID"))
	if err != nil {
		s.internalError(w, "list jobs", err)
		return
	}
	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, JobResponse{
			JobID:       j.ID,
			Status:      j.Status,
			Attempt:     j.Attempt,
			LastError:   j.LastError,
			CreatedAt:   j.CreatedAt.Format(time.RFC3339Nano),
			StartedAt:   formatOptional(j.StartedAt),
			CompletedAt: formatOptional(j.CompletedAt),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// externalTargets are the statuses an operator may set. Complete, Failed and
// In Progress are only reachable from Pending Approval; running tasks report
// their own outcome through the log path. Pending Approval holds a running
// task for a decision.
var externalTargets = map[store.TaskStatus]bool{
	store.TaskSkip:            true,
	store.TaskRetry:           true,
	store.TaskComplete:        true,
	store.TaskFailed:          true,
	store.TaskInProgress:      true,
	store.TaskPendingApproval: true,
}

// handleSetTaskStatus handles POST /v1/task-executions/{taskExecutionID}/status.
func (s *Server) handleSetTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req SetStatusRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !req.Status.Valid() || !externalTargets[req.Status] {
		s.writeError(w, http.StatusBadRequest, "status must be one of Skip, Retry, Complete, Failed, In Progress, Pending Approval")
		return
	}

	te, err := s.deps.Tasks.Get(r.Context(), chi.URLParam(r, "taskExecutionID"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task execution not found")
		return
	}
	if err != nil {
		s.internalError(w, "get task execution", err)
		return
	}

	gated := req.Status == store.TaskComplete || req.Status == store.TaskFailed || req.Status == store.TaskInProgress
	if gated && te.Status != store.TaskPendingApproval {
		s.writeError(w, http.StatusConflict, "only tasks pending approval can be approved or rejected")
		return
	}
	if !te.Status.CanTransition(req.Status) {
		s.writeError(w, http.StatusConflict, "transition from "+string(te.Status)+" to "+string(req.Status)+" is not allowed")
		return
	}
	if req.ExpectedVersion != 0 && req.ExpectedVersion != te.Version {
		s.writeError(w, http.StatusConflict, "version mismatch")
		return
	}

	next := *te
	next.Status = req.Status
	next.History.LastModifiedBy = req.ModifiedBy
	if next.History.LastModifiedBy == "" {
		next.History.LastModifiedBy = "api"
	}
	written, err := s.deps.Tasks.Update(r.Context(), next)
	switch {
	case errors.Is(err, store.ErrConflict):
		s.writeError(w, http.StatusConflict, "task execution changed concurrently")
		return
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "task execution not found")
		return
	case err != nil:
		s.internalError(w, "update task execution", err)
		return
	}
	s.logger.Info("task status set", "task_execution_id", written.TaskExecutionID, "from", te.Status, "to", written.Status, "by", written.History.LastModifiedBy)
	respondJSON(w, http.StatusOK, written)
}

// handleListTemplates handles GET /v1/templates.
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	ts, err := s.deps.Templates.List(r.Context())
	if err != nil {
		s.internalError(w, "list templates", err)
		return
	}
	if ts == nil {
		ts = []store.Template{}
	}
	respondJSON(w, http.StatusOK, ts)
}

// handleGetTemplate handles GET /v1/templates/{templateID}.
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Templates.Get(r.Context(), chi.URLParam(r, "templateID"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "template not found")
		return
	}
	if err != nil {
		s.internalError(w, "get template", err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// handleImportTemplates handles POST /v1/templates with a YAML body.
func (s *Server) handleImportTemplates(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	ts, err := template.Parse(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.deps.Importer.Import(r.Context(), ts)
	if err != nil {
		s.internalError(w, "import templates", err)
		return
	}
	respondJSON(w, http.StatusOK, ImportResponse{Report: report})
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", "error", err)
	s.writeError(w, http.StatusInternalServerError, op+" failed")
}
