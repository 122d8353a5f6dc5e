package api

import (
	"net/http"
	"sort"
	"strconv"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the pipeline API. The
// template_id of pipeline creation is enumerated from the imported templates.
func buildOpenAPIDoc(templateIDs []string) map[string]any {
	sort.Strings(templateIDs)

	createBody := map[string]any{
		"type":     "object",
		"required": []string{"template_id"},
		"properties": map[string]any{
			"pipeline_id":           map[string]any{"type": "string"},
			"template_id":           map[string]any{"type": "string", "enum": templateIDs},
			"pipeline_name":         map[string]any{"type": "string"},
			"task_execution_inputs": map[string]any{"type": "object"},
		},
	}

	op := func(id, summary string, codes ...int) map[string]any {
		responses := map[string]any{}
		for _, c := range codes {
			responses[strconv.Itoa(c)] = map[string]any{"description": http.StatusText(c)}
		}
		return map[string]any{"operationId": id, "summary": summary, "responses": responses}
	}

	create := op("createPipeline", "Create a pipeline from a template", 201, 400, 409, 422)
	create["requestBody"] = map[string]any{
		"required": true,
		"content":  map[string]any{"application/json": map[string]any{"schema": createBody}},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Migration Factory",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/v1/pipelines": map[string]any{
				"post": create,
				"get":  op("listPipelines", "List pipelines", 200),
			},
			"/v1/pipelines/{pipelineID}": map[string]any{
				"get":    op("getPipeline", "Get a pipeline with its tasks", 200, 404),
				"delete": op("deletePipeline", "Delete a pipeline and its tasks", 204, 404),
			},
			"/v1/pipelines/{pipelineID}/tasks": map[string]any{
				"get": op("listTasks", "List task executions of a pipeline", 200, 404),
			},
			"/v1/task-executions/{taskExecutionID}/status": map[string]any{
				"post": op("setTaskStatus", "Skip, retry, approve or reject a task", 200, 400, 404, 409),
			},
			"/v1/templates": map[string]any{
				"get":  op("listTemplates", "List templates", 200),
				"post": op("importTemplates", "Import YAML templates", 200, 400),
			},
			"/v1/logs": map[string]any{
				"post": op("ingestLogs", "Ingest tagged automation log lines", 200, 400, 429),
			},
			"/v1/notifications": map[string]any{
				"post": op("triggerNotification", "Fan a notification out to subscribers", 202, 400, 429),
			},
		},
	}
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	ts, err := s.deps.Templates.List(r.Context())
	if err != nil {
		s.internalError(w, "list templates", err)
		return
	}
	ids := make([]string, 0, len(ts))
	for _, t := range ts {
		ids = append(ids, t.TemplateID)
	}
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(ids))
}
