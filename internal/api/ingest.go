package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mattjoyce/migration-factory/internal/logingest"
	"github.com/mattjoyce/migration-factory/internal/notify"
)

// handleIngestLogs handles POST /v1/logs. The body is either a compressed
// log batch (raw base64 or the {"awslogs":{"data":...}} wrapper) or plain
// {"lines":[...]} from local runners.
func (s *Server) handleIngestLogs(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var (
		applied []notify.Notification
		lines   LogLinesRequest
	)
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Unmarshal(trimmed, &lines) == nil && lines.Lines != nil {
		applied, err = s.deps.Ingester.Ingest(r.Context(), lines.Lines)
	} else {
		applied, err = s.deps.Ingester.IngestBatch(r.Context(), trimmed)
	}
	if errors.Is(err, logingest.ErrMalformedBatch) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, "ingest logs", err)
		return
	}
	respondJSON(w, http.StatusOK, IngestResponse{Applied: len(applied)})
}

// handleTriggerNotification handles POST /v1/notifications. A trigger event
// missing any required field is rejected.
func (s *Server) handleTriggerNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	ev, err := notify.ParseTrigger(body)
	if errors.Is(err, notify.ErrInvalidTrigger) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, "parse trigger", err)
		return
	}
	if err := s.deps.Publisher.PublishTrigger(r.Context(), ev); err != nil {
		s.internalError(w, "publish notification", err)
		return
	}
	respondJSON(w, http.StatusAccepted, AcceptedResponse{Status: "accepted", ID: ev.Detail.UUID})
}
