package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/migration-factory/internal/store"
)

// Detail types carried on trigger events.
const (
	TaskSuccess              = "TaskSuccess"
	TaskFailed               = "TaskFailed"
	TaskPending              = "TaskPending"
	TaskTimedOut             = "TaskTimedOut"
	TaskManualApprovalNeeded = "TaskManualApprovalNeeded"
)

// Flashbar severities understood by the UI.
const (
	SeveritySuccess = "success"
	SeverityError   = "error"
	SeverityPending = "pending"
	SeverityInfo    = "info"
)

// EventType is the bus event type used for trigger events.
const EventType = "notification.trigger"

var (
	// ErrInvalidTrigger marks a trigger event that is missing required detail
	// fields. No delivery is attempted for it.
	ErrInvalidTrigger = errors.New("invalid notification trigger")
	// ErrGone is returned by a Poster when the connection no longer exists.
	ErrGone = errors.New("connection gone")
)

var severities = map[string]string{
	TaskFailed:               SeverityError,
	TaskSuccess:              SeveritySuccess,
	TaskPending:              SeverityPending,
	TaskTimedOut:             SeverityError,
	TaskManualApprovalNeeded: SeveritySuccess,
}

// Severity maps a detail type to a flashbar type. Unknown types are info.
func Severity(detailType string) string {
	if s, ok := severities[detailType]; ok {
		return s
	}
	return SeverityInfo
}

// DetailTypeForStatus picks the detail type announcing a task status.
func DetailTypeForStatus(status store.TaskStatus) string {
	switch status {
	case store.TaskComplete:
		return TaskSuccess
	case store.TaskFailed:
		return TaskFailed
	case store.TaskPendingApproval:
		return TaskManualApprovalNeeded
	default:
		return TaskPending
	}
}

// Notification is the payload pushed to connected clients.
type Notification struct {
	UUID        string `json:"uuid"`
	Type        string `json:"type"`
	Dismissible bool   `json:"dismissible"`
	Header      string `json:"header"`
	Content     string `json:"content"`
	TimeStamp   string `json:"timeStamp"`
}

// New builds a dismissible notification stamped now.
func New(detailType, header, content string) Notification {
	return Notification{
		UUID:        uuid.NewString(),
		Type:        Severity(detailType),
		Dismissible: true,
		Header:      header,
		Content:     content,
		TimeStamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

// Detail is the body of a trigger event.
type Detail struct {
	UUID        string `json:"uuid"`
	Dismissible bool   `json:"dismissible"`
	Header      string `json:"header"`
	Content     string `json:"content"`
	TimeStamp   string `json:"timeStamp"`
}

// TriggerEvent asks the fan-out to deliver one notification.
type TriggerEvent struct {
	DetailType string `json:"detail-type"`
	Source     string `json:"source,omitempty"`
	Detail     Detail `json:"detail"`
}

// Notification converts the trigger into the client payload.
func (e TriggerEvent) Notification() Notification {
	return Notification{
		UUID:        e.Detail.UUID,
		Type:        Severity(e.DetailType),
		Dismissible: e.Detail.Dismissible,
		Header:      e.Detail.Header,
		Content:     e.Detail.Content,
		TimeStamp:   e.Detail.TimeStamp,
	}
}

// Trigger wraps n as a trigger event of the given detail type.
func Trigger(detailType string, n Notification) TriggerEvent {
	return TriggerEvent{
		DetailType: detailType,
		Source:     "mfactory",
		Detail: Detail{
			UUID:        n.UUID,
			Dismissible: n.Dismissible,
			Header:      n.Header,
			Content:     n.Content,
			TimeStamp:   n.TimeStamp,
		},
	}
}

var requiredDetail = []string{"uuid", "dismissible", "header", "content", "timeStamp"}

// ParseTrigger decodes and validates a trigger event. Every detail field must
// be present and non-null; uuid must also be non-empty.
func ParseTrigger(raw []byte) (TriggerEvent, error) {
	var envelope struct {
		DetailType string                     `json:"detail-type"`
		Source     string                     `json:"source"`
		Detail     map[string]json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return TriggerEvent{}, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	if envelope.Detail == nil {
		return TriggerEvent{}, fmt.Errorf("%w: missing detail", ErrInvalidTrigger)
	}
	for _, key := range requiredDetail {
		v, ok := envelope.Detail[key]
		if !ok || string(v) == "null" {
			return TriggerEvent{}, fmt.Errorf("%w: detail.%s is required", ErrInvalidTrigger, key)
		}
	}

	ev := TriggerEvent{DetailType: envelope.DetailType, Source: envelope.Source}
	fields := map[string]any{
		"uuid":        &ev.Detail.UUID,
		"dismissible": &ev.Detail.Dismissible,
		"header":      &ev.Detail.Header,
		"content":     &ev.Detail.Content,
		"timeStamp":   &ev.Detail.TimeStamp,
	}
	for _, key := range requiredDetail {
		if err := json.Unmarshal(envelope.Detail[key], fields[key]); err != nil {
			return TriggerEvent{}, fmt.Errorf("%w: detail.%s: %v", ErrInvalidTrigger, key, err)
		}
	}
	if ev.Detail.UUID == "" {
		return TriggerEvent{}, fmt.Errorf("%w: detail.uuid is empty", ErrInvalidTrigger)
	}
	return ev, nil
}
