package logingest

import (
	"regexp"
	"strings"

	"github.com/mattjoyce/migration-factory/internal/protocol"
	"github.com/mattjoyce/migration-factory/internal/store"
)

var bracketToken = regexp.MustCompile(`\[([^\[\]]*)\]`)

// Line is a tagged log line: [task_execution_id][MARKER] message.
type Line struct {
	TaskExecutionID string
	Marker          string
	// Message is the trimmed text after the first [Marker].
	Message string
	Raw     string
}

// ParseLine extracts the execution id and marker. Lines with fewer than two
// bracket tokens are rejected.
func ParseLine(raw string) (Line, bool) {
	tokens := bracketToken.FindAllStringSubmatch(raw, 2)
	if len(tokens) < 2 {
		return Line{}, false
	}
	l := Line{
		TaskExecutionID: tokens[0][1],
		Marker:          tokens[1][1],
		Raw:             strings.TrimRight(raw, "\r\n"),
	}
	tag := "[" + l.Marker + "]"
	if i := strings.Index(raw, tag); i >= 0 {
		l.Message = strings.TrimSpace(raw[i+len(tag):])
	}
	return l, true
}

// Status maps a marker to a task status. ok is false for in-progress markers,
// which leave the status unchanged.
func Status(marker string) (store.TaskStatus, bool) {
	switch marker {
	case protocol.MarkerComplete, string(store.TaskComplete):
		return store.TaskComplete, true
	case protocol.MarkerFailed, string(store.TaskFailed):
		return store.TaskFailed, true
	case protocol.MarkerPendingApproval, string(store.TaskPendingApproval):
		return store.TaskPendingApproval, true
	default:
		return "", false
	}
}
