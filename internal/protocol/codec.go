package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// EncodeRequest serializes a Request to JSON and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.TaskExecutionID == "" {
		return fmt.Errorf("request missing task_execution_id")
	}
	if len(req.Inputs) == 0 {
		req.Inputs = json.RawMessage(`{}`)
	}

	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeRequest reads a Request from r. Unknown fields are rejected.
func DecodeRequest(r io.Reader) (*Request, error) {
	var req Request
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	return &req, nil
}

// FormatLine tags message as [taskExecutionID][marker] message.
func FormatLine(taskExecutionID, marker, message string) string {
	tag := "[" + taskExecutionID + "][" + marker + "]"
	message = strings.TrimRight(message, "\r\n")
	if message == "" {
		return tag
	}
	return tag + " " + message
}

// MarkerOf returns the marker of a line tagged with the execution's own id,
// so automations that emit their own markers are forwarded unchanged.
func MarkerOf(line, taskExecutionID string) (string, bool) {
	prefix := "[" + taskExecutionID + "]["
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	rest := line[len(prefix):]
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// AwaitsApproval reports whether marker hands the task to an operator. The
// status name is accepted as well as the marker.
func AwaitsApproval(marker string) bool {
	return marker == MarkerPendingApproval || marker == "Pending Approval"
}
