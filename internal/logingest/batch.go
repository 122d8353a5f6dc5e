package logingest

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedBatch marks a log batch that cannot be decoded.
var ErrMalformedBatch = errors.New("malformed log batch")

const controlMessage = "CONTROL_MESSAGE"

// Envelope is the decompressed log subscription document.
type Envelope struct {
	MessageType string     `json:"messageType"`
	Owner       string     `json:"owner,omitempty"`
	LogGroup    string     `json:"logGroup"`
	LogStream   string     `json:"logStream"`
	LogEvents   []LogEvent `json:"logEvents"`
}

// LogEvent is one line of a batch.
type LogEvent struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

// DecodeBatch unwraps a base64 gzip envelope into its log lines. The payload
// may be the bare base64 text or a {"awslogs":{"data":"..."}} wrapper.
// Control messages yield no lines.
func DecodeBatch(payload []byte) ([]string, error) {
	data := bytes.TrimSpace(payload)
	if len(data) > 0 && data[0] == '{' {
		var wrapper struct {
			AWSLogs struct {
				Data string `json:"data"`
			} `json:"awslogs"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
		}
		data = []byte(wrapper.AWSLogs.Data)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedBatch)
	}

	compressed := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(compressed, data)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformedBatch, err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed[:n]))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", ErrMalformedBatch, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", ErrMalformedBatch, err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformedBatch, err)
	}
	if env.MessageType == controlMessage {
		return nil, nil
	}
	lines := make([]string, 0, len(env.LogEvents))
	for _, ev := range env.LogEvents {
		lines = append(lines, ev.Message)
	}
	return lines, nil
}

// EncodeBatch builds a payload DecodeBatch accepts. Used by local runners and
// tests.
func EncodeBatch(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(buf.Len()))
	base64.StdEncoding.Encode(out, buf.Bytes())
	return out, nil
}
