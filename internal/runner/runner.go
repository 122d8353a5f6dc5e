package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/mattjoyce/migration-factory/internal/config"
	"github.com/mattjoyce/migration-factory/internal/log"
	"github.com/mattjoyce/migration-factory/internal/notify"
	"github.com/mattjoyce/migration-factory/internal/protocol"
	"github.com/mattjoyce/migration-factory/internal/queue"
)

const (
	// maxStderrBytes caps the amount of stderr captured from an automation.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// errInterrupted marks a run cut short by shutdown. The job stays running and
// is requeued by queue.RecoverRunning on the next start.
var errInterrupted = errors.New("runner shutting down")

// JobQueue is the queue access the runner needs.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, jobID string, status queue.Status, lastError, stderr *string) error
}

// LineSink receives tagged log lines, normally the log ingester.
type LineSink interface {
	Ingest(ctx context.Context, lines []string) ([]notify.Notification, error)
}

// Runner dequeues automation jobs and executes them one at a time.
type Runner struct {
	queue       JobQueue
	automations map[string]config.AutomationConfig
	sink        LineSink
	interval    time.Duration
	grace       time.Duration
	logger      *slog.Logger
}

func New(q JobQueue, automations map[string]config.AutomationConfig, sink LineSink, interval time.Duration, logger *slog.Logger) *Runner {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = log.WithComponent("runner")
	}
	return &Runner{
		queue:       q,
		automations: automations,
		sink:        sink,
		interval:    interval,
		grace:       terminationGracePeriod,
		logger:      logger,
	}
}

// Start runs the serial dispatch loop until ctx is cancelled. Each tick drains
// the queue.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("runner loop started")
	defer r.logger.Info("runner loop stopped")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				ran, err := r.ProcessNext(ctx)
				if err != nil {
					r.logger.Error("failed to process job", "error", err)
				}
				if !ran || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// ProcessNext runs the oldest queued job. It reports false when the queue is
// empty.
func (r *Runner) ProcessNext(ctx context.Context) (bool, error) {
	job, err := r.queue.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return false, nil
	}
	r.execute(ctx, job)
	return true, nil
}

func (r *Runner) execute(ctx context.Context, job *queue.Job) {
	logger := log.WithTaskExecution(job.TaskExecutionID).With("job_id", job.ID, "task_reference", job.TaskReference)
	logger.Info("executing automation job", "attempt", job.Attempt)

	ac, ok := r.automations[job.TaskReference]
	if !ok {
		msg := fmt.Sprintf("no automation configured for task_reference %q", job.TaskReference)
		logger.Error(msg)
		r.finish(ctx, job, queue.StatusFailed, protocol.MarkerFailed, msg, "")
		return
	}

	timeout := ac.Timeout
	if timeout <= 0 {
		timeout = config.DefaultAutomationTimeout
	}

	req := protocol.Request{Protocol: protocol.Version}
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &req); err != nil {
			msg := fmt.Sprintf("invalid job payload: %v", err)
			logger.Error(msg)
			r.finish(ctx, job, queue.StatusFailed, protocol.MarkerFailed, msg, "")
			return
		}
	}
	req.Protocol = protocol.Version
	req.JobID = job.ID
	req.TaskExecutionID = job.TaskExecutionID
	req.TaskReference = job.TaskReference
	req.Attempt = job.Attempt
	req.DeadlineAt = time.Now().Add(timeout).UTC()

	// awaiting is only read after spawn has waited for the process, so the
	// stdout copier has finished writing it.
	var awaiting bool
	emit := func(line string) {
		if marker, ok := protocol.MarkerOf(line, job.TaskExecutionID); ok {
			if protocol.AwaitsApproval(marker) {
				awaiting = true
			}
		} else {
			line = protocol.FormatLine(job.TaskExecutionID, protocol.MarkerInProgress, line)
		}
		r.forward(ctx, logger, line)
	}

	stderr, err := r.spawn(ctx, ac, &req, timeout, emit, logger)
	switch {
	case err == nil && awaiting:
		// The task stays Pending Approval until an operator decides.
		logger.Info("automation job completed, task awaiting approval")
		r.finish(ctx, job, queue.StatusSucceeded, protocol.MarkerInProgress, "automation finished, awaiting approval", stderr)
	case err == nil:
		logger.Info("automation job completed")
		r.finish(ctx, job, queue.StatusSucceeded, protocol.MarkerComplete, "automation finished", stderr)
	case errors.Is(err, errInterrupted):
		logger.Warn("automation job interrupted, leaving it for recovery")
	case errors.Is(err, context.DeadlineExceeded):
		msg := fmt.Sprintf("automation timed out after %s", timeout)
		logger.Error(msg)
		r.finish(ctx, job, queue.StatusTimedOut, protocol.MarkerFailed, msg, stderr)
	default:
		msg := err.Error()
		logger.Error("automation job failed", "error", err)
		r.finish(ctx, job, queue.StatusFailed, protocol.MarkerFailed, msg, stderr)
	}
}

// finish emits the closing marker line and marks the job complete.
func (r *Runner) finish(ctx context.Context, job *queue.Job, status queue.Status, marker, message, stderr string) {
	logger := r.logger.With("job_id", job.ID)
	r.forward(ctx, logger, protocol.FormatLine(job.TaskExecutionID, marker, message))

	var lastError *string
	if status != queue.StatusSucceeded {
		lastError = &message
	}
	var stderrPtr *string
	if stderr != "" {
		stderrPtr = &stderr
	}
	if err := r.queue.Complete(ctx, job.ID, status, lastError, stderrPtr); err != nil {
		logger.Error("failed to complete job", "error", err)
	}
}

func (r *Runner) forward(ctx context.Context, logger *slog.Logger, line string) {
	if r.sink == nil {
		return
	}
	if _, err := r.sink.Ingest(ctx, []string{line}); err != nil {
		logger.Warn("failed to ingest automation output", "error", err)
	}
}

// spawn runs the automation, writes the request to stdin and streams stdout
// lines to emit. Returns the captured stderr.
func (r *Runner) spawn(
	ctx context.Context,
	ac config.AutomationConfig,
	req *protocol.Request,
	timeout time.Duration,
	emit func(string),
	logger *slog.Logger,
) (string, error) {
	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	// Not CommandContext: termination is managed here.
	cmd := exec.Command(ac.Entrypoint, ac.Args...)
	cmd.Env = commandEnv(ac.Env)
	cmd.WaitDelay = r.grace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout := &lineWriter{emit: emit}
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning automation", "entrypoint", ac.Entrypoint, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		writeErr <- protocol.EncodeRequest(stdin, req)
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var interrupted bool
	select {
	case <-timeoutTimer.C:
	case <-ctx.Done():
		interrupted = true
	case err := <-waitErr:
		stdout.Flush()
		stderrStr := truncateStderr(stderr.String())
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return stderrStr, fmt.Errorf("automation exited with status %d", exitErr.ExitCode())
			}
			return stderrStr, fmt.Errorf("wait for process: %w", err)
		}
		if werr := <-writeErr; werr != nil {
			logger.Warn("automation did not read its request", "error", werr)
		}
		return stderrStr, nil
	}

	logger.Warn("stopping automation, sending SIGTERM", "interrupted", interrupted)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("automation exited after SIGTERM")
	case <-grace.C:
		logger.Warn("automation did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
	stdout.Flush()

	if interrupted {
		return truncateStderr(stderr.String()), errInterrupted
	}
	return truncateStderr(stderr.String()), context.DeadlineExceeded
}

// commandEnv layers the configured variables over the process environment in
// a stable order.
func commandEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// lineWriter splits written bytes on newlines and emits each complete line.
// exec copies stdout from a single goroutine, so no locking is needed.
type lineWriter struct {
	emit func(string)
	buf  []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf[:i], "\r"))
		w.buf = w.buf[i+1:]
		if line != "" {
			w.emit(line)
		}
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
