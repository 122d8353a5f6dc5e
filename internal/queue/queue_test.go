package queue

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/migration-factory/internal/storage"
)

func openQueue(t *testing.T) (*Queue, *sql.DB) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), db
}

func enqueue(t *testing.T, q *Queue, execID, dedupe string) (string, bool) {
	t.Helper()
	id, created, err := q.Enqueue(context.Background(), EnqueueRequest{
		TaskExecutionID: execID,
		TaskReference:   "discover-servers",
		Payload:         []byte(`{"wave":"1"}`),
		SubmittedBy:     "orchestrator",
		DedupeKey:       dedupe,
	})
	if err != nil {
		t.Fatalf("Enqueue %s: %v", execID, err)
	}
	return id, created
}

func TestQueueEnqueueDequeueFIFO(t *testing.T) {
	t.Parallel()
	q, _ := openQueue(t)
	ctx := context.Background()

	id1, _ := enqueue(t, q, "te-1", "te-1:1")
	id2, _ := enqueue(t, q, "te-2", "te-2:1")

	j1, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 1: %v", err)
	}
	if j1 == nil || j1.ID != id1 || j1.Status != StatusRunning || j1.StartedAt == nil {
		t.Fatalf("unexpected job1: %#v", j1)
	}
	if j1.TaskExecutionID != "te-1" || j1.TaskReference != "discover-servers" || string(j1.Payload) != `{"wave":"1"}` {
		t.Fatalf("job1 fields not round-tripped: %#v", j1)
	}

	j2, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 2: %v", err)
	}
	if j2 == nil || j2.ID != id2 {
		t.Fatalf("unexpected job2: %#v", j2)
	}

	j3, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 3: %v", err)
	}
	if j3 != nil {
		t.Fatalf("expected empty queue, got %#v", j3)
	}
}

func TestQueueEnqueueDeduplicates(t *testing.T) {
	t.Parallel()
	q, _ := openQueue(t)

	id1, created1 := enqueue(t, q, "te-1", "te-1:2")
	id2, created2 := enqueue(t, q, "te-1", "te-1:2")
	if !created1 || created2 {
		t.Fatalf("created flags = %v, %v; want true, false", created1, created2)
	}
	if id1 != id2 {
		t.Fatalf("duplicate enqueue returned %q, want existing %q", id2, id1)
	}

	// A new version of the same execution is a distinct job.
	id3, created3 := enqueue(t, q, "te-1", "te-1:3")
	if !created3 || id3 == id1 {
		t.Fatalf("expected new job for new version, got %q created=%v", id3, created3)
	}

	depth, err := q.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("depth = %d, want 2", depth)
	}
}

func TestQueueEnqueueValidation(t *testing.T) {
	t.Parallel()
	q, _ := openQueue(t)

	cases := map[string]EnqueueRequest{
		"missing execution": {TaskReference: "x", SubmittedBy: "t"},
		"missing reference": {TaskExecutionID: "te", SubmittedBy: "t"},
		"missing submitter": {TaskExecutionID: "te", TaskReference: "x"},
	}
	for name, req := range cases {
		if _, _, err := q.Enqueue(context.Background(), req); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestQueueCompleteStoresErrorAndTruncatedStderr(t *testing.T) {
	t.Parallel()
	q, db := openQueue(t)
	ctx := context.Background()

	id, _ := enqueue(t, q, "te-1", "")
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	msg := "exit status 3"
	stderr := strings.Repeat("x", maxStderrBytes+100)
	if err := q.Complete(ctx, id, StatusFailed, &msg, &stderr); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	j, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != StatusFailed || j.CompletedAt == nil || j.LastError == nil || *j.LastError != msg {
		t.Fatalf("unexpected completed job: %#v", j)
	}

	var stored string
	if err := db.QueryRow(`SELECT stderr FROM automation_jobs WHERE id = ?`, id).Scan(&stored); err != nil {
		t.Fatalf("select stderr: %v", err)
	}
	if len(stored) != maxStderrBytes {
		t.Fatalf("stderr length = %d, want %d", len(stored), maxStderrBytes)
	}
}

func TestQueueCompleteRejectsNonTerminalAndUnknown(t *testing.T) {
	t.Parallel()
	q, _ := openQueue(t)
	ctx := context.Background()

	if err := q.Complete(ctx, "nope", StatusRunning, nil, nil); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
	if err := q.Complete(ctx, "nope", StatusSucceeded, nil, nil); err != ErrJobNotFound {
		t.Fatalf("Complete unknown = %v, want ErrJobNotFound", err)
	}
	if _, err := q.Get(ctx, "nope"); err != ErrJobNotFound {
		t.Fatalf("Get unknown = %v, want ErrJobNotFound", err)
	}
}

func TestQueueRecoverRunning(t *testing.T) {
	t.Parallel()
	q, _ := openQueue(t)
	ctx := context.Background()

	id, _ := enqueue(t, q, "te-1", "te-1:1")
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	n, err := q.RecoverRunning(ctx)
	if err != nil {
		t.Fatalf("RecoverRunning: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d, want 1", n)
	}

	j, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue after recover: %v", err)
	}
	if j == nil || j.ID != id || j.Attempt != 2 {
		t.Fatalf("unexpected recovered job: %#v", j)
	}
}

func TestQueueListForTaskExecution(t *testing.T) {
	t.Parallel()
	q, _ := openQueue(t)

	first, _ := enqueue(t, q, "te-1", "te-1:1")
	enqueue(t, q, "te-2", "te-2:1")
	second, _ := enqueue(t, q, "te-1", "te-1:3")

	jobs, err := q.ListForTaskExecution(context.Background(), "te-1")
	if err != nil {
		t.Fatalf("ListForTaskExecution: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != first || jobs[1].ID != second {
		t.Fatalf("unexpected jobs: %#v", jobs)
	}
}
