package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gateway-fm/dexsync/internal/freshness"
	"github.com/gateway-fm/dexsync/internal/txqueue"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStorage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"step_logs", true},
		{"gas_used2", true},
		{"", false},
		{"name'; DROP TABLE x", false},
		{"with space", false},
	}
	for _, tt := range tests {
		if got := isValidIdentifier(tt.in); got != tt.want {
			t.Errorf("isValidIdentifier(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMigrationAddsColumns(t *testing.T) {
	s := newTestStorage(t)
	if !s.columnExists("step_logs", "gas_used") {
		t.Error("gas_used column missing after migrate")
	}
	// Running migrations again is a no-op.
	if err := s.migrate(); err != nil {
		t.Errorf("second migrate: %v", err)
	}
}

func TestQueueRunLifecycle(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	run := &QueueRun{
		ID:          "q1",
		State:       "running",
		CreatedAt:   created,
		StepCount:   2,
		FailedIndex: -1,
		Steps: []StepLog{
			{QueueID: "q1", Index: 0, Title: "Approve", Status: "pending", DependsOn: []int{}, UpdatedAt: created},
			{QueueID: "q1", Index: 1, Title: "Swap", Status: "pending", DependsOn: []int{0}, Reload: []string{"balances"}, UpdatedAt: created},
		},
	}
	if err := s.CreateQueueRun(ctx, run); err != nil {
		t.Fatalf("CreateQueueRun: %v", err)
	}

	submitted := created.Add(time.Second)
	err := s.UpsertStepLog(ctx, &StepLog{
		QueueID: "q1", Index: 0, Title: "Approve", Status: "submitted",
		DependsOn: []int{}, TxHash: "0xabc", SubmittedAt: &submitted, UpdatedAt: submitted,
	})
	if err != nil {
		t.Fatalf("UpsertStepLog: %v", err)
	}
	confirmed := created.Add(3 * time.Second)
	err = s.UpsertStepLog(ctx, &StepLog{
		QueueID: "q1", Index: 0, Title: "Approve", Status: "confirmed",
		DependsOn: []int{}, BlockNumber: 42, GasUsed: 46000, ConfirmedAt: &confirmed, UpdatedAt: confirmed,
	})
	if err != nil {
		t.Fatalf("UpsertStepLog: %v", err)
	}

	finished := created.Add(2 * time.Second)
	run.State = "failed"
	run.FinishedAt = &finished
	run.FailedIndex = 1
	run.ErrorKind = "user_rejected"
	run.ErrorMessage = "step 1 (Swap): user_rejected: user rejected the request"
	if err := s.FinishQueueRun(ctx, run); err != nil {
		t.Fatalf("FinishQueueRun: %v", err)
	}

	got, err := s.GetQueueRun(ctx, "q1")
	if err != nil {
		t.Fatalf("GetQueueRun: %v", err)
	}
	if got == nil {
		t.Fatal("expected run")
	}
	if got.State != "failed" || got.FailedIndex != 1 || got.ErrorKind != "user_rejected" {
		t.Errorf("run = %+v", got)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("finishedAt = %v, want %v", got.FinishedAt, finished)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(got.Steps))
	}

	approve := got.Steps[0]
	if approve.Status != "confirmed" || approve.BlockNumber != 42 || approve.GasUsed != 46000 {
		t.Errorf("approve = %+v", approve)
	}
	if approve.TxHash != "0xabc" {
		t.Errorf("tx hash lost on later update: %q", approve.TxHash)
	}
	if approve.SubmittedAt == nil || !approve.SubmittedAt.Equal(submitted) {
		t.Errorf("submittedAt lost on later update: %v", approve.SubmittedAt)
	}

	swap := got.Steps[1]
	if len(swap.DependsOn) != 1 || swap.DependsOn[0] != 0 {
		t.Errorf("dependsOn = %v", swap.DependsOn)
	}
	if len(swap.Reload) != 1 || swap.Reload[0] != "balances" {
		t.Errorf("reload = %v", swap.Reload)
	}
}

func TestGetQueueRunNotFound(t *testing.T) {
	s := newTestStorage(t)
	run, err := s.GetQueueRun(context.Background(), "missing")
	if err != nil || run != nil {
		t.Errorf("GetQueueRun = %v, %v; want nil, nil", run, err)
	}
}

func TestFinishUnknownQueueRun(t *testing.T) {
	s := newTestStorage(t)
	if err := s.FinishQueueRun(context.Background(), &QueueRun{ID: "missing"}); err == nil {
		t.Error("expected error for unknown run")
	}
}

func TestListQueueRunsPagination(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		run := &QueueRun{ID: id, State: "complete", CreatedAt: base.Add(time.Duration(i) * time.Minute), StepCount: 1, FailedIndex: -1}
		if err := s.CreateQueueRun(ctx, run); err != nil {
			t.Fatalf("CreateQueueRun(%s): %v", id, err)
		}
	}

	page, err := s.ListQueueRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListQueueRuns: %v", err)
	}
	if page.Total != 3 || len(page.Runs) != 2 {
		t.Fatalf("page = total %d, %d runs", page.Total, len(page.Runs))
	}
	if page.Runs[0].ID != "c" || page.Runs[1].ID != "b" {
		t.Errorf("order = %s, %s; want newest first", page.Runs[0].ID, page.Runs[1].ID)
	}

	page, err = s.ListQueueRuns(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListQueueRuns: %v", err)
	}
	if len(page.Runs) != 1 || page.Runs[0].ID != "a" {
		t.Errorf("second page = %+v", page.Runs)
	}
}

func TestDeleteQueueRunCascades(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run := &QueueRun{
		ID: "q", State: "complete", CreatedAt: now, StepCount: 1, FailedIndex: -1,
		Steps: []StepLog{{QueueID: "q", Index: 0, Title: "t", Status: "confirmed", DependsOn: []int{}, UpdatedAt: now}},
	}
	if err := s.CreateQueueRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteQueueRun(ctx, "q"); err != nil {
		t.Fatalf("DeleteQueueRun: %v", err)
	}
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM step_logs").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected step logs to be deleted, %d left", n)
	}

	if err := s.DeleteQueueRun(ctx, "q"); !errors.Is(err, ErrQueueRunNotFound) {
		t.Errorf("second delete = %v, want ErrQueueRunNotFound", err)
	}
}

func TestQueueRunFromSnapshot(t *testing.T) {
	created := time.Now()
	snap := txqueue.Snapshot{
		ID:          "q",
		State:       txqueue.StateComplete,
		FailedIndex: -1,
		CreatedAt:   created,
		Steps: []txqueue.StepSnapshot{
			{Index: 0, Title: "Approve", Status: txqueue.StepConfirmed, Reload: []freshness.QueryID{"allowances"}},
		},
	}

	run := QueueRunFromSnapshot(snap)
	if run.State != "complete" || run.StepCount != 1 || run.FinishedAt != nil {
		t.Errorf("run = %+v", run)
	}
	step := run.Steps[0]
	if step.Status != "confirmed" || step.Reload[0] != "allowances" || step.DependsOn == nil {
		t.Errorf("step = %+v", step)
	}
	if step.SubmittedAt != nil {
		t.Error("zero submittedAt should map to nil")
	}
}
