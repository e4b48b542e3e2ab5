package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func createTask(t *testing.T, s *Store, id, tenant, source string) {
	t.Helper()
	err := s.CreateTask(context.Background(), Task{
		ID:        id,
		TenantID:  tenant,
		TaskType:  "triage",
		SourceRef: source,
		InputText: "hello",
		FlowID:    "flow-" + id,
	})
	if err != nil {
		t.Fatalf("CreateTask(%s): %v", id, err)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTask(t, s, "t1", "tenant-a", "msg-1")

	got, err := s.GetTask(ctx, "tenant-a", "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != TaskPending {
		t.Errorf("Status = %q, want %q", got.Status, TaskPending)
	}
	if got.SourceRef != "msg-1" || got.TaskType != "triage" || got.FlowID != "flow-t1" {
		t.Errorf("unexpected task: %+v", got)
	}
	if !got.StartedAt.IsZero() {
		t.Errorf("StartedAt should be zero for pending task, got %v", got.StartedAt)
	}
}

func TestGetTask_TenantIsolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTask(t, s, "t1", "tenant-a", "msg-1")

	if _, err := s.GetTask(ctx, "tenant-b", "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask from other tenant: err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetTask(ctx, NoTenant, "t1"); err != nil {
		t.Errorf("GetTask with NoTenant should see every row: %v", err)
	}
}

func TestClaimTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTask(t, s, "t1", "tenant-a", "msg-1")

	got, err := s.ClaimTask(ctx, "t1")
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if got.Status != TaskRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if got.StartedAt.IsZero() {
		t.Error("StartedAt not set")
	}

	if _, err := s.ClaimTask(ctx, "t1"); !errors.Is(err, ErrNotPending) {
		t.Errorf("second claim: err = %v, want ErrNotPending", err)
	}
	if _, err := s.ClaimTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("claim missing: err = %v, want ErrNotFound", err)
	}
}

func TestClaimTask_SameSourceBlocked(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTask(t, s, "t1", "tenant-a", "msg-1")
	createTask(t, s, "t2", "tenant-a", "msg-1")
	createTask(t, s, "t3", "tenant-b", "msg-1")

	if _, err := s.ClaimTask(ctx, "t1"); err != nil {
		t.Fatalf("ClaimTask t1: %v", err)
	}
	if _, err := s.ClaimTask(ctx, "t2"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("ClaimTask t2: err = %v, want ErrAlreadyRunning", err)
	}
	// Same source_ref under another tenant is independent.
	if _, err := s.ClaimTask(ctx, "t3"); err != nil {
		t.Errorf("ClaimTask t3: %v", err)
	}

	if err := s.FinishTask(ctx, "t1", TaskSuccess, `{}`, ""); err != nil {
		t.Fatalf("FinishTask: %v", err)
	}
	if _, err := s.ClaimTask(ctx, "t2"); err != nil {
		t.Errorf("ClaimTask t2 after t1 finished: %v", err)
	}
}

// TestClaimTask_ConcurrentRace submits many tasks for the same source and
// claims them concurrently; exactly one may win.
func TestClaimTask_ConcurrentRace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	const n = 20
	for i := 0; i < n; i++ {
		createTask(t, s, fmt.Sprintf("race-%d", i), "tenant-a", "msg-shared")
	}

	var wins, blocked atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ClaimTask(ctx, fmt.Sprintf("race-%d", i))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyRunning):
				blocked.Add(1)
			default:
				t.Errorf("ClaimTask: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("wins = %d, want 1", wins.Load())
	}
	if blocked.Load() != n-1 {
		t.Errorf("blocked = %d, want %d", blocked.Load(), n-1)
	}

	var running int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE source_ref = 'msg-shared' AND status = 'running'`).Scan(&running); err != nil {
		t.Fatalf("count: %v", err)
	}
	if running != 1 {
		t.Errorf("running rows = %d, want 1", running)
	}
}

func TestClaimNextTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.ClaimNextTask(ctx)
	if err != nil {
		t.Fatalf("ClaimNextTask on empty store: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}

	createTask(t, s, "t1", "tenant-a", "msg-1")
	createTask(t, s, "t2", "tenant-a", "msg-1")
	createTask(t, s, "t3", "tenant-a", "msg-2")

	first, err := s.ClaimNextTask(ctx)
	if err != nil || first == nil {
		t.Fatalf("ClaimNextTask: %v, %v", first, err)
	}
	second, err := s.ClaimNextTask(ctx)
	if err != nil || second == nil {
		t.Fatalf("ClaimNextTask: %v, %v", second, err)
	}
	if second.SourceRef == first.SourceRef {
		t.Errorf("claimed two tasks for source %q concurrently", first.SourceRef)
	}
	third, err := s.ClaimNextTask(ctx)
	if err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	if third != nil {
		t.Errorf("expected nil while remaining task's source is busy, got %s", third.ID)
	}
}

func TestClaimNextTask_RespectsRunAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	err := s.CreateTask(ctx, Task{
		ID: "later", TenantID: "a", TaskType: "triage", SourceRef: "m", FlowID: "f",
		RunAfter: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	got, err := s.ClaimNextTask(ctx)
	if err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %s", got.ID)
	}
}

func TestReleaseTask_BackoffThenFail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTask(t, s, "t1", "tenant-a", "msg-1")

	before := time.Now()
	if _, err := s.ClaimTask(ctx, "t1"); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if err := s.ReleaseTask(ctx, "t1", "store unreachable"); err != nil {
		t.Fatalf("ReleaseTask: %v", err)
	}
	got, _ := s.GetTask(ctx, NoTenant, "t1")
	if got.Status != TaskPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if !got.RunAfter.After(before) {
		t.Errorf("RunAfter %v should be after %v", got.RunAfter, before)
	}
	if got.LastError != "store unreachable" {
		t.Errorf("LastError = %q", got.LastError)
	}

	// Drive attempts to the cap.
	for i := 2; i <= MaxTaskAttempts; i++ {
		if _, err := s.db.Exec(`UPDATE tasks SET run_after = ? WHERE id = 't1'`, FormatTime(time.Now().Add(-time.Second))); err != nil {
			t.Fatalf("reset run_after: %v", err)
		}
		if _, err := s.ClaimTask(ctx, "t1"); err != nil {
			t.Fatalf("ClaimTask attempt %d: %v", i, err)
		}
		if err := s.ReleaseTask(ctx, "t1", "still down"); err != nil {
			t.Fatalf("ReleaseTask attempt %d: %v", i, err)
		}
	}
	got, _ = s.GetTask(ctx, NoTenant, "t1")
	if got.Status != TaskFailed {
		t.Errorf("Status after %d attempts = %q, want failed", MaxTaskAttempts, got.Status)
	}

	if err := s.ReleaseTask(ctx, "t1", "x"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("ReleaseTask on failed task: err = %v, want ErrNotRunning", err)
	}
}

func TestFinishTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTask(t, s, "t1", "tenant-a", "msg-1")

	if err := s.FinishTask(ctx, "t1", TaskSuccess, `{}`, ""); !errors.Is(err, ErrNotRunning) {
		t.Errorf("FinishTask on pending: err = %v, want ErrNotRunning", err)
	}
	if _, err := s.ClaimTask(ctx, "t1"); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if err := s.FinishTask(ctx, "t1", TaskSuccess, `{"category":"Work"}`, ""); err != nil {
		t.Fatalf("FinishTask: %v", err)
	}
	got, _ := s.GetTask(ctx, NoTenant, "t1")
	if got.Status != TaskSuccess || got.OutputJSON != `{"category":"Work"}` {
		t.Errorf("unexpected task after finish: %+v", got)
	}
	if got.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}
	if err := s.FinishTask(ctx, "t1", TaskFailed, "", "late"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second FinishTask: err = %v, want ErrNotRunning", err)
	}
	if err := s.FinishTask(ctx, "missing", TaskSuccess, "", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishTask missing: err = %v, want ErrNotFound", err)
	}
	if err := s.FinishTask(ctx, "t1", TaskRunning, "", ""); err == nil {
		t.Error("expected error for non-terminal status")
	}
}

func TestCancelTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTask(t, s, "t1", "tenant-a", "msg-1")
	createTask(t, s, "t2", "tenant-a", "msg-2")

	if err := s.CancelTask(ctx, "tenant-b", "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancel from other tenant: err = %v, want ErrNotFound", err)
	}
	if err := s.CancelTask(ctx, "tenant-a", "t1"); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	got, _ := s.GetTask(ctx, "tenant-a", "t1")
	if got.Status != TaskFailed || got.LastError != "cancelled" {
		t.Errorf("cancelled task = %+v", got)
	}

	if _, err := s.ClaimTask(ctx, "t2"); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if err := s.CancelTask(ctx, "tenant-a", "t2"); !errors.Is(err, ErrNotPending) {
		t.Errorf("cancel running: err = %v, want ErrNotPending", err)
	}
}

func TestLatestTaskForSource(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTask(t, s, "t1", "tenant-a", "msg-1")

	if _, err := s.LatestTaskForSource(ctx, "tenant-a", "triage", "msg-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("before success: err = %v, want ErrNotFound", err)
	}
	s.ClaimTask(ctx, "t1")
	s.FinishTask(ctx, "t1", TaskSuccess, `{"category":"Work"}`, "")

	got, err := s.LatestTaskForSource(ctx, "tenant-a", "triage", "msg-1")
	if err != nil {
		t.Fatalf("LatestTaskForSource: %v", err)
	}
	if got.ID != "t1" {
		t.Errorf("ID = %q, want t1", got.ID)
	}
	if _, err := s.LatestTaskForSource(ctx, "tenant-b", "triage", "msg-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("other tenant: err = %v, want ErrNotFound", err)
	}
}

func TestFlowTaskTypes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i, tt := range []string{"triage", "finance", "finance"} {
		err := s.CreateTask(ctx, Task{
			ID: fmt.Sprintf("t%d", i), TenantID: "a", TaskType: tt, SourceRef: "m", FlowID: "flow-1",
		})
		if err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	types, err := s.FlowTaskTypes(ctx, "a", "flow-1")
	if err != nil {
		t.Fatalf("FlowTaskTypes: %v", err)
	}
	if len(types) != 2 {
		t.Errorf("types = %v, want 2 distinct", types)
	}
}

func TestSweepStaleTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTask(t, s, "old", "a", "m1")
	createTask(t, s, "fresh", "a", "m2")
	s.ClaimTask(ctx, "old")
	s.ClaimTask(ctx, "fresh")
	if _, err := s.db.Exec(`UPDATE tasks SET started_at = ? WHERE id = 'old'`, FormatTime(time.Now().Add(-time.Hour))); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := s.SweepStaleTasks(ctx, time.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("SweepStaleTasks: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	old, _ := s.GetTask(ctx, NoTenant, "old")
	if old.Status != TaskFailed {
		t.Errorf("old status = %q, want failed", old.Status)
	}
	fresh, _ := s.GetTask(ctx, NoTenant, "fresh")
	if fresh.Status != TaskRunning {
		t.Errorf("fresh status = %q, want running", fresh.Status)
	}
}
