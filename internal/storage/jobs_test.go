package storage

import (
	"context"
	"testing"
	"time"
)

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := Job{
		ID:          "j-claim-1",
		TenantID:    "tenant-a",
		Type:        "context_store",
		PayloadJSON: `{"task_id":"t1"}`,
	}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"context_store"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.TenantID != "tenant-a" {
		t.Errorf("TenantID = %q, want %q", got.TenantID, "tenant-a")
	}
	if got.PayloadJSON != `{"task_id":"t1"}` {
		t.Errorf("PayloadJSON = %q", got.PayloadJSON)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want %q", got.Status, "running")
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob(context.Background(), []string{"context_store"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := Job{
		ID:          "j-future",
		Type:        "context_store",
		PayloadJSON: `{}`,
		RunAfter:    time.Now().UTC().Add(1 * time.Hour),
	}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"context_store"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-a", Type: "a", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob a: %v", err)
	}
	if err := s.EnqueueJob(ctx, Job{ID: "j-b", Type: "b", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob b: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"a"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.Type != "a" {
		t.Errorf("Type = %q, want %q", got.Type, "a")
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-complete", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob(ctx, "j-complete"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-complete'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want %q", status, "completed")
	}
	if err := s.CompleteJob(ctx, "missing"); err != ErrNotFound {
		t.Errorf("CompleteJob missing: err = %v, want ErrNotFound", err)
	}
}

func TestFailJob_BackoffThenFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-fail", Type: "x", PayloadJSON: `{}`, MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now()
	if err := s.FailJob(ctx, "j-fail", "embedding timeout"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status, lastError, runAfterStr string
	var attempts int
	if err := s.db.QueryRow(`SELECT status, attempts, last_error, run_after FROM jobs WHERE id = 'j-fail'`).
		Scan(&status, &attempts, &lastError, &runAfterStr); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "pending" || attempts != 1 || lastError != "embedding timeout" {
		t.Errorf("after first failure: status=%q attempts=%d last_error=%q", status, attempts, lastError)
	}
	runAfter, err := parseTime(runAfterStr)
	if err != nil {
		t.Fatalf("parsing run_after: %v", err)
	}
	if !runAfter.After(before) {
		t.Errorf("run_after %v should be after %v", runAfter, before)
	}

	if err := s.FailJob(ctx, "j-fail", "still failing"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-fail'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "failed" {
		t.Errorf("status = %q, want failed", status)
	}

	n, err := s.PendingJobCount(ctx, "x")
	if err != nil {
		t.Fatalf("PendingJobCount: %v", err)
	}
	if n != 0 {
		t.Errorf("PendingJobCount = %d, want 0", n)
	}
}
