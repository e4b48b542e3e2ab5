package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func insertEntry(t *testing.T, s *Store, e LogEntry) {
	t.Helper()
	if err := s.InsertLogEntry(context.Background(), e); err != nil {
		t.Fatalf("InsertLogEntry(%s): %v", e.ID, err)
	}
}

func TestInsertAndCompleteLogEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Second)
	insertEntry(t, s, LogEntry{
		ID: "l1", RunID: "r1", FlowID: "f1", TenantID: "a", AgentName: "triage",
		Provider: "groq", ModelUsed: "llama", InputSummary: "hello", StartedAt: start,
	})

	entries, err := s.ListLogEntries(ctx, LogFilter{TenantID: "a"})
	if err != nil {
		t.Fatalf("ListLogEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != LogRunning {
		t.Fatalf("entries = %+v, want one running entry", entries)
	}
	if entries[0].Attempt != 1 {
		t.Errorf("Attempt = %d, want default 1", entries[0].Attempt)
	}

	if err := s.CompleteLogEntry(ctx, "l1", LogSuccess, `{"category":"Work"}`, "", time.Now(), 1000); err != nil {
		t.Fatalf("CompleteLogEntry: %v", err)
	}
	if err := s.CompleteLogEntry(ctx, "l1", LogError, "", "late", time.Now(), 5); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second completion: err = %v, want ErrNotRunning", err)
	}
	if err := s.CompleteLogEntry(ctx, "missing", LogError, "", "", time.Now(), 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing entry: err = %v, want ErrNotFound", err)
	}

	entries, _ = s.ListLogEntries(ctx, LogFilter{TenantID: "a"})
	got := entries[0]
	if got.Status != LogSuccess || got.OutputSummary != `{"category":"Work"}` || got.DurationMS != 1000 {
		t.Errorf("completed entry = %+v", got)
	}
	if got.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}
}

func TestListLogEntries_FiltersAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	insertEntry(t, s, LogEntry{ID: "l1", RunID: "r1", FlowID: "f1", TenantID: "a", AgentName: "triage", StartedAt: base})
	insertEntry(t, s, LogEntry{ID: "l2", RunID: "r2", FlowID: "f1", TenantID: "a", AgentName: "finance", StartedAt: base.Add(time.Minute)})
	insertEntry(t, s, LogEntry{ID: "l3", RunID: "r3", FlowID: "f2", TenantID: "a", AgentName: "triage", StartedAt: base.Add(2 * time.Minute)})
	insertEntry(t, s, LogEntry{ID: "l4", RunID: "r4", FlowID: "f3", TenantID: "b", AgentName: "triage", StartedAt: base.Add(3 * time.Minute)})

	all, err := s.ListLogEntries(ctx, LogFilter{TenantID: "a"})
	if err != nil {
		t.Fatalf("ListLogEntries: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3 (tenant b excluded)", len(all))
	}
	if all[0].ID != "l3" || all[2].ID != "l1" {
		t.Errorf("order = %s,%s,%s, want newest first", all[0].ID, all[1].ID, all[2].ID)
	}

	triage, _ := s.ListLogEntries(ctx, LogFilter{TenantID: "a", AgentName: "triage"})
	if len(triage) != 2 {
		t.Errorf("agent filter: len = %d, want 2", len(triage))
	}

	limited, _ := s.ListLogEntries(ctx, LogFilter{TenantID: "a", Limit: 1})
	if len(limited) != 1 || limited[0].ID != "l3" {
		t.Errorf("limit: got %+v", limited)
	}

	global, _ := s.ListLogEntries(ctx, LogFilter{TenantID: NoTenant})
	if len(global) != 4 {
		t.Errorf("NoTenant: len = %d, want 4", len(global))
	}
}

func TestFlowQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	insertEntry(t, s, LogEntry{ID: "l1", RunID: "r1", FlowID: "f1", TenantID: "a", AgentName: "triage", StartedAt: base})
	insertEntry(t, s, LogEntry{ID: "l2", RunID: "r2", FlowID: "f1", TenantID: "a", AgentName: "finance", StartedAt: base.Add(time.Minute)})
	insertEntry(t, s, LogEntry{ID: "l3", RunID: "r3", FlowID: "f2", TenantID: "a", AgentName: "triage", StartedAt: base.Add(30 * time.Second)})

	ids, err := s.ListFlowIDs(ctx, "a", 0)
	if err != nil {
		t.Fatalf("ListFlowIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "f1" {
		t.Errorf("flow ids = %v, want f1 first (latest activity)", ids)
	}

	entries, err := s.FlowEntries(ctx, "a", "f1")
	if err != nil {
		t.Fatalf("FlowEntries: %v", err)
	}
	if len(entries) != 2 || entries[0].AgentName != "triage" || entries[1].AgentName != "finance" {
		t.Errorf("flow entries = %+v, want triage then finance", entries)
	}
	if other, _ := s.FlowEntries(ctx, "b", "f1"); len(other) != 0 {
		t.Errorf("tenant b sees %d entries of tenant a's flow", len(other))
	}

	agents, err := s.FlowAgents(ctx, "a", "f1")
	if err != nil {
		t.Fatalf("FlowAgents: %v", err)
	}
	if len(agents) != 2 {
		t.Errorf("agents = %v, want 2", agents)
	}
}

func TestSweepStaleLogEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertEntry(t, s, LogEntry{ID: "old", RunID: "r1", FlowID: "f1", TenantID: "a", AgentName: "triage", StartedAt: time.Now().Add(-time.Hour)})
	insertEntry(t, s, LogEntry{ID: "new", RunID: "r2", FlowID: "f2", TenantID: "a", AgentName: "triage"})

	n, err := s.SweepStaleLogEntries(ctx, time.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("SweepStaleLogEntries: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	entries, _ := s.FlowEntries(ctx, "a", "f1")
	if entries[0].Status != LogError || entries[0].ErrorMessage == "" {
		t.Errorf("swept entry = %+v", entries[0])
	}
	if err := s.CompleteLogEntry(ctx, "old", LogSuccess, "", "", time.Now(), 1); !errors.Is(err, ErrNotRunning) {
		t.Errorf("completing swept entry: err = %v, want ErrNotRunning", err)
	}
}

func TestLogStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertEntry(t, s, LogEntry{ID: "l1", RunID: "r1", FlowID: "f1", TenantID: "a", AgentName: "triage"})
	insertEntry(t, s, LogEntry{ID: "l2", RunID: "r2", FlowID: "f1", TenantID: "a", AgentName: "finance"})
	insertEntry(t, s, LogEntry{ID: "l3", RunID: "r3", FlowID: "f2", TenantID: "a", AgentName: "triage"})
	s.CompleteLogEntry(ctx, "l1", LogSuccess, "", "", time.Now(), 100)
	s.CompleteLogEntry(ctx, "l2", LogError, "", "boom", time.Now(), 300)
	s.CompleteLogEntry(ctx, "l3", LogSuccess, "", "", time.Now(), 200)

	stats, err := s.LogStats(ctx, "a", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("LogStats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats = %+v, want 2 agents", stats)
	}
	// Ordered by agent name.
	fin, tri := stats[0], stats[1]
	if fin.AgentName != "finance" || fin.Errors != 1 || fin.Total != 1 {
		t.Errorf("finance stat = %+v", fin)
	}
	if tri.AgentName != "triage" || tri.Success != 2 || tri.AvgDurationMS != 150 {
		t.Errorf("triage stat = %+v", tri)
	}

	flows, err := s.CountFlows(ctx, "a", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountFlows: %v", err)
	}
	if flows != 2 {
		t.Errorf("flows = %d, want 2", flows)
	}
}

func TestDeleteTenant(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTask(t, s, "t1", "a", "m1")
	createTask(t, s, "t2", "b", "m1")
	insertEntry(t, s, LogEntry{ID: "l1", RunID: "r1", FlowID: "f1", TenantID: "a", AgentName: "triage"})
	if err := s.EnqueueJob(ctx, Job{ID: "j1", TenantID: "a", Type: "context_store", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	deleted, err := s.DeleteTenant(ctx, "a")
	if err != nil {
		t.Fatalf("DeleteTenant: %v", err)
	}
	if deleted["tasks"] != 1 || deleted["execution_log"] != 1 || deleted["jobs"] != 1 {
		t.Errorf("deleted = %v", deleted)
	}
	if _, err := s.GetTask(ctx, NoTenant, "t2"); err != nil {
		t.Errorf("tenant b task removed: %v", err)
	}
	if _, err := s.DeleteTenant(ctx, NoTenant); err == nil {
		t.Error("expected refusal to delete NoTenant")
	}
}
