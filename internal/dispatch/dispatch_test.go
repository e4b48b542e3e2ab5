package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/envoyai/agentcore/internal/agent"
	"github.com/envoyai/agentcore/internal/config"
	"github.com/envoyai/agentcore/internal/ledger"
	"github.com/envoyai/agentcore/internal/provider"
	"github.com/envoyai/agentcore/internal/retrieval"
	"github.com/envoyai/agentcore/internal/storage"
)

const (
	triageWork    = `{"category":"Work","urgency_score":4,"summary":"standup moved","action_required":false}`
	triageFinance = `{"category":"Finance","urgency_score":6,"summary":"card debit","action_required":false}`
)

type reply struct {
	text string
	err  error
}

// scripted replays replies in order; the last one repeats.
type scripted struct {
	name    string
	replies []reply
	block   chan struct{}
	started chan struct{}

	mu       sync.Mutex
	requests []provider.Request
}

func newScripted(name string, replies ...reply) *scripted {
	return &scripted{name: name, replies: replies}
}

func (s *scripted) Name() string { return s.name }

func (s *scripted) Complete(ctx context.Context, req provider.Request) (string, error) {
	s.mu.Lock()
	n := len(s.requests)
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.started != nil && n == 0 {
		close(s.started)
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	r := s.replies[min(n, len(s.replies)-1)]
	return r.text, r.err
}

func (s *scripted) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scripted) lastRequest() provider.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding backend down")
}
func (failingEmbedder) Version() retrieval.Version { return retrieval.Version{Model: "broken", Dimension: 8} }

// stallingEmbedder blocks until its context ends.
type stallingEmbedder struct{}

func (stallingEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (stallingEmbedder) Version() retrieval.Version { return retrieval.Version{Model: "stalled", Dimension: 8} }

type harness struct {
	store   *storage.Store
	ledger  *ledger.Ledger
	vectors *retrieval.SQLiteStore
	d       *Dispatcher
}

func target(p, m string) config.Target { return config.Target{Provider: p, Model: m} }

// newHarness declares every provider a binding names. Only the providers
// passed in are registered, so a binding may name one that is missing.
func newHarness(t *testing.T, emb retrieval.Embedder, bindings map[string]config.Binding, ps ...provider.Provider) *harness {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	seen := map[string]bool{}
	var specs []config.ProviderSpec
	for _, b := range bindings {
		for _, tg := range b.Chain() {
			if !seen[tg.Provider] {
				seen[tg.Provider] = true
				specs = append(specs, config.ProviderSpec{Name: tg.Provider, Kind: config.KindRules})
			}
		}
	}
	agents, err := config.NewAgents(specs, bindings, nil)
	if err != nil {
		t.Fatalf("NewAgents: %v", err)
	}

	if emb == nil {
		emb = retrieval.NewHashEmbedder(0)
	}
	vectors := retrieval.NewSQLiteStore(store.DB())
	rag := retrieval.NewService(emb, vectors, retrieval.Options{})
	l := ledger.New(store)
	d := New(store, rag, l, agents, provider.NewRegistry(ps...), Options{
		AttemptTimeout: 2 * time.Second,
		TaskDeadline:   5 * time.Second,
		StoreTimeout:   2 * time.Second,
	})
	return &harness{store: store, ledger: l, vectors: vectors, d: d}
}

func (h *harness) entries(t *testing.T, runID string) []ledger.Entry {
	t.Helper()
	runs, err := h.ledger.ListRuns(context.Background(), storage.NoTenant, "", 100)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	var out []ledger.Entry
	for _, e := range runs {
		if runID == "" || e.RunID == runID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out
}

func TestRun_Success(t *testing.T) {
	groq := newScripted("groq", reply{text: triageWork})
	h := newHarness(t, nil, map[string]config.Binding{
		agent.Triage: {Primary: target("groq", "llama")},
	}, groq)
	ctx := context.Background()

	res, err := h.d.Run(ctx, SubmitRequest{TenantID: "a", TaskType: agent.Triage, SourceRef: "msg-1", Text: "standup moved to 10am"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output.Fields["category"] != "Work" {
		t.Errorf("category = %v, want Work", res.Output.Fields["category"])
	}
	if res.Task.FlowID == "" || res.RunID == "" {
		t.Errorf("task = %+v, run = %q; want flow and run ids", res.Task, res.RunID)
	}

	task, err := h.store.GetTask(ctx, "a", res.Task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != storage.TaskSuccess || task.Attempts != 1 {
		t.Errorf("task status=%s attempts=%d, want success/1", task.Status, task.Attempts)
	}
	var stored map[string]any
	if err := json.Unmarshal([]byte(task.OutputJSON), &stored); err != nil || stored["category"] != "Work" {
		t.Errorf("output_json = %q", task.OutputJSON)
	}

	entries := h.entries(t, res.RunID)
	if len(entries) != 1 || entries[0].Status != storage.LogSuccess || entries[0].Attempt != 1 {
		t.Fatalf("entries = %+v, want one success at attempt 1", entries)
	}
	if entries[0].Provider != "groq" || entries[0].ModelUsed != "llama" || entries[0].TaskID != res.Task.ID {
		t.Errorf("entry = %+v", entries[0])
	}

	n, err := h.vectors.Count(ctx, retrieval.TableContext, "a")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("context records = %d, want 1", n)
	}

	req := groq.lastRequest()
	if req.System != mustSpec(t, agent.Triage).System {
		t.Errorf("system prompt should carry no context block on a cold start, got %q", req.System)
	}
	if !req.JSON || req.Model != "llama" || req.Input != "standup moved to 10am" {
		t.Errorf("request = %+v", req)
	}
}

func TestRun_SchemaErrorFallsBack(t *testing.T) {
	first := newScripted("first", reply{text: "I think this is a work email."})
	second := newScripted("second", reply{text: `{"category":"Meetings","urgency_score":4,"summary":"x","action_required":false}`})
	third := newScripted("third", reply{text: triageWork})
	h := newHarness(t, nil, map[string]config.Binding{
		agent.Triage: {
			Primary:   target("first", "m1"),
			Fallbacks: []config.Target{target("second", "m2"), target("third", "m3")},
		},
	}, first, second, third)

	res, err := h.d.Run(context.Background(), SubmitRequest{TaskType: agent.Triage, Text: "standup"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, p := range []*scripted{first, second, third} {
		if p.calls() != 1 {
			t.Errorf("%s called %d times, want 1", p.name, p.calls())
		}
	}

	entries := h.entries(t, res.RunID)
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	wantStatus := []string{storage.LogError, storage.LogError, storage.LogSuccess}
	for i, e := range entries {
		if e.Attempt != i+1 || e.Status != wantStatus[i] {
			t.Errorf("entry %d: attempt=%d status=%s, want %d/%s", i, e.Attempt, e.Status, i+1, wantStatus[i])
		}
	}
	if !strings.Contains(entries[1].ErrorMessage, "category") {
		t.Errorf("schema error should name the field, got %q", entries[1].ErrorMessage)
	}
	if entries[1].OutputSummary == "" {
		t.Error("raw output of a rejected attempt should be recorded")
	}
}

func TestRun_ChainExhausted(t *testing.T) {
	limited := newScripted("limited", reply{err: &provider.Error{Provider: "limited", Kind: provider.KindRateLimit, Status: 429}})
	down := newScripted("down", reply{err: &provider.Error{Provider: "down", Kind: provider.KindUnavailable, Status: 503}})
	h := newHarness(t, nil, map[string]config.Binding{
		agent.Triage: {Primary: target("limited", "m1"), Fallbacks: []config.Target{target("down", "m2")}},
	}, limited, down)
	ctx := context.Background()

	_, err := h.d.Run(ctx, SubmitRequest{TaskType: agent.Triage, SourceRef: "s1", Text: "hello"})
	var exhausted *ChainExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want ChainExhaustedError", err)
	}
	if len(exhausted.Attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(exhausted.Attempts))
	}
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Kind != provider.KindRateLimit {
		t.Errorf("first provider error = %+v, want rate_limit", perr)
	}
	if limited.calls() != 1 || down.calls() != 1 {
		t.Errorf("calls = %d/%d, want exactly one each", limited.calls(), down.calls())
	}

	tasks := h.entries(t, "")
	if len(tasks) != 2 {
		t.Fatalf("entries = %d, want 2", len(tasks))
	}
	for _, e := range tasks {
		if e.Status != storage.LogError {
			t.Errorf("entry %d status = %s, want error", e.Attempt, e.Status)
		}
	}

	latest, err := h.store.LatestTaskForSource(ctx, storage.NoTenant, agent.Triage, "s1")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("a failed task must not count as latest success: %+v, %v", latest, err)
	}
	n, _ := h.vectors.Count(ctx, retrieval.TableContext, storage.NoTenant)
	if n != 0 {
		t.Errorf("context records = %d, want 0 after failure", n)
	}
}

func TestRun_UnregisteredProviderIsFailedAttempt(t *testing.T) {
	backup := newScripted("backup", reply{text: triageWork})
	h := newHarness(t, nil, map[string]config.Binding{
		agent.Triage: {Primary: target("ghost", "m1"), Fallbacks: []config.Target{target("backup", "m2")}},
	}, backup)

	res, err := h.d.Run(context.Background(), SubmitRequest{TaskType: agent.Triage, Text: "hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	entries := h.entries(t, res.RunID)
	if len(entries) != 2 || entries[0].Provider != "ghost" || entries[0].Status != storage.LogError {
		t.Fatalf("entries = %+v, want ghost error then backup success", entries)
	}
	if !strings.Contains(entries[0].ErrorMessage, "not configured") {
		t.Errorf("error = %q", entries[0].ErrorMessage)
	}
}

func TestRun_UnknownTaskType(t *testing.T) {
	h := newHarness(t, nil, map[string]config.Binding{
		agent.Triage: {Primary: target("groq", "m")},
	}, newScripted("groq", reply{text: triageWork}))

	if _, err := h.d.Run(context.Background(), SubmitRequest{TaskType: "horoscope", Text: "x"}); !errors.Is(err, ErrUnknownTaskType) {
		t.Errorf("unknown agent: err = %v", err)
	}
	// An agent without a binding is unknown too.
	if _, err := h.d.Run(context.Background(), SubmitRequest{TaskType: agent.Finance, Text: "x"}); !errors.Is(err, ErrUnknownTaskType) {
		t.Errorf("unbound agent: err = %v", err)
	}
}

func TestRun_ConcurrentSameSource(t *testing.T) {
	slow := newScripted("slow", reply{text: triageWork})
	slow.block = make(chan struct{})
	slow.started = make(chan struct{})
	h := newHarness(t, nil, map[string]config.Binding{
		agent.Triage: {Primary: target("slow", "m")},
	}, slow)
	ctx := context.Background()
	req := SubmitRequest{TenantID: "a", TaskType: agent.Triage, SourceRef: "msg-9", Text: "hello"}

	firstErr := make(chan error, 1)
	go func() {
		_, err := h.d.Run(ctx, req)
		firstErr <- err
	}()
	<-slow.started

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.d.Run(ctx, req)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, ErrAlreadyRunning) {
			t.Errorf("concurrent run: err = %v, want ErrAlreadyRunning", err)
		}
	}

	close(slow.block)
	if err := <-firstErr; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if slow.calls() != 1 {
		t.Errorf("provider calls = %d, want 1", slow.calls())
	}

	// Rejected duplicates leave nothing behind for the worker.
	next, err := h.store.ClaimNextTask(ctx)
	if err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	if next != nil {
		t.Errorf("leftover pending task %+v", next)
	}
}

func TestRun_RetrievalFailureStillSucceeds(t *testing.T) {
	groq := newScripted("groq", reply{text: triageWork})
	h := newHarness(t, failingEmbedder{}, map[string]config.Binding{
		agent.Triage: {Primary: target("groq", "m")},
	}, groq)
	ctx := context.Background()

	res, err := h.d.Run(ctx, SubmitRequest{TaskType: agent.Triage, Text: "hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Task.Status != storage.TaskSuccess {
		t.Errorf("status = %s", res.Task.Status)
	}
	if groq.lastRequest().System != mustSpec(t, agent.Triage).System {
		t.Error("failed retrieval should produce an empty context block")
	}

	// The context write failed too, so it is queued for the worker.
	n, err := h.store.PendingJobCount(ctx, JobContextStore)
	if err != nil {
		t.Fatalf("PendingJobCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("queued context stores = %d, want 1", n)
	}
	job, err := h.store.ClaimNextJob(ctx, []string{JobContextStore})
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob: %v, %v", job, err)
	}
	var p StorePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.TaskType != agent.Triage || p.Text != "hello" || p.Fields["category"] != "Work" {
		t.Errorf("payload = %+v", p)
	}
}

func TestRun_StoreTimeoutIsQueued(t *testing.T) {
	groq := newScripted("groq", reply{text: triageWork})
	h := newHarness(t, stallingEmbedder{}, map[string]config.Binding{
		agent.Triage: {Primary: target("groq", "m")},
	}, groq)
	h.d.opts.AttemptTimeout = 50 * time.Millisecond
	h.d.opts.StoreTimeout = 50 * time.Millisecond
	ctx := context.Background()

	res, err := h.d.Run(ctx, SubmitRequest{TaskType: agent.Triage, SourceRef: "m1", Text: "hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Task.Status != storage.TaskSuccess {
		t.Errorf("status = %s", res.Task.Status)
	}
	n, err := h.store.PendingJobCount(ctx, JobContextStore)
	if err != nil {
		t.Fatalf("PendingJobCount: %v", err)
	}
	if n != 1 {
		t.Errorf("queued context stores = %d, want 1 after a timed out write", n)
	}
}

// pollsFirst lets a polling worker try the queue between submit and claim.
type pollsFirst struct {
	*storage.Store
	polled *storage.Task
}

func (p *pollsFirst) ClaimTask(ctx context.Context, id string) (storage.Task, error) {
	next, err := p.Store.ClaimNextTask(ctx)
	if err != nil {
		return storage.Task{}, err
	}
	p.polled = next
	return p.Store.ClaimTask(ctx, id)
}

func TestRun_HiddenFromWorkerUntilClaimed(t *testing.T) {
	h := newHarness(t, nil, map[string]config.Binding{
		agent.Triage: {Primary: target("groq", "m")},
	}, newScripted("groq", reply{text: triageWork}))
	ps := &pollsFirst{Store: h.store}
	h.d.store = ps

	res, err := h.d.Run(context.Background(), SubmitRequest{TaskType: agent.Triage, SourceRef: "m1", Text: "hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ps.polled != nil {
		t.Errorf("worker claimed %s before Run did", ps.polled.ID)
	}
	if res.Task.Status != storage.TaskSuccess {
		t.Errorf("status = %s", res.Task.Status)
	}
}

// claimedElsewhere claims the task by id before Run gets to it.
type claimedElsewhere struct {
	*storage.Store
}

func (c claimedElsewhere) ClaimTask(ctx context.Context, id string) (storage.Task, error) {
	if _, err := c.Store.ClaimTask(ctx, id); err != nil {
		return storage.Task{}, err
	}
	return c.Store.ClaimTask(ctx, id)
}

func TestRun_LostClaimIsAlreadyRunning(t *testing.T) {
	groq := newScripted("groq", reply{text: triageWork})
	h := newHarness(t, nil, map[string]config.Binding{
		agent.Triage: {Primary: target("groq", "m")},
	}, groq)
	h.d.store = claimedElsewhere{h.store}

	_, err := h.d.Run(context.Background(), SubmitRequest{TaskType: agent.Triage, SourceRef: "m1", Text: "hello"})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	var perr *PersistenceError
	if errors.As(err, &perr) {
		t.Errorf("lost claim reported as persistence failure: %v", err)
	}
	if groq.calls() != 0 {
		t.Errorf("provider calls = %d, want 0", groq.calls())
	}
}

func TestReplayStore(t *testing.T) {
	h := newHarness(t, nil, map[string]config.Binding{
		agent.Triage: {Primary: target("groq", "m")},
	})
	ctx := context.Background()

	body, _ := json.Marshal(StorePayload{
		TenantID: "a", TaskType: agent.Triage, SourceRef: "m1", Text: "hello",
		Fields: map[string]any{"category": "Work"}, FieldName: "category", OldValue: "Other", NewValue: "Work",
	})
	if err := h.d.ReplayStore(ctx, string(body)); err != nil {
		t.Fatalf("ReplayStore: %v", err)
	}
	n, _ := h.vectors.Count(ctx, retrieval.TableCorrections, "a")
	if n != 1 {
		t.Errorf("corrections = %d, want 1", n)
	}
	if err := h.d.ReplayStore(ctx, "{not json"); err == nil {
		t.Error("malformed payload should fail")
	}
}

func TestContextInjectedIntoNextRun(t *testing.T) {
	groq := newScripted("groq", reply{text: triageWork})
	h := newHarness(t, nil, map[string]config.Binding{
		agent.Triage: {Primary: target("groq", "m")},
	}, groq)
	ctx := context.Background()
	text := "Your card XX1234 was debited Rs. 499 at Netflix"

	if _, err := h.d.Run(ctx, SubmitRequest{TenantID: "a", TaskType: agent.Triage, SourceRef: "m1", Text: text}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	corr, err := h.d.SubmitCorrection(ctx, CorrectionRequest{
		TenantID: "a", TaskType: agent.Triage, SourceRef: "m1", FieldName: "category", NewValue: "Finance",
	})
	if err != nil {
		t.Fatalf("SubmitCorrection: %v", err)
	}
	if corr.RecordID == "" || corr.Queued {
		t.Errorf("correction = %+v, want stored synchronously", corr)
	}

	if _, err := h.d.Run(ctx, SubmitRequest{TenantID: "a", TaskType: agent.Triage, SourceRef: "m2", Text: text}); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	system := groq.lastRequest().System
	if !strings.HasPrefix(system, mustSpec(t, agent.Triage).System+"\n\n") {
		t.Fatalf("context block should follow the base instruction, got %q", system)
	}
	corrAt := strings.Index(system, "User corrections")
	simAt := strings.Index(system, "Similar past items")
	if corrAt < 0 || simAt < 0 || corrAt > simAt {
		t.Errorf("corrections must precede similar items:\n%s", system)
	}
	if !strings.Contains(system, "- category: 'Work' -> 'Finance'") {
		t.Errorf("correction line missing:\n%s", system)
	}
	if strings.Contains(system, "Netflix") {
		t.Error("original text must never be restated in context")
	}

	// Another tenant sees none of it.
	if _, err := h.d.Run(ctx, SubmitRequest{TenantID: "b", TaskType: agent.Triage, SourceRef: "m1", Text: text}); err != nil {
		t.Fatalf("tenant b Run: %v", err)
	}
	if groq.lastRequest().System != mustSpec(t, agent.Triage).System {
		t.Error("tenant b should get no context")
	}
}

func TestSubmitCorrection(t *testing.T) {
	h := newHarness(t, nil, map[string]config.Binding{
		agent.Triage: {Primary: target("groq", "m")},
	}, newScripted("groq", reply{text: triageWork}))
	ctx := context.Background()

	t.Run("requires field", func(t *testing.T) {
		if _, err := h.d.SubmitCorrection(ctx, CorrectionRequest{TaskType: agent.Triage, SourceRef: "x", Text: "t"}); err == nil {
			t.Error("missing field name should fail")
		}
	})
	t.Run("unknown source without text", func(t *testing.T) {
		_, err := h.d.SubmitCorrection(ctx, CorrectionRequest{TaskType: agent.Triage, SourceRef: "nope", FieldName: "category", NewValue: "Spam"})
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
	t.Run("unknown source with text", func(t *testing.T) {
		res, err := h.d.SubmitCorrection(ctx, CorrectionRequest{
			TaskType: agent.Triage, SourceRef: "fresh", FieldName: "category", OldValue: "Other", NewValue: "Spam", Text: "win a prize",
		})
		if err != nil || res.RecordID == "" {
			t.Fatalf("res = %+v, err = %v", res, err)
		}
	})
	t.Run("old value from prior output", func(t *testing.T) {
		if _, err := h.d.Run(ctx, SubmitRequest{TaskType: agent.Triage, SourceRef: "m7", Text: "quarterly invoice"}); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if _, err := h.d.SubmitCorrection(ctx, CorrectionRequest{TaskType: agent.Triage, SourceRef: "m7", FieldName: "category", NewValue: "Finance"}); err != nil {
			t.Fatalf("SubmitCorrection: %v", err)
		}
		recs, err := h.d.rag.Retrieve(ctx, storage.NoTenant, agent.Triage, "quarterly invoice")
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		if len(recs) == 0 || !recs[0].IsCorrection() {
			t.Fatalf("records = %+v, want correction first", recs)
		}
		c := recs[0]
		if c.OldValue != "Work" || c.NewValue != "Finance" || c.Fields["category"] != "Finance" {
			t.Errorf("correction = %+v", c.Record)
		}
	})
}

func TestSubmitCorrection_QueuedWhenStoreFails(t *testing.T) {
	h := newHarness(t, failingEmbedder{}, map[string]config.Binding{
		agent.Triage: {Primary: target("groq", "m")},
	})
	ctx := context.Background()

	res, err := h.d.SubmitCorrection(ctx, CorrectionRequest{
		TaskType: agent.Triage, SourceRef: "m1", FieldName: "category", NewValue: "Spam", Text: "win a prize",
	})
	if err != nil {
		t.Fatalf("SubmitCorrection: %v", err)
	}
	if !res.Queued || res.RecordID != "" {
		t.Errorf("res = %+v, want queued", res)
	}
	n, _ := h.store.PendingJobCount(ctx, JobContextStore)
	if n != 1 {
		t.Errorf("pending jobs = %d, want 1", n)
	}
}

// finishFails wraps a real store and refuses to finish tasks.
type finishFails struct {
	*storage.Store
}

func (finishFails) FinishTask(context.Context, string, string, string, string) error {
	return errors.New("disk full")
}

func TestRun_FinishFailureReleasesTask(t *testing.T) {
	h := newHarness(t, nil, map[string]config.Binding{
		agent.Triage: {Primary: target("groq", "m")},
	}, newScripted("groq", reply{text: triageWork}))
	h.d.store = finishFails{h.store}
	ctx := context.Background()

	_, err := h.d.Run(ctx, SubmitRequest{TaskType: agent.Triage, SourceRef: "s1", Text: "hello"})
	var perr *PersistenceError
	if !errors.As(err, &perr) || perr.Op != "finish task" {
		t.Fatalf("err = %v, want PersistenceError(finish task)", err)
	}

	runs := h.entries(t, "")
	if len(runs) != 1 {
		t.Fatalf("entries = %d, want 1", len(runs))
	}
	task, err := h.store.GetTask(ctx, storage.NoTenant, runs[0].TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != storage.TaskPending || !strings.Contains(task.LastError, "disk full") {
		t.Errorf("task status=%s last_error=%q, want pending with the cause", task.Status, task.LastError)
	}
}

func TestExecute_IgnoresCallerCancellation(t *testing.T) {
	slow := newScripted("slow", reply{text: triageWork})
	slow.block = make(chan struct{})
	slow.started = make(chan struct{})
	h := newHarness(t, nil, map[string]config.Binding{
		agent.Triage: {Primary: target("slow", "m")},
	}, slow)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.d.Run(ctx, SubmitRequest{TaskType: agent.Triage, Text: "hello"})
		done <- err
	}()
	<-slow.started
	cancel()
	close(slow.block)

	if err := <-done; err != nil {
		t.Fatalf("Run after caller cancel: %v", err)
	}
	for _, e := range h.entries(t, "") {
		if e.Status == storage.LogRunning {
			t.Errorf("entry %s left running", e.ID)
		}
	}
}

func mustSpec(t *testing.T, taskType string) agent.Spec {
	t.Helper()
	spec, ok := agent.Lookup(taskType)
	if !ok {
		t.Fatalf("no agent %q", taskType)
	}
	return spec
}
