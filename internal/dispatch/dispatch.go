// Package dispatch runs agent tasks: it claims the task, retrieves similar
// past decisions, walks the model binding's fallback chain until a provider
// returns schema-valid output, and records what it learned.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/envoyai/agentcore/internal/agent"
	"github.com/envoyai/agentcore/internal/config"
	"github.com/envoyai/agentcore/internal/ledger"
	"github.com/envoyai/agentcore/internal/metrics"
	"github.com/envoyai/agentcore/internal/provider"
	"github.com/envoyai/agentcore/internal/retrieval"
	"github.com/envoyai/agentcore/internal/storage"
)

// JobContextStore is the job type for deferred context and correction writes.
const JobContextStore = "context_store"

// Store is the subset of storage.Store the dispatcher needs.
type Store interface {
	CreateTask(ctx context.Context, t storage.Task) error
	ClaimTask(ctx context.Context, id string) (storage.Task, error)
	CancelTask(ctx context.Context, tenant, id string) error
	ReleaseTask(ctx context.Context, id, errMsg string) error
	FinishTask(ctx context.Context, id, status, outputJSON, errMsg string) error
	LatestTaskForSource(ctx context.Context, tenant, taskType, sourceRef string) (storage.Task, error)
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// RAG retrieves and stores context records.
type RAG interface {
	Retrieve(ctx context.Context, tenant, taskType, text string) ([]retrieval.ScoredRecord, error)
	Store(ctx context.Context, req retrieval.StoreRequest) (retrieval.Record, error)
	StoreCorrection(ctx context.Context, req retrieval.CorrectionRequest) (retrieval.Record, error)
}

type Options struct {
	// AttemptTimeout bounds each provider call and the embedding call.
	AttemptTimeout time.Duration
	// TaskDeadline bounds a whole run across the fallback chain.
	TaskDeadline time.Duration
	// StoreTimeout bounds the synchronous context write.
	StoreTimeout time.Duration
	Metrics      *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 20 * time.Second
	}
	if o.TaskDeadline <= 0 {
		o.TaskDeadline = 90 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 10 * time.Second
	}
}

type Dispatcher struct {
	store    Store
	rag      RAG
	ledger   *ledger.Ledger
	agents   config.Agents
	registry *provider.Registry
	opts     Options
	logger   *slog.Logger
}

func New(store Store, rag RAG, l *ledger.Ledger, agents config.Agents, registry *provider.Registry, opts Options) *Dispatcher {
	opts.setDefaults()
	return &Dispatcher{
		store:    store,
		rag:      rag,
		ledger:   l,
		agents:   agents,
		registry: registry,
		opts:     opts,
		logger:   slog.Default(),
	}
}

// SubmitRequest describes a new task.
type SubmitRequest struct {
	TenantID  string
	TaskType  string
	SourceRef string
	Text      string
	// FlowID and ParentTaskID are set for handoff follow-ups. An empty
	// FlowID starts a new flow.
	FlowID       string
	ParentTaskID string
}

// Result is the outcome of a successful run.
type Result struct {
	Task   storage.Task
	RunID  string
	Output agent.Output
}

func (d *Dispatcher) resolve(taskType string) (agent.Spec, config.Binding, error) {
	spec, ok := agent.Lookup(taskType)
	if !ok {
		return agent.Spec{}, config.Binding{}, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}
	b, ok := d.agents.Binding(taskType)
	if !ok {
		return agent.Spec{}, config.Binding{}, fmt.Errorf("%w: no model binding for %q", ErrUnknownTaskType, taskType)
	}
	return spec, b, nil
}

// Submit records a pending task and returns it. The worker picks it up.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (storage.Task, error) {
	return d.submit(ctx, req, time.Time{})
}

// submit inserts the task. A non-zero runAfter hides it from the worker
// until then.
func (d *Dispatcher) submit(ctx context.Context, req SubmitRequest, runAfter time.Time) (storage.Task, error) {
	if _, _, err := d.resolve(req.TaskType); err != nil {
		return storage.Task{}, err
	}
	if req.TenantID == "" {
		req.TenantID = storage.NoTenant
	}
	t := storage.Task{
		ID:           uuid.New().String(),
		TenantID:     req.TenantID,
		TaskType:     req.TaskType,
		SourceRef:    req.SourceRef,
		InputText:    req.Text,
		FlowID:       req.FlowID,
		ParentTaskID: req.ParentTaskID,
		Status:       storage.TaskPending,
		CreatedAt:    time.Now(),
		RunAfter:     runAfter,
	}
	if t.SourceRef == "" {
		t.SourceRef = t.ID
	}
	if t.FlowID == "" {
		t.FlowID = uuid.New().String()
	}
	if err := d.store.CreateTask(ctx, t); err != nil {
		return storage.Task{}, &PersistenceError{Op: "create task", Err: err}
	}
	return t, nil
}

// Run submits and executes a task synchronously. A concurrent run for the
// same (tenant, source) fails fast with ErrAlreadyRunning and leaves no
// pending task behind.
//
// The task is inserted with run_after one task deadline ahead, so the worker
// only picks it up if this process dies before claiming it.
func (d *Dispatcher) Run(ctx context.Context, req SubmitRequest) (Result, error) {
	t, err := d.submit(ctx, req, time.Now().Add(d.opts.TaskDeadline))
	if err != nil {
		return Result{}, err
	}
	claimed, err := d.store.ClaimTask(ctx, t.ID)
	switch {
	case errors.Is(err, storage.ErrAlreadyRunning):
		if cerr := d.store.CancelTask(context.WithoutCancel(ctx), t.TenantID, t.ID); cerr != nil {
			d.logger.Warn("could not cancel duplicate task", "task_id", t.ID, "error", cerr)
		}
		return Result{}, ErrAlreadyRunning
	case errors.Is(err, storage.ErrNotPending):
		// Someone else claimed it first; it runs there.
		return Result{}, ErrAlreadyRunning
	case err != nil:
		return Result{}, &PersistenceError{Op: "claim task", Err: err}
	}
	return d.Execute(ctx, claimed)
}

// RunTask claims a pending task by id and executes it.
func (d *Dispatcher) RunTask(ctx context.Context, id string) (Result, error) {
	t, err := d.store.ClaimTask(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyRunning) {
			return Result{}, ErrAlreadyRunning
		}
		return Result{}, err
	}
	return d.Execute(ctx, t)
}

// Execute runs a task that the caller has already claimed. Once started it
// is not cancelled by ctx: in-flight provider calls run to completion or
// to their own timeout so every log entry is closed.
func (d *Dispatcher) Execute(ctx context.Context, t storage.Task) (Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.TaskDeadline)
	defer cancel()

	runID := uuid.New().String()
	log := d.logger.With("task_id", t.ID, "run_id", runID, "flow_id", t.FlowID, "task_type", t.TaskType)

	spec, binding, err := d.resolve(t.TaskType)
	if err != nil {
		return Result{}, d.fail(t, err)
	}

	contextBlock := d.contextBlock(ctx, t, log)
	prompt := spec.BuildPrompt(contextBlock, t.InputText)

	var attempts []error
	for i, target := range binding.Chain() {
		if ctx.Err() != nil {
			attempts = append(attempts, fmt.Errorf("task deadline exceeded before %s", target.Provider))
			break
		}
		wctx, wcancel := d.writeCtx()
		h, err := d.ledger.Begin(wctx, ledger.BeginParams{
			RunID:     runID,
			FlowID:    t.FlowID,
			TenantID:  t.TenantID,
			TaskID:    t.ID,
			AgentName: t.TaskType,
			Provider:  target.Provider,
			ModelUsed: target.Model,
			Attempt:   i + 1,
			Input:     prompt.Input,
		})
		wcancel()
		if err != nil {
			return Result{}, d.release(t, &PersistenceError{Op: "begin log entry", Err: err})
		}

		start := time.Now()
		raw, out, err := d.attempt(ctx, spec, target, prompt)
		if err != nil {
			d.opts.Metrics.ObserveAttempt(t.TaskType, target.Provider, storage.LogError, time.Since(start))
			log.Warn("provider attempt failed", "provider", target.Provider, "model", target.Model, "attempt", i+1, "error", err)
			attempts = append(attempts, fmt.Errorf("%s/%s: %w", target.Provider, target.Model, err))
			if cerr := d.complete(h, storage.LogError, raw, err.Error()); cerr != nil {
				return Result{}, d.release(t, &PersistenceError{Op: "complete log entry", Err: cerr})
			}
			continue
		}

		d.opts.Metrics.ObserveAttempt(t.TaskType, target.Provider, storage.LogSuccess, time.Since(start))
		outputJSON, err := json.Marshal(out.Fields)
		if err != nil {
			return Result{}, d.fail(t, fmt.Errorf("encoding output: %w", err))
		}
		if err := d.complete(h, storage.LogSuccess, string(outputJSON), ""); err != nil {
			return Result{}, d.release(t, &PersistenceError{Op: "complete log entry", Err: err})
		}

		d.remember(t, out, log)

		if err := d.finish(t.ID, storage.TaskSuccess, string(outputJSON), ""); err != nil {
			return Result{}, d.release(t, &PersistenceError{Op: "finish task", Err: err})
		}
		d.opts.Metrics.TaskFinished(t.TaskType, storage.TaskSuccess)
		log.Info("task succeeded", "provider", target.Provider, "attempt", i+1)

		t.Status = storage.TaskSuccess
		t.OutputJSON = string(outputJSON)
		return Result{Task: t, RunID: runID, Output: out}, nil
	}

	exhausted := &ChainExhaustedError{TaskType: t.TaskType, Attempts: attempts}
	return Result{}, d.fail(t, exhausted)
}

// attempt calls one target and validates the response. raw is returned for
// the ledger even when validation fails.
func (d *Dispatcher) attempt(ctx context.Context, spec agent.Spec, target config.Target, prompt agent.Prompt) (string, agent.Output, error) {
	p, ok := d.registry.Lookup(target.Provider)
	if !ok {
		return "", agent.Output{}, &provider.Error{
			Provider: target.Provider,
			Kind:     provider.KindUnavailable,
			Err:      errors.New("provider not configured"),
		}
	}
	actx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
	defer cancel()

	raw, err := p.Complete(actx, provider.Request{
		Model:    target.Model,
		System:   prompt.System,
		Prompt:   prompt.User,
		Input:    prompt.Input,
		TaskType: spec.TaskType,
		JSON:     true,
	})
	if err != nil {
		return "", agent.Output{}, err
	}
	out, err := spec.Parse(raw)
	return raw, out, err
}

// contextBlock returns the formatted retrieval context, or "" when retrieval
// fails. Retrieval problems never fail the task.
func (d *Dispatcher) contextBlock(ctx context.Context, t storage.Task, log *slog.Logger) string {
	rctx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
	defer cancel()
	records, err := d.rag.Retrieve(rctx, t.TenantID, t.TaskType, t.InputText)
	if err != nil {
		d.opts.Metrics.RetrievalFailed()
		log.Warn("context retrieval failed, continuing without context", "error", err)
		return ""
	}
	log.Debug("retrieved context", "records", len(records))
	return retrieval.FormatContext(records)
}

// StorePayload is the body of a context_store job.
type StorePayload struct {
	TenantID  string         `json:"tenant_id"`
	TaskType  string         `json:"task_type"`
	SourceRef string         `json:"source_ref"`
	Text      string         `json:"text"`
	Fields    map[string]any `json:"fields,omitempty"`
	FieldName string         `json:"field_name,omitempty"`
	OldValue  string         `json:"old_value,omitempty"`
	NewValue  string         `json:"new_value,omitempty"`
}

// remember stores a context record for a successful output within the store
// timeout, or queues it as a job when that fails.
func (d *Dispatcher) remember(t storage.Task, out agent.Output, log *slog.Logger) {
	p := StorePayload{
		TenantID:  t.TenantID,
		TaskType:  t.TaskType,
		SourceRef: t.SourceRef,
		Text:      agent.Truncate(t.InputText),
		Fields:    out.Fields,
	}
	if _, err := d.storeNow(context.Background(), p); err != nil {
		log.Warn("context store failed, queueing retry", "error", err)
		// The store may have spent the whole write budget, so the
		// enqueue gets its own.
		wctx, cancel := d.writeCtx()
		defer cancel()
		if qerr := d.enqueueStore(wctx, p); qerr != nil {
			log.Error("could not queue context store", "error", qerr)
		}
	}
}

func (d *Dispatcher) storeNow(ctx context.Context, p StorePayload) (retrieval.Record, error) {
	sctx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
	defer cancel()
	req := retrieval.StoreRequest{
		TenantID:  p.TenantID,
		TaskType:  p.TaskType,
		SourceRef: p.SourceRef,
		Text:      p.Text,
		Fields:    p.Fields,
	}
	if p.FieldName != "" {
		return d.rag.StoreCorrection(sctx, retrieval.CorrectionRequest{
			StoreRequest: req,
			FieldName:    p.FieldName,
			OldValue:     p.OldValue,
			NewValue:     p.NewValue,
		})
	}
	return d.rag.Store(sctx, req)
}

func (d *Dispatcher) enqueueStore(ctx context.Context, p StorePayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	err = d.store.EnqueueJob(ctx, storage.Job{
		ID:          uuid.New().String(),
		TenantID:    p.TenantID,
		Type:        JobContextStore,
		PayloadJSON: string(body),
	})
	if err == nil {
		d.opts.Metrics.StoreQueued()
	}
	return err
}

// ReplayStore performs a queued context_store job.
func (d *Dispatcher) ReplayStore(ctx context.Context, payloadJSON string) error {
	var p StorePayload
	if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
		return fmt.Errorf("decoding context_store payload: %w", err)
	}
	_, err := d.storeNow(ctx, p)
	return err
}

// fail marks the task failed. If even that write fails the task is released
// back to pending.
func (d *Dispatcher) fail(t storage.Task, cause error) error {
	if err := d.finish(t.ID, storage.TaskFailed, "", cause.Error()); err != nil {
		return d.release(t, &PersistenceError{Op: "fail task", Err: errors.Join(err, cause)})
	}
	d.opts.Metrics.TaskFinished(t.TaskType, storage.TaskFailed)
	d.logger.Warn("task failed", "task_id", t.ID, "task_type", t.TaskType, "error", cause)
	return cause
}

// writeCtx bounds a single durable write. It is detached from the task
// deadline so an expired run can still close its log entries.
func (d *Dispatcher) writeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d.opts.StoreTimeout)
}

func (d *Dispatcher) complete(h ledger.Handle, status, output, errMsg string) error {
	ctx, cancel := d.writeCtx()
	defer cancel()
	return d.ledger.Complete(ctx, h, status, output, errMsg)
}

func (d *Dispatcher) finish(id, status, outputJSON, errMsg string) error {
	ctx, cancel := d.writeCtx()
	defer cancel()
	return d.store.FinishTask(ctx, id, status, outputJSON, errMsg)
}

// release returns a task to pending after a persistence failure.
func (d *Dispatcher) release(t storage.Task, perr *PersistenceError) error {
	ctx, cancel := d.writeCtx()
	defer cancel()
	if err := d.store.ReleaseTask(ctx, t.ID, perr.Error()); err != nil {
		d.logger.Error("could not release task", "task_id", t.ID, "error", err)
	}
	return perr
}
