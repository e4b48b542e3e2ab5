// Package worker drains the durable queues: pending tasks, deferred context
// writes and handoffs, and stale running rows left behind by a crashed
// process.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/envoyai/agentcore/internal/agent"
	"github.com/envoyai/agentcore/internal/dispatch"
	"github.com/envoyai/agentcore/internal/metrics"
	"github.com/envoyai/agentcore/internal/storage"
)

// JobHandoff is the job type for a handoff that failed after its parent
// task finished.
const JobHandoff = "handoff"

// HandoffPayload is the body of a handoff job.
type HandoffPayload struct {
	TenantID string         `json:"tenant_id"`
	TaskID   string         `json:"task_id"`
	Fields   map[string]any `json:"fields"`
}

// Store abstracts the queue operations.
type Store interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	GetTask(ctx context.Context, tenant, id string) (storage.Task, error)
	ClaimNextTask(ctx context.Context) (*storage.Task, error)
	SweepStaleTasks(ctx context.Context, cutoff time.Time) (int64, error)
	SweepStaleLogEntries(ctx context.Context, cutoff time.Time) (int64, error)
}

// Executor runs claimed tasks and replays deferred context writes.
type Executor interface {
	Execute(ctx context.Context, t storage.Task) (dispatch.Result, error)
	ReplayStore(ctx context.Context, payloadJSON string) error
}

// Advancer enqueues handoff follow-ups for a finished task.
type Advancer interface {
	Advance(ctx context.Context, parent storage.Task, out agent.Output) ([]storage.Task, error)
}

type Options struct {
	PollInterval  time.Duration
	Concurrency   int
	SweepInterval time.Duration
	// StaleAfter is how long a row may stay running before the sweeper
	// fails it. It must exceed the task deadline.
	StaleAfter time.Duration
	Metrics    *metrics.Metrics
}

// Worker polls the store until its context is cancelled.
type Worker struct {
	store    Store
	exec     Executor
	advancer Advancer
	opts     Options
	logger   *slog.Logger
}

// New creates a Worker. Zero options fall back to a 500ms poll, one loop,
// a one minute sweep and a five minute stale threshold.
func New(store Store, exec Executor, advancer Advancer, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	return &Worker{
		store:    store,
		exec:     exec,
		advancer: advancer,
		opts:     opts,
		logger:   slog.Default(),
	}
}

// Run starts the polling loops and the sweeper and blocks until ctx is
// cancelled. A task already executing is allowed to finish.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range w.opts.Concurrency {
		g.Go(func() error {
			w.poll(ctx)
			return nil
		})
	}
	g.Go(func() error {
		w.sweepLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (w *Worker) poll(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.opts.PollInterval):
		}
	}
}

// RunOnce handles one deferred job or, if there is none, one pending task. It returns true if it found work, whatever the outcome.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	did, err := w.runJob(ctx)
	if did || err != nil {
		return did, err
	}
	return w.runTask(ctx)
}

func (w *Worker) runJob(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{dispatch.JobContextStore, JobHandoff})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.replay(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) runTask(ctx context.Context) (bool, error) {
	t, err := w.store.ClaimNextTask(ctx)
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}
	if t == nil {
		return false, nil
	}

	res, err := w.exec.Execute(ctx, *t)
	if err != nil {
		// The dispatcher has already failed or released the task.
		var perr *dispatch.PersistenceError
		if errors.As(err, &perr) {
			return true, err
		}
		return true, nil
	}

	if w.advancer == nil {
		return true, nil
	}
	if _, err := w.advancer.Advance(ctx, res.Task, res.Output); err != nil {
		w.logger.Warn("handoff failed, queueing retry", "task_id", t.ID, "flow_id", t.FlowID, "error", err)
		if qerr := w.enqueueHandoff(context.WithoutCancel(ctx), res.Task, res.Output); qerr != nil {
			return true, fmt.Errorf("queueing handoff for %s: %w", t.ID, errors.Join(qerr, err))
		}
	}
	return true, nil
}

func (w *Worker) enqueueHandoff(ctx context.Context, t storage.Task, out agent.Output) error {
	body, err := json.Marshal(HandoffPayload{TenantID: t.TenantID, TaskID: t.ID, Fields: out.Fields})
	if err != nil {
		return err
	}
	return w.store.EnqueueJob(ctx, storage.Job{
		ID:          uuid.New().String(),
		TenantID:    t.TenantID,
		Type:        JobHandoff,
		PayloadJSON: string(body),
	})
}

func (w *Worker) replay(ctx context.Context, job *storage.Job) error {
	if job.Type != JobHandoff {
		return w.exec.ReplayStore(ctx, job.PayloadJSON)
	}
	if w.advancer == nil {
		return errors.New("no handoff engine configured")
	}
	var p HandoffPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("decoding handoff payload: %w", err)
	}
	parent, err := w.store.GetTask(ctx, p.TenantID, p.TaskID)
	if err != nil {
		return fmt.Errorf("loading parent task %s: %w", p.TaskID, err)
	}
	// Follow-ups already queued in the flow are skipped, so a retry after a
	// partial failure only adds the missing ones.
	_, err = w.advancer.Advance(ctx, parent, agent.Output{TaskType: parent.TaskType, Fields: p.Fields})
	return err
}

func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.SweepInterval)
	defer ticker.Stop()
	for {
		if _, _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("stale sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep fails tasks and log entries that have been running longer than
// StaleAfter. It returns how many of each it failed.
func (w *Worker) Sweep(ctx context.Context) (tasks, entries int64, err error) {
	cutoff := time.Now().Add(-w.opts.StaleAfter)
	tasks, err = w.store.SweepStaleTasks(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	w.opts.Metrics.Swept("task", tasks)
	entries, err = w.store.SweepStaleLogEntries(ctx, cutoff)
	if err != nil {
		return tasks, 0, err
	}
	w.opts.Metrics.Swept("log", entries)
	if tasks > 0 || entries > 0 {
		w.logger.Warn("swept stale rows", "tasks", tasks, "log_entries", entries, "cutoff", cutoff)
	}
	return tasks, entries, nil
}
