// Package handoff turns one agent's output into follow-up tasks for other
// agents, using the routing table from the agents file.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/envoyai/agentcore/internal/agent"
	"github.com/envoyai/agentcore/internal/config"
	"github.com/envoyai/agentcore/internal/dispatch"
	"github.com/envoyai/agentcore/internal/metrics"
	"github.com/envoyai/agentcore/internal/storage"
)

// Dispatcher is the subset of dispatch.Dispatcher the engine drives.
type Dispatcher interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest) (storage.Task, error)
	Run(ctx context.Context, req dispatch.SubmitRequest) (dispatch.Result, error)
	RunTask(ctx context.Context, id string) (dispatch.Result, error)
}

// History reports which task types a flow has already touched.
type History interface {
	FlowAgents(ctx context.Context, tenant, flowID string) ([]string, error)
	FlowTaskTypes(ctx context.Context, tenant, flowID string) ([]string, error)
}

type Engine struct {
	agents     config.Agents
	history    History
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func New(agents config.Agents, history History, d Dispatcher, m *metrics.Metrics) *Engine {
	return &Engine{
		agents:     agents,
		history:    history,
		dispatcher: d,
		metrics:    m,
		logger:     slog.Default(),
	}
}

// Evaluate returns the task types that output of taskType hands off to,
// in route order. A type already present in the flow is never returned,
// which breaks routing cycles.
func (e *Engine) Evaluate(ctx context.Context, tenant, flowID, taskType string, fields map[string]any) ([]string, error) {
	routes := e.agents.RoutesFrom(taskType)
	if len(routes) == 0 {
		return nil, nil
	}

	seen := map[string]bool{taskType: true}
	logged, err := e.history.FlowAgents(ctx, tenant, flowID)
	if err != nil {
		return nil, fmt.Errorf("loading flow agents: %w", err)
	}
	queued, err := e.history.FlowTaskTypes(ctx, tenant, flowID)
	if err != nil {
		return nil, fmt.Errorf("loading flow tasks: %w", err)
	}
	for _, t := range append(logged, queued...) {
		seen[t] = true
	}

	var next []string
	for _, r := range routes {
		if seen[r.To] || !r.When.Match(fields) {
			continue
		}
		seen[r.To] = true
		next = append(next, r.To)
	}
	return next, nil
}

// Advance enqueues the follow-ups for a finished task. Follow-ups share the
// parent's flow, source and input text. A failure to enqueue one follow-up
// does not stop the others.
func (e *Engine) Advance(ctx context.Context, parent storage.Task, out agent.Output) ([]storage.Task, error) {
	next, err := e.Evaluate(ctx, parent.TenantID, parent.FlowID, parent.TaskType, out.Fields)
	if err != nil {
		return nil, err
	}

	var created []storage.Task
	var errs []error
	for _, to := range next {
		t, err := e.dispatcher.Submit(ctx, dispatch.SubmitRequest{
			TenantID:     parent.TenantID,
			TaskType:     to,
			SourceRef:    parent.SourceRef,
			Text:         parent.InputText,
			FlowID:       parent.FlowID,
			ParentTaskID: parent.ID,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("handoff %s -> %s: %w", parent.TaskType, to, err))
			continue
		}
		e.metrics.Handoff(parent.TaskType, to)
		e.logger.Info("handoff", "flow_id", parent.FlowID, "from", parent.TaskType, "to", to, "task_id", t.ID)
		created = append(created, t)
	}
	return created, errors.Join(errs...)
}

// Step is one task of a flow run.
type Step struct {
	TaskID   string         `json:"task_id"`
	TaskType string         `json:"task_type"`
	Status   string         `json:"status"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// FlowResult is the outcome of RunFlow.
type FlowResult struct {
	FlowID string `json:"flow_id"`
	Steps  []Step `json:"steps"`
}

// RunFlow runs a task and then every follow-up it hands off to, in order,
// until the chain ends. Only a failure of the first task is returned as an
// error; downstream failures are reported in their step.
//
// Follow-ups of one document share its source, so they run one at a time.
func (e *Engine) RunFlow(ctx context.Context, req dispatch.SubmitRequest) (FlowResult, error) {
	res, err := e.dispatcher.Run(ctx, req)
	if err != nil {
		return FlowResult{}, err
	}
	fr := FlowResult{FlowID: res.Task.FlowID}
	fr.Steps = append(fr.Steps, Step{
		TaskID: res.Task.ID, TaskType: res.Task.TaskType, Status: storage.TaskSuccess, Output: res.Output.Fields,
	})

	queue := []dispatch.Result{res}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		followUps, err := e.Advance(ctx, cur.Task, cur.Output)
		if err != nil {
			e.logger.Warn("handoff failed", "flow_id", fr.FlowID, "from", cur.Task.TaskType, "error", err)
		}
		for _, t := range followUps {
			r, err := e.dispatcher.RunTask(ctx, t.ID)
			switch {
			case err == nil:
				fr.Steps = append(fr.Steps, Step{TaskID: t.ID, TaskType: t.TaskType, Status: storage.TaskSuccess, Output: r.Output.Fields})
				queue = append(queue, r)
			case errors.Is(err, dispatch.ErrAlreadyRunning), errors.Is(err, storage.ErrNotPending):
				// A worker got there first and will carry the chain on.
				fr.Steps = append(fr.Steps, Step{TaskID: t.ID, TaskType: t.TaskType, Status: storage.TaskRunning})
			default:
				fr.Steps = append(fr.Steps, Step{TaskID: t.ID, TaskType: t.TaskType, Status: storage.TaskFailed, Error: err.Error()})
			}
		}
	}
	return fr, nil
}
