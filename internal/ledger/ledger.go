// Package ledger records every provider attempt as an execution log entry and
// reconstructs handoff chains (flows) from them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/envoyai/agentcore/internal/storage"
)

// ErrFlowNotFound is returned when a flow has no entries visible to the tenant.
var ErrFlowNotFound = errors.New("flow not found")

// summaryLimit bounds input/output summaries stored with each entry.
const summaryLimit = 200

// Store is the subset of storage.Store the ledger needs.
type Store interface {
	InsertLogEntry(ctx context.Context, e storage.LogEntry) error
	CompleteLogEntry(ctx context.Context, id, status, outputSummary, errMsg string, completedAt time.Time, durationMS int64) error
	ListLogEntries(ctx context.Context, f storage.LogFilter) ([]storage.LogEntry, error)
	ListFlowIDs(ctx context.Context, tenant string, limit int) ([]string, error)
	FlowEntries(ctx context.Context, tenant, flowID string) ([]storage.LogEntry, error)
	FlowAgents(ctx context.Context, tenant, flowID string) ([]string, error)
	LogStats(ctx context.Context, tenant string, since time.Time) ([]storage.AgentStat, error)
	CountFlows(ctx context.Context, tenant string, since time.Time) (int, error)
}

type Ledger struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// BeginParams describes one provider attempt about to start.
type BeginParams struct {
	RunID     string
	FlowID    string
	TenantID  string
	TaskID    string
	AgentName string
	Provider  string
	ModelUsed string
	Attempt   int
	Input     string
}

// Handle identifies a running entry returned by Begin.
type Handle struct {
	ID        string
	RunID     string
	FlowID    string
	StartedAt time.Time
}

// Begin writes a running entry and returns once it is durable.
func (l *Ledger) Begin(ctx context.Context, p BeginParams) (Handle, error) {
	h := Handle{
		ID:        uuid.New().String(),
		RunID:     p.RunID,
		FlowID:    p.FlowID,
		StartedAt: l.now(),
	}
	err := l.store.InsertLogEntry(ctx, storage.LogEntry{
		ID:           h.ID,
		RunID:        p.RunID,
		FlowID:       p.FlowID,
		TenantID:     p.TenantID,
		TaskID:       p.TaskID,
		AgentName:    p.AgentName,
		Provider:     p.Provider,
		ModelUsed:    p.ModelUsed,
		Attempt:      p.Attempt,
		InputSummary: Summarize(p.Input),
		StartedAt:    h.StartedAt,
	})
	if err != nil {
		return Handle{}, fmt.Errorf("beginning log entry: %w", err)
	}
	return h, nil
}

// Complete closes a running entry. status is storage.LogSuccess or storage.LogError.
func (l *Ledger) Complete(ctx context.Context, h Handle, status, output, errMsg string) error {
	end := l.now()
	dur := end.Sub(h.StartedAt).Milliseconds()
	if dur < 0 {
		dur = 0
	}
	if err := l.store.CompleteLogEntry(ctx, h.ID, status, Summarize(output), errMsg, end, dur); err != nil {
		return fmt.Errorf("completing log entry %s: %w", h.ID, err)
	}
	return nil
}

// ListRuns returns the tenant's entries newest first, optionally filtered by agent.
func (l *Ledger) ListRuns(ctx context.Context, tenant, agentName string, limit int) ([]Entry, error) {
	rows, err := l.store.ListLogEntries(ctx, storage.LogFilter{
		TenantID:  tenant,
		AgentName: agentName,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	return toEntries(rows), nil
}

// ListFlows returns the tenant's flows, most recently active first.
func (l *Ledger) ListFlows(ctx context.Context, tenant string, limit int) ([]Flow, error) {
	ids, err := l.store.ListFlowIDs(ctx, tenant, limit)
	if err != nil {
		return nil, err
	}
	flows := make([]Flow, 0, len(ids))
	for _, id := range ids {
		rows, err := l.store.FlowEntries(ctx, tenant, id)
		if err != nil {
			return nil, err
		}
		flows = append(flows, buildFlow(id, rows))
	}
	return flows, nil
}

// GetFlow returns one flow with every step in execution order.
func (l *Ledger) GetFlow(ctx context.Context, tenant, flowID string) (Flow, error) {
	rows, err := l.store.FlowEntries(ctx, tenant, flowID)
	if err != nil {
		return Flow{}, err
	}
	if len(rows) == 0 {
		return Flow{}, ErrFlowNotFound
	}
	return buildFlow(flowID, rows), nil
}

// FlowAgents returns the agents already recorded in a flow.
func (l *Ledger) FlowAgents(ctx context.Context, tenant, flowID string) ([]string, error) {
	return l.store.FlowAgents(ctx, tenant, flowID)
}

// Stats aggregates the last days of activity.
func (l *Ledger) Stats(ctx context.Context, tenant string, days int) (Stats, error) {
	if days <= 0 {
		days = 7
	}
	since := l.now().AddDate(0, 0, -days)
	agents, err := l.store.LogStats(ctx, tenant, since)
	if err != nil {
		return Stats{}, err
	}
	flows, err := l.store.CountFlows(ctx, tenant, since)
	if err != nil {
		return Stats{}, err
	}

	st := Stats{Days: days, TotalFlows: flows, ByAgent: make([]AgentStats, 0, len(agents))}
	var weighted float64
	var finished int
	for _, a := range agents {
		st.TotalExecutions += a.Total
		st.Successful += a.Success
		st.Failed += a.Errors
		done := a.Success + a.Errors
		weighted += a.AvgDurationMS * float64(done)
		finished += done
		st.ByAgent = append(st.ByAgent, AgentStats{
			AgentName:     a.AgentName,
			Executions:    a.Total,
			Successful:    a.Success,
			Failed:        a.Errors,
			AvgDurationMS: a.AvgDurationMS,
		})
	}
	if st.TotalExecutions > 0 {
		st.SuccessRate = float64(st.Successful) / float64(st.TotalExecutions)
	}
	if finished > 0 {
		st.AvgDurationMS = weighted / float64(finished)
	}
	return st, nil
}

// Summarize truncates s to the summary limit on a rune boundary.
func Summarize(s string) string {
	if utf8.RuneCountInString(s) <= summaryLimit {
		return s
	}
	r := []rune(s)
	return string(r[:summaryLimit]) + "..."
}
