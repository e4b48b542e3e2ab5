package ledger

import (
	"time"

	"github.com/envoyai/agentcore/internal/storage"
)

// Entry is the presentation shape of one execution log row.
type Entry struct {
	ID            string     `json:"log_id"`
	RunID         string     `json:"run_id"`
	FlowID        string     `json:"flow_id"`
	TenantID      string     `json:"tenant_id"`
	TaskID        string     `json:"task_id,omitempty"`
	AgentName     string     `json:"agent_name"`
	Provider      string     `json:"provider,omitempty"`
	ModelUsed     string     `json:"model_used"`
	Attempt       int        `json:"attempt"`
	InputSummary  string     `json:"input_summary"`
	OutputSummary string     `json:"output_summary,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DurationMS    int64      `json:"duration_ms"`
	Status        string     `json:"status"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// Flow is a handoff chain reconstructed from the entries sharing a flow_id.
type Flow struct {
	FlowID        string    `json:"flow_id"`
	OverallStatus string    `json:"overall_status"`
	Agents        []string  `json:"agents"`
	StartedAt     time.Time `json:"started_at"`
	DurationMS    int64     `json:"duration_ms"`
	SuccessRate   float64   `json:"success_rate"`
	Steps         []Entry   `json:"steps"`
}

type AgentStats struct {
	AgentName     string  `json:"agent_name"`
	Executions    int     `json:"executions"`
	Successful    int     `json:"successful"`
	Failed        int     `json:"failed"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

type Stats struct {
	Days            int          `json:"days"`
	TotalFlows      int          `json:"total_flows"`
	TotalExecutions int          `json:"total_executions"`
	Successful      int          `json:"successful"`
	Failed          int          `json:"failed"`
	SuccessRate     float64      `json:"success_rate"`
	AvgDurationMS   float64      `json:"avg_duration_ms"`
	ByAgent         []AgentStats `json:"by_agent"`
}

func toEntry(e storage.LogEntry) Entry {
	out := Entry{
		ID:            e.ID,
		RunID:         e.RunID,
		FlowID:        e.FlowID,
		TenantID:      e.TenantID,
		TaskID:        e.TaskID,
		AgentName:     e.AgentName,
		Provider:      e.Provider,
		ModelUsed:     e.ModelUsed,
		Attempt:       e.Attempt,
		InputSummary:  e.InputSummary,
		OutputSummary: e.OutputSummary,
		StartedAt:     e.StartedAt,
		DurationMS:    e.DurationMS,
		Status:        e.Status,
		ErrorMessage:  e.ErrorMessage,
	}
	if !e.CompletedAt.IsZero() {
		c := e.CompletedAt
		out.CompletedAt = &c
	}
	return out
}

func toEntries(rows []storage.LogEntry) []Entry {
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, toEntry(r))
	}
	return out
}

// buildFlow derives the overall status: running while any step runs, error
// when some run never produced a successful attempt, success otherwise.
// Failed attempts that were recovered by a fallback within the same run do
// not fail the flow.
func buildFlow(flowID string, rows []storage.LogEntry) Flow {
	f := Flow{FlowID: flowID, Steps: toEntries(rows)}
	if len(rows) == 0 {
		return f
	}

	runOK := make(map[string]bool)
	var runOrder []string
	seenAgent := make(map[string]bool)
	running := false
	success := 0
	end := rows[0].StartedAt
	for _, r := range rows {
		if _, ok := runOK[r.RunID]; !ok {
			runOK[r.RunID] = false
			runOrder = append(runOrder, r.RunID)
		}
		switch r.Status {
		case storage.LogRunning:
			running = true
		case storage.LogSuccess:
			runOK[r.RunID] = true
			success++
		}
		if !seenAgent[r.AgentName] {
			seenAgent[r.AgentName] = true
			f.Agents = append(f.Agents, r.AgentName)
		}
		if r.CompletedAt.After(end) {
			end = r.CompletedAt
		}
	}

	f.StartedAt = rows[0].StartedAt
	f.DurationMS = end.Sub(f.StartedAt).Milliseconds()
	f.SuccessRate = float64(success) / float64(len(rows))

	switch {
	case running:
		f.OverallStatus = storage.LogRunning
	default:
		f.OverallStatus = storage.LogSuccess
		for _, id := range runOrder {
			if !runOK[id] {
				f.OverallStatus = storage.LogError
				break
			}
		}
	}
	return f
}
