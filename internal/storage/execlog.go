package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const logColumns = `id, run_id, flow_id, tenant_id, task_id, agent_name, provider, model_used, attempt,
	input_summary, output_summary, started_at, completed_at, duration_ms, status, error_message`

// InsertLogEntry writes a running entry. It returns only after the row is committed.
func (s *Store) InsertLogEntry(ctx context.Context, e LogEntry) error {
	startedAt := e.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	attempt := e.Attempt
	if attempt == 0 {
		attempt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_log (id, run_id, flow_id, tenant_id, task_id, agent_name, provider, model_used,
			attempt, input_summary, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'running')`,
		e.ID, e.RunID, e.FlowID, e.TenantID, e.TaskID, e.AgentName, e.Provider, e.ModelUsed,
		attempt, e.InputSummary, FormatTime(startedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting log entry %s: %w", e.ID, err)
	}
	return nil
}

// CompleteLogEntry moves a running entry to its terminal status. An entry is
// completed at most once; later calls return ErrNotRunning.
func (s *Store) CompleteLogEntry(ctx context.Context, id, status, outputSummary, errMsg string, completedAt time.Time, durationMS int64) error {
	if status != LogSuccess && status != LogError {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_log
		SET status = ?, output_summary = ?, error_message = ?, completed_at = ?, duration_ms = ?
		WHERE id = ? AND status = 'running'`,
		status, outputSummary, errMsg, FormatTime(completedAt), durationMS, id)
	if err != nil {
		return fmt.Errorf("completing log entry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_log WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrNotRunning
	}
	return nil
}

// ListLogEntries returns entries matching f, newest first.
func (s *Store) ListLogEntries(ctx context.Context, f LogFilter) ([]LogEntry, error) {
	query := `SELECT ` + logColumns + ` FROM execution_log WHERE 1 = 1`
	clause, args := tenantFilter("tenant_id", f.TenantID)
	query += clause
	if f.AgentName != "" {
		query += " AND agent_name = ?"
		args = append(args, f.AgentName)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, FormatTime(f.Since))
	}
	query += " ORDER BY started_at DESC, seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing log entries: %w", err)
	}
	defer rows.Close()
	return scanLogEntries(rows)
}

// ListFlowIDs returns flow identifiers for tenant ordered by their most recent
// activity, newest first.
func (s *Store) ListFlowIDs(ctx context.Context, tenant string, limit int) ([]string, error) {
	clause, args := tenantFilter("tenant_id", tenant)
	query := `SELECT flow_id, MAX(started_at) AS last_started FROM execution_log WHERE 1 = 1` + clause +
		` GROUP BY flow_id ORDER BY last_started DESC, flow_id ASC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing flows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id, last string
		if err := rows.Scan(&id, &last); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FlowEntries returns every entry of a flow in execution order.
func (s *Store) FlowEntries(ctx context.Context, tenant, flowID string) ([]LogEntry, error) {
	clause, args := tenantFilter("tenant_id", tenant)
	args = append([]any{flowID}, args...)
	rows, err := s.db.QueryContext(ctx, `SELECT `+logColumns+` FROM execution_log
		WHERE flow_id = ?`+clause+` ORDER BY started_at ASC, seq ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing flow %s: %w", flowID, err)
	}
	defer rows.Close()
	return scanLogEntries(rows)
}

// FlowAgents returns the distinct agent names recorded in a flow.
func (s *Store) FlowAgents(ctx context.Context, tenant, flowID string) ([]string, error) {
	clause, args := tenantFilter("tenant_id", tenant)
	args = append([]any{flowID}, args...)
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT agent_name FROM execution_log WHERE flow_id = ?`+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// SweepStaleLogEntries marks running entries started before cutoff as errors.
func (s *Store) SweepStaleLogEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_log
		SET status = 'error', error_message = 'timeout: no completion recorded before sweep', completed_at = ?
		WHERE status = 'running' AND started_at < ?`, FormatTime(time.Now()), FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sweeping stale log entries: %w", err)
	}
	return res.RowsAffected()
}

// LogStats aggregates entries started at or after since, per agent.
func (s *Store) LogStats(ctx context.Context, tenant string, since time.Time) ([]AgentStat, error) {
	clause, args := tenantFilter("tenant_id", tenant)
	args = append([]any{FormatTime(since)}, args...)
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_name,
			COUNT(*),
			SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END),
			COALESCE(AVG(CASE WHEN status != 'running' THEN duration_ms END), 0)
		FROM execution_log
		WHERE started_at >= ?`+clause+`
		GROUP BY agent_name
		ORDER BY agent_name ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregating log stats: %w", err)
	}
	defer rows.Close()

	var stats []AgentStat
	for rows.Next() {
		var st AgentStat
		if err := rows.Scan(&st.AgentName, &st.Total, &st.Success, &st.Errors, &st.Running, &st.AvgDurationMS); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// CountFlows returns the number of distinct flows with activity since since.
func (s *Store) CountFlows(ctx context.Context, tenant string, since time.Time) (int, error) {
	clause, args := tenantFilter("tenant_id", tenant)
	args = append([]any{FormatTime(since)}, args...)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT flow_id) FROM execution_log WHERE started_at >= ?`+clause, args...).Scan(&n)
	return n, err
}

func scanLogEntries(rows *sql.Rows) ([]LogEntry, error) {
	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var startedAt string
		var completedAt sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.FlowID, &e.TenantID, &e.TaskID, &e.AgentName, &e.Provider, &e.ModelUsed,
			&e.Attempt, &e.InputSummary, &e.OutputSummary, &startedAt, &completedAt, &e.DurationMS, &e.Status, &e.ErrorMessage); err != nil {
			return nil, err
		}
		var err error
		if e.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at for entry %s: %w", e.ID, err)
		}
		if e.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, fmt.Errorf("parsing completed_at for entry %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
