package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
)

const taskColumns = `id, tenant_id, task_type, source_ref, input_text, flow_id, parent_task_id,
	status, attempts, run_after, output_json, last_error, created_at, started_at, completed_at`

// CreateTask inserts t as a pending task.
func (s *Store) CreateTask(ctx context.Context, t Task) error {
	now := time.Now()
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	runAfter := t.RunAfter
	if runAfter.IsZero() {
		runAfter = createdAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, tenant_id, task_type, source_ref, input_text, flow_id, parent_task_id,
			status, attempts, run_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?)`,
		t.ID, t.TenantID, t.TaskType, t.SourceRef, t.InputText, t.FlowID, t.ParentTaskID,
		FormatTime(runAfter), FormatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", t.ID, err)
	}
	return nil
}

// ClaimTask moves a pending task to running. The update is a compare-and-swap
// on status that also refuses to run while another task for the same
// (tenant, source_ref) is running, so it holds across processes sharing the
// database.
func (s *Store) ClaimTask(ctx context.Context, id string) (Task, error) {
	now := FormatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'running', started_at = ?, attempts = attempts + 1
		WHERE id = ? AND status = 'pending'
		AND NOT EXISTS (
			SELECT 1 FROM tasks o
			WHERE o.tenant_id = tasks.tenant_id AND o.source_ref = tasks.source_ref AND o.status = 'running'
		)`, now, id)
	if isUniqueViolation(err) {
		return Task{}, ErrAlreadyRunning
	}
	if err != nil {
		return Task{}, fmt.Errorf("claiming task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Task{}, err
	}
	if n == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		if err != nil {
			return Task{}, err
		}
		if status == TaskPending {
			return Task{}, ErrAlreadyRunning
		}
		return Task{}, ErrNotPending
	}
	return s.GetTask(ctx, NoTenant, id)
}

// ClaimNextTask claims the oldest runnable pending task. It returns nil, nil
// when nothing can be claimed.
func (s *Store) ClaimNextTask(ctx context.Context) (*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE status = 'pending' AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC
		LIMIT 16`, FormatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("selecting pending tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		t, err := s.ClaimTask(ctx, id)
		switch {
		case err == nil:
			return &t, nil
		case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrNotPending), errors.Is(err, ErrNotFound):
			continue
		default:
			return nil, err
		}
	}
	return nil, nil
}

// ReleaseTask returns a running task to pending with exponential backoff.
// Once MaxTaskAttempts is reached the task is failed instead.
func (s *Store) ReleaseTask(ctx context.Context, id string, errMsg string) error {
	var attempts int
	err := s.db.QueryRowContext(ctx, `SELECT attempts FROM tasks WHERE id = ? AND status = 'running'`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotRunning
	}
	if err != nil {
		return err
	}

	now := time.Now()
	if attempts >= MaxTaskAttempts {
		_, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = 'failed', last_error = ?, completed_at = ?
			WHERE id = ? AND status = 'running'`, errMsg, FormatTime(now), id)
		return err
	}
	backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', last_error = ?, run_after = ?, started_at = NULL
		WHERE id = ? AND status = 'running'`, errMsg, FormatTime(now.Add(backoff)), id)
	return err
}

// FinishTask records the terminal status of a running task.
func (s *Store) FinishTask(ctx context.Context, id, status, outputJSON, errMsg string) error {
	if status != TaskSuccess && status != TaskFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, output_json = ?, last_error = ?, completed_at = ?
		WHERE id = ? AND status = 'running'`,
		status, outputJSON, errMsg, FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("finishing task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetTask(ctx, NoTenant, id); err != nil {
			return err
		}
		return ErrNotRunning
	}
	return nil
}

// CancelTask fails a task that has not started yet.
func (s *Store) CancelTask(ctx context.Context, tenant, id string) error {
	clause, args := tenantFilter("tenant_id", tenant)
	args = append([]any{FormatTime(time.Now()), id}, args...)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', last_error = 'cancelled', completed_at = ?
		WHERE id = ? AND status = 'pending'`+clause, args...)
	if err != nil {
		return fmt.Errorf("cancelling task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetTask(ctx, tenant, id); err != nil {
			return err
		}
		return ErrNotPending
	}
	return nil
}

// GetTask returns a task visible to tenant.
func (s *Store) GetTask(ctx context.Context, tenant, id string) (Task, error) {
	clause, args := tenantFilter("tenant_id", tenant)
	args = append([]any{id}, args...)
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`+clause, args...)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

// LatestTaskForSource returns the most recently completed successful task of
// taskType for sourceRef.
func (s *Store) LatestTaskForSource(ctx context.Context, tenant, taskType, sourceRef string) (Task, error) {
	clause, args := tenantFilter("tenant_id", tenant)
	args = append([]any{taskType, sourceRef}, args...)
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE task_type = ? AND source_ref = ? AND status = 'success'`+clause+`
		ORDER BY completed_at DESC LIMIT 1`, args...)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

// FlowTaskTypes returns the distinct task types created within a flow.
func (s *Store) FlowTaskTypes(ctx context.Context, tenant, flowID string) ([]string, error) {
	clause, args := tenantFilter("tenant_id", tenant)
	args = append([]any{flowID}, args...)
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT task_type FROM tasks WHERE flow_id = ?`+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// SweepStaleTasks fails running tasks whose started_at is before cutoff.
func (s *Store) SweepStaleTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', last_error = 'timeout: task exceeded grace period', completed_at = ?
		WHERE status = 'running' AND started_at < ?`, FormatTime(time.Now()), FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sweeping stale tasks: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var runAfter, createdAt string
	var startedAt, completedAt sql.NullString
	if err := row.Scan(&t.ID, &t.TenantID, &t.TaskType, &t.SourceRef, &t.InputText, &t.FlowID, &t.ParentTaskID,
		&t.Status, &t.Attempts, &runAfter, &t.OutputJSON, &t.LastError, &createdAt, &startedAt, &completedAt); err != nil {
		return Task{}, err
	}
	var err error
	if t.RunAfter, err = parseTime(runAfter); err != nil {
		return Task{}, fmt.Errorf("parsing run_after for task %s: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Task{}, fmt.Errorf("parsing created_at for task %s: %w", t.ID, err)
	}
	if t.StartedAt, err = parseNullTime(startedAt); err != nil {
		return Task{}, fmt.Errorf("parsing started_at for task %s: %w", t.ID, err)
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return Task{}, fmt.Errorf("parsing completed_at for task %s: %w", t.ID, err)
	}
	return t, nil
}
