package storage

import (
	"context"
	"fmt"
)

// tenantTables lists every table carrying a tenant_id column.
var tenantTables = []string{"tasks", "execution_log", "context_records", "correction_records", "jobs"}

// DeleteTenant removes every row owned by tenant in a single transaction.
// This is the only path that deletes context and correction records.
func (s *Store) DeleteTenant(ctx context.Context, tenant string) (map[string]int64, error) {
	if tenant == "" || tenant == NoTenant {
		return nil, fmt.Errorf("refusing to delete tenant %q", tenant)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning tenant delete: %w", err)
	}
	defer tx.Rollback()

	deleted := make(map[string]int64, len(tenantTables))
	for _, table := range tenantTables {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE tenant_id = ?`, tenant)
		if err != nil {
			return nil, fmt.Errorf("deleting %s rows: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		deleted[table] = n
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing tenant delete: %w", err)
	}
	return deleted, nil
}
