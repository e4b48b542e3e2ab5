package retrieval

import (
	"context"
	"time"
)

// Tables holding stored outcomes. Corrections live apart from ordinary
// context records so each can be queried and capped independently.
const (
	TableContext     = "context_records"
	TableCorrections = "correction_records"
)

// VectorStore is the interface for vector storage and similarity search
// backends. The default implementation uses SQLite with brute-force cosine
// similarity; ChromemStore keeps vectors in chromem-go collections.
type VectorStore interface {
	// Insert adds records to the given table.
	Insert(ctx context.Context, table string, records []Record) error

	// Search returns the top-K records of q's scope most similar to q.Vector,
	// ordered by score descending, then created_at descending.
	Search(ctx context.Context, table string, q Query) ([]ScoredRecord, error)

	// DeleteTenant removes every record owned by tenant from all tables.
	DeleteTenant(ctx context.Context, tenant string) error

	// Count returns the number of records of tenant in the given table.
	Count(ctx context.Context, table, tenant string) (int, error)
}

// Query scopes a similarity search. Only records embedded with EmbedModel are
// compared, so vectors from a different model version never mix.
type Query struct {
	TenantID   string
	TaskType   string
	EmbedModel string
	Vector     []float32
	TopK       int
}

// Record is a stored embedding plus the distilled outcome it represents.
// FieldName, OldValue and NewValue are set only for corrections.
type Record struct {
	ID         string
	TenantID   string
	TaskType   string
	SourceRef  string
	Embedding  []float32
	EmbedModel string
	EmbedDim   int
	Fields     map[string]any
	FieldName  string
	OldValue   string
	NewValue   string
	CreatedAt  time.Time
}

// IsCorrection reports whether r carries a human override.
func (r Record) IsCorrection() bool {
	return r.FieldName != ""
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
