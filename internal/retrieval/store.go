package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/envoyai/agentcore/internal/storage"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore provides vector storage and brute-force cosine similarity search
// backed by SQLite. This is the default implementation of VectorStore.
// Scans are bounded by the (tenant_id, task_type, embed_model) index.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The record tables must already exist (created via storage migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func checkTable(table string) error {
	if table != TableContext && table != TableCorrections {
		return fmt.Errorf("unsupported table %q", table)
	}
	return nil
}

// Insert adds records to table in one transaction.
func (s *SQLiteStore) Insert(ctx context.Context, table string, records []Record) error {
	if err := checkTable(table); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	query := `INSERT INTO context_records (id, tenant_id, task_type, source_ref, embedding, embed_model, embed_dim, fields_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if table == TableCorrections {
		query = `INSERT INTO correction_records (id, tenant_id, task_type, source_ref, embedding, embed_model, embed_dim, fields_json, created_at, field_name, old_value, new_value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("encoding fields for %s: %w", r.ID, err)
		}
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		args := []any{r.ID, r.TenantID, r.TaskType, r.SourceRef, encodeFloat32s(r.Embedding),
			r.EmbedModel, len(r.Embedding), string(fields), storage.FormatTime(createdAt)}
		if table == TableCorrections {
			args = append(args, r.FieldName, r.OldValue, r.NewValue)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting record %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// candidate holds only the ranking keys during the scan phase of Search.
// Full record details are fetched only for top-K winners.
type candidate struct {
	ID        string
	Seq       int64
	CreatedAt string
	Score     float32
}

// worse reports whether a ranks below b: lower score, then older, then
// inserted earlier.
func worse(a, b candidate) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.Seq < b.Seq
}

// Search performs brute-force cosine similarity search over the records of
// q's scope, returning the top-K most similar.
func (s *SQLiteStore) Search(ctx context.Context, table string, q Query) ([]ScoredRecord, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if q.TopK <= 0 {
		return nil, nil
	}
	queryNorm := norm(q.Vector)
	if queryNorm == 0 {
		return nil, nil
	}

	where := ` WHERE task_type = ? AND embed_model = ? AND embed_dim = ?`
	args := []any{q.TaskType, q.EmbedModel, len(q.Vector)}
	if q.TenantID != storage.NoTenant {
		where += ` AND tenant_id = ?`
		args = append(args, q.TenantID)
	}

	// Phase 1: scan only ranking keys + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT id, seq, created_at, embedding FROM `+table+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &candidateHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var c candidate
		var blob []byte
		if err := rows.Scan(&c.ID, &c.Seq, &c.CreatedAt, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}

		c.Score = dotProduct(q.Vector, buf, queryNorm)
		if h.Len() < q.TopK {
			heap.Push(h, c)
		} else if worse((*h)[0], c) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K IDs, best first.
	winners := make([]candidate, h.Len())
	for i := len(winners) - 1; i >= 0; i-- {
		winners[i] = heap.Pop(h).(candidate)
	}

	ids := make([]any, len(winners))
	for i, c := range winners {
		ids[i] = c.ID
	}
	records, err := s.fetch(ctx, table, ids)
	if err != nil {
		return nil, err
	}

	results := make([]ScoredRecord, 0, len(winners))
	for _, c := range winners {
		r, ok := records[c.ID]
		if !ok {
			continue
		}
		results = append(results, ScoredRecord{Record: r, Score: c.Score})
	}
	return results, nil
}

func (s *SQLiteStore) fetch(ctx context.Context, table string, ids []any) (map[string]Record, error) {
	cols := `id, tenant_id, task_type, source_ref, embedding, embed_model, embed_dim, fields_json, created_at`
	if table == TableCorrections {
		cols += `, field_name, old_value, new_value`
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+cols+` FROM `+table+
		` WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, ids...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Record, len(ids))
	for rows.Next() {
		var r Record
		var blob []byte
		var fields, createdAt string
		dest := []any{&r.ID, &r.TenantID, &r.TaskType, &r.SourceRef, &blob, &r.EmbedModel, &r.EmbedDim, &fields, &createdAt}
		if table == TableCorrections {
			dest = append(dest, &r.FieldName, &r.OldValue, &r.NewValue)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning full record: %w", err)
		}
		if r.Embedding, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
			return nil, fmt.Errorf("decoding fields for %s: %w", r.ID, err)
		}
		if r.CreatedAt, err = time.Parse(storage.TimeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
		}
		out[r.ID] = r
	}
	return out, rows.Err()
}

// DeleteTenant removes the tenant's rows from both record tables.
func (s *SQLiteStore) DeleteTenant(ctx context.Context, tenant string) error {
	for _, table := range []string{TableContext, TableCorrections} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE tenant_id = ?`, tenant); err != nil {
			return fmt.Errorf("deleting %s for tenant: %w", table, err)
		}
	}
	return nil
}

// Count returns the number of records of tenant in table.
func (s *SQLiteStore) Count(ctx context.Context, table, tenant string) (int, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	query := `SELECT COUNT(*) FROM ` + table
	var args []any
	if tenant != storage.NoTenant {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenant)
	}
	var count int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

// sortRanked orders results by score descending, then newest first.
// Used by backends that cannot rank ties themselves.
func sortRanked(results []ScoredRecord) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// candidateHeap is a min-heap of candidates, worst on top.
type candidateHeap []candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return worse(h[i], h[j]) }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
