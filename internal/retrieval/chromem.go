package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/envoyai/agentcore/internal/storage"
)

var _ VectorStore = (*ChromemStore)(nil)

// ChromemStore keeps vectors in chromem-go collections, one collection per
// (table, tenant, task_type, embed_model) scope. A search therefore never
// crosses tenants or task types.
type ChromemStore struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewChromemStore opens a store persisted under dir, or an in-memory store
// when dir is empty.
func NewChromemStore(dir string) (*ChromemStore, error) {
	var db *chromem.DB
	if dir == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("opening chromem db at %s: %w", dir, err)
		}
	}
	return &ChromemStore{db: db, collections: make(map[string]*chromem.Collection)}, nil
}

// Vectors are always computed by an Embedder before they reach the store.
func precomputedOnly(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("embedding function called but vectors should be pre-computed")
}

func collectionName(table, tenant, taskType, model string) string {
	return strings.Join([]string{
		table, url.PathEscape(tenant), url.PathEscape(taskType), url.PathEscape(model),
	}, "|")
}

// tenantPrefix matches every collection of one tenant in table.
func tenantPrefix(table, tenant string) string {
	return table + "|" + url.PathEscape(tenant) + "|"
}

func (s *ChromemStore) collection(name string) (*chromem.Collection, error) {
	s.mu.RLock()
	if col, ok := s.collections[name]; ok {
		s.mu.RUnlock()
		return col, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(name, nil, precomputedOnly)
	if err != nil {
		return nil, fmt.Errorf("get/create collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

func (s *ChromemStore) Insert(ctx context.Context, table string, records []Record) error {
	if err := checkTable(table); err != nil {
		return err
	}
	byCollection := make(map[string][]chromem.Document)
	for _, r := range records {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("encoding fields for %s: %w", r.ID, err)
		}
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		meta := map[string]string{
			"tenant_id":  r.TenantID,
			"task_type":  r.TaskType,
			"source_ref": r.SourceRef,
			"created_at": storage.FormatTime(createdAt),
		}
		if r.IsCorrection() {
			meta["field_name"] = r.FieldName
			meta["old_value"] = r.OldValue
			meta["new_value"] = r.NewValue
		}
		name := collectionName(table, r.TenantID, r.TaskType, r.EmbedModel)
		byCollection[name] = append(byCollection[name], chromem.Document{
			ID:        r.ID,
			Content:   string(fields),
			Metadata:  meta,
			Embedding: r.Embedding,
		})
	}
	for name, docs := range byCollection {
		col, err := s.collection(name)
		if err != nil {
			return err
		}
		if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return fmt.Errorf("adding documents to %q: %w", name, err)
		}
	}
	return nil
}

func (s *ChromemStore) Search(ctx context.Context, table string, q Query) ([]ScoredRecord, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if q.TopK <= 0 || norm(q.Vector) == 0 {
		return nil, nil
	}

	var cols []*chromem.Collection
	if q.TenantID == storage.NoTenant {
		prefix := table + "|"
		suffix := "|" + url.PathEscape(q.TaskType) + "|" + url.PathEscape(q.EmbedModel)
		for name, col := range s.db.ListCollections() {
			if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, suffix) {
				cols = append(cols, col)
			}
		}
	} else {
		col, err := s.collection(collectionName(table, q.TenantID, q.TaskType, q.EmbedModel))
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}

	var results []ScoredRecord
	for _, col := range cols {
		// Rank the whole scope ourselves: chromem picks among equal scores
		// arbitrarily, and ties must go to the newest record.
		n := col.Count()
		if n == 0 {
			continue
		}
		found, err := col.QueryEmbedding(ctx, q.Vector, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("querying collection: %w", err)
		}
		for _, res := range found {
			r, err := recordFromResult(res, q.EmbedModel)
			if err != nil {
				return nil, err
			}
			results = append(results, ScoredRecord{Record: r, Score: res.Similarity})
		}
	}

	sortRanked(results)
	if len(results) > q.TopK {
		results = results[:q.TopK]
	}
	return results, nil
}

func recordFromResult(res chromem.Result, model string) (Record, error) {
	r := Record{
		ID:         res.ID,
		TenantID:   res.Metadata["tenant_id"],
		TaskType:   res.Metadata["task_type"],
		SourceRef:  res.Metadata["source_ref"],
		Embedding:  res.Embedding,
		EmbedModel: model,
		EmbedDim:   len(res.Embedding),
		FieldName:  res.Metadata["field_name"],
		OldValue:   res.Metadata["old_value"],
		NewValue:   res.Metadata["new_value"],
	}
	if err := json.Unmarshal([]byte(res.Content), &r.Fields); err != nil {
		return Record{}, fmt.Errorf("decoding fields for %s: %w", res.ID, err)
	}
	t, err := time.Parse(storage.TimeLayout, res.Metadata["created_at"])
	if err != nil {
		return Record{}, fmt.Errorf("parsing created_at for %s: %w", res.ID, err)
	}
	r.CreatedAt = t
	return r, nil
}

func (s *ChromemStore) DeleteTenant(ctx context.Context, tenant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctxPrefix := tenantPrefix(TableContext, tenant)
	corrPrefix := tenantPrefix(TableCorrections, tenant)
	for name := range s.db.ListCollections() {
		if !strings.HasPrefix(name, ctxPrefix) && !strings.HasPrefix(name, corrPrefix) {
			continue
		}
		if err := s.db.DeleteCollection(name); err != nil {
			return fmt.Errorf("deleting collection %q: %w", name, err)
		}
		delete(s.collections, name)
	}
	return nil
}

func (s *ChromemStore) Count(ctx context.Context, table, tenant string) (int, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	prefix := table + "|"
	if tenant != storage.NoTenant {
		prefix = tenantPrefix(table, tenant)
	}
	total := 0
	for name, col := range s.db.ListCollections() {
		if strings.HasPrefix(name, prefix) {
			total += col.Count()
		}
	}
	return total, nil
}
