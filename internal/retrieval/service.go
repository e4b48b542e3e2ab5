package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Default result caps per query.
const (
	DefaultTopK           = 3
	DefaultCorrectionTopK = 2
)

// EmbeddingError reports that text could not be embedded. Callers treat it as
// "no context available", never as a failure of the primary inference.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string { return "embedding failed: " + e.Err.Error() }
func (e *EmbeddingError) Unwrap() error { return e.Err }

// Service retrieves prior records similar to a new input and stores new
// outcomes for future retrieval.
type Service struct {
	embedder       Embedder
	store          VectorStore
	topK           int
	correctionTopK int
	now            func() time.Time
}

type Options struct {
	TopK           int
	CorrectionTopK int
}

func NewService(e Embedder, store VectorStore, opts Options) *Service {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.CorrectionTopK <= 0 {
		opts.CorrectionTopK = DefaultCorrectionTopK
	}
	return &Service{
		embedder:       e,
		store:          store,
		topK:           opts.TopK,
		correctionTopK: opts.CorrectionTopK,
		now:            time.Now,
	}
}

// EmbedVersion reports the embedding function records are written with.
func (s *Service) EmbedVersion() Version {
	return s.embedder.Version()
}

// Retrieve returns up to CorrectionTopK corrections followed by up to TopK
// context records for text, scoped to tenant and taskType. Corrections come
// first regardless of score because they record ground truth. The two
// queries are independent so a long history never crowds corrections out.
func (s *Service) Retrieve(ctx context.Context, tenant, taskType, text string) ([]ScoredRecord, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, &EmbeddingError{Err: err}
	}
	q := Query{
		TenantID:   tenant,
		TaskType:   taskType,
		EmbedModel: s.embedder.Version().Model,
		Vector:     vec,
	}

	var records, corrections []ScoredRecord
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cq := q
		cq.TopK = s.topK
		var err error
		records, err = s.store.Search(gCtx, TableContext, cq)
		if err != nil {
			return fmt.Errorf("searching context records: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		cq := q
		cq.TopK = s.correctionTopK
		var err error
		corrections, err = s.store.Search(gCtx, TableCorrections, cq)
		if err != nil {
			return fmt.Errorf("searching correction records: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(records) > s.topK {
		records = records[:s.topK]
	}
	if len(corrections) > s.correctionTopK {
		corrections = corrections[:s.correctionTopK]
	}
	out := make([]ScoredRecord, 0, len(corrections)+len(records))
	out = append(out, corrections...)
	out = append(out, records...)
	return out, nil
}

// StoreRequest describes a successful outcome to remember.
type StoreRequest struct {
	TenantID  string
	TaskType  string
	SourceRef string
	Text      string
	Fields    map[string]any
}

// Store embeds req.Text and persists a context record. It returns only after
// the record is written.
func (s *Service) Store(ctx context.Context, req StoreRequest) (Record, error) {
	r, err := s.newRecord(ctx, req)
	if err != nil {
		return Record{}, err
	}
	if err := s.store.Insert(ctx, TableContext, []Record{r}); err != nil {
		return Record{}, fmt.Errorf("storing context record: %w", err)
	}
	return r, nil
}

// CorrectionRequest describes a human override of one output field.
type CorrectionRequest struct {
	StoreRequest
	FieldName string
	OldValue  string
	NewValue  string
}

// StoreCorrection embeds the original text and persists a correction record.
func (s *Service) StoreCorrection(ctx context.Context, req CorrectionRequest) (Record, error) {
	if req.FieldName == "" {
		return Record{}, fmt.Errorf("correction requires a field name")
	}
	r, err := s.newRecord(ctx, req.StoreRequest)
	if err != nil {
		return Record{}, err
	}
	r.FieldName = req.FieldName
	r.OldValue = req.OldValue
	r.NewValue = req.NewValue
	if err := s.store.Insert(ctx, TableCorrections, []Record{r}); err != nil {
		return Record{}, fmt.Errorf("storing correction record: %w", err)
	}
	return r, nil
}

// DeleteTenant removes every record of tenant from the vector store.
func (s *Service) DeleteTenant(ctx context.Context, tenant string) error {
	return s.store.DeleteTenant(ctx, tenant)
}

func (s *Service) newRecord(ctx context.Context, req StoreRequest) (Record, error) {
	vec, err := s.embedder.Embed(ctx, req.Text)
	if err != nil {
		return Record{}, &EmbeddingError{Err: err}
	}
	v := s.embedder.Version()
	return Record{
		ID:         uuid.New().String(),
		TenantID:   req.TenantID,
		TaskType:   req.TaskType,
		SourceRef:  req.SourceRef,
		Embedding:  vec,
		EmbedModel: v.Model,
		EmbedDim:   len(vec),
		Fields:     Distill(req.Fields),
		CreatedAt:  s.now(),
	}, nil
}

// Distill keeps only scalar fields. Nested values are dropped so stored
// records stay compact.
func Distill(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch v.(type) {
		case nil, string, bool, int, int64, float32, float64:
			out[k] = v
		}
	}
	return out
}

// FormatContext renders records as a compact block for a prompt. Only
// distilled fields are restated; the original text never is. An empty input
// yields an empty string.
func FormatContext(records []ScoredRecord) string {
	if len(records) == 0 {
		return ""
	}
	var corrections, similar []ScoredRecord
	for _, r := range records {
		if r.IsCorrection() {
			corrections = append(corrections, r)
		} else {
			similar = append(similar, r)
		}
	}

	var b strings.Builder
	if len(corrections) > 0 {
		b.WriteString("User corrections on similar past items (authoritative):\n")
		for _, r := range corrections {
			fmt.Fprintf(&b, "- %s: '%s' -> '%s'", r.FieldName, r.OldValue, r.NewValue)
			if rest := formatFields(r.Fields, r.FieldName); rest != "" {
				b.WriteString(" (" + rest + ")")
			}
			b.WriteString("\n")
		}
	}
	if len(similar) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Similar past items:\n")
		for _, r := range similar {
			b.WriteString("- " + formatFields(r.Fields, "") + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatFields(fields map[string]any, skip string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k != skip {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+formatScalar(fields[k]))
	}
	return strings.Join(parts, "; ")
}

func formatScalar(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	default:
		return fmt.Sprint(x)
	}
}
