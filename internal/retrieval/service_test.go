package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// failingEmbedder always returns err.
type failingEmbedder struct{ err error }

func (f failingEmbedder) Embed(context.Context, string) ([]float32, error) { return nil, f.err }
func (f failingEmbedder) Version() Version                                 { return Version{Model: "broken", Dimension: 8} }

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(NewHashEmbedder(0), openTestStore(t), Options{})
}

func TestRetrieve_RoundTripSelfFirst(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	texts := []string{
		"Your account XX1234 was debited Rs. 1,500 at Swiggy",
		"Weekly engineering newsletter: Go 1.25 released",
		"Meeting moved to Thursday, please confirm attendance",
		"Your electricity bill of Rs. 2,340 is due",
	}
	for i, text := range texts {
		_, err := svc.Store(ctx, StoreRequest{
			TenantID: "a", TaskType: "triage", SourceRef: fmt.Sprintf("m%d", i), Text: text,
			Fields: map[string]any{"category": "Other", "n": i},
		})
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	for i, text := range texts {
		results, err := svc.Retrieve(ctx, "a", "triage", text)
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		if len(results) == 0 {
			t.Fatalf("no results for %q", text)
		}
		if results[0].SourceRef != fmt.Sprintf("m%d", i) {
			t.Errorf("text %d: top result %s, want m%d", i, results[0].SourceRef, i)
		}
	}
}

func TestRetrieve_Caps(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		req := StoreRequest{TenantID: "a", TaskType: "triage", Text: fmt.Sprintf("invoice number %d from vendor", i)}
		if _, err := svc.Store(ctx, req); err != nil {
			t.Fatalf("Store: %v", err)
		}
		if _, err := svc.StoreCorrection(ctx, CorrectionRequest{
			StoreRequest: req, FieldName: "category", OldValue: "Work", NewValue: "Finance",
		}); err != nil {
			t.Fatalf("StoreCorrection: %v", err)
		}
	}
	// Other tenant and task type must never leak.
	svc.Store(ctx, StoreRequest{TenantID: "b", TaskType: "triage", Text: "invoice number 1 from vendor"})
	svc.Store(ctx, StoreRequest{TenantID: "a", TaskType: "finance", Text: "invoice number 1 from vendor"})

	results, err := svc.Retrieve(ctx, "a", "triage", "invoice number 1 from vendor")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	var nCorr, nCtx int
	for _, r := range results {
		if r.TenantID != "a" || r.TaskType != "triage" {
			t.Errorf("leaked record %+v", r.Record)
		}
		if r.IsCorrection() {
			nCorr++
		} else {
			nCtx++
		}
	}
	if nCorr != DefaultCorrectionTopK || nCtx != DefaultTopK {
		t.Errorf("got %d corrections and %d records, want %d and %d", nCorr, nCtx, DefaultCorrectionTopK, DefaultTopK)
	}
}

// A correction is returned ahead of an ordinary record even when the ordinary
// record is more similar and newer.
func TestRetrieve_CorrectionPrecedence(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	text := "Quarterly bonus credited to your salary account"

	_, err := svc.StoreCorrection(ctx, CorrectionRequest{
		StoreRequest: StoreRequest{TenantID: "a", TaskType: "triage", Text: text + " last quarter",
			Fields: map[string]any{"category": "Finance"}},
		FieldName: "category", OldValue: "Work", NewValue: "Finance",
	})
	if err != nil {
		t.Fatalf("StoreCorrection: %v", err)
	}
	svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := svc.Store(ctx, StoreRequest{TenantID: "a", TaskType: "triage", Text: text,
		Fields: map[string]any{"category": "Work"}}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	results, err := svc.Retrieve(ctx, "a", "triage", text)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if !results[0].IsCorrection() {
		t.Errorf("first result is not the correction: %+v", results[0].Record)
	}
	if results[1].Score <= results[0].Score {
		t.Errorf("test setup: ordinary record should score higher (%v vs %v)", results[1].Score, results[0].Score)
	}
}

func TestRetrieve_EmbeddingError(t *testing.T) {
	svc := NewService(failingEmbedder{err: errors.New("ollama down")}, openTestStore(t), Options{})

	_, err := svc.Retrieve(context.Background(), "a", "triage", "x")
	var embErr *EmbeddingError
	if !errors.As(err, &embErr) {
		t.Fatalf("err = %v, want *EmbeddingError", err)
	}
	if _, err := svc.Store(context.Background(), StoreRequest{TenantID: "a", TaskType: "triage", Text: "x"}); !errors.As(err, &embErr) {
		t.Errorf("Store err = %v, want *EmbeddingError", err)
	}
}

func TestStoreCorrection_RequiresField(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.StoreCorrection(context.Background(), CorrectionRequest{
		StoreRequest: StoreRequest{TenantID: "a", TaskType: "triage", Text: "x"},
	})
	if err == nil {
		t.Fatal("expected error for missing field name")
	}
}

func TestDistill(t *testing.T) {
	got := Distill(map[string]any{
		"amount":   1500.0,
		"vendor":   "Swiggy",
		"is_sub":   false,
		"nested":   map[string]any{"x": 1},
		"list":     []any{1, 2},
		"nullable": nil,
	})
	if len(got) != 4 {
		t.Errorf("Distill kept %v", got)
	}
	if _, ok := got["nested"]; ok {
		t.Error("nested map kept")
	}
}

func TestFormatContext(t *testing.T) {
	if got := FormatContext(nil); got != "" {
		t.Errorf("FormatContext(nil) = %q, want empty", got)
	}

	records := []ScoredRecord{
		{Record: Record{FieldName: "category", OldValue: "Work", NewValue: "Finance",
			Fields: map[string]any{"category": "Work", "urgency_score": float64(4)}}},
		{Record: Record{Fields: map[string]any{"vendor": "Swiggy", "amount": 1500.0, "category": "Food"}}},
	}
	got := FormatContext(records)

	want := "User corrections on similar past items (authoritative):\n" +
		"- category: 'Work' -> 'Finance' (urgency_score: 4)\n" +
		"\n" +
		"Similar past items:\n" +
		"- amount: 1500; category: Food; vendor: Swiggy"
	if got != want {
		t.Errorf("FormatContext =\n%s\nwant\n%s", got, want)
	}
	if strings.HasSuffix(got, "\n") {
		t.Error("trailing newline")
	}
}
