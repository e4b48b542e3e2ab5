package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/envoyai/agentcore/internal/agent"
	"github.com/envoyai/agentcore/internal/retrieval"
	"github.com/envoyai/agentcore/internal/storage"
)

// CorrectionRequest records a human override of one field of an agent's
// output for a source document.
type CorrectionRequest struct {
	TenantID  string
	TaskType  string
	SourceRef string
	FieldName string
	OldValue  string
	NewValue  string
	// Text is the document text. When empty, the input of the latest
	// successful task for the source is used.
	Text string
}

// CorrectionResult reports how a correction was recorded.
type CorrectionResult struct {
	RecordID string `json:"record_id,omitempty"`
	Queued   bool   `json:"queued"`
}

// SubmitCorrection stores a correction record. When the prior task for the
// source is known its output fields are stored alongside, with the corrected
// field set to the new value. If the write fails it is queued for retry.
func (d *Dispatcher) SubmitCorrection(ctx context.Context, req CorrectionRequest) (CorrectionResult, error) {
	if req.FieldName == "" {
		return CorrectionResult{}, errors.New("correction requires a field name")
	}
	if _, _, err := d.resolve(req.TaskType); err != nil {
		return CorrectionResult{}, err
	}
	if req.TenantID == "" {
		req.TenantID = storage.NoTenant
	}

	fields := map[string]any{}
	prior, err := d.store.LatestTaskForSource(ctx, req.TenantID, req.TaskType, req.SourceRef)
	switch {
	case err == nil:
		if prior.OutputJSON != "" {
			if err := json.Unmarshal([]byte(prior.OutputJSON), &fields); err != nil {
				return CorrectionResult{}, fmt.Errorf("decoding prior output: %w", err)
			}
		}
		if req.Text == "" {
			req.Text = prior.InputText
		}
		if req.OldValue == "" {
			if v, ok := fields[req.FieldName]; ok && v != nil {
				req.OldValue = fmt.Sprint(v)
			}
		}
	case errors.Is(err, storage.ErrNotFound):
		if req.Text == "" {
			return CorrectionResult{}, fmt.Errorf("no completed %s task for source %q and no text given: %w", req.TaskType, req.SourceRef, storage.ErrNotFound)
		}
	default:
		return CorrectionResult{}, &PersistenceError{Op: "load prior task", Err: err}
	}
	fields[req.FieldName] = req.NewValue

	p := StorePayload{
		TenantID:  req.TenantID,
		TaskType:  req.TaskType,
		SourceRef: req.SourceRef,
		Text:      agent.Truncate(req.Text),
		Fields:    retrieval.Distill(fields),
		FieldName: req.FieldName,
		OldValue:  req.OldValue,
		NewValue:  req.NewValue,
	}
	rec, err := d.storeNow(ctx, p)
	if err == nil {
		return CorrectionResult{RecordID: rec.ID}, nil
	}
	d.logger.Warn("correction store failed, queueing retry", "source_ref", req.SourceRef, "error", err)
	wctx, cancel := d.writeCtx()
	defer cancel()
	if qerr := d.enqueueStore(wctx, p); qerr != nil {
		return CorrectionResult{}, &PersistenceError{Op: "queue correction", Err: errors.Join(qerr, err)}
	}
	return CorrectionResult{Queued: true}, nil
}
