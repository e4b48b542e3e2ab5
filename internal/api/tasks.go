package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/envoyai/agentcore/internal/dispatch"
	"github.com/envoyai/agentcore/internal/docparse"
	"github.com/envoyai/agentcore/internal/storage"
)

type SubmitTaskRequest struct {
	TaskType    string `json:"task_type"`
	SourceRef   string `json:"source_ref"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	// Wait runs the task and its handoff chain before responding.
	Wait bool `json:"wait"`
}

type CorrectionRequest struct {
	TaskType  string `json:"task_type"`
	SourceRef string `json:"source_ref"`
	FieldName string `json:"field_name"`
	OldValue  string `json:"old_value"`
	NewValue  string `json:"new_value"`
	Content   string `json:"content,omitempty"`
}

// TaskView is the presentation form of a task. Status is one of
// pending, success or failed; a running task reads as pending.
type TaskView struct {
	ID           string          `json:"task_id"`
	TaskType     string          `json:"task_type"`
	SourceRef    string          `json:"source_ref"`
	FlowID       string          `json:"flow_id"`
	ParentTaskID string          `json:"parent_task_id,omitempty"`
	Status       string          `json:"status"`
	Attempts     int             `json:"attempts"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

func taskView(t storage.Task) TaskView {
	v := TaskView{
		ID:           t.ID,
		TaskType:     t.TaskType,
		SourceRef:    t.SourceRef,
		FlowID:       t.FlowID,
		ParentTaskID: t.ParentTaskID,
		Status:       t.Status,
		Attempts:     t.Attempts,
		Error:        t.LastError,
		CreatedAt:    t.CreatedAt,
	}
	if v.Status == storage.TaskRunning {
		v.Status = storage.TaskPending
	}
	if t.OutputJSON != "" {
		v.Output = json.RawMessage(t.OutputJSON)
	}
	if !t.CompletedAt.IsZero() {
		c := t.CompletedAt
		v.CompletedAt = &c
	}
	return v
}

func handleSubmitTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SubmitTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.TaskType == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "task_type is required")
			return
		}

		text, err := docparse.Extract(r.Context(), req.ContentType, req.Content)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unreadable content: %v", err)
			return
		}
		if strings.TrimSpace(text) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		sub := dispatch.SubmitRequest{
			TenantID:  TenantFrom(r.Context()),
			TaskType:  req.TaskType,
			SourceRef: req.SourceRef,
			Text:      text,
		}
		if req.Wait {
			res, err := deps.Flows.RunFlow(r.Context(), sub)
			if err != nil {
				dispatchError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, res)
			return
		}

		t, err := deps.Dispatcher.Submit(r.Context(), sub)
		if err != nil {
			dispatchError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, taskView(t))
	}
}

func handleGetTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Store.GetTask(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get task: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, taskView(t))
	}
}

func handleCancelTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.CancelTask(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"))
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "task not found")
		case errors.Is(err, storage.ErrNotPending):
			httpError(w, http.StatusConflict, "conflict", "task has already started")
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to cancel task: %v", err)
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
		}
	}
}

func handleSubmitCorrection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CorrectionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.TaskType == "" || req.SourceRef == "" || req.FieldName == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "task_type, source_ref and field_name are required")
			return
		}

		res, err := deps.Dispatcher.SubmitCorrection(r.Context(), dispatch.CorrectionRequest{
			TenantID:  TenantFrom(r.Context()),
			TaskType:  req.TaskType,
			SourceRef: req.SourceRef,
			FieldName: req.FieldName,
			OldValue:  req.OldValue,
			NewValue:  req.NewValue,
			Text:      req.Content,
		})
		if err != nil {
			dispatchError(w, err)
			return
		}
		code := http.StatusCreated
		if res.Queued {
			code = http.StatusAccepted
		}
		writeJSON(w, code, res)
	}
}

// dispatchError maps the dispatch error taxonomy onto HTTP statuses.
func dispatchError(w http.ResponseWriter, err error) {
	var perr *dispatch.PersistenceError
	var exhausted *dispatch.ChainExhaustedError
	switch {
	case errors.Is(err, dispatch.ErrUnknownTaskType):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, dispatch.ErrAlreadyRunning):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.As(err, &exhausted):
		httpError(w, http.StatusBadGateway, "provider_error", "%v", err)
	case errors.As(err, &perr):
		httpError(w, http.StatusServiceUnavailable, "api_error", "%v", err)
	default:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	}
}
