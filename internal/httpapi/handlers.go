package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"insightstream/internal/domain"
	"insightstream/internal/pipeline"
	"insightstream/internal/storage/sqlite"
)

type SubmitRequest struct {
	Text string `json:"text"`
}

type SubmitResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
}

// FeedbackView is one dashboard row. created_at is unix milliseconds.
type FeedbackView struct {
	ID          string `json:"id"`
	RawText     string `json:"raw_text"`
	Status      string `json:"status"`
	Sentiment   string `json:"sentiment"`
	Category    string `json:"category"`
	Urgency     string `json:"urgency"`
	ActionItem  string `json:"action_item"`
	ImpactScore int    `json:"impact_score"`
	CreatedAt   int64  `json:"created_at"`
}

type RunView struct {
	ID            string         `json:"id"`
	FeedbackID    string         `json:"feedback_id"`
	State         string         `json:"state"`
	NextStep      string         `json:"next_step,omitempty"`
	Category      string         `json:"category,omitempty"`
	ImpactScore   int            `json:"impact_score"`
	StepAttempts  map[string]int `json:"step_attempts"`
	LastError     string         `json:"last_error,omitempty"`
	Abandoned     bool           `json:"abandoned"`
	LeaseOwner    string         `json:"lease_owner,omitempty"`
	CreatedAt     int64          `json:"created_at"`
	UpdatedAt     int64          `json:"updated_at"`
	NextAttemptAt int64          `json:"next_attempt_at,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// submitHandler stores the item as PENDING and starts its analysis run.
// Malformed input is answered with 500 like any other ingestion failure.
func (a *App) submitHandler(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusInternalServerError, "invalid JSON body")
		return
	}

	run, err := a.Pipeline.Submit(r.Context(), req.Text)
	if errors.Is(err, pipeline.ErrEmptyText) {
		writeError(w, http.StatusInternalServerError, "text is required")
		return
	}
	if err != nil {
		slog.Error("submit failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to submit feedback")
		return
	}
	writeJSON(w, http.StatusOK, SubmitResponse{Success: true, ID: run.FeedbackID})
}

// listFeedbackHandler never fails the dashboard: a store error yields [].
func (a *App) listFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	items, err := a.Store.ListFeedback(r.Context())
	if err != nil {
		slog.Error("list feedback failed", "err", err)
		writeJSON(w, http.StatusOK, []FeedbackView{})
		return
	}
	out := make([]FeedbackView, 0, len(items))
	for _, item := range items {
		out = append(out, feedbackView(item))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) listRunsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := sqlite.RunFilter{
		State:         domain.RunState(q.Get("state")),
		AbandonedOnly: q.Get("abandoned") == "true",
	}
	if filter.State != "" && !filter.State.Valid() {
		writeError(w, http.StatusBadRequest, "unknown state")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	runs, err := a.Store.ListRuns(r.Context(), filter)
	if err != nil {
		slog.Error("list runs failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load runs")
		return
	}
	out := make([]RunView, 0, len(runs))
	for _, run := range runs {
		out = append(out, runView(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (a *App) retryRunHandler(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := a.Pipeline.Retry(r.Context(), runID)
	switch {
	case errors.Is(err, sqlite.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
		return
	case errors.Is(err, pipeline.ErrRunNotAbandoned):
		writeError(w, http.StatusConflict, "run is not abandoned")
		return
	case err != nil:
		slog.Error("retry run failed", "run_id", runID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to retry run")
		return
	}
	writeJSON(w, http.StatusAccepted, runView(run))
}

func feedbackView(item domain.FeedbackItem) FeedbackView {
	return FeedbackView{
		ID:          item.ID,
		RawText:     item.RawText,
		Status:      string(item.Status),
		Sentiment:   string(item.Sentiment),
		Category:    item.Category,
		Urgency:     string(item.Urgency),
		ActionItem:  item.ActionItem,
		ImpactScore: item.ImpactScore,
		CreatedAt:   item.CreatedAt.UnixMilli(),
	}
}

func runView(run domain.WorkflowRun) RunView {
	v := RunView{
		ID:           run.ID,
		FeedbackID:   run.FeedbackID,
		State:        string(run.State),
		ImpactScore:  run.ImpactScore,
		StepAttempts: run.StepAttempts,
		LastError:    run.LastError,
		Abandoned:    run.Abandoned(),
		LeaseOwner:   run.LeaseOwner,
		CreatedAt:    run.CreatedAt.UnixMilli(),
		UpdatedAt:    run.UpdatedAt.UnixMilli(),
	}
	if step, ok := run.State.NextStep(); ok {
		v.NextStep = step
	}
	if run.Classification != nil {
		v.Category = run.Classification.Category
	}
	if !run.NextAttemptAt.IsZero() {
		v.NextAttemptAt = run.NextAttemptAt.UnixMilli()
	}
	if v.StepAttempts == nil {
		v.StepAttempts = map[string]int{}
	}
	return v
}
