package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"insightstream/internal/domain"
	"insightstream/internal/pipeline"
	"insightstream/internal/queue"
	"insightstream/internal/storage/sqlite"
)

type fixedClassifier struct {
	result domain.ClassificationResult
}

func (c fixedClassifier) Classify(context.Context, string) domain.ClassificationResult {
	return c.result
}

type brokenStore struct{}

func (brokenStore) ListFeedback(context.Context) ([]domain.FeedbackItem, error) {
	return nil, errors.New("disk I/O error")
}

func (brokenStore) ListRuns(context.Context, sqlite.RunFilter) ([]domain.WorkflowRun, error) {
	return nil, errors.New("disk I/O error")
}

func (brokenStore) Health(context.Context) error {
	return errors.New("disk I/O error")
}

type testEnv struct {
	store    *sqlite.Store
	pipeline *pipeline.Pipeline
	queue    *queue.Memory
	handler  http.Handler
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	q := queue.NewMemory(16)
	p := pipeline.New(store, fixedClassifier{result: domain.ClassificationResult{
		Sentiment:  domain.SentimentNegative,
		Category:   domain.CategoryOutage,
		Urgency:    domain.UrgencyHigh,
		BaseScore:  95,
		ActionItem: "Restore payments",
	}}, q, nil, pipeline.Config{
		MaxAttempts: 2,
		StepTimeout: 5 * time.Second,
		Retry:       pipeline.RetryPolicy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
	})
	app := &App{Store: store, Pipeline: p}
	return testEnv{store: store, pipeline: p, queue: q, handler: NewRouter(app, nil)}
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitThenDashboard(t *testing.T) {
	env := newTestEnv(t)

	rec := doRequest(t, env.handler, http.MethodPost, "/submit", `{"text":"Payments are failing for all EU users"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp SubmitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if !resp.Success || resp.ID == "" {
		t.Fatalf("unexpected submit response %+v", resp)
	}
	if env.queue.Len() != 1 {
		t.Fatalf("expected run enqueued, queue len %d", env.queue.Len())
	}

	rec = doRequest(t, env.handler, http.MethodGet, "/api/data", "")
	var rows []FeedbackView
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode rows: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != "PENDING" || rows[0].ID != resp.ID || rows[0].CreatedAt == 0 {
		t.Fatalf("expected one PENDING row, got %+v", rows)
	}

	if err := env.pipeline.Execute(context.Background(), resp.ID, "w"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	rec = doRequest(t, env.handler, http.MethodGet, "/api/results", "")
	rows = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode rows: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != "READY" || rows[0].ImpactScore != 95 || rows[0].Category != "Outage" {
		t.Fatalf("expected READY outage row, got %+v", rows)
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	for name, body := range map[string]string{
		"bad json":     `{"text":`,
		"missing text": `{}`,
		"blank text":   `{"text":"   "}`,
	} {
		rec := doRequest(t, env.handler, http.MethodPost, "/submit", body)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("%s: expected 500, got %d", name, rec.Code)
		}
		var errResp map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil || errResp["error"] == "" {
			t.Fatalf("%s: expected error body, got %q", name, rec.Body.String())
		}
	}
	items, _ := env.store.ListFeedback(context.Background())
	if len(items) != 0 {
		t.Fatalf("rejected input must not create items, got %d", len(items))
	}
}

func TestListFeedbackStoreFailureReturnsEmptyList(t *testing.T) {
	h := NewRouter(&App{Store: brokenStore{}}, nil)
	rec := doRequest(t, h, http.MethodGet, "/api/data", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected [], got %q", rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from healthz, got %d", rec.Code)
	}
}

func TestRunsEndpointsAndRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run, err := env.store.Submit(ctx, "r1", "site down", time.Now())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	rec := doRequest(t, env.handler, http.MethodPost, "/api/runs/r1/retry", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for live run, got %d", rec.Code)
	}
	rec = doRequest(t, env.handler, http.MethodPost, "/api/runs/nope/retry", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", rec.Code)
	}

	if _, _, err := env.store.ClaimRun(ctx, run.ID, "w", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := env.store.Abandon(ctx, run.ID, "w", "database is locked"); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	rec = doRequest(t, env.handler, http.MethodGet, "/api/runs?abandoned=true", "")
	var list struct {
		Items []RunView `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(list.Items) != 1 || !list.Items[0].Abandoned || list.Items[0].NextStep != domain.StepAIAnalysis {
		t.Fatalf("unexpected abandoned runs %+v", list.Items)
	}

	rec = doRequest(t, env.handler, http.MethodPost, "/api/runs/r1/retry", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.queue.Len() != 1 {
		t.Fatalf("expected revived run on the queue")
	}

	if rec := doRequest(t, env.handler, http.MethodGet, "/api/runs?state=BOGUS", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown state, got %d", rec.Code)
	}
}

func TestDashboardAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rec := doRequest(t, env.handler, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/api/data") {
		t.Fatalf("expected dashboard polling /api/data, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("unexpected content type %q", ct)
	}

	rec = doRequest(t, env.handler, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "insightstream_") {
		t.Fatalf("expected insightstream metrics, got %d", rec.Code)
	}

	rec = doRequest(t, env.handler, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", rec.Code)
	}
}
