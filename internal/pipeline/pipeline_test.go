package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"insightstream/internal/domain"
	"insightstream/internal/queue"
	"insightstream/internal/storage/sqlite"
)

var errTransient = errors.New("database is locked")

type stubClassifier struct {
	mu     sync.Mutex
	calls  int
	result domain.ClassificationResult
	onCall func()
}

func (s *stubClassifier) Classify(_ context.Context, _ string) domain.ClassificationResult {
	s.mu.Lock()
	s.calls++
	onCall := s.onCall
	s.mu.Unlock()
	if onCall != nil {
		onCall()
	}
	return s.result
}

func (s *stubClassifier) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// flakyStore fails selected operations. A negative budget fails forever.
type flakyStore struct {
	*sqlite.Store
	mu     sync.Mutex
	budget map[string]int
	calls  map[string]int
}

func newFlakyStore(store *sqlite.Store) *flakyStore {
	return &flakyStore{Store: store, budget: map[string]int{}, calls: map[string]int{}}
}

func (f *flakyStore) failNext(op string, n int) {
	f.mu.Lock()
	f.budget[op] = n
	f.mu.Unlock()
}

func (f *flakyStore) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	switch n := f.budget[op]; {
	case n < 0:
		return errTransient
	case n > 0:
		f.budget[op] = n - 1
		return errTransient
	}
	return nil
}

func (f *flakyStore) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *flakyStore) CountByCategory(ctx context.Context, category, excludeID string) (int, error) {
	if err := f.check("CountByCategory"); err != nil {
		return 0, err
	}
	return f.Store.CountByCategory(ctx, category, excludeID)
}

func (f *flakyStore) UpdateFinal(ctx context.Context, id string, res domain.FinalResult) error {
	if err := f.check("UpdateFinal"); err != nil {
		return err
	}
	return f.Store.UpdateFinal(ctx, id, res)
}

func (f *flakyStore) CompleteStep(ctx context.Context, id, owner, step string, out domain.StepOutput) error {
	if err := f.check("CompleteStep:" + step); err != nil {
		return err
	}
	return f.Store.CompleteStep(ctx, id, owner, step, out)
}

type recordingNotifier struct {
	mu    sync.Mutex
	runs  []domain.WorkflowRun
	steps []string
}

func (n *recordingNotifier) RunAbandoned(_ context.Context, run domain.WorkflowRun, step string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runs = append(n.runs, run)
	n.steps = append(n.steps, step)
	return nil
}

func openStore(t *testing.T, opts ...sqlite.Option) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "pipeline.db"), opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testConfig() Config {
	return Config{
		Workers:     2,
		MaxAttempts: 3,
		StepTimeout: 5 * time.Second,
		Lease:       time.Minute,
		Retry: RetryPolicy{
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
	}
}

func outage() domain.ClassificationResult {
	return domain.ClassificationResult{
		Sentiment:  domain.SentimentNegative,
		Category:   domain.CategoryOutage,
		Urgency:    domain.UrgencyHigh,
		BaseScore:  95,
		ActionItem: "Restore EU payment processing",
	}
}

func TestExecute_EndToEnd(t *testing.T) {
	store := openStore(t)
	classifier := &stubClassifier{result: outage()}
	p := New(store, classifier, nil, nil, testConfig())
	ctx := context.Background()

	run, err := p.Submit(ctx, "Payments are failing for all EU users")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	item, _ := store.GetFeedback(ctx, run.FeedbackID)
	if item.Status != domain.StatusPending {
		t.Fatalf("expected PENDING before execution, got %s", item.Status)
	}

	if err := p.Execute(ctx, run.ID, "worker-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	item, err = store.GetFeedback(ctx, run.FeedbackID)
	if err != nil {
		t.Fatalf("get feedback: %v", err)
	}
	if item.Status != domain.StatusReady {
		t.Fatalf("expected READY, got %s", item.Status)
	}
	if item.ImpactScore != 95 || item.Category != domain.CategoryOutage || item.Urgency != domain.UrgencyHigh {
		t.Fatalf("unexpected final item %+v", item)
	}
	if item.ActionItem != "Restore EU payment processing" {
		t.Fatalf("unexpected action item %q", item.ActionItem)
	}

	stored, _ := store.GetRun(ctx, run.ID)
	if stored.State != domain.RunPersisted || stored.LeaseOwner != "" {
		t.Fatalf("expected persisted released run, got %+v", stored)
	}
	if classifier.Calls() != 1 {
		t.Fatalf("expected one classifier call, got %d", classifier.Calls())
	}
}

func TestExecute_VolumeRaisesScore(t *testing.T) {
	store := openStore(t)
	bug := domain.ClassificationResult{
		Sentiment: domain.SentimentNegative, Category: domain.CategoryBug,
		Urgency: domain.UrgencyMedium, BaseScore: 60, ActionItem: "Fix export",
	}
	p := New(store, &stubClassifier{result: bug}, nil, nil, testConfig())
	ctx := context.Background()

	for i, want := range []int{60, 63, 66} {
		run, err := p.Submit(ctx, "CSV export crashes")
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if err := p.Execute(ctx, run.ID, "w"); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
		item, _ := store.GetFeedback(ctx, run.FeedbackID)
		if item.ImpactScore != want {
			t.Fatalf("item %d: expected score %d, got %d", i, want, item.ImpactScore)
		}
	}
}

func TestExecute_FallbackClassificationFlowsThrough(t *testing.T) {
	store := openStore(t)
	p := New(store, &stubClassifier{result: domain.FallbackClassification()}, nil, nil, testConfig())
	ctx := context.Background()

	run, _ := p.Submit(ctx, "I love this!!")
	if err := p.Execute(ctx, run.ID, "w"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	item, _ := store.GetFeedback(ctx, run.FeedbackID)
	if item.Status != domain.StatusReady || item.ImpactScore != domain.FallbackBaseScore || item.ActionItem != domain.FallbackActionItem {
		t.Fatalf("unexpected fallback item %+v", item)
	}
}

func TestExecute_ResumesFromCheckpoint(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	run, err := store.Submit(ctx, "r1", "Payments are failing for all EU users", time.Now())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// A previous worker classified the run and then died.
	if _, _, err := store.ClaimRun(ctx, run.ID, "dead-worker", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	checkpoint := outage()
	if err := store.CompleteStep(ctx, run.ID, "dead-worker", domain.StepAIAnalysis, domain.StepOutput{Classification: &checkpoint}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.ReleaseLease(ctx, run.ID, "dead-worker"); err != nil {
		t.Fatalf("release: %v", err)
	}

	classifier := &stubClassifier{result: domain.FallbackClassification()}
	p := New(store, classifier, nil, nil, testConfig())
	if err := p.Execute(ctx, run.ID, "w"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if classifier.Calls() != 0 {
		t.Fatalf("ai-analysis must not rerun after its checkpoint, got %d calls", classifier.Calls())
	}
	item, _ := store.GetFeedback(ctx, "r1")
	if item.Category != domain.CategoryOutage || item.ImpactScore != 95 {
		t.Fatalf("expected checkpointed classification to be used, got %+v", item)
	}
}

func TestExecute_RetriesTransientStoreFailures(t *testing.T) {
	store := newFlakyStore(openStore(t))
	store.failNext("CountByCategory", 2)
	p := New(store, &stubClassifier{result: outage()}, nil, nil, testConfig())
	ctx := context.Background()

	run, _ := p.Submit(ctx, "site down")
	if err := p.Execute(ctx, run.ID, "w"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got := store.Calls("CountByCategory"); got != 3 {
		t.Fatalf("expected count to be re-read on every attempt (3 calls), got %d", got)
	}
	stored, _ := store.GetRun(ctx, run.ID)
	if stored.State != domain.RunPersisted {
		t.Fatalf("expected PERSISTED, got %s", stored.State)
	}
	if stored.Attempts(domain.StepCalculateVolume) != 2 {
		t.Fatalf("expected 2 recorded failures, got %d", stored.Attempts(domain.StepCalculateVolume))
	}
}

func TestExecute_SaveIsSafeToRepeat(t *testing.T) {
	store := newFlakyStore(openStore(t))
	// The write lands but the checkpoint does not, so save-to-db runs again.
	store.failNext("CompleteStep:"+domain.StepSaveToDB, 1)
	p := New(store, &stubClassifier{result: outage()}, nil, nil, testConfig())
	ctx := context.Background()

	run, _ := p.Submit(ctx, "site down")
	if err := p.Execute(ctx, run.ID, "w"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := store.Calls("UpdateFinal"); got != 2 {
		t.Fatalf("expected UpdateFinal twice, got %d", got)
	}
	item, _ := store.GetFeedback(ctx, run.FeedbackID)
	if item.Status != domain.StatusReady || item.ImpactScore != 95 {
		t.Fatalf("unexpected item after repeated save %+v", item)
	}
}

func TestExecute_UnrecordedSaveCountsOnce(t *testing.T) {
	store := newFlakyStore(openStore(t))
	bug := domain.ClassificationResult{
		Sentiment: domain.SentimentNegative, Category: domain.CategoryBug,
		Urgency: domain.UrgencyMedium, BaseScore: 60, ActionItem: "Fix export",
	}
	p := New(store, &stubClassifier{result: bug}, nil, nil, testConfig())
	ctx := context.Background()

	// The item write lands every time but the run never records save-to-db.
	store.failNext("CompleteStep:"+domain.StepSaveToDB, -1)
	first, _ := p.Submit(ctx, "CSV export crashes")
	if err := p.Execute(ctx, first.ID, "w"); !errors.Is(err, ErrRunAbandoned) {
		t.Fatalf("expected ErrRunAbandoned, got %v", err)
	}
	stored, _ := store.GetRun(ctx, first.ID)
	if !stored.Abandoned() || stored.State != domain.RunScored {
		t.Fatalf("unexpected first run %+v", stored)
	}

	store.failNext("CompleteStep:"+domain.StepSaveToDB, 0)
	second, _ := p.Submit(ctx, "CSV export crashes again")
	if err := p.Execute(ctx, second.ID, "w"); err != nil {
		t.Fatalf("execute second: %v", err)
	}
	item, _ := store.GetFeedback(ctx, second.FeedbackID)
	if item.ImpactScore != 63 {
		t.Fatalf("expected the first item counted once (score 63), got %d", item.ImpactScore)
	}
}

func TestExecute_AbandonsAndRetryRevives(t *testing.T) {
	store := newFlakyStore(openStore(t))
	store.failNext("UpdateFinal", -1)
	notifier := &recordingNotifier{}
	q := queue.NewMemory(4)
	p := New(store, &stubClassifier{result: outage()}, q, notifier, testConfig())
	ctx := context.Background()

	run, _ := p.Submit(ctx, "site down")
	if id, err := q.Dequeue(ctx); err != nil || id != run.ID {
		t.Fatalf("expected submitted run on the queue, got %q %v", id, err)
	}

	err := p.Execute(ctx, run.ID, "w")
	if !errors.Is(err, ErrRunAbandoned) {
		t.Fatalf("expected ErrRunAbandoned, got %v", err)
	}
	if got := store.Calls("UpdateFinal"); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}

	stored, _ := store.GetRun(ctx, run.ID)
	if !stored.Abandoned() || stored.State != domain.RunScored || stored.LastError == "" {
		t.Fatalf("unexpected abandoned run %+v", stored)
	}
	item, _ := store.GetFeedback(ctx, run.FeedbackID)
	if item.Status != domain.StatusPending {
		t.Fatalf("abandoned item must stay PENDING, got %s", item.Status)
	}
	if len(notifier.steps) != 1 || notifier.steps[0] != domain.StepSaveToDB || notifier.runs[0].ID != run.ID {
		t.Fatalf("expected one notification for save-to-db, got %v", notifier.steps)
	}

	// Abandoned runs are not picked up again by a plain execution.
	if err := p.Execute(ctx, run.ID, "w"); err != nil {
		t.Fatalf("execute abandoned: %v", err)
	}
	if got := store.Calls("UpdateFinal"); got != 3 {
		t.Fatalf("abandoned run must not execute, got %d UpdateFinal calls", got)
	}

	store.failNext("UpdateFinal", 0)
	if _, err := p.Retry(ctx, run.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	id, err := q.Dequeue(ctx)
	if err != nil || id != run.ID {
		t.Fatalf("expected revived run on the queue, got %q %v", id, err)
	}
	if err := p.Execute(ctx, id, "w"); err != nil {
		t.Fatalf("execute revived: %v", err)
	}
	item, _ = store.GetFeedback(ctx, run.FeedbackID)
	if item.Status != domain.StatusReady {
		t.Fatalf("expected READY after retry, got %s", item.Status)
	}

	if _, err := p.Retry(ctx, run.ID); !errors.Is(err, ErrRunNotAbandoned) {
		t.Fatalf("expected ErrRunNotAbandoned, got %v", err)
	}
}

func TestExecute_LeasedRunIsSkipped(t *testing.T) {
	store := openStore(t)
	classifier := &stubClassifier{result: outage()}
	p := New(store, classifier, nil, nil, testConfig())
	ctx := context.Background()

	run, _ := p.Submit(ctx, "site down")
	if _, ok, err := store.ClaimRun(ctx, run.ID, "other-worker", time.Minute); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}

	if err := p.Execute(ctx, run.ID, "w"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if classifier.Calls() != 0 {
		t.Fatalf("expected leased run to be left alone, got %d classifier calls", classifier.Calls())
	}
	stored, _ := store.GetRun(ctx, run.ID)
	if stored.LeaseOwner != "other-worker" {
		t.Fatalf("lease must stay with its owner, got %q", stored.LeaseOwner)
	}
}

func TestExecute_CancellationWaitsForStepBoundary(t *testing.T) {
	store := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	classifier := &stubClassifier{result: outage(), onCall: cancel}
	p := New(store, classifier, nil, nil, testConfig())

	run, _ := p.Submit(context.Background(), "site down")
	err := p.Execute(ctx, run.ID, "w")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	stored, _ := store.GetRun(context.Background(), run.ID)
	if stored.State != domain.RunClassified {
		t.Fatalf("expected the in-flight step to finish, got state %s", stored.State)
	}
	if stored.LeaseOwner != "" {
		t.Fatalf("expected lease released on exit, got %q", stored.LeaseOwner)
	}

	if err := p.Execute(context.Background(), run.ID, "w2"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if classifier.Calls() != 1 {
		t.Fatalf("expected no reclassification on resume, got %d calls", classifier.Calls())
	}
}

func TestSubmit_RejectsBlankText(t *testing.T) {
	p := New(openStore(t), &stubClassifier{}, nil, nil, testConfig())
	if _, err := p.Submit(context.Background(), "   "); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}

func TestRun_WorkersDrainQueue(t *testing.T) {
	store := openStore(t)
	q := queue.NewMemory(16)
	p := New(store, &stubClassifier{result: outage()}, q, nil, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	var ids []string
	for i := 0; i < 5; i++ {
		run, err := p.Submit(context.Background(), "site down")
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids = append(ids, run.FeedbackID)
	}

	deadline := time.Now().Add(10 * time.Second)
	for _, id := range ids {
		for {
			item, err := store.GetFeedback(context.Background(), id)
			if err == nil && item.Status == domain.StatusReady {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("item %s not READY in time", id)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("workers did not stop")
	}
}

func TestSweep_ResumesStalledRunsAndPrunes(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	store := openStore(t, sqlite.WithClock(clock))
	q := queue.NewMemory(8)
	cfg := testConfig()
	cfg.ResumeGrace = 30 * time.Second
	cfg.ArchiveRetention = time.Hour
	p := New(store, &stubClassifier{result: outage()}, q, nil, cfg)
	p.now = clock
	ctx := context.Background()

	// Stalled: stored but never enqueued.
	if _, err := store.Submit(ctx, "stalled", "site down", clock()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, _ := p.Submit(ctx, "site down")
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := p.Execute(ctx, done.ID, "w"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	resumed, pruned, err := p.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if resumed != 0 || pruned != 0 {
		t.Fatalf("nothing is stale yet, got resumed=%d pruned=%d", resumed, pruned)
	}

	advance(time.Minute)
	resumed, _, err = p.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("expected the stalled run to be resumed, got %d", resumed)
	}
	// A second sweep before any worker picks it up must not duplicate it.
	if _, _, err := p.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected the stalled run queued once, got %d entries", q.Len())
	}
	if id, _ := q.Dequeue(ctx); id != "stalled" {
		t.Fatalf("expected stalled run on the queue, got %q", id)
	}

	advance(2 * time.Hour)
	_, pruned, err = p.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected the persisted run to be pruned, got %d", pruned)
	}
	if item, err := store.GetFeedback(ctx, done.FeedbackID); err != nil || item.Status != domain.StatusReady {
		t.Fatalf("pruning must keep the feedback item, got %+v %v", item, err)
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	policy := RetryPolicy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}
	cases := map[int]time.Duration{
		0:   time.Second,
		1:   time.Second,
		2:   2 * time.Second,
		3:   4 * time.Second,
		4:   8 * time.Second,
		5:   10 * time.Second,
		500: 10 * time.Second,
	}
	for attempt, want := range cases {
		if got := policy.Backoff(attempt); got != want {
			t.Fatalf("Backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	p := New(nil, nil, nil, nil, Config{})
	if p.cfg.Workers != 1 || p.cfg.MaxAttempts != 5 || p.cfg.Retry.Multiplier != 2 || p.cfg.ResumeSchedule == "" {
		t.Fatalf("unexpected defaults %+v", p.cfg)
	}
	if p.cfg.Lease <= p.cfg.StepTimeout+p.cfg.Retry.MaxDelay {
		t.Fatalf("lease %v must outlive a step plus backoff", p.cfg.Lease)
	}
	if _, ok := p.notifier.(LogNotifier); !ok {
		t.Fatalf("expected LogNotifier default, got %T", p.notifier)
	}
}
