package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"insightstream/internal/domain"
)

// attemptCounts is the step_attempts column: a JSON object of step name to
// consecutive failed attempts.
type attemptCounts map[string]int

func (a *attemptCounts) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*a = attemptCounts{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("step_attempts: unsupported type %T", src)
	}
	out := attemptCounts{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("step_attempts: %w", err)
		}
	}
	*a = out
	return nil
}

func (a attemptCounts) Value() (driver.Value, error) {
	if a == nil {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]int(a))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

type runRow struct {
	ID             string        `db:"id"`
	FeedbackID     string        `db:"feedback_id"`
	Text           string        `db:"text"`
	State          string        `db:"state"`
	Classification string        `db:"classification"`
	Category       string        `db:"category"`
	CategoryCount  int           `db:"category_count"`
	ImpactScore    int           `db:"impact_score"`
	StepAttempts   attemptCounts `db:"step_attempts"`
	LastError      string        `db:"last_error"`
	LeaseOwner     string        `db:"lease_owner"`
	LeaseExpiresAt int64         `db:"lease_expires_at"`
	NextAttemptAt  int64         `db:"next_attempt_at"`
	AbandonedAt    int64         `db:"abandoned_at"`
	CreatedAt      int64         `db:"created_at"`
	UpdatedAt      int64         `db:"updated_at"`
	CompletedAt    int64         `db:"completed_at"`
}

const runColumns = `id, feedback_id, text, state, classification, category, category_count, impact_score,
	step_attempts, last_error, lease_owner, lease_expires_at, next_attempt_at, abandoned_at,
	created_at, updated_at, completed_at`

func (r runRow) toDomain() (domain.WorkflowRun, error) {
	run := domain.WorkflowRun{
		ID:             r.ID,
		FeedbackID:     r.FeedbackID,
		Text:           r.Text,
		State:          domain.RunState(r.State),
		CategoryCount:  r.CategoryCount,
		ImpactScore:    r.ImpactScore,
		StepAttempts:   map[string]int(r.StepAttempts),
		LastError:      r.LastError,
		LeaseOwner:     r.LeaseOwner,
		LeaseExpiresAt: fromMillis(r.LeaseExpiresAt),
		NextAttemptAt:  fromMillis(r.NextAttemptAt),
		AbandonedAt:    fromMillis(r.AbandonedAt),
		CreatedAt:      fromMillis(r.CreatedAt),
		UpdatedAt:      fromMillis(r.UpdatedAt),
		CompletedAt:    fromMillis(r.CompletedAt),
	}
	if run.StepAttempts == nil {
		run.StepAttempts = map[string]int{}
	}
	if r.Classification != "" {
		var c domain.ClassificationResult
		if err := json.Unmarshal([]byte(r.Classification), &c); err != nil {
			return domain.WorkflowRun{}, fmt.Errorf("run %s classification: %w", r.ID, err)
		}
		run.Classification = &c
	}
	return run, nil
}

func getRun(ctx context.Context, q sqlx.QueryerContext, id string) (domain.WorkflowRun, error) {
	var row runRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkflowRun{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return row.toDomain()
}

func (s *Store) GetRun(ctx context.Context, id string) (domain.WorkflowRun, error) {
	return getRun(ctx, s.db, id)
}

// ClaimRun leases a run to owner. It returns false when the run is terminal,
// abandoned or leased to someone else.
func (s *Store) ClaimRun(ctx context.Context, id, owner string, lease time.Duration) (domain.WorkflowRun, bool, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs
		 SET lease_owner = ?, lease_expires_at = ?, updated_at = ?
		 WHERE id = ? AND state != ? AND abandoned_at = 0
		   AND (lease_owner = '' OR lease_owner = ? OR lease_expires_at < ?)`,
		owner, toMillis(now.Add(lease)), toMillis(now),
		id, string(domain.RunPersisted), owner, toMillis(now),
	)
	if err != nil {
		return domain.WorkflowRun{}, false, fmt.Errorf("claim run %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return domain.WorkflowRun{}, false, fmt.Errorf("claim run %s: %w", id, err)
	}

	run, err := s.GetRun(ctx, id)
	if err != nil {
		return domain.WorkflowRun{}, false, err
	}
	return run, n > 0, nil
}

// ExtendLease pushes the lease deadline of a run held by owner.
func (s *Store) ExtendLease(ctx context.Context, id, owner string, lease time.Duration) error {
	now := s.now()
	return s.execOwned(ctx, id,
		`UPDATE workflow_runs SET lease_expires_at = ?, updated_at = ? WHERE id = ? AND lease_owner = ?`,
		toMillis(now.Add(lease)), toMillis(now), id, owner,
	)
}

// ReleaseLease drops owner's lease. Releasing a lease that is already gone is
// not an error.
func (s *Store) ReleaseLease(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET lease_owner = '', lease_expires_at = 0 WHERE id = ? AND lease_owner = ?`,
		id, owner,
	)
	if err != nil {
		return fmt.Errorf("release run %s: %w", id, err)
	}
	return nil
}

// CompleteStep checkpoints the output of step and advances the cursor. It
// only applies while owner holds the lease and the run still sits right
// before step.
func (s *Store) CompleteStep(ctx context.Context, id, owner, step string, out domain.StepOutput) error {
	next := domain.StateAfter(step)
	prev, ok := stateBefore(step)
	if !ok || next == "" {
		return fmt.Errorf("complete run %s: unknown step %q", id, step)
	}

	now := toMillis(s.now())
	sets := []string{"state = ?", "last_error = ''", "next_attempt_at = 0", "updated_at = ?"}
	args := []any{string(next), now}

	switch step {
	case domain.StepAIAnalysis:
		if out.Classification == nil {
			return fmt.Errorf("complete run %s: %s without classification", id, step)
		}
		data, err := json.Marshal(out.Classification)
		if err != nil {
			return fmt.Errorf("complete run %s: %w", id, err)
		}
		sets = append(sets, "classification = ?", "category = ?")
		args = append(args, string(data), out.Classification.Category)
	case domain.StepCalculateVolume:
		sets = append(sets, "category_count = ?", "impact_score = ?")
		args = append(args, out.CategoryCount, out.ImpactScore)
	case domain.StepSaveToDB:
		sets = append(sets, "completed_at = ?", "lease_owner = ''", "lease_expires_at = 0")
		args = append(args, now)
	}

	args = append(args, id, owner, string(prev))
	return s.execOwned(ctx, id,
		`UPDATE workflow_runs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND lease_owner = ? AND state = ?`,
		args...,
	)
}

// RecordFailure bumps the attempt counter of step and returns the new count.
func (s *Store) RecordFailure(ctx context.Context, id, owner, step, errMsg string, nextAttemptAt time.Time) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin record failure: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	run, err := getRun(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	if run.LeaseOwner != owner {
		return 0, fmt.Errorf("run %s: %w", id, ErrLeaseLost)
	}
	attempts := attemptCounts(run.StepAttempts)
	attempts[step]++

	_, err = tx.ExecContext(ctx,
		`UPDATE workflow_runs SET step_attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ? WHERE id = ?`,
		attempts, errMsg, toMillis(nextAttemptAt), toMillis(s.now()), id,
	)
	if err != nil {
		return 0, fmt.Errorf("record failure %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit record failure: %w", err)
	}
	return attempts[step], nil
}

// Abandon marks a run as given up and releases its lease.
func (s *Store) Abandon(ctx context.Context, id, owner, errMsg string) error {
	now := toMillis(s.now())
	return s.execOwned(ctx, id,
		`UPDATE workflow_runs
		 SET abandoned_at = ?, last_error = ?, next_attempt_at = 0, lease_owner = '', lease_expires_at = 0, updated_at = ?
		 WHERE id = ? AND lease_owner = ?`,
		now, errMsg, now, id, owner,
	)
}

// Revive clears abandonment and the failed step's counter so the run can be
// executed again.
func (s *Store) Revive(ctx context.Context, id string) (domain.WorkflowRun, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("begin revive: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	run, err := getRun(ctx, tx, id)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	if !run.Abandoned() {
		return domain.WorkflowRun{}, fmt.Errorf("run %s: %w", id, ErrNotAbandoned)
	}
	attempts := attemptCounts(run.StepAttempts)
	if step, ok := run.State.NextStep(); ok {
		delete(attempts, step)
	}
	now := s.now()
	_, err = tx.ExecContext(ctx,
		`UPDATE workflow_runs
		 SET abandoned_at = 0, step_attempts = ?, last_error = '', next_attempt_at = 0, updated_at = ?
		 WHERE id = ?`,
		attempts, toMillis(now), id,
	)
	if err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("revive run %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("commit revive: %w", err)
	}

	run.AbandonedAt = time.Time{}
	run.StepAttempts = map[string]int(attempts)
	run.LastError = ""
	run.NextAttemptAt = time.Time{}
	run.UpdatedAt = fromMillis(toMillis(now))
	return run, nil
}

// ListResumable returns runs that still have work, are not abandoned, hold no
// live lease and were last touched before idleSince.
func (s *Store) ListResumable(ctx context.Context, idleSince time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM workflow_runs
		 WHERE state != ? AND abandoned_at = 0
		   AND (lease_owner = '' OR lease_expires_at < ?)
		   AND updated_at < ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		string(domain.RunPersisted), toMillis(s.now()), toMillis(idleSince), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list resumable runs: %w", err)
	}
	return ids, nil
}

type RunFilter struct {
	State         domain.RunState
	AbandonedOnly bool
	Limit         int
}

func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]domain.WorkflowRun, error) {
	var where []string
	var args []any
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.AbandonedOnly {
		where = append(where, "abandoned_at != 0")
	}
	query := `SELECT ` + runColumns + ` FROM workflow_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs := make([]domain.WorkflowRun, 0, len(rows))
	for _, row := range rows {
		run, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// PruneCompleted deletes archived runs finished before cutoff.
func (s *Store) PruneCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_runs WHERE state = ? AND completed_at != 0 AND completed_at < ?`,
		string(domain.RunPersisted), toMillis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) execOwned(ctx context.Context, id, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if n == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("run %s: %w", id, ErrLeaseLost)
	}
	return nil
}

func stateBefore(step string) (domain.RunState, bool) {
	for _, state := range []domain.RunState{domain.RunCreated, domain.RunClassified, domain.RunScored} {
		if next, _ := state.NextStep(); next == step {
			return state, true
		}
	}
	return "", false
}
