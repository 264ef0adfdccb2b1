package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"insightstream/internal/domain"
)

type feedbackRow struct {
	ID          string `db:"id"`
	RawText     string `db:"raw_text"`
	Status      string `db:"status"`
	Sentiment   string `db:"sentiment"`
	Category    string `db:"category"`
	Urgency     string `db:"urgency"`
	ActionItem  string `db:"action_item"`
	ImpactScore int    `db:"impact_score"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

func (r feedbackRow) toDomain() domain.FeedbackItem {
	return domain.FeedbackItem{
		ID:          r.ID,
		RawText:     r.RawText,
		Status:      domain.FeedbackStatus(r.Status),
		Sentiment:   domain.Sentiment(r.Sentiment),
		Category:    r.Category,
		Urgency:     domain.Urgency(r.Urgency),
		ActionItem:  r.ActionItem,
		ImpactScore: r.ImpactScore,
		CreatedAt:   fromMillis(r.CreatedAt),
	}
}

const feedbackColumns = `id, raw_text, status, sentiment, category, urgency, action_item, impact_score, created_at, updated_at`

func insertPending(ctx context.Context, ext sqlx.ExecerContext, id, text string, createdAt time.Time) error {
	ms := toMillis(createdAt)
	_, err := ext.ExecContext(ctx,
		`INSERT INTO feedback (id, raw_text, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, text, string(domain.StatusPending), ms, ms,
	)
	if err != nil {
		return fmt.Errorf("insert feedback %s: %w", id, err)
	}
	return nil
}

// InsertPending stores a new PENDING item without a run.
func (s *Store) InsertPending(ctx context.Context, id, text string, createdAt time.Time) error {
	return insertPending(ctx, s.db, id, text, createdAt)
}

// Submit stores a PENDING item and its CREATED run in one transaction. The
// run shares the feedback id.
func (s *Store) Submit(ctx context.Context, id, text string, createdAt time.Time) (domain.WorkflowRun, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("begin submit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertPending(ctx, tx, id, text, createdAt); err != nil {
		return domain.WorkflowRun{}, err
	}
	ms := toMillis(createdAt)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, feedback_id, text, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, id, text, string(domain.RunCreated), ms, ms,
	)
	if err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("insert run %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("commit submit: %w", err)
	}

	return domain.WorkflowRun{
		ID:           id,
		FeedbackID:   id,
		Text:         text,
		State:        domain.RunCreated,
		StepAttempts: map[string]int{},
		CreatedAt:    fromMillis(ms),
		UpdatedAt:    fromMillis(ms),
	}, nil
}

// UpdateFinal writes the analysis result and flips the item to READY. Once
// READY an item never changes, so a repeated call is a no-op.
func (s *Store) UpdateFinal(ctx context.Context, id string, res domain.FinalResult) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE feedback
		 SET status = ?, sentiment = ?, category = ?, urgency = ?, action_item = ?, impact_score = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(domain.StatusReady), string(res.Sentiment), res.Category, string(res.Urgency), res.ActionItem, res.ImpactScore,
		toMillis(s.now()), id, string(domain.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("update feedback %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update feedback %s: %w", id, err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.GetContext(ctx, &status, `SELECT status FROM feedback WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("feedback %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read feedback %s: %w", id, err)
	}
	return nil
}

// CountByCategory counts items in category: finalized feedback plus runs that
// have classified but not yet saved. A run whose item is already READY is
// counted through the feedback row only. excludeID leaves one item out of the
// count. Concurrent runs race on this number; the score it feeds is a
// best-effort priority signal.
func (s *Store) CountByCategory(ctx context.Context, category, excludeID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT
		   (SELECT COUNT(*) FROM feedback WHERE status = ? AND category = ? AND id != ?) +
		   (SELECT COUNT(*) FROM workflow_runs
		    WHERE state IN (?, ?) AND category = ? AND id != ?
		      AND feedback_id NOT IN (SELECT id FROM feedback WHERE status = ?))`,
		string(domain.StatusReady), category, excludeID,
		string(domain.RunClassified), string(domain.RunScored), category, excludeID,
		string(domain.StatusReady),
	)
	if err != nil {
		return 0, fmt.Errorf("count category %q: %w", category, err)
	}
	return count, nil
}

func (s *Store) GetFeedback(ctx context.Context, id string) (domain.FeedbackItem, error) {
	var row feedbackRow
	err := s.db.GetContext(ctx, &row, `SELECT `+feedbackColumns+` FROM feedback WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FeedbackItem{}, fmt.Errorf("feedback %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.FeedbackItem{}, fmt.Errorf("get feedback %s: %w", id, err)
	}
	return row.toDomain(), nil
}

// ListFeedback returns every item, highest impact first.
func (s *Store) ListFeedback(ctx context.Context) ([]domain.FeedbackItem, error) {
	var rows []feedbackRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+feedbackColumns+` FROM feedback ORDER BY impact_score DESC, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	items := make([]domain.FeedbackItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toDomain())
	}
	return items, nil
}
