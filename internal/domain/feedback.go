package domain

import "time"

type FeedbackStatus string

const (
	StatusPending FeedbackStatus = "PENDING"
	StatusReady   FeedbackStatus = "READY"
)

// FeedbackItem is one submitted piece of feedback. Classification and score
// fields stay zero until Status is READY and never change afterwards.
type FeedbackItem struct {
	ID          string
	RawText     string
	Status      FeedbackStatus
	Sentiment   Sentiment
	Category    string
	Urgency     Urgency
	ActionItem  string
	ImpactScore int
	CreatedAt   time.Time
}

// FinalResult is everything the save-to-db step writes onto a FeedbackItem.
type FinalResult struct {
	Sentiment   Sentiment
	Category    string
	Urgency     Urgency
	ActionItem  string
	ImpactScore int
}

func (c ClassificationResult) Finalize(impactScore int) FinalResult {
	return FinalResult{
		Sentiment:   c.Sentiment,
		Category:    c.Category,
		Urgency:     c.Urgency,
		ActionItem:  c.ActionItem,
		ImpactScore: impactScore,
	}
}
