package domain

import "time"

// RunState is the step cursor of a WorkflowRun: the last step that has
// durably completed.
type RunState string

const (
	RunCreated    RunState = "CREATED"
	RunClassified RunState = "CLASSIFIED"
	RunScored     RunState = "SCORED"
	RunPersisted  RunState = "PERSISTED"
)

const (
	StepAIAnalysis      = "ai-analysis"
	StepCalculateVolume = "calculate-volume"
	StepSaveToDB        = "save-to-db"
)

// Steps lists the pipeline steps in execution order.
var Steps = []string{StepAIAnalysis, StepCalculateVolume, StepSaveToDB}

// NextStep returns the step that has to run from state s, and false once the
// run is terminal.
func (s RunState) NextStep() (string, bool) {
	switch s {
	case RunCreated:
		return StepAIAnalysis, true
	case RunClassified:
		return StepCalculateVolume, true
	case RunScored:
		return StepSaveToDB, true
	default:
		return "", false
	}
}

// StateAfter returns the state reached once step has completed.
func StateAfter(step string) RunState {
	switch step {
	case StepAIAnalysis:
		return RunClassified
	case StepCalculateVolume:
		return RunScored
	case StepSaveToDB:
		return RunPersisted
	default:
		return ""
	}
}

func (s RunState) Terminal() bool {
	return s == RunPersisted
}

func (s RunState) Valid() bool {
	switch s {
	case RunCreated, RunClassified, RunScored, RunPersisted:
		return true
	default:
		return false
	}
}

// WorkflowRun is the durable progress record for one feedback item's
// analysis. Checkpointed step outputs are reused on resumption.
type WorkflowRun struct {
	ID         string
	FeedbackID string
	Text       string
	State      RunState

	Classification *ClassificationResult
	CategoryCount  int
	ImpactScore    int

	StepAttempts map[string]int
	LastError    string

	LeaseOwner     string
	LeaseExpiresAt time.Time
	NextAttemptAt  time.Time
	AbandonedAt    time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    time.Time
}

func (r WorkflowRun) Abandoned() bool {
	return !r.AbandonedAt.IsZero()
}

func (r WorkflowRun) Attempts(step string) int {
	return r.StepAttempts[step]
}

// StepOutput is what a completed step checkpoints onto its run.
type StepOutput struct {
	Classification *ClassificationResult
	CategoryCount  int
	ImpactScore    int
}
