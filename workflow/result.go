package workflow

import (
	"time"

	"github.com/BaSui01/stageflow/types"
)

// StageState is a stage's position in the scheduler's bookkeeping:
// Pending -> Ready -> Executing -> Resolved. Approval waits and terminal
// statuses surface through lifecycle events and StageOutcome.Status.
type StageState string

const (
	StagePending   StageState = "pending"
	StageReady     StageState = "ready"
	StageExecuting StageState = "executing"
	StageResolved  StageState = "resolved"
)

// StageStatus is the terminal status recorded in the workflow result.
type StageStatus string

const (
	StatusSucceeded StageStatus = "succeeded"
	StatusFailed    StageStatus = "failed"
	StatusSkipped   StageStatus = "skipped"
)

// StageOutcome is one stage's entry in the workflow result: either a
// TaskResult or a typed failure reason. No failure path is left without a
// reason.
type StageOutcome struct {
	StageID string            `json:"stage_id"`
	Status  StageStatus       `json:"status"`
	Result  *types.TaskResult `json:"result,omitempty"`
	Reason  *types.Error      `json:"reason,omitempty"`
}

// Result aggregates a whole workflow run. Success is the AND of
// required-stage successes; optional-stage failures are recorded but do
// not clear it.
type Result struct {
	RunID        string         `json:"run_id"`
	Success      bool           `json:"success"`
	Stages       []StageOutcome `json:"stages"`
	TotalElapsed time.Duration  `json:"total_elapsed"`
}

// Stage returns the outcome for a stage id.
func (r *Result) Stage(stageID string) (StageOutcome, bool) {
	for _, s := range r.Stages {
		if s.StageID == stageID {
			return s, true
		}
	}
	return StageOutcome{}, false
}

// EventType identifies a scheduler lifecycle event.
type EventType string

const (
	// EventStageReady is emitted when a stage's dependencies are resolved.
	EventStageReady EventType = "stage_ready"
	// EventStageExecuting is emitted when a stage is dispatched.
	EventStageExecuting EventType = "stage_executing"
	// EventStageAwaitingApproval is emitted while a stage waits at the gate.
	EventStageAwaitingApproval EventType = "stage_awaiting_approval"
	// EventStageResolved is emitted when a stage reaches a terminal status.
	EventStageResolved EventType = "stage_resolved"
)

// Event carries information about one scheduler transition.
type Event struct {
	Type    EventType   `json:"type"`
	StageID string      `json:"stage_id"`
	Status  StageStatus `json:"status,omitempty"`
	Err     error       `json:"-"`
}

// EventEmitter receives scheduler events. Emitters must be fast; they are
// called inline from stage goroutines.
type EventEmitter func(Event)
