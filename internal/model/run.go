package model

import (
	"time"
)

// RunStatus represents the current state of a story generation run.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusOrdering   RunStatus = "ordering"
	RunStatusPaying     RunStatus = "paying"
	RunStatusDrafting   RunStatus = "drafting"
	RunStatusGenerating RunStatus = "generating"
	RunStatusExtracting RunStatus = "extracting"
	RunStatusPersisting RunStatus = "persisting"
	RunStatusComplete   RunStatus = "complete"
	RunStatusDegraded   RunStatus = "degraded" // story produced, enrichment or narrative degraded
	RunStatusFailed     RunStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusComplete, RunStatusDegraded, RunStatusFailed:
		return true
	}
	return false
}

// Step names, in execution order.
const (
	StepCreateOrder       = "create_order"
	StepConfirmPayment    = "confirm_payment"
	StepIntermediateStory = "intermediate_story"
	StepFinalStory        = "final_story"
	StepExtractEvents     = "extract_events"
	StepPersistEvents     = "persist_events"
)

// Steps lists every pipeline step in the order it runs.
var Steps = []string{
	StepCreateOrder,
	StepConfirmPayment,
	StepIntermediateStory,
	StepFinalStory,
	StepExtractEvents,
	StepPersistEvents,
}

// Run represents a single story generation run for a user.
type Run struct {
	ID        string     `json:"id"`
	UserID    int64      `json:"user_id"`
	Status    RunStatus  `json:"status"`
	Result    *RunResult `json:"result,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RunStep represents a step within a run.
type RunStep struct {
	ID        string      `json:"id"`
	RunID     string      `json:"run_id"`
	Name      string      `json:"name"`
	Status    StepStatus  `json:"status"`
	Result    *StepResult `json:"result,omitempty"`
	StartedAt time.Time   `json:"started_at"`
}

// StepStatus represents the current state of a pipeline step.
type StepStatus string

const (
	StepStatusRunning  StepStatus = "running"
	StepStatusComplete StepStatus = "complete"
	StepStatusFailed   StepStatus = "failed"
	StepStatusSkipped  StepStatus = "skipped"
)

// StepResult holds the outcome of a pipeline step.
type StepResult struct {
	Name     string         `json:"name"`
	Status   StepStatus     `json:"status"`
	Duration int64          `json:"duration_ms"`
	Attempts int            `json:"attempts,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RunResult is the summary persisted with a finished run. Narrative text and
// events stay with the backend.
type RunResult struct {
	StoryRef        StoryRef       `json:"story_ref,omitempty"`
	OrderID         int64          `json:"order_id,omitempty"`
	SessionID       int64          `json:"session_id,omitempty"`
	Degraded        bool           `json:"degraded"`
	DegradedSource  DegradedSource `json:"degraded_source,omitempty"`
	Attempts        int            `json:"attempts"`
	EventCount      int            `json:"event_count"`
	Steps           []StepResult   `json:"steps"`
	EnrichmentError string         `json:"enrichment_error,omitempty"`
	Error           string         `json:"error,omitempty"`
}
