package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/echo-labs/echo-cli/internal/model"
)

// ErrNotFound is returned when a run or step does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status   model.RunStatus `json:"status,omitempty"`
	UserID   int64           `json:"user_id,omitempty"`
	StoryRef model.StoryRef  `json:"story_ref,omitempty"`
	Degraded *bool           `json:"degraded,omitempty"` // nil matches both
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the run ledger.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, userID int64) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteRun(ctx context.Context, runID string, status model.RunStatus, result *model.RunResult) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Steps
	CreateStep(ctx context.Context, runID string, name string) (*model.RunStep, error)
	CompleteStep(ctx context.Context, stepID string, result *model.StepResult) error
	ListSteps(ctx context.Context, runID string) ([]model.RunStep, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// outcomeColumns extracts the queryable columns kept alongside a run's result.
func outcomeColumns(result *model.RunResult) (storyRef string, degraded bool) {
	if result == nil {
		return "", false
	}
	return result.StoryRef.String(), result.Degraded
}

func notFound(entity, id string) error {
	return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
}
