package pipeline

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// Failure kinds. A *StepError wraps exactly one of them alongside the cause,
// so both errors.Is(err, ErrPaymentFailed) and errors.As(err, &apiErr) work.
var (
	ErrOrderCreationFailed     = eris.New("order creation failed")
	ErrPaymentFailed           = eris.New("payment failed")
	ErrIntermediateStoryFailed = eris.New("intermediate story failed")
	ErrFinalStoryFailed        = eris.New("final story failed")

	// ErrMissingIdentifier marks a step whose response lacked the id the
	// next step needs.
	ErrMissingIdentifier = eris.New("missing identifier")

	// ErrRunInProgress is returned when the user already has a run in flight.
	ErrRunInProgress = eris.New("run already in progress")
)

// StepError reports the step that ended a run.
type StepError struct {
	Step string
	Kind error
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v: %v", e.Step, e.Kind, e.Err)
}

// Unwrap exposes both the failure kind and the underlying cause.
func (e *StepError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func stepErr(step string, kind, err error) *StepError {
	return &StepError{Step: step, Kind: kind, Err: err}
}

func missing(what string) error {
	return eris.Wrapf(ErrMissingIdentifier, "%s", what)
}
