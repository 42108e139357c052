// Package pipeline sequences the six backend calls that turn a user profile
// into a story: order, payment, intermediate story, final story, event
// extraction and event persistence.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/echo-labs/echo-cli/internal/guard"
	"github.com/echo-labs/echo-cli/internal/metrics"
	"github.com/echo-labs/echo-cli/internal/model"
	"github.com/echo-labs/echo-cli/internal/resilience"
	"github.com/echo-labs/echo-cli/internal/store"
	"github.com/echo-labs/echo-cli/pkg/echoapi"
)

// IntermediatePolicy decides what a failed intermediate story does to a run.
type IntermediatePolicy string

const (
	// IntermediateAbort ends the run with ErrIntermediateStoryFailed.
	IntermediateAbort IntermediatePolicy = "abort"
	// IntermediateContinue records the failure and proceeds to the final story.
	IntermediateContinue IntermediatePolicy = "continue"
)

// ParseIntermediatePolicy validates a configured policy. Empty means abort.
func ParseIntermediatePolicy(s string) (IntermediatePolicy, error) {
	switch IntermediatePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", IntermediateAbort:
		return IntermediateAbort, nil
	case IntermediateContinue:
		return IntermediateContinue, nil
	default:
		return "", eris.Errorf("pipeline: unknown intermediate policy %q", s)
	}
}

// Config holds the tunables of a Pipeline.
type Config struct {
	Invoke             resilience.InvokeConfig
	IntermediatePolicy IntermediatePolicy
	// SimulateOnFailure substitutes the simulated story when the final story
	// fails without exhausting retries, e.g. on a 4xx. Cancellation still fails.
	SimulateOnFailure bool
}

// Pipeline orchestrates a story generation run for one user.
type Pipeline struct {
	client echoapi.Client
	store  store.Store
	guard  guard.Guard
	cfg    Config
	now    func() time.Time
}

// New creates a Pipeline. A nil guard leaves runs unserialized.
func New(client echoapi.Client, st store.Store, g guard.Guard, cfg Config) *Pipeline {
	if g == nil {
		g = guard.Noop{}
	}
	if cfg.IntermediatePolicy == "" {
		cfg.IntermediatePolicy = IntermediateAbort
	}
	if cfg.Invoke.OnRetry == nil {
		cfg.Invoke.OnRetry = resilience.RetryLogger("echoapi", "final story")
	}
	return &Pipeline{
		client: client,
		store:  st,
		guard:  g,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Job is a prepared run: the user's slot is held and the run is recorded.
type Job struct {
	Run *model.Run

	p       *Pipeline
	release func()
}

// Prepare validates the user, acquires the per-user guard and records a
// queued run. The caller must Execute the job or Abandon it.
func (p *Pipeline) Prepare(ctx context.Context, userID int64) (*Job, error) {
	if userID <= 0 {
		return nil, missing("user id")
	}

	release, err := p.guard.Acquire(ctx, userID)
	if err != nil {
		if errors.Is(err, guard.ErrInFlight) {
			return nil, eris.Wrapf(ErrRunInProgress, "user %d", userID)
		}
		return nil, eris.Wrap(err, "pipeline: acquire guard")
	}

	run, err := p.store.CreateRun(context.WithoutCancel(ctx), userID)
	if err != nil {
		release()
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	return &Job{Run: run, p: p, release: release}, nil
}

// Abandon releases a prepared job without running it.
func (j *Job) Abandon() {
	if j.release != nil {
		j.release()
	}
}

// Run prepares and executes a run for userID.
func (p *Pipeline) Run(ctx context.Context, userID int64) (*model.StoryOutcome, error) {
	job, err := p.Prepare(ctx, userID)
	if err != nil {
		return nil, err
	}
	return job.Execute(ctx)
}

// Execute runs steps 1-6 strictly in order. Once a story exists, extraction
// and persistence failures are reported in the outcome, not as an error.
func (j *Job) Execute(ctx context.Context) (*model.StoryOutcome, error) {
	defer j.Abandon()

	p := j.p
	run := j.Run
	userID := run.UserID

	// Ledger writes must land even after the caller cancels.
	ledger := context.WithoutCancel(ctx)

	log := zap.L().With(zap.String("run_id", run.ID), zap.Int64("user_id", userID))
	log.Info("pipeline: starting story generation")

	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()

	outcome := &model.StoryOutcome{
		RunID:     run.ID,
		UserID:    userID,
		WikiPages: []string{},
		Events:    []echoapi.PersistedEvent{},
	}

	setStatus := func(status model.RunStatus) {
		if statusErr := p.store.UpdateRunStatus(ledger, run.ID, status); statusErr != nil {
			log.Warn("pipeline: failed to update status", zap.Error(statusErr))
		}
	}

	recordStep := func(result *model.StepResult) {
		step, stepErr := p.store.CreateStep(ledger, run.ID, result.Name)
		if stepErr != nil {
			log.Warn("pipeline: failed to create step", zap.String("step", result.Name), zap.Error(stepErr))
		} else if completeErr := p.store.CompleteStep(ledger, step.ID, result); completeErr != nil {
			log.Warn("pipeline: failed to complete step", zap.String("step", result.Name), zap.Error(completeErr))
		}
		outcome.Steps = append(outcome.Steps, *result)
	}

	trackStep := func(name string, fn func() (*model.StepResult, error)) error {
		start := time.Now()
		stepResult, fnErr := fn()
		elapsed := time.Since(start)

		if stepResult == nil {
			stepResult = &model.StepResult{}
		}
		stepResult.Name = name
		stepResult.Duration = elapsed.Milliseconds()

		if fnErr != nil {
			stepResult.Status = model.StepStatusFailed
			stepResult.Error = fnErr.Error()
			log.Error("pipeline: step failed",
				zap.String("step", name),
				zap.Int64("duration_ms", stepResult.Duration),
				zap.Error(fnErr),
			)
		} else {
			stepResult.Status = model.StepStatusComplete
			log.Info("pipeline: step complete",
				zap.String("step", name),
				zap.Int64("duration_ms", stepResult.Duration),
			)
		}
		metrics.ObserveStep(name, string(stepResult.Status), elapsed)
		recordStep(stepResult)
		return fnErr
	}

	skipStep := func(name, reason string) {
		log.Info("pipeline: step skipped", zap.String("step", name), zap.String("reason", reason))
		metrics.ObserveStep(name, string(model.StepStatusSkipped), 0)
		recordStep(&model.StepResult{
			Name:     name,
			Status:   model.StepStatusSkipped,
			Metadata: map[string]any{"reason": reason},
		})
	}

	fail := func(err error) (*model.StoryOutcome, error) {
		summary := outcome.Summary()
		summary.Error = err.Error()
		if saveErr := p.store.CompleteRun(ledger, run.ID, model.RunStatusFailed, summary); saveErr != nil {
			log.Warn("pipeline: failed to save run result", zap.Error(saveErr))
		}
		metrics.RunsTotal.WithLabelValues(string(model.RunStatusFailed)).Inc()
		log.Error("pipeline: story generation failed", zap.Error(err))
		return outcome, err
	}

	// ===== Step 1: Create order =====
	setStatus(model.RunStatusOrdering)

	err := trackStep(model.StepCreateOrder, func() (*model.StepResult, error) {
		order, orderErr := p.client.CreateOrder(ctx, userID)
		if orderErr != nil {
			return nil, stepErr(model.StepCreateOrder, ErrOrderCreationFailed, orderErr)
		}
		if order == nil || order.OrderID == 0 {
			return nil, stepErr(model.StepCreateOrder, ErrOrderCreationFailed, missing("order id"))
		}
		outcome.OrderID = order.OrderID
		return &model.StepResult{Metadata: map[string]any{
			"order_id": order.OrderID,
			"amount":   order.Amount,
		}}, nil
	})
	if err != nil {
		return fail(err)
	}

	// ===== Step 2: Confirm payment =====
	setStatus(model.RunStatusPaying)

	err = trackStep(model.StepConfirmPayment, func() (*model.StepResult, error) {
		session, payErr := p.client.ConfirmPayment(ctx, userID, outcome.OrderID)
		if payErr != nil {
			return nil, stepErr(model.StepConfirmPayment, ErrPaymentFailed, payErr)
		}
		if session == nil || session.SessionID == 0 {
			return nil, stepErr(model.StepConfirmPayment, ErrPaymentFailed, missing("session id"))
		}
		outcome.SessionID = session.SessionID
		return &model.StepResult{Metadata: map[string]any{"session_id": session.SessionID}}, nil
	})
	if err != nil {
		return fail(err)
	}

	req := echoapi.StoryRequest{UserID: userID, OrderID: outcome.OrderID, SessionID: outcome.SessionID}

	// ===== Step 3: Intermediate story =====
	setStatus(model.RunStatusDrafting)

	err = trackStep(model.StepIntermediateStory, func() (*model.StepResult, error) {
		draft, draftErr := p.client.GenerateIntermediateStory(ctx, req)
		if draftErr != nil {
			return nil, stepErr(model.StepIntermediateStory, ErrIntermediateStoryFailed, draftErr)
		}
		if draft == nil {
			return nil, stepErr(model.StepIntermediateStory, ErrIntermediateStoryFailed, missing("intermediate story"))
		}
		return &model.StepResult{Metadata: map[string]any{
			"story_id":       draft.StoryID,
			"transaction_id": draft.TransactionID,
			"text_length":    len(draft.Text),
		}}, nil
	})
	if err != nil {
		if p.cfg.IntermediatePolicy != IntermediateContinue || ctx.Err() != nil {
			return fail(err)
		}
		log.Warn("pipeline: continuing past failed intermediate story", zap.Error(err))
	}

	// ===== Step 4: Final story =====
	setStatus(model.RunStatusGenerating)

	err = trackStep(model.StepFinalStory, func() (*model.StepResult, error) {
		out, invokeErr := resilience.Invoke(ctx, p.cfg.Invoke,
			func(attemptCtx context.Context) (*echoapi.FinalStory, error) {
				return p.client.GenerateFinalStory(attemptCtx, req)
			},
			func(lastErr error) *echoapi.FinalStory {
				log.Warn("pipeline: final story retries exhausted, using simulated story", zap.Error(lastErr))
				return &echoapi.FinalStory{Text: model.SimulatedNarrative, Status: echoapi.StatusSimulated}
			},
		)
		outcome.Attempts = out.Attempts
		metrics.InvokeAttempts.Observe(float64(out.Attempts))

		result := &model.StepResult{
			Attempts: out.Attempts,
			Metadata: map[string]any{
				"state":    out.State.String(),
				"delays_s": delaySeconds(out.Delays),
			},
		}
		if invokeErr != nil {
			if !p.cfg.SimulateOnFailure || ctx.Err() != nil {
				return result, stepErr(model.StepFinalStory, ErrFinalStoryFailed, invokeErr)
			}
			log.Warn("pipeline: final story failed, continuing with simulated story", zap.Error(invokeErr))
			result.Metadata["fallback"] = "requested"
			out.Degraded = true
			out.Value = &echoapi.FinalStory{Text: model.SimulatedNarrative, Status: echoapi.StatusSimulated}
		}

		switch {
		case out.Degraded:
			outcome.StoryRef = model.SimulatedStoryRef(p.now())
			outcome.Degraded = true
			outcome.DegradedSource = model.DegradedClient
		case out.Value == nil || out.Value.StoryID == 0:
			return result, stepErr(model.StepFinalStory, ErrFinalStoryFailed, missing("story id"))
		default:
			outcome.StoryRef = model.BackendStoryRef(out.Value.StoryID)
			if out.Value.Simulated() {
				outcome.Degraded = true
				outcome.DegradedSource = model.DegradedBackend
			}
		}

		final := out.Value
		outcome.Text = final.Text
		if strings.TrimSpace(outcome.Text) == "" {
			outcome.Text = model.PendingNarrative
		}
		if final.WikiPages != nil {
			outcome.WikiPages = final.WikiPages
		}
		result.Metadata["story_ref"] = outcome.StoryRef.String()
		result.Metadata["degraded"] = outcome.Degraded
		return result, nil
	})
	if err != nil {
		return fail(err)
	}

	// ===== Steps 5-6: Enrichment =====
	storyID, hasBackendStory := outcome.StoryRef.BackendID()
	switch {
	case !hasBackendStory:
		skipStep(model.StepExtractEvents, "simulated story")
		skipStep(model.StepPersistEvents, "simulated story")
	default:
		setStatus(model.RunStatusExtracting)

		var events []echoapi.ProcessedEvent
		extractErr := trackStep(model.StepExtractEvents, func() (*model.StepResult, error) {
			var exErr error
			events, exErr = p.client.ExtractEvents(ctx, outcome.Text, storyID, userID)
			if exErr != nil {
				return nil, eris.Wrap(exErr, "extract events")
			}
			return &model.StepResult{Metadata: map[string]any{"events": len(events)}}, nil
		})
		if extractErr != nil {
			outcome.EnrichmentError = extractErr.Error()
			skipStep(model.StepPersistEvents, "extraction failed")
			break
		}

		setStatus(model.RunStatusPersisting)

		persistErr := trackStep(model.StepPersistEvents, func() (*model.StepResult, error) {
			persisted, pErr := p.client.PersistEvents(ctx, events)
			if pErr != nil {
				return nil, eris.Wrap(pErr, "persist events")
			}
			outcome.Events = persisted
			return &model.StepResult{Metadata: map[string]any{"events": len(persisted)}}, nil
		})
		if persistErr != nil {
			outcome.EnrichmentError = persistErr.Error()
		}
	}

	// ===== Finalize =====
	status := outcome.Status()
	if saveErr := p.store.CompleteRun(ledger, run.ID, status, outcome.Summary()); saveErr != nil {
		log.Warn("pipeline: failed to save run result", zap.Error(saveErr))
	}
	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	if outcome.Degraded {
		metrics.DegradedTotal.WithLabelValues(string(outcome.DegradedSource)).Inc()
	}

	log.Info("pipeline: story generation complete",
		zap.String("story_ref", outcome.StoryRef.String()),
		zap.String("status", string(status)),
		zap.Bool("degraded", outcome.Degraded),
		zap.Int("attempts", outcome.Attempts),
		zap.Int("events", len(outcome.Events)),
	)
	return outcome, nil
}

func delaySeconds(delays []time.Duration) []float64 {
	out := make([]float64, len(delays))
	for i, d := range delays {
		out[i] = d.Seconds()
	}
	return out
}
