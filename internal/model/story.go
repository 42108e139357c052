package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/echo-labs/echo-cli/pkg/echoapi"
)

// SimulatedNarrative is returned in place of a real story once every final
// story attempt has failed.
const SimulatedNarrative = "In the tapestry of existence, your thread intertwines with countless others. " +
	"Your journey from birth has led you through educational pursuits and professional endeavors " +
	"that shape not only your own destiny but influence the paths of those around you. " +
	"The ripples of your actions extend far beyond what you can perceive, creating patterns of " +
	"cause and effect that echo through time and space."

// PendingNarrative stands in when the backend returns a story with no text.
const PendingNarrative = "Your Echo story is being generated. The threads of your life are weaving " +
	"together to create a unique tapestry of connections and influences."

const simulatedPrefix = "sim-"

// StoryRef identifies a story: a backend id, or a sim-<unix millis> ref for
// a story synthesized on the client.
type StoryRef string

// BackendStoryRef returns the ref for a backend-assigned story id.
func BackendStoryRef(id int64) StoryRef {
	return StoryRef(strconv.FormatInt(id, 10))
}

// SimulatedStoryRef returns a simulated ref stamped with t.
func SimulatedStoryRef(t time.Time) StoryRef {
	return StoryRef(fmt.Sprintf("%s%d", simulatedPrefix, t.UnixMilli()))
}

// Simulated reports whether the ref was synthesized on the client.
func (r StoryRef) Simulated() bool {
	return strings.HasPrefix(string(r), simulatedPrefix)
}

// BackendID returns the numeric backend id, if the ref has one.
func (r StoryRef) BackendID() (int64, bool) {
	if r == "" || r.Simulated() {
		return 0, false
	}
	id, err := strconv.ParseInt(string(r), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func (r StoryRef) String() string { return string(r) }

// DegradedSource names which layer substituted a synthetic story.
type DegradedSource string

const (
	DegradedNone    DegradedSource = ""
	DegradedBackend DegradedSource = "backend" // backend answered with status "simulated"
	DegradedClient  DegradedSource = "client"  // retries exhausted, fallback used
)

// StoryOutcome is the terminal result of a run.
type StoryOutcome struct {
	RunID     string   `json:"run_id"`
	UserID    int64    `json:"user_id"`
	OrderID   int64    `json:"order_id"`
	SessionID int64    `json:"session_id"`
	StoryRef  StoryRef `json:"story_ref"`
	Text      string   `json:"text"`
	WikiPages []string `json:"wiki_pages"`

	// Degraded is the single marker for a synthetic narrative, whichever
	// layer produced it.
	Degraded       bool           `json:"degraded"`
	DegradedSource DegradedSource `json:"degraded_source,omitempty"`
	Attempts       int            `json:"attempts"`

	Events []echoapi.PersistedEvent `json:"events"`
	// EnrichmentError records an extract or persist failure. The story ref
	// stays valid.
	EnrichmentError string       `json:"enrichment_error,omitempty"`
	Steps           []StepResult `json:"steps"`
}

// Summary converts the outcome into the persisted run summary.
func (o *StoryOutcome) Summary() *RunResult {
	return &RunResult{
		StoryRef:        o.StoryRef,
		OrderID:         o.OrderID,
		SessionID:       o.SessionID,
		Degraded:        o.Degraded,
		DegradedSource:  o.DegradedSource,
		Attempts:        o.Attempts,
		EventCount:      len(o.Events),
		Steps:           o.Steps,
		EnrichmentError: o.EnrichmentError,
	}
}

// Status returns the terminal run status implied by the outcome.
func (o *StoryOutcome) Status() RunStatus {
	if o.Degraded || o.EnrichmentError != "" {
		return RunStatusDegraded
	}
	return RunStatusComplete
}
