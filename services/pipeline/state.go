package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTransition is returned when a run is moved between states the run
// lifecycle does not connect.
var ErrInvalidTransition = errors.New("invalid state transition")

// State is the lifecycle position of a run.
type State string

const (
	StateStart      State = "start"
	StateBuilding   State = "building"
	StateStaged     State = "staged"
	StatePublishing State = "publishing"
	StatePublished  State = "published"
	StateDone       State = "done"
	StateSkipped    State = "skipped"
	StateFailed     State = "failed"
)

var transitions = map[State][]State{
	StateStart:      {StateBuilding, StateSkipped},
	StateBuilding:   {StateStaged, StateFailed},
	StateStaged:     {StatePublishing, StateDone},
	StatePublishing: {StatePublished, StateFailed},
}

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether the lifecycle connects from to to.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Transition records a single state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Run is one pipeline execution for one trigger.
type Run struct {
	ID          uuid.UUID    `json:"id"`
	Trigger     Trigger      `json:"trigger"`
	State       State        `json:"state"`
	Transitions []Transition `json:"transitions"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	ArtifactKey string       `json:"artifact_key,omitempty"`
	ReleaseTag  string       `json:"release_tag,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Err         error        `json:"-"`
}

// NewRun starts a run in StateStart.
func NewRun(id uuid.UUID, trigger Trigger, now time.Time) *Run {
	return &Run{ID: id, Trigger: trigger, State: StateStart, StartedAt: now.UTC()}
}

// Advance moves the run to the next state, recording the transition.
func (r *Run) Advance(to State, now time.Time) (Transition, error) {
	if !CanTransition(r.State, to) {
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, to)
	}
	tr := Transition{From: r.State, To: to, At: now.UTC()}
	r.State = to
	r.Transitions = append(r.Transitions, tr)
	if to.Terminal() {
		at := tr.At
		r.FinishedAt = &at
	}
	return tr, nil
}

// FailureMessage returns the error text of a failed run.
func (r *Run) FailureMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Published reports whether the run promoted its artifact to a release.
func (r *Run) Published() bool {
	return r.State == StatePublished
}
