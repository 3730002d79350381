package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	// StreamName is the JetStream stream carrying run lifecycle events.
	StreamName    = "RELPACK_RUNS"
	subjectPrefix = "relpack.runs."
	// SubjectWildcard matches every run lifecycle subject.
	SubjectWildcard = subjectPrefix + ">"
)

// Publisher emits run lifecycle events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

type runEvent struct {
	RunID      uuid.UUID `json:"run_id"`
	Event      Event     `json:"event"`
	Ref        string    `json:"ref"`
	Commit     string    `json:"commit"`
	From       State     `json:"from"`
	State      State     `json:"state"`
	At         time.Time `json:"at"`
	ReleaseTag string    `json:"release_tag,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Subject returns the subject a transition into state is published on.
func Subject(state State) string {
	return subjectPrefix + string(state)
}

func newRunEvent(run *Run, tr Transition) runEvent {
	return runEvent{
		RunID:      run.ID,
		Event:      run.Trigger.Event,
		Ref:        run.Trigger.Ref,
		Commit:     run.Trigger.Commit,
		From:       tr.From,
		State:      tr.To,
		At:         tr.At,
		ReleaseTag: run.ReleaseTag,
		Error:      run.FailureMessage(),
	}
}
