package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Event is the kind of source-control event that started a run.
type Event string

const (
	EventPush        Event = "push"
	EventPullRequest Event = "pull_request"
)

// RefKind classifies a git ref.
type RefKind string

const (
	RefBranch RefKind = "branch"
	RefTag    RefKind = "tag"
	RefPull   RefKind = "pull"
)

// Trigger describes the event a run reacts to.
type Trigger struct {
	Event  Event  `json:"event"`
	Ref    string `json:"ref"`
	Commit string `json:"commit"`
	// BaseRef is the target branch of a pull request.
	BaseRef string `json:"base_ref,omitempty"`
}

// ParseTrigger validates raw trigger inputs. The ref may be fully qualified
// (refs/tags/v1.0.0) or a bare branch name.
func ParseTrigger(event, ref, commit, baseRef string) (Trigger, error) {
	t := Trigger{
		Event:   Event(strings.TrimSpace(event)),
		Ref:     strings.TrimSpace(ref),
		Commit:  strings.TrimSpace(commit),
		BaseRef: strings.TrimPrefix(strings.TrimSpace(baseRef), "refs/heads/"),
	}
	if t.Event == "" {
		t.Event = EventPush
	}
	switch t.Event {
	case EventPush, EventPullRequest:
	default:
		return Trigger{}, fmt.Errorf("unsupported event %q", event)
	}
	if t.Ref == "" {
		return Trigger{}, errors.New("ref is required")
	}
	if t.Kind() == RefTag && t.Name() == "" {
		return Trigger{}, fmt.Errorf("empty tag in ref %q", t.Ref)
	}
	if t.Event == EventPullRequest && t.BaseRef == "" {
		return Trigger{}, errors.New("pull_request events need a base ref")
	}
	return t, nil
}

// Kind reports whether the ref names a branch, a tag or a pull request.
func (t Trigger) Kind() RefKind {
	switch {
	case strings.HasPrefix(t.Ref, "refs/tags/"):
		return RefTag
	case strings.HasPrefix(t.Ref, "refs/pull/"):
		return RefPull
	default:
		return RefBranch
	}
}

// Name is the short ref name: the tag, the branch, or the pull request number.
func (t Trigger) Name() string {
	switch t.Kind() {
	case RefTag:
		return strings.TrimPrefix(t.Ref, "refs/tags/")
	case RefPull:
		rest := strings.TrimPrefix(t.Ref, "refs/pull/")
		number, _, _ := strings.Cut(rest, "/")
		return number
	default:
		return strings.TrimPrefix(t.Ref, "refs/heads/")
	}
}

func (t Trigger) String() string {
	if t.Commit == "" {
		return fmt.Sprintf("%s %s", t.Event, t.Ref)
	}
	short := t.Commit
	if len(short) > 7 {
		short = short[:7]
	}
	return fmt.Sprintf("%s %s@%s", t.Event, t.Ref, short)
}
