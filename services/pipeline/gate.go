package pipeline

import (
	"fmt"
	"path"
	"slices"

	"golang.org/x/mod/semver"
)

// Gate decides which triggers build and which publish.
type Gate struct {
	// TagPattern is a path.Match glob a tag must match to publish.
	TagPattern string
	// StrictSemver additionally requires the tag to be valid semver.
	StrictSemver bool
	// TargetBranches limits pull request builds to these base branches.
	TargetBranches []string
}

// DefaultGate publishes v* tags and builds pull requests against main.
func DefaultGate() Gate {
	return Gate{TagPattern: "v*", TargetBranches: []string{"main"}}
}

// Validate checks that the tag pattern is a well-formed glob.
func (g Gate) Validate() error {
	if g.TagPattern == "" {
		return fmt.Errorf("tag pattern is required")
	}
	if _, err := path.Match(g.TagPattern, ""); err != nil {
		return fmt.Errorf("tag pattern %q: %w", g.TagPattern, err)
	}
	return nil
}

// ShouldBuild reports whether the trigger builds at all, with the reason when it does not.
func (g Gate) ShouldBuild(t Trigger) (bool, string) {
	if t.Event != EventPullRequest {
		return true, ""
	}
	if len(g.TargetBranches) == 0 || slices.Contains(g.TargetBranches, t.BaseRef) {
		return true, ""
	}
	return false, fmt.Sprintf("pull request targets %s, not one of %v", t.BaseRef, g.TargetBranches)
}

// ShouldPublish reports whether a staged build of the trigger is published, with the
// reason when it is not.
func (g Gate) ShouldPublish(t Trigger) (bool, string) {
	if t.Event != EventPush {
		return false, "pull requests never publish"
	}
	if t.Kind() != RefTag {
		return false, fmt.Sprintf("%s is not a tag", t.Ref)
	}
	tag := t.Name()
	matched, err := path.Match(g.TagPattern, tag)
	if err != nil || !matched {
		return false, fmt.Sprintf("tag %s does not match %q", tag, g.TagPattern)
	}
	if g.StrictSemver && !semver.IsValid(tag) {
		return false, fmt.Sprintf("tag %s is not valid semver", tag)
	}
	return true, ""
}
