package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGateShouldPublish(t *testing.T) {
	cases := []struct {
		name    string
		gate    Gate
		trigger Trigger
		want    bool
	}{
		{"version tag", DefaultGate(), Trigger{Event: EventPush, Ref: "refs/tags/v0.0.1"}, true},
		{"branch push", DefaultGate(), Trigger{Event: EventPush, Ref: "refs/heads/main"}, false},
		{"branch named like a tag", DefaultGate(), Trigger{Event: EventPush, Ref: "refs/heads/v1"}, false},
		{"tag without prefix", DefaultGate(), Trigger{Event: EventPush, Ref: "refs/tags/nightly"}, false},
		{"pull request", DefaultGate(), Trigger{Event: EventPullRequest, Ref: "refs/tags/v1.0.0", BaseRef: "main"}, false},
		{"strict accepts semver", Gate{TagPattern: "v*", StrictSemver: true}, Trigger{Event: EventPush, Ref: "refs/tags/v1.2.3-rc.1"}, true},
		{"strict rejects loose tag", Gate{TagPattern: "v*", StrictSemver: true}, Trigger{Event: EventPush, Ref: "refs/tags/vnext"}, false},
		{"custom pattern", Gate{TagPattern: "release-*"}, Trigger{Event: EventPush, Ref: "refs/tags/release-7"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := tc.gate.ShouldPublish(tc.trigger)
			assert.Equal(t, tc.want, got)
			if !got {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestGateShouldBuild(t *testing.T) {
	gate := DefaultGate()

	ok, _ := gate.ShouldBuild(Trigger{Event: EventPush, Ref: "refs/heads/feature"})
	assert.True(t, ok)
	ok, _ = gate.ShouldBuild(Trigger{Event: EventPullRequest, BaseRef: "main"})
	assert.True(t, ok)
	ok, reason := gate.ShouldBuild(Trigger{Event: EventPullRequest, BaseRef: "develop"})
	assert.False(t, ok)
	assert.Contains(t, reason, "develop")

	ok, _ = Gate{TagPattern: "v*"}.ShouldBuild(Trigger{Event: EventPullRequest, BaseRef: "develop"})
	assert.True(t, ok, "no target branches means every pull request builds")
}

func TestGateValidate(t *testing.T) {
	assert.NoError(t, DefaultGate().Validate())
	assert.Error(t, Gate{}.Validate())
	assert.Error(t, Gate{TagPattern: "v["}.Validate())
}
