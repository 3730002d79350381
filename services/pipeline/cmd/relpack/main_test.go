//go:build unix

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relpack/services/packager"
)

const testSHA = "0123456789abcdef0123456789abcdef01234567"

func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	return cmd.Execute()
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	for _, key := range []string{"GITHUB_EVENT_NAME", "GITHUB_REF", "GITHUB_SHA", "GITHUB_BASE_REF", "AGE_SECRET_KEY", "AGE_PUBLIC_KEY", "NATS_URL", "DATABASE_URL", "PUSHGATEWAY_URL", "OTEL_EXPORTER_OTLP_ENDPOINT"} {
		t.Setenv(key, "")
	}
	t.Setenv("RELPACK_REGISTRY", "memory")
	t.Setenv("RELPACK_ARTIFACT_DIR", filepath.Join(dir, "artifacts"))
	t.Setenv("RELPACK_STAGING_DIR", filepath.Join(dir, "staging"))
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

// checkout creates a repository with one commit and tags pointing at it.
func checkout(t *testing.T, tags ...string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	hash, err := wt.Commit("initial", &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            &object.Signature{Name: "relpack", Email: "relpack@example.test", When: time.Unix(1700000000, 0)},
	})
	require.NoError(t, err)
	for _, tag := range tags {
		_, err := repo.CreateTag(tag, hash, nil)
		require.NoError(t, err)
	}
	return dir, hash.String()
}

func TestRunCommandPublishesTag(t *testing.T) {
	isolate(t)
	src, sha := checkout(t, "v0.0.1")
	err := execute(t, "run",
		"--ref", "refs/tags/v0.0.1",
		"--sha", sha,
		"--source-dir", src,
		"--command", "mkdir -p out && printf B > out/statusbar",
		"--binary", "out/statusbar",
	)
	require.NoError(t, err)
}

func TestRunCommandFailsOnBuildError(t *testing.T) {
	isolate(t)
	src, sha := checkout(t)
	err := execute(t, "run",
		"--ref", "refs/heads/main",
		"--sha", sha,
		"--source-dir", src,
		"--command", "exit 1",
		"--binary", "out/statusbar",
	)
	assert.ErrorIs(t, err, packager.ErrBuild)
}

func TestRunCommandRejectsForeignCommit(t *testing.T) {
	isolate(t)
	src, _ := checkout(t, "v0.0.1")
	err := execute(t, "run",
		"--ref", "refs/tags/v0.0.1",
		"--sha", testSHA,
		"--source-dir", src,
		"--command", "mkdir -p out && printf B > out/statusbar",
		"--binary", "out/statusbar",
	)
	assert.ErrorIs(t, err, packager.ErrCommitMismatch)
}

func TestRunCommandRejectsVerifyOnlyKey(t *testing.T) {
	isolate(t)
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	signer, err := packager.NewSigner(identity.String(), "")
	require.NoError(t, err)
	t.Setenv("AGE_PUBLIC_KEY", signer.PublicKeyBase64())

	src, sha := checkout(t)
	err = execute(t, "run",
		"--ref", "refs/heads/main",
		"--sha", sha,
		"--source-dir", src,
		"--command", "mkdir -p out && printf B > out/statusbar",
		"--binary", "out/statusbar",
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGE_SECRET_KEY")
}

func TestRunCommandReadsCIEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("GITHUB_EVENT_NAME", "pull_request")
	t.Setenv("GITHUB_REF", "refs/pull/3/merge")
	t.Setenv("GITHUB_SHA", testSHA)
	t.Setenv("GITHUB_BASE_REF", "develop")

	// Pull requests against other branches are skipped without building.
	err := execute(t, "run", "--command", "exit 1", "--binary", "out/statusbar")
	require.NoError(t, err)
}

func TestPackageAndVerifyCommands(t *testing.T) {
	dir := isolate(t)
	binary := filepath.Join(dir, "statusbar")
	require.NoError(t, os.WriteFile(binary, []byte("B"), 0o755))
	out := filepath.Join(dir, "stage")

	require.NoError(t, execute(t, "package", "--binary", binary, "--out", out, "--sha", testSHA))
	require.NoError(t, execute(t, "verify", out))

	_, err := os.Stat(filepath.Join(out, "manifest.yaml"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(out, "statusbar"), []byte("tampered"), 0o755))
	assert.ErrorIs(t, execute(t, "verify", out), packager.ErrChecksumMismatch)
}

func TestRunCommandRejectsBadConfig(t *testing.T) {
	isolate(t)
	t.Setenv("RELPACK_REGISTRY", "gitlab")
	err := execute(t, "run", "--ref", "refs/heads/main")
	assert.Error(t, err)
}
