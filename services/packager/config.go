package packager

import (
	"io"
	"time"
)

// BuildConfig configures the build step.
type BuildConfig struct {
	// SourceDir is the checkout the command runs in.
	SourceDir string
	// Command is interpreted by sh -c.
	Command string
	// BinaryPath is the output location relative to SourceDir.
	BinaryPath string
	// Env is appended to the inherited environment.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// PackageConfig configures staging of a built binary.
type PackageConfig struct {
	BinaryPath string
	// StagingDir must not exist or be empty.
	StagingDir string
	// Name is the logical artifact name recorded in the manifest.
	Name   string
	RunID  string
	Commit string
	Ref    string
	// Signer is optional; without a private key the manifest stays unsigned.
	Signer *Signer
	Now    func() time.Time
}
