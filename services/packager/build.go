package packager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrBuild marks failures of the build step.
var ErrBuild = errors.New("build failed")

// BuildResult reports where the build put the binary.
type BuildResult struct {
	BinaryPath string
	Duration   time.Duration
}

// Build runs the configured build command in the source directory and checks that the
// binary exists at its fixed location afterwards. Cancelling ctx kills the whole process
// group of the command.
func Build(ctx context.Context, cfg BuildConfig) (*BuildResult, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("%w: build command is required", ErrBuild)
	}
	if strings.TrimSpace(cfg.BinaryPath) == "" {
		return nil, fmt.Errorf("%w: binary path is required", ErrBuild)
	}
	if filepath.IsAbs(cfg.BinaryPath) {
		return nil, fmt.Errorf("%w: binary path %q must be relative to the source dir", ErrBuild, cfg.BinaryPath)
	}
	if cfg.SourceDir == "" {
		cfg.SourceDir = "."
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stderr
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(cfg.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("%w: source dir: %w", ErrBuild, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: source dir %q is not a directory", ErrBuild, cfg.SourceDir)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", cfg.Command)
	cmd.Dir = cfg.SourceDir
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Stdout = cfg.Stdout
	cmd.Stderr = cfg.Stderr
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrBuild, ctxErr)
		}
		return nil, fmt.Errorf("%w: %q: %w", ErrBuild, cfg.Command, err)
	}
	elapsed := time.Since(start)

	binary := filepath.Join(cfg.SourceDir, filepath.FromSlash(cfg.BinaryPath))
	abs, err := filepath.Abs(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}
	out, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: expected binary at %s: %w", ErrBuild, cfg.BinaryPath, err)
	}
	if !out.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrBuild, cfg.BinaryPath)
	}

	return &BuildResult{BinaryPath: abs, Duration: elapsed}, nil
}
