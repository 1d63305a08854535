// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"zb.256lights.llc/rebuilder"
	"zb.256lights.llc/rebuilder/flatpak"
	"zb.256lights.llc/rebuilder/internal/osutil"
	"zb.256lights.llc/rebuilder/internal/sandbox"
	"zombiezen.com/go/log"
)

// DefaultBuildTimeout is the wall-clock limit for a build
// when [Orchestrator.Timeout] is zero.
const DefaultBuildTimeout = 2 * time.Hour

// Names inside a run directory.
const (
	runManifestName = "manifest.json"
	runBuildDirName = "build"
	runLogName      = "build.log"
	runStateDirName = ".flatpak-builder"
)

// logExcerptLines is the number of trailing build log lines
// attached to a build failure.
const logExcerptLines = 20

var errBuildTimeout = errors.New("build timed out")

// Orchestrator installs a target's dependencies and runs its build.
// An Orchestrator is safe to use from multiple goroutines.
type Orchestrator struct {
	PackageManager PackageManager
	Sandbox        Sandbox
	// Installation is where runtimes are installed
	// and where the builder finds them.
	Installation flatpak.Installation
	// Timeout bounds the wall-clock time of a build, including dependency installation.
	// Zero means [DefaultBuildTimeout]; negative means no limit.
	Timeout time.Duration
	// Interactive permits the package manager and builder to prompt.
	Interactive bool
	// StateDir is the builder's download and cache directory.
	// If empty, a directory inside the run directory is used.
	StateDir string
	// OnTransition is called after each state change, if not nil.
	OnTransition func(target *rebuilder.BuildTarget, from, to rebuilder.BuildState)

	leases refLeases
}

// Build installs the pinned runtime and SDK of target
// and builds recipe inside runDir.
// Build always returns a non-nil result describing how far the build got.
// Failures are [*rebuilder.Error] values.
// Build never retries.
func (o *Orchestrator) Build(ctx context.Context, target *rebuilder.BuildTarget, recipe *rebuilder.Recipe, runDir string) (*rebuilder.BuildResult, error) {
	b := &buildRun{
		o:       o,
		target:  target,
		started: time.Now(),
		result: &rebuilder.BuildResult{
			State:        rebuilder.BuildStatePending,
			ExitStatus:   -1,
			LogPath:      filepath.Join(runDir, runLogName),
			ArtifactRoot: filepath.Join(runDir, runBuildDirName),
		},
	}
	timeout := o.Timeout
	if timeout == 0 {
		timeout = DefaultBuildTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, errBuildTimeout)
		defer cancel()
	}
	ref, err := flatpak.ParseRef(target.Ref)
	if err != nil {
		return b.fail(ctx, rebuilder.SandboxFailure, err)
	}

	b.transition(ctx, rebuilder.BuildStateInstallingDependencies)
	pins := target.Pins()
	// Leases are taken in a consistent order so concurrent builds cannot deadlock.
	slices.SortFunc(pins, func(p1, p2 rebuilder.Pin) int {
		return strings.Compare(p1.Ref, p2.Ref)
	})
	for _, pin := range pins {
		release, err := o.leases.acquire(ctx, pin, func(ctx context.Context) error {
			return o.PackageManager.InstallRuntime(ctx, target.Remote, pin, o.Interactive)
		})
		if err != nil {
			return b.fail(ctx, rebuilder.DependencyFailure, fmt.Errorf("install %v: %w", pin, err))
		}
		defer release()
	}

	manifestPath := filepath.Join(runDir, runManifestName)
	if err := osutil.WriteFilePerm(manifestPath, recipe.Manifest, 0o644); err != nil {
		return b.fail(ctx, rebuilder.SandboxFailure, err)
	}
	logFile, err := os.Create(b.result.LogPath)
	if err != nil {
		return b.fail(ctx, rebuilder.SandboxFailure, err)
	}
	stateDir := o.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(runDir, runStateDirName)
	}

	b.transition(ctx, rebuilder.BuildStateBuilding)
	start := time.Now()
	out, err := o.Sandbox.Build(ctx, &sandbox.BuildRequest{
		Manifest:      manifestPath,
		BuildDir:      b.result.ArtifactRoot,
		StateDir:      stateDir,
		WorkDir:       runDir,
		Installation:  o.Installation,
		Arch:          ref.Arch,
		DefaultBranch: ref.Branch,
		Interactive:   o.Interactive,
		Log:           logFile,
	})
	b.result.Duration = time.Since(start)
	if closeErr := logFile.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return b.fail(ctx, rebuilder.SandboxFailure, err)
	}
	b.result.ExitStatus = out.ExitStatus
	if out.ExitStatus != 0 {
		return b.fail(ctx, rebuilder.SandboxFailure, fmt.Errorf("builder exited with status %d", out.ExitStatus))
	}
	for _, name := range recipe.OutputPaths() {
		if _, err := os.Lstat(filepath.Join(b.result.ArtifactRoot, filepath.FromSlash(name))); err != nil {
			return b.fail(ctx, rebuilder.SandboxFailure, fmt.Errorf("declared output %s missing: %w", name, err))
		}
	}

	b.transition(ctx, rebuilder.BuildStateSucceeded)
	log.Infof(ctx, "Built %v in %v", target, b.result.Duration.Round(time.Second))
	return b.result, nil
}

// buildRun is the state of a single [Orchestrator.Build] call.
type buildRun struct {
	o       *Orchestrator
	target  *rebuilder.BuildTarget
	result  *rebuilder.BuildResult
	started time.Time
}

func (b *buildRun) transition(ctx context.Context, next rebuilder.BuildState) {
	prev := b.result.State
	if !prev.CanTransition(next) {
		panic(fmt.Sprintf("invalid build state transition %v → %v", prev, next))
	}
	b.result.State = next
	log.Debugf(ctx, "Build of %v: %v → %v", b.target, prev, next)
	if b.o.OnTransition != nil {
		b.o.OnTransition(b.target, prev, next)
	}
}

func (b *buildRun) fail(ctx context.Context, kind rebuilder.ErrorKind, err error) (*rebuilder.BuildResult, error) {
	if errors.Is(context.Cause(ctx), errBuildTimeout) {
		kind = rebuilder.TimeoutFailure
		err = fmt.Errorf("%w after %v: %v", errBuildTimeout, time.Since(b.started).Round(time.Second), err)
	}
	b.transition(ctx, rebuilder.BuildStateFailed)
	e := rebuilder.NewError(rebuilder.StageBuild, kind, err)
	e.ExitStatus = b.result.ExitStatus
	e.Log = logTail(b.result.LogPath, logExcerptLines)
	return b.result, e
}

// logTail returns at most the last n lines of the file at path.
func logTail(path string, n int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	const maxRead = 16 << 10
	if info, err := f.Stat(); err == nil && info.Size() > maxRead {
		if _, err := f.Seek(-maxRead, io.SeekEnd); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(io.LimitReader(f, maxRead))
	if err != nil {
		return ""
	}
	data = bytes.TrimRight(data, "\n")
	for i := len(data) - 1; i >= 0; i-- {
		if data[i] == '\n' {
			n--
			if n == 0 {
				return string(data[i+1:])
			}
		}
	}
	return string(data)
}
