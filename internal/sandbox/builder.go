// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package sandbox runs flatpak-builder to rebuild a package
// from its manifest.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"zb.256lights.llc/rebuilder/flatpak"
	"zb.256lights.llc/rebuilder/internal/command"
	"zombiezen.com/go/log"
)

// DefaultProgram is the name of the flatpak-builder executable.
const DefaultProgram = "flatpak-builder"

// BuildRequest is the set of parameters for a single build.
type BuildRequest struct {
	// Manifest is the path to the manifest file to build.
	Manifest string
	// BuildDir is the directory the build result is written to.
	// It is cleaned before the build starts.
	BuildDir string
	// StateDir is the directory flatpak-builder uses for downloads and caches.
	StateDir string
	// WorkDir is the working directory of the builder.
	// Relative source paths in the manifest are resolved against the manifest's directory.
	WorkDir string

	// Installation is the installation that provides the runtime and SDK.
	Installation flatpak.Installation
	Arch         string
	// DefaultBranch is used for the build if the manifest does not set one.
	DefaultBranch string

	// Interactive connects the builder to the terminal
	// and permits it to prompt.
	Interactive bool
	// Log receives the builder's stdout and stderr.
	Log io.Writer
}

// BuildOutput is the result of a builder process that ran to completion.
type BuildOutput struct {
	ExitStatus int
}

// FlatpakBuilder builds manifests with flatpak-builder.
type FlatpakBuilder struct {
	// Program is the flatpak-builder executable.
	// If empty, [DefaultProgram] is used.
	Program string
	// Runner runs the flatpak-builder subprocess.
	// If nil, [command.Exec] is used.
	Runner command.Runner
	// ExtraArgs are passed to flatpak-builder before the positional arguments.
	ExtraArgs []string
}

// Build runs the builder to completion.
// A builder that exits with a non-zero status is not an error:
// the status is reported in the returned [BuildOutput].
// Build returns an error if the builder could not be started
// or ctx is done before it finishes.
func (fb *FlatpakBuilder) Build(ctx context.Context, req *BuildRequest) (*BuildOutput, error) {
	if req.Manifest == "" || req.BuildDir == "" {
		return nil, fmt.Errorf("flatpak-builder: manifest and build directory required")
	}
	c := &command.Cmd{
		Path: fb.Program,
		Args: fb.args(req),
		Dir:  req.WorkDir,
	}
	if c.Path == "" {
		c.Path = DefaultProgram
	}
	var out io.Writer = io.Discard
	if req.Log != nil {
		out = req.Log
	}
	if req.Interactive {
		c.Stdin = os.Stdin
		out = io.MultiWriter(out, os.Stderr)
	}
	c.Stdout = out
	c.Stderr = out

	runner := fb.Runner
	if runner == nil {
		runner = command.Exec{}
	}
	log.Infof(ctx, "Building %s in %s", req.Manifest, req.BuildDir)
	_, err := runner.Run(ctx, c)
	var exitErr *command.ExitError
	if errors.As(err, &exitErr) {
		log.Debugf(ctx, "flatpak-builder exited with status %d", exitErr.Status)
		return &BuildOutput{ExitStatus: exitErr.Status}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("flatpak-builder: %w", err)
	}
	return &BuildOutput{ExitStatus: 0}, nil
}

func (fb *FlatpakBuilder) args(req *BuildRequest) []string {
	args := req.Installation.Flags()
	args = append(args,
		"--disable-rofiles-fuse",
		"--force-clean",
		"--disable-updates",
	)
	if !req.Interactive {
		args = append(args, "--assumeyes")
	}
	if req.StateDir != "" {
		args = append(args, "--state-dir="+req.StateDir)
	}
	if req.Arch != "" {
		args = append(args, "--arch="+req.Arch)
	}
	if req.DefaultBranch != "" {
		args = append(args, "--default-branch="+req.DefaultBranch)
	}
	args = append(args, fb.ExtraArgs...)
	args = append(args, req.BuildDir, req.Manifest)
	return args
}
