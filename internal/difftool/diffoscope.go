// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package difftool explains file differences with diffoscope.
package difftool

import (
	"context"
	"errors"
	"fmt"
	"os"

	"zb.256lights.llc/rebuilder/internal/command"
	"zombiezen.com/go/log"
)

// DefaultProgram is the name of the diffoscope executable.
const DefaultProgram = "diffoscope"

// Diffoscope runs diffoscope to produce text reports.
type Diffoscope struct {
	// Program is the diffoscope executable.
	// If empty, [DefaultProgram] is used.
	Program string
	// Runner runs the diffoscope subprocess.
	// If nil, [command.Exec] is used.
	Runner command.Runner
	// ExtraArgs are passed to diffoscope before the report options.
	ExtraArgs []string
}

// Diff writes a text report of the differences between files a and b
// to reportPath.
// diffoscope exits with status 1 when the inputs differ,
// so that status is not treated as an error.
func (d *Diffoscope) Diff(ctx context.Context, a, b, reportPath string) error {
	program := d.Program
	if program == "" {
		program = DefaultProgram
	}
	runner := d.Runner
	if runner == nil {
		runner = command.Exec{}
	}
	args := append([]string(nil), d.ExtraArgs...)
	args = append(args, "--no-progress", "--text", reportPath, a, b)
	_, err := runner.Run(ctx, &command.Cmd{
		Path: program,
		Args: args,
	})
	var exitErr *command.ExitError
	switch {
	case err == nil:
		log.Debugf(ctx, "diffoscope found no differences between %s and %s", a, b)
		return nil
	case errors.As(err, &exitErr) && exitErr.Status == 1:
		if _, statErr := os.Stat(reportPath); statErr != nil {
			return fmt.Errorf("diff %s %s: report not written: %v", a, b, statErr)
		}
		return nil
	default:
		return fmt.Errorf("diff %s %s: %w", a, b, err)
	}
}
