// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package command runs external tools as subprocesses.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"zombiezen.com/go/log"
)

// Cmd describes a subprocess invocation.
type Cmd struct {
	// Path is the program to run.
	// If it contains no path separators, it is looked up in PATH.
	Path string
	Args []string
	// Dir is the working directory of the subprocess.
	// If empty, the subprocess runs in the caller's working directory.
	Dir string
	// Env is the environment of the subprocess.
	// If nil, the subprocess inherits the caller's environment.
	Env []string

	Stdin io.Reader
	// Stdout and Stderr receive the subprocess's output.
	// Output is always captured into [Result] as well,
	// up to a limit for each stream.
	Stdout io.Writer
	Stderr io.Writer
}

func (c *Cmd) String() string {
	sb := new(strings.Builder)
	sb.WriteString(c.Path)
	for _, arg := range c.Args {
		sb.WriteString(" ")
		if arg == "" || strings.ContainsAny(arg, " \t\n'\"") {
			sb.WriteString(fmt.Sprintf("%q", arg))
		} else {
			sb.WriteString(arg)
		}
	}
	return sb.String()
}

// Elevate returns a copy of c that runs under the given privilege command
// (e.g. ["sudo", "-n"]).
// If prefix is empty, Elevate returns c unchanged.
func Elevate(prefix []string, c *Cmd) *Cmd {
	if len(prefix) == 0 {
		return c
	}
	c2 := new(Cmd)
	*c2 = *c
	c2.Path = prefix[0]
	c2.Args = make([]string, 0, len(prefix)+len(c.Args))
	c2.Args = append(c2.Args, prefix[1:]...)
	c2.Args = append(c2.Args, c.Path)
	c2.Args = append(c2.Args, c.Args...)
	return c2
}

// Result is the outcome of a subprocess that ran to completion.
type Result struct {
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
}

// Runner runs subprocesses.
type Runner interface {
	// Run runs the command and waits for it to finish.
	// If the command starts but exits unsuccessfully,
	// Run returns both a non-nil result and an [*ExitError].
	Run(ctx context.Context, c *Cmd) (*Result, error)
}

// RunnerFunc is a function that implements [Runner].
type RunnerFunc func(ctx context.Context, c *Cmd) (*Result, error)

// Run returns f(ctx, c).
func (f RunnerFunc) Run(ctx context.Context, c *Cmd) (*Result, error) {
	return f(ctx, c)
}

// ExitError is returned by [Runner.Run]
// when a subprocess exits with a non-zero status.
type ExitError struct {
	Command string
	Status  int
	Stderr  []byte
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.Command, e.Status)
	if stderr := strings.TrimSpace(string(e.Stderr)); stderr != "" {
		msg += ": " + firstLine(stderr)
	}
	return msg
}

// ExitStatus returns the exit status from the first [*ExitError] in err's chain.
// ExitStatus returns -1 if there is no such error.
func ExitStatus(err error) int {
	var e *ExitError
	if !errors.As(err, &e) {
		return -1
	}
	return e.Status
}

// maxCapture is the maximum number of bytes of each output stream kept in a [Result].
const maxCapture = 4 << 20

// Exec is a [Runner] that runs programs on the local machine.
type Exec struct {
	// WaitDelay bounds the time to wait for a subprocess to exit
	// after it has been signalled on context cancellation.
	// If zero, a default of 10 seconds is used.
	WaitDelay time.Duration
}

// Run implements [Runner] by using [exec.CommandContext].
func (e Exec) Run(ctx context.Context, c *Cmd) (*Result, error) {
	log.Debugf(ctx, "Running %v", c)
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	setCancelFunc(cmd)
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 10 * time.Second
	}
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdin = c.Stdin
	stdout := &limitedBuffer{max: maxCapture}
	stderr := &limitedBuffer{max: maxCapture}
	cmd.Stdout = teeWriter(stdout, c.Stdout)
	cmd.Stderr = teeWriter(stderr, c.Stderr)

	err := cmd.Run()
	result := &Result{
		ExitStatus: -1,
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
	}
	if cmd.ProcessState != nil {
		result.ExitStatus = cmd.ProcessState.ExitCode()
	}
	if ctxErr := ctx.Err(); err != nil && ctxErr != nil {
		return result, fmt.Errorf("%s: %w", c.Path, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return result, &ExitError{
			Command: c.Path,
			Status:  exitErr.ExitCode(),
			Stderr:  result.Stderr,
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func teeWriter(buf *limitedBuffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}

// limitedBuffer is a [bytes.Buffer] that silently drops writes past max bytes.
type limitedBuffer struct {
	bytes.Buffer
	max int
}

func (lb *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if remaining := lb.max - lb.Len(); remaining < len(p) {
		p = p[:max(remaining, 0)]
	}
	lb.Buffer.Write(p)
	return n, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
