// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package storetest

import (
	"context"
	"io"
	"os"
	"sync"
	"testing/fstest"
	"time"

	"zb.256lights.llc/rebuilder/internal/sandbox"
)

// Builder is a fake sandbox that writes a fixed tree into the build directory.
type Builder struct {
	// Outputs is written into the build directory of a successful build.
	Outputs fstest.MapFS
	// ExitStatus is the status the build exits with.
	// A non-zero status skips writing Outputs.
	ExitStatus int
	// Log is written to the build log.
	Log string
	// Delay is how long the build runs before writing Outputs.
	Delay time.Duration

	mu       sync.Mutex
	requests []*sandbox.BuildRequest
}

// Build records req and simulates a build.
func (b *Builder) Build(ctx context.Context, req *sandbox.BuildRequest) (*sandbox.BuildOutput, error) {
	b.mu.Lock()
	reqCopy := *req
	reqCopy.Log = nil
	b.requests = append(b.requests, &reqCopy)
	b.mu.Unlock()

	if req.Log != nil && b.Log != "" {
		if _, err := io.WriteString(req.Log, b.Log); err != nil {
			return nil, err
		}
	}
	if b.Delay > 0 {
		t := time.NewTimer(b.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, context.Cause(ctx)
		}
	}
	if b.ExitStatus != 0 {
		return &sandbox.BuildOutput{ExitStatus: b.ExitStatus}, nil
	}
	if _, err := os.Stat(req.Manifest); err != nil {
		return &sandbox.BuildOutput{ExitStatus: 1}, nil
	}
	if err := WriteTree(req.BuildDir, b.Outputs); err != nil {
		return nil, err
	}
	return &sandbox.BuildOutput{ExitStatus: 0}, nil
}

// Requests returns the requests the builder has received.
// The Log field of each request is nil.
func (b *Builder) Requests() []*sandbox.BuildRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	reqs := make([]*sandbox.BuildRequest, len(b.requests))
	copy(reqs, b.requests)
	return reqs
}

// Differ is a fake explanation tool that records its invocations.
type Differ struct {
	// Err, if not nil, is returned from every call to Diff.
	Err error

	mu    sync.Mutex
	pairs [][2]string
}

// Diff writes a short report naming a and b to reportPath.
func (d *Differ) Diff(ctx context.Context, a, b, reportPath string) error {
	d.mu.Lock()
	d.pairs = append(d.pairs, [2]string{a, b})
	d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	return os.WriteFile(reportPath, []byte("--- "+a+"\n+++ "+b+"\n"), 0o644)
}

// Calls returns the number of times Diff was called.
func (d *Differ) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pairs)
}
