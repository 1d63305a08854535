// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package pipeline implements the rebuild-and-compare pipeline:
// resolve, extract the recipe, build, materialize, compare, and report.
package pipeline

import (
	"context"

	"zb.256lights.llc/rebuilder"
	"zb.256lights.llc/rebuilder/flatpak"
	"zb.256lights.llc/rebuilder/internal/ostree"
	"zb.256lights.llc/rebuilder/internal/sandbox"
)

// PackageManager is the set of package manager operations the pipeline uses.
// [*flatpak.Client] implements PackageManager.
type PackageManager interface {
	// RemoteInfo returns metadata for ref on the remote,
	// either at its head or at the given commit if it is not zero.
	RemoteInfo(ctx context.Context, remote, ref string, commit rebuilder.Commit) (*flatpak.RefInfo, error)
	// RemoteLog returns the remote's history of ref, newest first.
	RemoteLog(ctx context.Context, remote, ref string) ([]*flatpak.CommitInfo, error)
	// Fetch downloads a commit into the local store.
	Fetch(ctx context.Context, remote, ref string, commit rebuilder.Commit) error
	// InstallRuntime ensures the pinned runtime is installed.
	// It must be idempotent.
	InstallRuntime(ctx context.Context, remote string, pin rebuilder.Pin, interactive bool) error
	// Checkout writes the tree of a commit in the local store to dst.
	Checkout(ctx context.Context, commit rebuilder.Commit, dst string) error
}

// Store is read-only access to the local content-addressed store.
// [*ostree.Repo] implements Store.
type Store interface {
	HasCommit(ctx context.Context, commit rebuilder.Commit) (bool, error)
	Commit(ctx context.Context, commit rebuilder.Commit) (*ostree.Commit, error)
	Log(ctx context.Context, ref string) ([]*flatpak.CommitInfo, error)
	// ReadFile returns the content of a file in the tree of commit.
	// It returns an error wrapping [io/fs.ErrNotExist] if the file is absent.
	ReadFile(ctx context.Context, commit rebuilder.Commit, name string) ([]byte, error)
}

// Sandbox runs a build in isolation.
// [*sandbox.FlatpakBuilder] implements Sandbox.
type Sandbox interface {
	Build(ctx context.Context, req *sandbox.BuildRequest) (*sandbox.BuildOutput, error)
}

var (
	_ PackageManager = (*flatpak.Client)(nil)
	_ Store          = (*ostree.Repo)(nil)
	_ Sandbox        = (*sandbox.FlatpakBuilder)(nil)
)
