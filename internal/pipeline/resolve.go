// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"fmt"
	"slices"
	"time"

	"zb.256lights.llc/rebuilder"
	"zb.256lights.llc/rebuilder/flatpak"
	"zombiezen.com/go/log"
)

// Resolver turns a package name and optional commit into a [rebuilder.BuildTarget].
type Resolver struct {
	PackageManager PackageManager
	// Store is consulted before the network, if not nil.
	Store Store
	// Arch and Branch are used to expand application IDs into refs.
	Arch   string
	Branch string
}

// Resolve pins pkg to a single commit.
// pkg may be an application ID or a full ref.
// If commit is zero, the head of the ref at the time of the call is used.
// All errors returned are [*rebuilder.Error] values
// of kind [rebuilder.ResolutionError].
func (r *Resolver) Resolve(ctx context.Context, remote, pkg string, commit rebuilder.Commit) (*rebuilder.BuildTarget, error) {
	ref, err := flatpak.ExpandRef(pkg, r.Arch, r.Branch)
	if err != nil {
		return nil, resolutionError(err)
	}
	target := &rebuilder.BuildTarget{
		Remote:  remote,
		Package: ref.ID,
		Ref:     ref.String(),
	}

	var runtime, sdk string
	if commit.IsZero() {
		info, err := r.PackageManager.RemoteInfo(ctx, remote, target.Ref, "")
		if err != nil {
			return nil, resolutionError(err)
		}
		target.Commit = info.Commit
		target.CommitSource = rebuilder.CommitHead
		target.CommitDate = info.Date
		runtime, sdk = info.Runtime, info.SDK
		log.Infof(ctx, "Resolved %s on %s to head %s", target.Ref, remote, target.Commit.Short())
	} else {
		target.Commit = commit
		target.CommitSource = rebuilder.CommitExplicit
		var date time.Time
		date, runtime, sdk, err = r.commitInfo(ctx, remote, target.Ref, commit)
		if err != nil {
			return nil, resolutionError(err)
		}
		target.CommitDate = date
		if err := r.checkHistory(ctx, remote, target.Ref, commit); err != nil {
			return nil, resolutionError(err)
		}
	}

	target.Runtime, err = r.pin(ctx, remote, runtime, target.CommitDate)
	if err != nil {
		return nil, resolutionError(fmt.Errorf("runtime: %w", err))
	}
	target.SDK, err = r.pin(ctx, remote, sdk, target.CommitDate)
	if err != nil {
		return nil, resolutionError(fmt.Errorf("sdk: %w", err))
	}
	if err := target.Validate(); err != nil {
		return nil, resolutionError(err)
	}
	return target, nil
}

// commitInfo returns the date and dependencies of a commit,
// preferring the local store over the remote.
func (r *Resolver) commitInfo(ctx context.Context, remote, ref string, commit rebuilder.Commit) (date time.Time, runtime, sdk string, err error) {
	if r.Store != nil {
		has, err := r.Store.HasCommit(ctx, commit)
		if err != nil {
			log.Warnf(ctx, "%v", err)
		} else if has {
			c, err := r.Store.Commit(ctx, commit)
			if err == nil {
				log.Debugf(ctx, "Read %s metadata from local store", commit.Short())
				return c.Date, c.Runtime(), c.SDK(), nil
			}
			log.Warnf(ctx, "%v", err)
		}
	}
	info, err := r.PackageManager.RemoteInfo(ctx, remote, ref, commit)
	if err != nil {
		return time.Time{}, "", "", err
	}
	if info.Commit != commit {
		return time.Time{}, "", "", fmt.Errorf("remote reported commit %s for %s", info.Commit.Short(), commit.Short())
	}
	return info.Date, info.Runtime, info.SDK, nil
}

// checkHistory verifies that commit is part of the history of ref.
func (r *Resolver) checkHistory(ctx context.Context, remote, ref string, commit rebuilder.Commit) error {
	contains := func(history []*flatpak.CommitInfo) bool {
		return slices.ContainsFunc(history, func(ci *flatpak.CommitInfo) bool {
			return ci.Commit == commit
		})
	}
	if r.Store != nil {
		history, err := r.Store.Log(ctx, remote+":"+ref)
		if err == nil && contains(history) {
			return nil
		}
	}
	history, err := r.PackageManager.RemoteLog(ctx, remote, ref)
	if err != nil {
		return err
	}
	if !contains(history) {
		return fmt.Errorf("commit %s is not in the history of %s on %s", commit, ref, remote)
	}
	return nil
}

// pin finds the commit of the partial runtime ref
// that was current at the given time.
// An empty partial ref produces a zero pin.
func (r *Resolver) pin(ctx context.Context, remote, partial string, at time.Time) (rebuilder.Pin, error) {
	if partial == "" {
		return rebuilder.Pin{}, nil
	}
	ref, err := flatpak.ParsePartialRuntimeRef(partial)
	if err != nil {
		return rebuilder.Pin{}, err
	}
	history, err := r.PackageManager.RemoteLog(ctx, remote, ref.String())
	if err != nil {
		return rebuilder.Pin{}, err
	}
	if len(history) == 0 {
		return rebuilder.Pin{}, fmt.Errorf("%v: no history", ref)
	}
	if at.IsZero() {
		return rebuilder.Pin{Ref: ref.String(), Commit: history[0].Commit}, nil
	}
	ci, err := flatpak.FindCommitForDate(history, at)
	if err != nil {
		return rebuilder.Pin{}, fmt.Errorf("%v: %w", ref, err)
	}
	pin := rebuilder.Pin{Ref: ref.String(), Commit: ci.Commit}
	log.Debugf(ctx, "Pinned %v", pin)
	return pin, nil
}

func resolutionError(err error) error {
	return rebuilder.NewError(rebuilder.StageResolve, rebuilder.ResolutionError, err)
}
