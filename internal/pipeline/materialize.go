// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"zb.256lights.llc/rebuilder"
	"zb.256lights.llc/rebuilder/internal/osutil"
	"zombiezen.com/go/log"
)

// Names inside a run directory.
const (
	runCheckoutName = "checkout"
	runTreesName    = "trees"
)

// Materializer places the distributed and rebuilt artifacts
// of a target side by side.
type Materializer struct {
	PackageManager PackageManager
	Store          Store
}

// Materialize checks out the target's commit
// and copies the declared outputs of both the checkout and the build
// into "trees/original" and "trees/rebuild" under runDir.
// Files are copied without normalization.
// All errors are [*rebuilder.Error] values of kind [rebuilder.MaterializationError].
func (m *Materializer) Materialize(ctx context.Context, target *rebuilder.BuildTarget, recipe *rebuilder.Recipe, build *rebuilder.BuildResult, runDir string) (*rebuilder.MaterializedPair, error) {
	if !build.Succeeded() {
		return nil, rebuilder.Errorf(rebuilder.StageMaterialize, rebuilder.MaterializationError, "build of %v did not succeed", target)
	}
	pair := &rebuilder.MaterializedPair{
		Commit:       target.Commit,
		OriginalRoot: filepath.Join(runDir, runTreesName, "original"),
		RebuildRoot:  filepath.Join(runDir, runTreesName, "rebuild"),
	}
	if err := os.MkdirAll(filepath.Join(runDir, runTreesName), 0o777); err != nil {
		return nil, rebuilder.NewError(rebuilder.StageMaterialize, rebuilder.MaterializationError, err)
	}
	outputs := recipe.OutputPaths()

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		if err := ensureCommit(grpCtx, m.PackageManager, m.Store, target); err != nil {
			return err
		}
		checkout := filepath.Join(runDir, runCheckoutName)
		if err := m.PackageManager.Checkout(grpCtx, target.Commit, checkout); err != nil {
			return err
		}
		return copyOutputs(grpCtx, pair.OriginalRoot, checkout, outputs, false)
	})
	grp.Go(func() error {
		return copyOutputs(grpCtx, pair.RebuildRoot, build.ArtifactRoot, outputs, true)
	})
	if err := grp.Wait(); err != nil {
		return nil, rebuilder.NewError(rebuilder.StageMaterialize, rebuilder.MaterializationError, err)
	}
	return pair, nil
}

// copyOutputs copies each of the named outputs from src into dst.
// If required is false, outputs missing from src are skipped.
func copyOutputs(ctx context.Context, dst, src string, outputs []string, required bool) error {
	if err := os.Mkdir(dst, 0o755); err != nil {
		return err
	}
	for _, name := range outputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		from := filepath.Join(src, filepath.FromSlash(name))
		to := filepath.Join(dst, filepath.FromSlash(name))
		if _, err := os.Lstat(from); errors.Is(err, fs.ErrNotExist) && !required {
			log.Debugf(ctx, "%s has no %s", src, name)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return err
		}
		if err := osutil.CopyTree(to, from); err != nil {
			return fmt.Errorf("copy %s: %w", name, err)
		}
	}
	return nil
}
