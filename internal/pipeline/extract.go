// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"zb.256lights.llc/rebuilder"
	"zb.256lights.llc/rebuilder/internal/manifest"
	"zombiezen.com/go/log"
)

// DefaultRecipePaths is the list of paths inside a commit
// searched for the manifest it was built from.
var DefaultRecipePaths = []string{
	"files/manifest.json",
}

// Extractor reads the build recipe embedded in a commit.
type Extractor struct {
	PackageManager PackageManager
	Store          Store
	// RecipePaths overrides [DefaultRecipePaths] if not empty.
	RecipePaths []string
}

// Extract returns the normalized recipe of the target's commit,
// fetching the commit into the local store if necessary.
// Extracting the same commit twice produces byte-identical manifests.
func (e *Extractor) Extract(ctx context.Context, target *rebuilder.BuildTarget) (*rebuilder.Recipe, error) {
	if err := ensureCommit(ctx, e.PackageManager, e.Store, target); err != nil {
		return nil, rebuilder.NewError(rebuilder.StageRecipe, rebuilder.RecipeUnavailable, err)
	}

	candidates := e.RecipePaths
	if target.RecipePath != "" {
		candidates = []string{target.RecipePath}
	} else if len(candidates) == 0 {
		candidates = DefaultRecipePaths
	}
	for _, name := range candidates {
		data, err := e.Store.ReadFile(ctx, target.Commit, name)
		if errors.Is(err, fs.ErrNotExist) {
			log.Debugf(ctx, "No recipe at %s in %s", name, target.Commit.Short())
			continue
		}
		if err != nil {
			return nil, rebuilder.NewError(rebuilder.StageRecipe, rebuilder.RecipeUnavailable, err)
		}
		recipe, err := manifest.Parse(data)
		if err != nil {
			return nil, rebuilder.NewError(rebuilder.StageRecipe, rebuilder.RecipeMalformed, fmt.Errorf("%s: %w", name, err))
		}
		log.Infof(ctx, "Extracted recipe %s (sha256 %s) from %s", name, recipe.Digest, target.Commit.Short())
		return recipe, nil
	}
	return nil, rebuilder.Errorf(rebuilder.StageRecipe, rebuilder.RecipeUnavailable,
		"commit %s contains no recipe (searched %q)", target.Commit.Short(), candidates)
}

// ensureCommit fetches the target's commit into the store if it is absent.
func ensureCommit(ctx context.Context, pm PackageManager, store Store, target *rebuilder.BuildTarget) error {
	has, err := store.HasCommit(ctx, target.Commit)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	log.Infof(ctx, "Fetching %s from %s...", target.Commit.Short(), target.Remote)
	if err := pm.Fetch(ctx, target.Remote, target.Ref, target.Commit); err != nil {
		return err
	}
	has, err = store.HasCommit(ctx, target.Commit)
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("commit %s still missing after fetch", target.Commit.Short())
	}
	return nil
}
