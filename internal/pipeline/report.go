// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"

	"zb.256lights.llc/rebuilder"
	"zb.256lights.llc/rebuilder/internal/evidence"
	"zombiezen.com/go/log"
)

// Reporter logs verdicts and persists their evidence.
type Reporter struct {
	// Evidence is where bundles are persisted.
	// If nil, verdicts are only logged.
	Evidence *evidence.Store
}

// Report records the outcome of a run.
// It returns the evidence directory, if any.
func (r *Reporter) Report(ctx context.Context, b *evidence.Bundle, run *evidence.Run) (string, error) {
	v := b.Verdict
	switch {
	case v.Outcome.Attempted():
		s := v.Summary
		log.Infof(ctx, "%v: %s (%d paths: %d content differs, %d metadata differs, %d missing in original, %d missing in rebuild)",
			v.Target, v.Outcome, s.Total(),
			s.Counts[rebuilder.ContentDiffers], s.Counts[rebuilder.MetadataDiffers],
			s.Counts[rebuilder.MissingInOriginal], s.Counts[rebuilder.MissingInRebuild])
	case v.Target != nil:
		log.Errorf(ctx, "%v: %s: %s", v.Target, v.Outcome, v.ErrorMessage)
	default:
		log.Errorf(ctx, "%s: %s: %s", b.Package, v.Outcome, v.ErrorMessage)
	}
	if r == nil || r.Evidence == nil {
		return "", nil
	}
	return r.Evidence.Persist(ctx, b, run)
}
