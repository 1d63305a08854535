// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"zb.256lights.llc/rebuilder"
	"zb.256lights.llc/rebuilder/flatpak"
	"zb.256lights.llc/rebuilder/internal/evidence"
	"zb.256lights.llc/rebuilder/internal/osutil"
	"zb.256lights.llc/rebuilder/internal/treecmp"
	"zombiezen.com/go/log"
)

// Pipeline runs every stage for a single target.
type Pipeline struct {
	Resolver     *Resolver
	Extractor    *Extractor
	Orchestrator *Orchestrator
	Materializer *Materializer
	Reporter     *Reporter

	// Differ, if not nil, explains content differences.
	Differ         treecmp.Differ
	ComparePolicy  treecmp.Policy
	MetadataPolicy rebuilder.MetadataPolicy

	// WorkDir is the directory run directories are created in.
	WorkDir string
	// Keep retains the run directory after a successful comparison.
	Keep bool

	// Now returns the current time.
	// If nil, [time.Now] is used.
	Now func() time.Time
}

// Request names what to rebuild.
type Request struct {
	Remote  string
	Package string
	// Commit is the commit to rebuild.
	// If zero, the head of the package's ref is used.
	Commit rebuilder.Commit
	// Target, if not nil, is used as-is instead of resolving the other fields.
	Target *rebuilder.BuildTarget
}

// Result is the outcome of [Pipeline.Run].
type Result struct {
	AttemptID string
	Verdict   *rebuilder.Verdict
	// Records is the per-path comparison, if one was performed.
	Records []*rebuilder.ComparisonRecord
	// EvidenceDir is the directory the evidence was persisted to, if any.
	EvidenceDir string
	// RunDir is the run's working directory if it was retained.
	RunDir string
}

// Run runs the pipeline for req.
// Failures of individual stages are reported in the returned verdict,
// not as errors.
// Run returns an error if ctx is canceled
// or the verdict could not be persisted.
// The run directory is released only after a successful comparison
// (unless [Pipeline.Keep] is set).
func (p *Pipeline) Run(ctx context.Context, req *Request) (*Result, error) {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	res := &Result{AttemptID: uuid.New().String()}
	name := unresolvedName(req.Package)
	run := &evidence.Run{
		ID:        res.AttemptID,
		Package:   name,
		StartedAt: now(),
	}
	bundle := &evidence.Bundle{Package: name}
	finish := func(v *rebuilder.Verdict) (*Result, error) {
		if err := ctx.Err(); err != nil {
			if res.RunDir != "" {
				log.Infof(ctx, "Run interrupted; kept %s", res.RunDir)
			}
			return res, err
		}
		res.Verdict = v
		bundle.Verdict = v
		run.FinishedAt = now()
		dir, err := p.Reporter.Report(ctx, bundle, run)
		res.EvidenceDir = dir
		if err != nil {
			return res, err
		}
		if res.RunDir != "" && v.Outcome.Attempted() && !p.Keep {
			if err := osutil.RemoveAll(res.RunDir); err != nil {
				log.Warnf(ctx, "Clean up run directory: %v", err)
			} else {
				res.RunDir = ""
			}
		} else if res.RunDir != "" {
			log.Infof(ctx, "Kept run directory %s", res.RunDir)
		}
		return res, nil
	}

	target := req.Target
	if target == nil {
		var err error
		target, err = p.Resolver.Resolve(ctx, req.Remote, req.Package, req.Commit)
		if err != nil {
			return finish(rebuilder.FailedVerdict(nil, err))
		}
	} else if err := target.Validate(); err != nil {
		return finish(rebuilder.FailedVerdict(nil, rebuilder.NewError(rebuilder.StageResolve, rebuilder.ResolutionError, err)))
	}
	bundle.Package = target.Package
	log.Infof(ctx, "Rebuilding %v (attempt %s)", target, res.AttemptID)

	res.RunDir = filepath.Join(p.WorkDir, target.Key()+"-"+res.AttemptID)
	if err := os.MkdirAll(res.RunDir, 0o777); err != nil {
		return res, fmt.Errorf("create run directory: %v", err)
	}

	recipe, err := p.Extractor.Extract(ctx, target)
	if err != nil {
		return finish(rebuilder.FailedVerdict(target, err))
	}
	bundle.Recipe = recipe

	build, err := p.Orchestrator.Build(ctx, target, recipe, res.RunDir)
	bundle.BuildLog = build.LogPath
	if err != nil {
		return finish(rebuilder.FailedVerdict(target, err))
	}

	pair, err := p.Materializer.Materialize(ctx, target, recipe, build, res.RunDir)
	if err != nil {
		return finish(rebuilder.FailedVerdict(target, err))
	}

	diffDir := filepath.Join(res.RunDir, evidence.DiffsDir)
	cmp, err := treecmp.Compare(ctx, pair, &treecmp.Options{
		Policy:        p.ComparePolicy,
		Differ:        p.Differ,
		DiffDir:       diffDir,
		DiffRefPrefix: evidence.DiffsDir,
	})
	if err != nil {
		return finish(rebuilder.FailedVerdict(target, err))
	}
	res.Records = cmp.Records
	bundle.Records = cmp.Records
	bundle.DiffDir = diffDir
	return finish(rebuilder.NewVerdict(target, cmp.Summary, p.MetadataPolicy))
}

// unresolvedName returns the name evidence is filed under
// for a package that may never resolve to a target.
// Full refs are reduced to their application ID.
func unresolvedName(pkg string) string {
	if ref, err := flatpak.ParseRef(pkg); err == nil {
		return ref.ID
	}
	name := strings.Map(func(c rune) rune {
		if c == '/' || c == '\\' {
			return '_'
		}
		return c
	}, pkg)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}
