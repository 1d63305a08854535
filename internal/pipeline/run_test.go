// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/go-cmp/cmp"
	"zb.256lights.llc/rebuilder"
	"zb.256lights.llc/rebuilder/internal/evidence"
	"zb.256lights.llc/rebuilder/internal/storetest"
	"zb.256lights.llc/rebuilder/internal/testcontext"
)

func TestRunReproducible(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture()
	p, store := f.newPipeline(t, &storetest.Builder{Outputs: appTree()})

	result, err := p.Run(ctx, &Request{
		Remote:  testRemote,
		Package: "org.example.App",
		Commit:  f.app1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Verdict.Outcome != rebuilder.Reproducible {
		t.Errorf("outcome = %q; want %q", result.Verdict.Outcome, rebuilder.Reproducible)
	}
	for _, rec := range result.Records {
		if rec.Classification != rebuilder.Identical {
			t.Errorf("unexpected record: %v", rec)
		}
	}
	if s := result.Verdict.Summary; s == nil || s.OriginalTreeDigest != s.RebuildTreeDigest {
		t.Errorf("summary = %+v; want matching tree digests", s)
	}

	if result.RunDir != "" {
		t.Errorf("run directory %s retained after successful comparison", result.RunDir)
	}
	if entries, err := os.ReadDir(p.WorkDir); err != nil {
		t.Error(err)
	} else if len(entries) > 0 {
		t.Errorf("work directory contains %d entries after run; want 0", len(entries))
	}

	wantDir := filepath.Join(store.Dir(), "org.example.App", string(f.app1))
	if result.EvidenceDir != wantDir {
		t.Errorf("EvidenceDir = %q; want %q", result.EvidenceDir, wantDir)
	}
	report, err := evidence.Load(result.EvidenceDir)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(result.Verdict, report.Verdict); diff != "" {
		t.Errorf("persisted verdict (-want +got):\n%s", diff)
	}
	if report.Recipe == nil || report.Recipe.ID != "org.example.App" {
		t.Errorf("persisted recipe = %+v; want org.example.App", report.Recipe)
	}

	runs, err := store.Recent(ctx, "org.example.App", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(Recent(...)) = %d; want 1", len(runs))
	}
	if runs[0].ID != result.AttemptID {
		t.Errorf("indexed run ID = %q; want %q", runs[0].ID, result.AttemptID)
	}
	if runs[0].Outcome != rebuilder.Reproducible {
		t.Errorf("indexed outcome = %q; want %q", runs[0].Outcome, rebuilder.Reproducible)
	}
}

func TestRunDivergent(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture()
	differ := new(storetest.Differ)
	p, _ := f.newPipeline(t, &storetest.Builder{
		Outputs: rebuiltTree(fstest.MapFS{
			"files/bin/app":       {Data: []byte("#!/bin/sh\necho 'Hello, Rebuild!'\n"), Mode: 0o755},
			"files/bin/app.debug": {Data: []byte("\x7fELF")},
		}),
	})
	p.Differ = differ

	result, err := p.Run(ctx, &Request{
		Remote:  testRemote,
		Package: "org.example.App",
		Commit:  f.app1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Verdict.Outcome != rebuilder.Divergent {
		t.Errorf("outcome = %q; want %q", result.Verdict.Outcome, rebuilder.Divergent)
	}
	got := make(map[string]rebuilder.Classification)
	for _, rec := range result.Records {
		if rec.Classification != rebuilder.Identical {
			got[rec.Path] = rec.Classification
		}
	}
	want := map[string]rebuilder.Classification{
		"files/bin/app":       rebuilder.ContentDiffers,
		"files/bin/app.debug": rebuilder.MissingInOriginal,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("divergent records (-want +got):\n%s", diff)
	}
	if differ.Calls() != 1 {
		t.Errorf("differ called %d times; want 1", differ.Calls())
	}

	report, err := evidence.Load(result.EvidenceDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range report.Records {
		if rec.DiffRef == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(result.EvidenceDir, filepath.FromSlash(rec.DiffRef))); err != nil {
			t.Errorf("diff for %s: %v", rec.Path, err)
		}
	}
	if diff := cmp.Diff(result.Records, report.Records); diff != "" {
		t.Errorf("persisted records (-want +got):\n%s", diff)
	}
}

func TestRunMetadataPolicy(t *testing.T) {
	tests := []struct {
		policy rebuilder.MetadataPolicy
		want   rebuilder.Outcome
	}{
		{rebuilder.MetadataReport, rebuilder.Reproducible},
		{rebuilder.MetadataDivergent, rebuilder.Divergent},
	}
	for _, test := range tests {
		t.Run(string(test.policy), func(t *testing.T) {
			ctx, cancel := testcontext.New(t)
			defer cancel()
			f := newFixture()
			p, _ := f.newPipeline(t, &storetest.Builder{
				Outputs: rebuiltTree(fstest.MapFS{
					"files/share/app/data.txt": {Data: []byte("data\n"), Mode: 0o755},
				}),
			})
			p.MetadataPolicy = test.policy

			result, err := p.Run(ctx, &Request{
				Remote:  testRemote,
				Package: "org.example.App",
				Commit:  f.app1,
			})
			if err != nil {
				t.Fatal(err)
			}
			if got := result.Verdict.Outcome; got != test.want {
				t.Errorf("outcome = %q; want %q", got, test.want)
			}
			if got := result.Verdict.Summary.Counts[rebuilder.MetadataDiffers]; got != 1 {
				t.Errorf("metadata differences = %d; want 1", got)
			}
		})
	}
}

func TestRunResolutionFailure(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture()
	builder := new(storetest.Builder)
	p, store := f.newPipeline(t, builder)

	result, err := p.Run(ctx, &Request{
		Remote:  testRemote,
		Package: "org.example.Missing",
	})
	if err != nil {
		t.Fatal(err)
	}
	v := result.Verdict
	if v.Outcome != rebuilder.ResolutionFailed {
		t.Errorf("outcome = %q; want %q", v.Outcome, rebuilder.ResolutionFailed)
	}
	if v.Target != nil {
		t.Errorf("target = %v; want <nil>", v.Target)
	}
	if v.ErrorKind != rebuilder.ResolutionError {
		t.Errorf("error kind = %q; want %q", v.ErrorKind, rebuilder.ResolutionError)
	}
	if n := len(builder.Requests()); n != 0 {
		t.Errorf("builder called %d times; want 0", n)
	}
	if want := filepath.Join(store.Dir(), "org.example.Missing", "unresolved"); result.EvidenceDir != want {
		t.Errorf("EvidenceDir = %q; want %q", result.EvidenceDir, want)
	}
}

func TestRunResolutionFailureFullRef(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture()
	p, store := f.newPipeline(t, new(storetest.Builder))

	result, err := p.Run(ctx, &Request{
		Remote:  "nosuchremote",
		Package: "app/org.example.App/x86_64/stable",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := result.Verdict.Outcome; got != rebuilder.ResolutionFailed {
		t.Errorf("outcome = %q; want %q", got, rebuilder.ResolutionFailed)
	}
	if want := filepath.Join(store.Dir(), "org.example.App", "unresolved"); result.EvidenceDir != want {
		t.Errorf("EvidenceDir = %q; want %q", result.EvidenceDir, want)
	}
	runs, err := store.Recent(ctx, "org.example.App", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Outcome != rebuilder.ResolutionFailed {
		t.Errorf("store.Recent(ctx, %q, 1) = %v; want one %s run", "org.example.App", runs, rebuilder.ResolutionFailed)
	}
}

func TestUnresolvedName(t *testing.T) {
	tests := []struct {
		pkg  string
		want string
	}{
		{"org.example.App", "org.example.App"},
		{"app/org.example.App/x86_64/stable", "org.example.App"},
		{"runtime/org.freedesktop.Platform/x86_64/23.08", "org.freedesktop.Platform"},
		{"org.example.App/x86_64", "org.example.App_x86_64"},
		{`a\b`, "a_b"},
		{"", "_"},
		{"..", "_"},
	}
	for _, test := range tests {
		if got := unresolvedName(test.pkg); got != test.want {
			t.Errorf("unresolvedName(%q) = %q; want %q", test.pkg, got, test.want)
		}
	}
}

func TestRunBuildFailure(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture()
	p, _ := f.newPipeline(t, &storetest.Builder{
		ExitStatus: 2,
		Log:        "error: module app failed\n",
	})

	result, err := p.Run(ctx, &Request{
		Remote:  testRemote,
		Package: "org.example.App",
		Commit:  f.app1,
	})
	if err != nil {
		t.Fatal(err)
	}
	v := result.Verdict
	if v.Outcome != rebuilder.BuildFailed {
		t.Errorf("outcome = %q; want %q", v.Outcome, rebuilder.BuildFailed)
	}
	if v.ErrorKind != rebuilder.SandboxFailure {
		t.Errorf("error kind = %q; want %q", v.ErrorKind, rebuilder.SandboxFailure)
	}
	if v.ExitStatus == nil || *v.ExitStatus != 2 {
		t.Errorf("exit status = %v; want 2", v.ExitStatus)
	}
	if v.Summary != nil {
		t.Errorf("summary = %+v; want <nil>", v.Summary)
	}
	if result.RunDir == "" {
		t.Error("run directory released after failed build")
	} else if _, err := os.Stat(result.RunDir); err != nil {
		t.Error(err)
	}
	if got, err := os.ReadFile(filepath.Join(result.EvidenceDir, evidence.BuildLogFile)); err != nil {
		t.Error(err)
	} else if string(got) != "error: module app failed\n" {
		t.Errorf("persisted build log = %q", got)
	}
}

func TestRunIdempotentEvidence(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture()
	p, store := f.newPipeline(t, &storetest.Builder{Outputs: appTree()})
	req := &Request{
		Remote:  testRemote,
		Package: "org.example.App",
		Commit:  f.app1,
	}

	first, err := p.Run(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	firstVerdict, err := os.ReadFile(filepath.Join(first.EvidenceDir, evidence.VerdictFile))
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Run(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if first.EvidenceDir != second.EvidenceDir {
		t.Errorf("evidence directories differ: %s vs. %s", first.EvidenceDir, second.EvidenceDir)
	}
	if first.AttemptID == second.AttemptID {
		t.Errorf("both runs have attempt ID %s", first.AttemptID)
	}
	secondVerdict, err := os.ReadFile(filepath.Join(second.EvidenceDir, evidence.VerdictFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(firstVerdict) != string(secondVerdict) {
		t.Errorf("verdicts differ:\n%s\nvs.\n%s", firstVerdict, secondVerdict)
	}
	runs, err := store.Recent(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("len(Recent(...)) = %d; want 2", len(runs))
	}
}

func TestRunReplayTarget(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture()
	target := f.target(t, f.app1)
	p, _ := f.newPipeline(t, &storetest.Builder{Outputs: appTree()})
	// Replaying a target must not consult the resolver.
	p.Resolver = nil

	result, err := p.Run(ctx, &Request{Target: target})
	if err != nil {
		t.Fatal(err)
	}
	if result.Verdict.Outcome != rebuilder.Reproducible {
		t.Errorf("outcome = %q; want %q", result.Verdict.Outcome, rebuilder.Reproducible)
	}
	if diff := cmp.Diff(target, result.Verdict.Target); diff != "" {
		t.Errorf("target (-want +got):\n%s", diff)
	}
}

func TestRunCanceled(t *testing.T) {
	testCtx, cancelTest := testcontext.New(t)
	defer cancelTest()
	ctx, cancel := context.WithCancel(testCtx)
	defer cancel()
	f := newFixture()
	p, store := f.newPipeline(t, &storetest.Builder{
		Outputs: appTree(),
		Delay:   time.Minute,
	})
	time.AfterFunc(100*time.Millisecond, cancel)

	result, err := p.Run(ctx, &Request{
		Remote:  testRemote,
		Package: "org.example.App",
		Commit:  f.app1,
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run(...) error = %v; want %v", err, context.Canceled)
	}
	if result.RunDir == "" {
		t.Error("run directory not retained")
	} else if _, err := os.Stat(result.RunDir); err != nil {
		t.Error(err)
	}
	_, err = os.Stat(filepath.Join(store.Dir(), "org.example.App"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("evidence written for canceled run (stat error = %v)", err)
	}
	runs, err := store.Recent(testCtx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("len(Recent(...)) = %d; want 0", len(runs))
	}
}
