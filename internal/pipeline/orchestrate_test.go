// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"zb.256lights.llc/rebuilder"
	"zb.256lights.llc/rebuilder/internal/storetest"
	"zb.256lights.llc/rebuilder/internal/testcontext"
)

// recipe extracts the recipe of target.
func (f *fixture) recipe(tb testing.TB, target *rebuilder.BuildTarget) *rebuilder.Recipe {
	tb.Helper()
	ctx, cancel := testcontext.New(tb)
	defer cancel()
	e := &Extractor{PackageManager: f.flatpak, Store: f.flatpak}
	recipe, err := e.Extract(ctx, target)
	if err != nil {
		tb.Fatal(err)
	}
	return recipe
}

func TestOrchestratorBuild(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture()
	target := f.target(t, f.app1)
	recipe := f.recipe(t, target)
	builder := &storetest.Builder{
		Outputs: appTree(),
		Log:     "Building module app\n",
	}
	type transition struct {
		from, to rebuilder.BuildState
	}
	var transitions []transition
	o := &Orchestrator{
		PackageManager: f.flatpak,
		Sandbox:        builder,
		OnTransition: func(tt *rebuilder.BuildTarget, from, to rebuilder.BuildState) {
			if tt != target {
				t.Errorf("OnTransition called with target %v; want %v", tt, target)
			}
			transitions = append(transitions, transition{from, to})
		},
	}
	runDir := t.TempDir()

	result, err := o.Build(ctx, target, recipe, runDir)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Succeeded() {
		t.Errorf("result.State = %v; want %v", result.State, rebuilder.BuildStateSucceeded)
	}
	if result.ExitStatus != 0 {
		t.Errorf("result.ExitStatus = %d; want 0", result.ExitStatus)
	}
	wantTransitions := []transition{
		{rebuilder.BuildStatePending, rebuilder.BuildStateInstallingDependencies},
		{rebuilder.BuildStateInstallingDependencies, rebuilder.BuildStateBuilding},
		{rebuilder.BuildStateBuilding, rebuilder.BuildStateSucceeded},
	}
	if diff := cmp.Diff(wantTransitions, transitions, cmp.AllowUnexported(transition{})); diff != "" {
		t.Errorf("transitions (-want +got):\n%s", diff)
	}
	wantInstalled := map[string]rebuilder.Commit{
		testPlatformRef: f.platform1,
		testSDKRef:      f.sdk,
	}
	if diff := cmp.Diff(wantInstalled, f.flatpak.Installed()); diff != "" {
		t.Errorf("installed (-want +got):\n%s", diff)
	}
	if got, err := os.ReadFile(result.LogPath); err != nil {
		t.Error(err)
	} else if string(got) != builder.Log {
		t.Errorf("build log = %q; want %q", got, builder.Log)
	}
	if got, err := os.ReadFile(filepath.Join(runDir, runManifestName)); err != nil {
		t.Error(err)
	} else if string(got) != string(recipe.Manifest) {
		t.Errorf("manifest written to run directory = %s; want %s", got, recipe.Manifest)
	}

	reqs := builder.Requests()
	if len(reqs) != 1 {
		t.Fatalf("builder called %d times; want 1", len(reqs))
	}
	if got, want := reqs[0].BuildDir, result.ArtifactRoot; got != want {
		t.Errorf("BuildDir = %q; want %q", got, want)
	}
	if got, want := reqs[0].Arch, testArch; got != want {
		t.Errorf("Arch = %q; want %q", got, want)
	}
	if got, want := reqs[0].DefaultBranch, testBranch; got != want {
		t.Errorf("DefaultBranch = %q; want %q", got, want)
	}
}

func TestOrchestratorBuildFailure(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture()
	target := f.target(t, f.app1)
	recipe := f.recipe(t, target)
	o := &Orchestrator{
		PackageManager: f.flatpak,
		Sandbox: &storetest.Builder{
			ExitStatus: 1,
			Log:        "compiling...\nerror: cc failed\n",
		},
	}

	result, err := o.Build(ctx, target, recipe, t.TempDir())
	if err == nil {
		t.Fatal("Build did not return an error")
	}
	if result.State != rebuilder.BuildStateFailed {
		t.Errorf("result.State = %v; want %v", result.State, rebuilder.BuildStateFailed)
	}
	e, ok := rebuilder.AsError(err)
	if !ok {
		t.Fatalf("error = %v; want *rebuilder.Error", err)
	}
	if e.Kind != rebuilder.SandboxFailure {
		t.Errorf("error kind = %q; want %q", e.Kind, rebuilder.SandboxFailure)
	}
	if e.ExitStatus != 1 {
		t.Errorf("error exit status = %d; want 1", e.ExitStatus)
	}
	if !strings.Contains(e.Log, "error: cc failed") {
		t.Errorf("error log = %q; want to contain build output", e.Log)
	}
	if got := rebuilder.FailedVerdict(target, err).Outcome; got != rebuilder.BuildFailed {
		t.Errorf("verdict outcome = %q; want %q", got, rebuilder.BuildFailed)
	}
}

func TestOrchestratorMissingOutput(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture()
	target := f.target(t, f.app1)
	recipe := f.recipe(t, target)
	tree := appTree()
	delete(tree, "metadata")
	o := &Orchestrator{
		PackageManager: f.flatpak,
		Sandbox:        &storetest.Builder{Outputs: tree},
	}

	_, err := o.Build(ctx, target, recipe, t.TempDir())
	if got, want := rebuilder.KindOf(err), rebuilder.SandboxFailure; got != want {
		t.Errorf("KindOf(%v) = %q; want %q", err, got, want)
	}
}

func TestOrchestratorDependencyFailure(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture()
	target := f.target(t, f.app1)
	recipe := f.recipe(t, target)
	target.Runtime.Commit = "1111111111111111111111111111111111111111111111111111111111111111"
	builder := new(storetest.Builder)
	o := &Orchestrator{
		PackageManager: f.flatpak,
		Sandbox:        builder,
	}

	result, err := o.Build(ctx, target, recipe, t.TempDir())
	if got, want := rebuilder.KindOf(err), rebuilder.DependencyFailure; got != want {
		t.Errorf("KindOf(%v) = %q; want %q", err, got, want)
	}
	if result.State != rebuilder.BuildStateFailed {
		t.Errorf("result.State = %v; want %v", result.State, rebuilder.BuildStateFailed)
	}
	if n := len(builder.Requests()); n != 0 {
		t.Errorf("builder called %d times; want 0", n)
	}
}

func TestOrchestratorTimeout(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture()
	target := f.target(t, f.app1)
	recipe := f.recipe(t, target)
	o := &Orchestrator{
		PackageManager: f.flatpak,
		Sandbox: &storetest.Builder{
			Outputs: appTree(),
			Delay:   time.Minute,
		},
		Timeout: 100 * time.Millisecond,
	}

	start := time.Now()
	result, err := o.Build(ctx, target, recipe, t.TempDir())
	if elapsed := time.Since(start); elapsed > 30*time.Second {
		t.Errorf("Build took %v", elapsed)
	}
	if got, want := rebuilder.KindOf(err), rebuilder.TimeoutFailure; got != want {
		t.Errorf("KindOf(%v) = %q; want %q", err, got, want)
	}
	if result.State != rebuilder.BuildStateFailed {
		t.Errorf("result.State = %v; want %v", result.State, rebuilder.BuildStateFailed)
	}
	if ctx.Err() != nil {
		t.Error("timeout canceled the caller's context")
	}
}

func TestOrchestratorSharedInstalls(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture()
	target := f.target(t, f.app1)
	recipe := f.recipe(t, target)
	o := &Orchestrator{
		PackageManager: f.flatpak,
		Sandbox:        &storetest.Builder{Outputs: appTree()},
	}

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		runDir := t.TempDir()
		wg.Go(func() {
			_, errs[i] = o.Build(ctx, target, recipe, runDir)
		})
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("build #%d: %v", i+1, err)
		}
	}
	var installs []string
	for _, call := range f.flatpak.Calls() {
		if strings.HasPrefix(call, "install ") {
			installs = append(installs, call)
		}
	}
	want := []string{
		"install " + testPlatformRef + "@" + string(f.platform1),
		"install " + testSDKRef + "@" + string(f.sdk),
	}
	if diff := cmp.Diff(want, installs); diff != "" {
		t.Errorf("installs (-want +got):\n%s", diff)
	}
}
