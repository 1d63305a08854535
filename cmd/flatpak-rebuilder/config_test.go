// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"zb.256lights.llc/rebuilder"
	"zb.256lights.llc/rebuilder/flatpak"
)

func TestDefaultGlobalConfig(t *testing.T) {
	got := defaultGlobalConfig()
	if got.Remote == "" {
		t.Errorf("defaultGlobalConfig().Remote is empty")
	}
	if got.BuildTimeout <= 0 {
		t.Errorf("defaultGlobalConfig().BuildTimeout = %v; want >0", got.BuildTimeout)
	}
	if got.MetadataPolicy != rebuilder.MetadataReport {
		t.Errorf("defaultGlobalConfig().MetadataPolicy = %q; want %q", got.MetadataPolicy, rebuilder.MetadataReport)
	}
}

func TestGlobalConfigMergeEnvironment(t *testing.T) {
	t.Setenv("FLATPAK_REBUILDER_WORK_DIR", "/tmp/work")
	t.Setenv("FLATPAK_REBUILDER_EVIDENCE_DIR", "/srv/evidence")
	t.Setenv("FLATPAK_REBUILDER_BUILD_TIMEOUT", "45m")

	g := defaultGlobalConfig()
	if err := g.mergeEnvironment(); err != nil {
		t.Fatal(err)
	}
	if got, want := g.WorkDir, "/tmp/work"; got != want {
		t.Errorf("g.WorkDir = %q; want %q", got, want)
	}
	if got, want := g.EvidenceDir, "/srv/evidence"; got != want {
		t.Errorf("g.EvidenceDir = %q; want %q", got, want)
	}
	if got, want := time.Duration(g.BuildTimeout), 45*time.Minute; got != want {
		t.Errorf("g.BuildTimeout = %v; want %v", got, want)
	}
}

func TestGlobalConfigMergeFiles(t *testing.T) {
	dir := t.TempDir()
	var paths [3]string
	paths[0] = filepath.Join(dir, "config1.jwcc")
	config1 := `{
		// Comments and trailing commas are permitted.
		"debug": true,
		"remote": "flathub-beta",
		"buildTimeout": "30m",
		"recipePaths": ["files/manifest.json"],
		"futureOption": {"ignored": [1, 2, 3]},
	}` + "\n"
	if err := os.WriteFile(paths[0], []byte(config1), 0o666); err != nil {
		t.Fatal(err)
	}
	paths[1] = filepath.Join(dir, "config2.jwcc")
	config2 := `{"remote": "flathub", "installation": "system", "recipePaths": ["files/share/manifest.json"], "metadataPolicy": "divergent"}` + "\n"
	if err := os.WriteFile(paths[1], []byte(config2), 0o666); err != nil {
		t.Fatal(err)
	}
	paths[2] = filepath.Join(dir, "missing.jwcc")

	g := new(globalConfig)
	if err := g.mergeFiles(slices.Values(paths[:])); err != nil {
		t.Error("mergeFiles:", err)
	}
	if !g.Debug {
		t.Error("g.Debug = false; want true (config1.jwcc ignored)")
	}
	if got, want := g.Remote, "flathub"; got != want {
		t.Errorf("g.Remote = %q; want %q", got, want)
	}
	if got, want := g.Installation, flatpak.SystemInstallation; got != want {
		t.Errorf("g.Installation = %v; want %v", got, want)
	}
	if got, want := time.Duration(g.BuildTimeout), 30*time.Minute; got != want {
		t.Errorf("g.BuildTimeout = %v; want %v", got, want)
	}
	if got, want := g.MetadataPolicy, rebuilder.MetadataDivergent; got != want {
		t.Errorf("g.MetadataPolicy = %q; want %q", got, want)
	}
	wantRecipePaths := []string{"files/manifest.json", "files/share/manifest.json"}
	if diff := cmp.Diff(wantRecipePaths, g.RecipePaths); diff != "" {
		t.Errorf("g.RecipePaths (-want +got):\n%s", diff)
	}
}

func TestGlobalConfigValidate(t *testing.T) {
	valid := func() *globalConfig {
		g := defaultGlobalConfig()
		g.WorkDir = "/tmp/work"
		g.EvidenceDir = "/tmp/evidence"
		return g
	}
	if err := valid().validate(); err != nil {
		t.Errorf("valid().validate() = %v; want <nil>", err)
	}

	tests := []struct {
		name   string
		mutate func(g *globalConfig)
	}{
		{"NoWorkDir", func(g *globalConfig) { g.WorkDir = "" }},
		{"NoEvidenceDir", func(g *globalConfig) { g.EvidenceDir = "" }},
		{"NoRemote", func(g *globalConfig) { g.Remote = "" }},
		{"BadPolicy", func(g *globalConfig) { g.MetadataPolicy = "strict" }},
		{"EscapingRecipePath", func(g *globalConfig) { g.RecipePaths = []string{"../manifest.json"} }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			g := valid()
			test.mutate(g)
			if err := g.validate(); err == nil {
				t.Error("validate() = <nil>; want error")
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{outcomeError{rebuilder.Reproducible}, 0},
		{outcomeError{rebuilder.Divergent}, 2},
		{outcomeError{rebuilder.BuildFailed}, 3},
		{outcomeError{rebuilder.ResolutionFailed}, 4},
		{fmt.Errorf("wrapped: %w", outcomeError{rebuilder.Divergent}), 2},
		{errors.New("bork"), 1},
	}
	for _, test := range tests {
		if got := exitCode(test.err); got != test.want {
			t.Errorf("exitCode(%v) = %d; want %d", test.err, got, test.want)
		}
	}
}
