// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package pipeline

import (
	"io/fs"
	"maps"
	"os"
	"testing"
	"testing/fstest"
	"time"

	"zb.256lights.llc/rebuilder"
	"zb.256lights.llc/rebuilder/internal/evidence"
	"zb.256lights.llc/rebuilder/internal/storetest"
	"zombiezen.com/go/log/testlog"
)

func TestMain(m *testing.M) {
	testlog.Main(nil)
	os.Exit(m.Run())
}

const (
	testRemote      = "flathub"
	testArch        = "x86_64"
	testBranch      = "stable"
	testAppRef      = "app/org.example.App/x86_64/stable"
	testPlatformRef = "runtime/org.example.Platform/x86_64/23.08"
	testSDKRef      = "runtime/org.example.Sdk/x86_64/23.08"
)

const testManifest = `{
  "id": "org.example.App",
  "runtime": "org.example.Platform",
  "runtime-version": "23.08",
  "sdk": "org.example.Sdk",
  "command": "app",
  "modules": [
    {
      "name": "app",
      "buildsystem": "simple",
      "build-commands": ["install -D app.sh /app/bin/app"],
      "sources": [{"type": "file", "path": "app.sh"}]
    }
  ]
}
`

// appTree returns the content of a published application commit.
func appTree() fstest.MapFS {
	return fstest.MapFS{
		"metadata":                  {Data: []byte("[Application]\nname=org.example.App\nruntime=org.example.Platform/x86_64/23.08\n")},
		"files/manifest.json":       {Data: []byte(testManifest)},
		"files/bin/app":             {Data: []byte("#!/bin/sh\necho 'Hello, World!'\n"), Mode: 0o755},
		"files/share/app/data.txt":  {Data: []byte("data\n")},
		"export/share/applications": {Mode: fs.ModeDir},
		"export/share/app.desktop":  {Data: []byte("[Desktop Entry]\nExec=app\n")},
		"export/share/app-link.txt": {Data: []byte("app.desktop"), Mode: fs.ModeSymlink},
	}
}

// fixture is a fake remote with two application commits
// and two platform commits interleaved in time.
type fixture struct {
	flatpak *storetest.Flatpak

	// app1 was built against platform1, app2 against platform2.
	app1, app2           rebuilder.Commit
	platform1, platform2 rebuilder.Commit
	sdk                  rebuilder.Commit
}

func newFixture() *fixture {
	base := time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{flatpak: storetest.NewFlatpak(testRemote)}
	f.platform1 = f.flatpak.Push(&storetest.Commit{
		Ref:     testPlatformRef,
		Subject: "Platform 23.08.1",
		Date:    base,
	})
	f.sdk = f.flatpak.Push(&storetest.Commit{
		Ref:     testSDKRef,
		Subject: "SDK 23.08.1",
		Date:    base,
	})
	f.app1 = f.flatpak.Push(&storetest.Commit{
		Ref:     testAppRef,
		Subject: "Initial release",
		Date:    base.Add(24 * time.Hour),
		Runtime: "org.example.Platform/x86_64/23.08",
		SDK:     "org.example.Sdk/x86_64/23.08",
		Tree:    appTree(),
	})
	f.platform2 = f.flatpak.Push(&storetest.Commit{
		Ref:     testPlatformRef,
		Subject: "Platform 23.08.2",
		Date:    base.Add(48 * time.Hour),
	})
	f.app2 = f.flatpak.Push(&storetest.Commit{
		Ref:     testAppRef,
		Subject: "Rebuild against 23.08.2",
		Date:    base.Add(72 * time.Hour),
		Runtime: "org.example.Platform/x86_64/23.08",
		SDK:     "org.example.Sdk/x86_64/23.08",
		Tree:    appTree(),
	})
	return f
}

func (f *fixture) resolver() *Resolver {
	return &Resolver{
		PackageManager: f.flatpak,
		Store:          f.flatpak,
		Arch:           testArch,
		Branch:         testBranch,
	}
}

// newPipeline returns a pipeline over the fixture's fakes
// that persists evidence to a fresh store.
func (f *fixture) newPipeline(tb testing.TB, builder *storetest.Builder) (*Pipeline, *evidence.Store) {
	tb.Helper()
	store, err := evidence.Open(tb.TempDir())
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		if err := store.Close(); err != nil {
			tb.Error(err)
		}
	})
	p := &Pipeline{
		Resolver: f.resolver(),
		Extractor: &Extractor{
			PackageManager: f.flatpak,
			Store:          f.flatpak,
		},
		Orchestrator: &Orchestrator{
			PackageManager: f.flatpak,
			Sandbox:        builder,
		},
		Materializer: &Materializer{
			PackageManager: f.flatpak,
			Store:          f.flatpak,
		},
		Reporter: &Reporter{Evidence: store},
		WorkDir:  tb.TempDir(),
	}
	return p, store
}

// rebuiltTree returns appTree with the given entries added or replaced.
func rebuiltTree(changes fstest.MapFS) fstest.MapFS {
	tree := appTree()
	maps.Copy(tree, changes)
	return tree
}
