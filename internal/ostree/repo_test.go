// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package ostree

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"zb.256lights.llc/rebuilder"
	"zb.256lights.llc/rebuilder/flatpak"
	"zb.256lights.llc/rebuilder/internal/command"
	"zombiezen.com/go/log/testlog"
)

const (
	headCommit   = "44786459a1262065eb9ab26466d6fe29ce912ad94cd27f6f43073e706c2c43b6"
	parentCommit = "3333333333333333333333333333333333333333333333333333333333333333"
)

const logOutput = `commit 44786459a1262065eb9ab26466d6fe29ce912ad94cd27f6f43073e706c2c43b6
Parent:  3333333333333333333333333333333333333333333333333333333333333333
ContentChecksum:  9f0e8d7c6b5a49382716aabbccddeeff00112233445566778899aabbccddeeff
Date:  2022-04-05 10:11:12 +0000

    Update org.freedesktop.Sdk to 21.08.13

commit 3333333333333333333333333333333333333333333333333333333333333333
ContentChecksum:  0011223344556677889900112233445566778899001122334455667788990011
Date:  2022-03-01 08:00:00 +0100

    Initial build

`

const metadataOutput = `'[Application]\nname=org.example.App\nruntime=org.freedesktop.Platform/x86_64/21.08\nsdk=org.freedesktop.Sdk/x86_64/21.08\n'` + "\n"

func TestParseLog(t *testing.T) {
	got, err := ParseLog([]byte(logOutput))
	if err != nil {
		t.Fatal(err)
	}
	want := []*flatpak.CommitInfo{
		{
			Commit:  headCommit,
			Parent:  parentCommit,
			Subject: "Update org.freedesktop.Sdk to 21.08.13",
			Date:    time.Date(2022, time.April, 5, 10, 11, 12, 0, time.UTC),
		},
		{
			Commit:  parentCommit,
			Subject: "Initial build",
			Date:    time.Date(2022, time.March, 1, 7, 0, 0, 0, time.UTC),
		},
	}
	if diff := cmp.Diff(want, got, cmp.Comparer(time.Time.Equal)); diff != "" {
		t.Errorf("ParseLog(...) (-want +got):\n%s", diff)
	}
}

func TestParseLogEmpty(t *testing.T) {
	if got, err := ParseLog([]byte("error: nothing\n")); err == nil {
		t.Errorf("ParseLog(...) = %v, <nil>; want error", got)
	}
}

// fakeOSTree simulates a repository containing a single commit.
func fakeOSTree(files map[string]string) command.Runner {
	return command.RunnerFunc(func(ctx context.Context, c *command.Cmd) (*command.Result, error) {
		args := c.Args[1:]
		fail := func(msg string) (*command.Result, error) {
			return &command.Result{ExitStatus: 1, Stderr: []byte(msg)}, &command.ExitError{
				Command: c.Path,
				Status:  1,
				Stderr:  []byte(msg),
			}
		}
		switch args[0] {
		case "show":
			commit := args[len(args)-1]
			if commit != headCommit {
				return fail("error: No such metadata object " + commit + ".commit\n")
			}
			if strings.HasPrefix(args[1], "--print-metadata-key=") {
				return &command.Result{Stdout: []byte(metadataOutput)}, nil
			}
			block, _, _ := strings.Cut(logOutput, "\ncommit ")
			return &command.Result{Stdout: []byte(block + "\n")}, nil
		case "log":
			return &command.Result{Stdout: []byte(logOutput)}, nil
		case "cat":
			content, ok := files[args[2]]
			if !ok {
				return fail("error: No such file or directory\n")
			}
			return &command.Result{Stdout: []byte(content)}, nil
		default:
			return fail("error: unknown command\n")
		}
	})
}

func TestRepo(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	repo := &Repo{
		Path: "/var/lib/flatpak/repo",
		Runner: fakeOSTree(map[string]string{
			"/files/manifest.json": `{"id": "org.example.App"}`,
		}),
	}

	t.Run("HasCommit", func(t *testing.T) {
		if has, err := repo.HasCommit(ctx, headCommit); !has || err != nil {
			t.Errorf("HasCommit(ctx, %s) = %t, %v; want true, <nil>", headCommit, has, err)
		}
		if has, err := repo.HasCommit(ctx, parentCommit); has || err != nil {
			t.Errorf("HasCommit(ctx, %s) = %t, %v; want false, <nil>", parentCommit, has, err)
		}
	})

	t.Run("Commit", func(t *testing.T) {
		c, err := repo.Commit(ctx, headCommit)
		if err != nil {
			t.Fatal(err)
		}
		if c.Parent != parentCommit {
			t.Errorf("Parent = %s; want %s", c.Parent, parentCommit)
		}
		if got, want := c.Runtime(), "org.freedesktop.Platform/x86_64/21.08"; got != want {
			t.Errorf("Runtime() = %q; want %q", got, want)
		}
		if got, want := c.SDK(), "org.freedesktop.Sdk/x86_64/21.08"; got != want {
			t.Errorf("SDK() = %q; want %q", got, want)
		}
	})

	t.Run("Log", func(t *testing.T) {
		history, err := repo.Log(ctx, "flathub:app/org.example.App/x86_64/stable")
		if err != nil {
			t.Fatal(err)
		}
		if len(history) != 2 || history[0].Commit != headCommit {
			t.Errorf("Log(...) returned %d commits; want 2 starting with %s", len(history), rebuilder.Commit(headCommit).Short())
		}
	})

	t.Run("ReadFile", func(t *testing.T) {
		got, err := repo.ReadFile(ctx, headCommit, "files/manifest.json")
		if err != nil {
			t.Fatal(err)
		}
		if want := `{"id": "org.example.App"}`; string(got) != want {
			t.Errorf("ReadFile(...) = %q; want %q", got, want)
		}
		if _, err := repo.ReadFile(ctx, headCommit, "files/missing.json"); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("ReadFile(missing) error = %v; want %v", err, fs.ErrNotExist)
		}
		if _, err := repo.ReadFile(ctx, headCommit, "../etc/passwd"); err == nil {
			t.Error("ReadFile(../etc/passwd) did not return an error")
		}
	})
}
