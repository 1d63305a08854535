// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package flatpak

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"zb.256lights.llc/rebuilder"
)

const remoteInfoOutput = `Calculator - Perform arithmetic, scientific or financial calculations

          ID: org.gnome.Calculator
         Ref: app/org.gnome.Calculator/x86_64/stable
        Arch: x86_64
      Branch: stable
     Version: 45.0.2
     License: GPL-3.0+
  Collection: org.flathub.Stable
    Download: 1.9 MB
   Installed: 7.4 MB
     Runtime: org.gnome.Platform/x86_64/45
         Sdk: org.gnome.Sdk/x86_64/45

      Commit: 1b2c3d4e5f60718293a4b5c6d7e8f90112233445566778899aabbccddeeff001
      Parent: 0a1b2c3d4e5f60718293a4b5c6d7e8f90112233445566778899aabbccddeeff0
     Subject: Update to 45.0.2 (8f1e2a3b)
        Date: 2023-11-02 09:15:22 +0000
`

const remoteLogOutput = `        Ref: runtime/org.freedesktop.Sdk.Compat.i386/x86_64/21.08
       Arch: x86_64
     Branch: 21.08

      Commit: 5555555555555555555555555555555555555555555555555555555555555555
     Subject: Build 21.08.14
        Date: 2022-06-01 10:00:00 +0000

History:

      Commit: 5555555555555555555555555555555555555555555555555555555555555555
     Subject: Build 21.08.14
        Date: 2022-06-01 10:00:00 +0000

      Commit: 44786459a1262065eb9ab26466d6fe29ce912ad94cd27f6f43073e706c2c43b6
     Subject: Build 21.08.12
        Date: 2022-03-30 18:20:01 +0200

      Commit: 3333333333333333333333333333333333333333333333333333333333333333
     Subject: Build 21.08.10
        Date: 2022-01-15 08:00:00 -0500
`

func TestParseRemoteInfo(t *testing.T) {
	got, err := ParseRemoteInfo([]byte(remoteInfoOutput))
	if err != nil {
		t.Fatal(err)
	}
	want := &RefInfo{
		ID:      "org.gnome.Calculator",
		Ref:     "app/org.gnome.Calculator/x86_64/stable",
		Arch:    "x86_64",
		Branch:  "stable",
		Runtime: "org.gnome.Platform/x86_64/45",
		SDK:     "org.gnome.Sdk/x86_64/45",
		CommitInfo: CommitInfo{
			Commit:  "1b2c3d4e5f60718293a4b5c6d7e8f90112233445566778899aabbccddeeff001",
			Parent:  "0a1b2c3d4e5f60718293a4b5c6d7e8f90112233445566778899aabbccddeeff0",
			Subject: "Update to 45.0.2 (8f1e2a3b)",
			Date:    time.Date(2023, time.November, 2, 9, 15, 22, 0, time.UTC),
		},
	}
	if diff := cmp.Diff(want, got, cmp.Comparer(time.Time.Equal)); diff != "" {
		t.Errorf("ParseRemoteInfo(...) (-want +got):\n%s", diff)
	}
}

func TestParseRemoteInfoMissingCommit(t *testing.T) {
	if _, err := ParseRemoteInfo([]byte("Ref: app/org.example.App/x86_64/stable\n")); err == nil {
		t.Error("ParseRemoteInfo did not return an error")
	}
}

func TestParseRemoteLog(t *testing.T) {
	got, err := ParseRemoteLog([]byte(remoteLogOutput))
	if err != nil {
		t.Fatal(err)
	}
	var gotCommits []rebuilder.Commit
	for _, ci := range got {
		gotCommits = append(gotCommits, ci.Commit)
	}
	want := []rebuilder.Commit{
		"5555555555555555555555555555555555555555555555555555555555555555",
		"44786459a1262065eb9ab26466d6fe29ce912ad94cd27f6f43073e706c2c43b6",
		"3333333333333333333333333333333333333333333333333333333333333333",
	}
	if diff := cmp.Diff(want, gotCommits); diff != "" {
		t.Errorf("commits (-want +got):\n%s", diff)
	}
}

func TestFindCommitForDate(t *testing.T) {
	history, err := ParseRemoteLog([]byte(remoteLogOutput))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		t    time.Time
		want rebuilder.Commit
		err  bool
	}{
		{
			t:    time.Date(2022, time.April, 5, 0, 0, 0, 0, time.UTC),
			want: "44786459a1262065eb9ab26466d6fe29ce912ad94cd27f6f43073e706c2c43b6",
		},
		{
			// Exactly the date of a commit (with a different zone offset).
			t:    time.Date(2022, time.March, 30, 16, 20, 1, 0, time.UTC),
			want: "44786459a1262065eb9ab26466d6fe29ce912ad94cd27f6f43073e706c2c43b6",
		},
		{
			t:    time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC),
			want: "5555555555555555555555555555555555555555555555555555555555555555",
		},
		{
			t:   time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC),
			err: true,
		},
	}
	for _, test := range tests {
		got, err := FindCommitForDate(history, test.t)
		if test.err {
			if err == nil {
				t.Errorf("FindCommitForDate(history, %v) = %s, <nil>; want <error>", test.t, got.Commit)
			}
			continue
		}
		if err != nil {
			t.Errorf("FindCommitForDate(history, %v): %v", test.t, err)
			continue
		}
		if got.Commit != test.want {
			t.Errorf("FindCommitForDate(history, %v) = %s; want %s", test.t, got.Commit, test.want)
		}
	}
}

func TestParseDate(t *testing.T) {
	got, err := ParseDate("2022-04-05 10:11:12 +0530")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2022, time.April, 5, 4, 41, 12, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ParseDate(...) = %v; want %v", got, want)
	}
}
