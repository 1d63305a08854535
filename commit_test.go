// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package rebuilder

import (
	"strings"
	"testing"
)

func TestParseCommit(t *testing.T) {
	tests := []struct {
		s    string
		ok   bool
		want Commit
	}{
		{
			s:    "44786459a1262065eb9ab26466d6fe29ce912ad94cd27f6f43073e706c2c43b6",
			ok:   true,
			want: "44786459a1262065eb9ab26466d6fe29ce912ad94cd27f6f43073e706c2c43b6",
		},
		{s: "", ok: false},
		{s: "44786459", ok: false},
		{s: strings.ToUpper("44786459a1262065eb9ab26466d6fe29ce912ad94cd27f6f43073e706c2c43b6"), ok: false},
		{s: "g4786459a1262065eb9ab26466d6fe29ce912ad94cd27f6f43073e706c2c43b6", ok: false},
	}
	for _, test := range tests {
		got, err := ParseCommit(test.s)
		if got != test.want || (err == nil) != test.ok {
			errString := "<nil>"
			if !test.ok {
				errString = "<error>"
			}
			t.Errorf("ParseCommit(%q) = %q, %v; want %q, %s", test.s, got, err, test.want, errString)
		}
	}
}

func TestCommitShort(t *testing.T) {
	c := Commit("44786459a1262065eb9ab26466d6fe29ce912ad94cd27f6f43073e706c2c43b6")
	if got, want := c.Short(), "44786459a126"; got != want {
		t.Errorf("Short() = %q; want %q", got, want)
	}
}

func TestCommitUnmarshalText(t *testing.T) {
	var c Commit
	if err := c.UnmarshalText([]byte("not-a-commit")); err == nil {
		t.Error("UnmarshalText(\"not-a-commit\") did not return an error")
	}
	if err := c.UnmarshalText(nil); err != nil || c != "" {
		t.Errorf("UnmarshalText(nil) = %v, commit = %q; want <nil>, \"\"", err, c)
	}
}
