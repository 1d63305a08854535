// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package rebuilder defines the data model for verifying
// that a Flatpak commit can be rebuilt from its manifest.
//
// A run moves through a fixed sequence of stages:
// a [BuildTarget] is resolved, its [Recipe] is extracted,
// the recipe is built into a [BuildResult],
// both trees are materialized into a [MaterializedPair],
// compared into [ComparisonRecord] values,
// and finally summarized as a [Verdict].
// Stage failures are reported as [*Error] values.
package rebuilder

import (
	"fmt"
)

// CommitLength is the number of hex digits in a [Commit].
const CommitLength = 64

// Commit is an OSTree commit checksum:
// the lowercase hex encoding of a SHA-256 hash.
type Commit string

// ParseCommit validates s as a commit checksum.
func ParseCommit(s string) (Commit, error) {
	if len(s) != CommitLength {
		return "", fmt.Errorf("parse commit %q: length is %d (want %d)", s, len(s), CommitLength)
	}
	for i := 0; i < len(s); i++ {
		if !isLowerHex(s[i]) {
			return "", fmt.Errorf("parse commit %q: invalid character %q", s, s[i])
		}
	}
	return Commit(s), nil
}

// IsZero reports whether c is the empty string.
func (c Commit) IsZero() bool {
	return c == ""
}

// Short returns an abbreviated form of the commit suitable for display.
func (c Commit) Short() string {
	const n = 12
	if len(c) <= n {
		return string(c)
	}
	return string(c[:n])
}

// MarshalText returns the commit checksum.
// It returns an error if c is not a valid checksum.
func (c Commit) MarshalText() ([]byte, error) {
	if c == "" {
		return []byte{}, nil
	}
	if _, err := ParseCommit(string(c)); err != nil {
		return nil, err
	}
	return []byte(c), nil
}

// UnmarshalText validates and stores the checksum in data.
// An empty string produces the zero commit.
func (c *Commit) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*c = ""
		return nil
	}
	parsed, err := ParseCommit(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func isLowerHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f'
}
