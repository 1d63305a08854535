// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package rebuilder

import (
	"fmt"
)

// MaterializedPair is a pair of checked-out trees for the same commit.
type MaterializedPair struct {
	// Commit is the commit that both trees were derived from.
	Commit Commit `json:"commit"`
	// OriginalRoot is the directory containing the distributed tree.
	OriginalRoot string `json:"originalRoot"`
	// RebuildRoot is the directory containing the rebuilt tree.
	RebuildRoot string `json:"rebuildRoot"`
}

// EntryKind is the type of a filesystem entry in a compared tree.
type EntryKind string

const (
	KindRegular   EntryKind = "regular"
	KindDirectory EntryKind = "directory"
	KindSymlink   EntryKind = "symlink"
)

// Classification is the result of comparing a single path.
type Classification string

const (
	Identical         Classification = "identical"
	ContentDiffers    Classification = "content-differs"
	MetadataDiffers   Classification = "metadata-differs"
	MissingInOriginal Classification = "missing-in-original"
	MissingInRebuild  Classification = "missing-in-rebuild"
)

// Classifications lists every [Classification] in a stable order.
var Classifications = []Classification{
	Identical,
	ContentDiffers,
	MetadataDiffers,
	MissingInOriginal,
	MissingInRebuild,
}

// IsMissing reports whether c is one of the missing-* classifications.
func (c Classification) IsMissing() bool {
	return c == MissingInOriginal || c == MissingInRebuild
}

// ComparisonRecord is the comparison result for a single path.
type ComparisonRecord struct {
	// Path is the slash-separated path relative to the tree roots.
	Path string `json:"path"`
	// Classification is the hash-based judgment for the path.
	Classification Classification `json:"classification"`
	// OriginalKind and RebuildKind are empty if the path is absent on that side.
	OriginalKind EntryKind `json:"originalKind,omitempty"`
	RebuildKind  EntryKind `json:"rebuildKind,omitempty"`
	// OriginalDigest and RebuildDigest are the lowercase hex-encoded SHA-256
	// hashes of a regular file's content. Like [Commit] and [Recipe.Digest],
	// they carry no algorithm prefix.
	OriginalDigest string `json:"originalDigest,omitempty"`
	RebuildDigest  string `json:"rebuildDigest,omitempty"`
	// Detail describes which metadata differed, if any.
	Detail string `json:"detail,omitempty"`
	// DiffRef is a reference to a human-readable diff
	// relative to the evidence directory.
	DiffRef string `json:"diffRef,omitempty"`
}

func (rec *ComparisonRecord) String() string {
	if rec.Detail != "" {
		return fmt.Sprintf("%s %s (%s)", rec.Classification, rec.Path, rec.Detail)
	}
	return fmt.Sprintf("%s %s", rec.Classification, rec.Path)
}

// Summary is the set of aggregate statistics over a comparison.
type Summary struct {
	// Counts is the number of records for each classification.
	Counts map[Classification]int `json:"counts"`
	// OriginalBytes is the total size of regular files in the original tree.
	OriginalBytes int64 `json:"originalBytes"`
	// RebuildBytes is the total size of regular files in the rebuilt tree.
	RebuildBytes int64 `json:"rebuildBytes"`
	// OriginalTreeDigest and RebuildTreeDigest are the lowercase hex-encoded
	// SHA-256 hashes of the NAR serialization of the respective tree roots.
	OriginalTreeDigest string `json:"originalTreeDigest,omitempty"`
	RebuildTreeDigest  string `json:"rebuildTreeDigest,omitempty"`
}

// NewSummary returns a summary with counts initialized to zero
// for every classification.
func NewSummary() *Summary {
	s := &Summary{Counts: make(map[Classification]int, len(Classifications))}
	for _, c := range Classifications {
		s.Counts[c] = 0
	}
	return s
}

// Add counts rec in the summary.
func (s *Summary) Add(rec *ComparisonRecord) {
	if s.Counts == nil {
		s.Counts = make(map[Classification]int)
	}
	s.Counts[rec.Classification]++
}

// Total returns the total number of records counted.
func (s *Summary) Total() int {
	n := 0
	for _, count := range s.Counts {
		n += count
	}
	return n
}

// Divergences returns the number of content or presence differences.
func (s *Summary) Divergences() int {
	n := 0
	for c, count := range s.Counts {
		if c == ContentDiffers || c.IsMissing() {
			n += count
		}
	}
	return n
}
