// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package flatpak

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"time"

	"zb.256lights.llc/rebuilder"
)

// DateLayout is the layout of dates printed by flatpak and ostree.
const DateLayout = "2006-01-02 15:04:05 -0700"

// ParseDate parses a date as printed by "flatpak remote-info".
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date: %v", err)
	}
	return t, nil
}

// ParseFields parses "Key: value" lines into a map.
// Lines without a colon are ignored.
// If a key occurs more than once, the first value is kept.
func ParseFields(data []byte) map[string]string {
	m := make(map[string]string)
	s := bufio.NewScanner(bytes.NewReader(data))
	for s.Scan() {
		k, v, ok := strings.Cut(s.Text(), ":")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if _, exists := m[k]; !exists {
			m[k] = strings.TrimSpace(v)
		}
	}
	return m
}

// RefInfo is the information about a ref at a commit
// reported by "flatpak remote-info".
type RefInfo struct {
	ID     string
	Ref    string
	Arch   string
	Branch string
	// Runtime and SDK are partial runtime refs, like "org.gnome.Platform/x86_64/45".
	Runtime string
	SDK     string

	CommitInfo
}

// CommitInfo describes a single commit.
type CommitInfo struct {
	Commit  rebuilder.Commit
	Parent  rebuilder.Commit
	Subject string
	Date    time.Time
}

// ParseRemoteInfo parses the output of "flatpak remote-info REMOTE REF".
func ParseRemoteInfo(data []byte) (*RefInfo, error) {
	fields := ParseFields(data)
	info := &RefInfo{
		ID:      fields["ID"],
		Ref:     fields["Ref"],
		Arch:    fields["Arch"],
		Branch:  fields["Branch"],
		Runtime: fields["Runtime"],
		SDK:     fields["Sdk"],
	}
	ci, err := commitInfoFromFields(fields)
	if err != nil {
		return nil, fmt.Errorf("parse remote info: %v", err)
	}
	info.CommitInfo = *ci
	if info.Ref == "" {
		return nil, fmt.Errorf("parse remote info: missing Ref")
	}
	return info, nil
}

// ParseRemoteLog parses the output of "flatpak remote-info --log REMOTE REF".
// The commits are returned in the order printed: newest first.
func ParseRemoteLog(data []byte) ([]*CommitInfo, error) {
	var commits []*CommitInfo
	seen := make(map[rebuilder.Commit]struct{})
	for _, block := range splitBlocks(data) {
		fields := ParseFields(block)
		if _, ok := fields["Commit"]; !ok {
			continue
		}
		ci, err := commitInfoFromFields(fields)
		if err != nil {
			return nil, fmt.Errorf("parse remote log: %v", err)
		}
		if _, dup := seen[ci.Commit]; dup {
			continue
		}
		seen[ci.Commit] = struct{}{}
		commits = append(commits, ci)
	}
	if len(commits) == 0 {
		return nil, fmt.Errorf("parse remote log: no commits found")
	}
	return commits, nil
}

// FindCommitForDate returns the newest commit in history
// whose date is not after t.
// history must be ordered newest first, as returned by [ParseRemoteLog].
func FindCommitForDate(history []*CommitInfo, t time.Time) (*CommitInfo, error) {
	for _, ci := range history {
		if !ci.Date.After(t) {
			return ci, nil
		}
	}
	return nil, fmt.Errorf("no commit on or before %v", t.Format(DateLayout))
}

func commitInfoFromFields(fields map[string]string) (*CommitInfo, error) {
	ci := new(CommitInfo)
	var err error
	ci.Commit, err = rebuilder.ParseCommit(fields["Commit"])
	if err != nil {
		return nil, err
	}
	if p := fields["Parent"]; p != "" && p != "-" {
		ci.Parent, err = rebuilder.ParseCommit(p)
		if err != nil {
			return nil, fmt.Errorf("parent: %v", err)
		}
	}
	ci.Subject = fields["Subject"]
	if d := fields["Date"]; d != "" {
		ci.Date, err = ParseDate(d)
		if err != nil {
			return nil, err
		}
	}
	return ci, nil
}

// splitBlocks splits data on blank lines.
func splitBlocks(data []byte) [][]byte {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	var blocks [][]byte
	for _, block := range bytes.Split(data, []byte("\n\n")) {
		if len(bytes.TrimSpace(block)) > 0 {
			blocks = append(blocks, block)
		}
	}
	return blocks
}
