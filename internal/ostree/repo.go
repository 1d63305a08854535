// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package ostree provides read-only access to a local OSTree repository
// through the ostree command-line tool.
package ostree

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"zb.256lights.llc/rebuilder"
	"zb.256lights.llc/rebuilder/flatpak"
	"zb.256lights.llc/rebuilder/internal/command"
	"zombiezen.com/go/log"
)

// DefaultProgram is the name of the ostree executable.
const DefaultProgram = "ostree"

// metadataKey is the commit metadata key under which Flatpak
// stores the ref's metadata keyfile.
const metadataKey = "xa.metadata"

// Repo is an OSTree repository on the local filesystem.
// None of Repo's methods modify the repository.
type Repo struct {
	// Path is the path to the repository directory.
	Path string
	// Program is the ostree executable.
	// If empty, [DefaultProgram] is used.
	Program string
	// Runner runs the ostree subprocesses.
	// If nil, [command.Exec] is used.
	Runner command.Runner
}

// Commit is a commit object read from a repository.
type Commit struct {
	flatpak.CommitInfo
	// Metadata is the Flatpak metadata keyfile attached to the commit.
	// It is nil if the commit has no such metadata.
	Metadata flatpak.KeyFile
}

// Runtime returns the partial runtime ref recorded in the commit's metadata.
func (c *Commit) Runtime() string {
	if rt := c.Metadata.Get("Application", "runtime"); rt != "" {
		return rt
	}
	return c.Metadata.Get("Runtime", "runtime")
}

// SDK returns the partial SDK ref recorded in the commit's metadata.
func (c *Commit) SDK() string {
	if sdk := c.Metadata.Get("Application", "sdk"); sdk != "" {
		return sdk
	}
	return c.Metadata.Get("Runtime", "sdk")
}

// HasCommit reports whether the repository contains the given commit object.
func (repo *Repo) HasCommit(ctx context.Context, commit rebuilder.Commit) (bool, error) {
	_, err := repo.ostree(ctx, "show", string(commit))
	if command.ExitStatus(err) > 0 {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check for %s in %s: %w", commit.Short(), repo.Path, err)
	}
	return true, nil
}

// Commit reads the commit object and its Flatpak metadata.
func (repo *Repo) Commit(ctx context.Context, commit rebuilder.Commit) (*Commit, error) {
	result, err := repo.ostree(ctx, "show", string(commit))
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", commit.Short(), err)
	}
	commits, err := ParseLog(result.Stdout)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %v", commit.Short(), err)
	}
	if commits[0].Commit != commit {
		return nil, fmt.Errorf("read commit %s: ostree showed %s", commit.Short(), commits[0].Commit)
	}
	c := &Commit{CommitInfo: *commits[0]}

	result, err = repo.ostree(ctx, "show", "--print-metadata-key="+metadataKey, string(commit))
	switch {
	case command.ExitStatus(err) > 0:
		log.Debugf(ctx, "Commit %s has no %s", commit.Short(), metadataKey)
	case err != nil:
		return nil, fmt.Errorf("read commit %s metadata: %w", commit.Short(), err)
	default:
		c.Metadata, err = flatpak.ParseMetadataVariant(result.Stdout)
		if err != nil {
			return nil, fmt.Errorf("read commit %s metadata: %v", commit.Short(), err)
		}
	}
	return c, nil
}

// Log returns the locally available history of a ref, newest first.
// ref may be prefixed with a remote name and a colon.
func (repo *Repo) Log(ctx context.Context, ref string) ([]*flatpak.CommitInfo, error) {
	result, err := repo.ostree(ctx, "log", ref)
	if err != nil {
		return nil, fmt.Errorf("log %s: %w", ref, err)
	}
	history, err := ParseLog(result.Stdout)
	if err != nil {
		return nil, fmt.Errorf("log %s: %v", ref, err)
	}
	return history, nil
}

// ReadFile returns the content of the file at the slash-separated path
// inside the tree of commit.
// If the file does not exist, ReadFile returns an error
// that wraps [fs.ErrNotExist].
func (repo *Repo) ReadFile(ctx context.Context, commit rebuilder.Commit, name string) ([]byte, error) {
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("read %s:%s: %w", commit.Short(), name, fs.ErrInvalid)
	}
	result, err := repo.ostree(ctx, "cat", string(commit), path.Join("/", name))
	if err != nil {
		var exitErr *command.ExitError
		if errors.As(err, &exitErr) && isNoSuchFile(exitErr.Stderr) {
			return nil, fmt.Errorf("read %s:%s: %w", commit.Short(), name, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("read %s:%s: %w", commit.Short(), name, err)
	}
	return result.Stdout, nil
}

func (repo *Repo) ostree(ctx context.Context, args ...string) (*command.Result, error) {
	program := repo.Program
	if program == "" {
		program = DefaultProgram
	}
	runner := repo.Runner
	if runner == nil {
		runner = command.Exec{}
	}
	return runner.Run(ctx, &command.Cmd{
		Path: program,
		Args: append([]string{"--repo=" + repo.Path}, args...),
	})
}

func isNoSuchFile(stderr []byte) bool {
	s := strings.ToLower(string(stderr))
	return strings.Contains(s, "no such file") || strings.Contains(s, "not found")
}

// ParseLog parses the output of "ostree log" or "ostree show".
// Commits are returned in the order printed.
func ParseLog(data []byte) ([]*flatpak.CommitInfo, error) {
	var commits []*flatpak.CommitInfo
	var curr *flatpak.CommitInfo
	var header bytes.Buffer
	finish := func() error {
		if curr == nil {
			return nil
		}
		fields := flatpak.ParseFields(header.Bytes())
		if p := fields["Parent"]; p != "" {
			var err error
			curr.Parent, err = rebuilder.ParseCommit(p)
			if err != nil {
				return fmt.Errorf("commit %s: parent: %v", curr.Commit.Short(), err)
			}
		}
		if d := fields["Date"]; d != "" {
			var err error
			curr.Date, err = flatpak.ParseDate(d)
			if err != nil {
				return fmt.Errorf("commit %s: %v", curr.Commit.Short(), err)
			}
		}
		commits = append(commits, curr)
		header.Reset()
		return nil
	}

	s := bufio.NewScanner(bytes.NewReader(data))
	inBody := false
	for s.Scan() {
		line := s.Text()
		if rest, ok := strings.CutPrefix(line, "commit "); ok {
			if err := finish(); err != nil {
				return nil, err
			}
			commit, err := rebuilder.ParseCommit(strings.TrimSpace(rest))
			if err != nil {
				return nil, err
			}
			curr = &flatpak.CommitInfo{Commit: commit}
			inBody = false
			continue
		}
		if curr == nil {
			continue
		}
		switch {
		case line == "":
			inBody = true
		case inBody:
			if curr.Subject == "" {
				curr.Subject = strings.TrimSpace(line)
			}
		default:
			header.WriteString(line)
			header.WriteString("\n")
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if err := finish(); err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, fmt.Errorf("no commits found")
	}
	return commits, nil
}
