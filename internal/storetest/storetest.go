// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Package storetest provides in-memory stand-ins for the package manager,
// local commit store, and build sandbox for use in tests.
package storetest

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sync"
	"testing/fstest"
	"time"

	"zb.256lights.llc/rebuilder"
	"zb.256lights.llc/rebuilder/flatpak"
	"zb.256lights.llc/rebuilder/internal/command"
	"zb.256lights.llc/rebuilder/internal/ostree"
	"zombiezen.com/go/nix"
)

// Commit is a commit on a fake remote.
type Commit struct {
	Ref     string
	Subject string
	Date    time.Time
	// Runtime and SDK are partial runtime refs
	// as they appear in application metadata.
	Runtime string
	SDK     string
	// Tree is the content of the commit.
	// Symbolic links are entries with [fs.ModeSymlink] set
	// whose Data is the link target.
	Tree fstest.MapFS

	id rebuilder.Commit
}

// ID returns the commit's identifier.
// It is only valid after the commit has been pushed.
func (c *Commit) ID() rebuilder.Commit {
	return c.id
}

// Flatpak is a fake remote together with a local repository
// that commits can be fetched into.
// It implements the package manager and store interfaces of the pipeline.
// Methods on Flatpak are safe to call from multiple goroutines.
type Flatpak struct {
	Remote string

	mu        sync.Mutex
	commits   map[rebuilder.Commit]*Commit
	history   map[string][]*Commit // newest first
	local     map[rebuilder.Commit]struct{}
	installed map[string]rebuilder.Commit
	calls     []string
	failFetch bool
}

// NewFlatpak returns an empty fake with a single remote.
func NewFlatpak(remote string) *Flatpak {
	return &Flatpak{
		Remote:    remote,
		commits:   make(map[rebuilder.Commit]*Commit),
		history:   make(map[string][]*Commit),
		local:     make(map[rebuilder.Commit]struct{}),
		installed: make(map[string]rebuilder.Commit),
	}
}

// Push makes c the new head of c.Ref and returns its commit ID.
// The ID is derived from the ref and the position in its history.
func (f *Flatpak) Push(c *Commit) rebuilder.Commit {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := nix.NewHasher(nix.SHA256)
	fmt.Fprintf(h, "%s\x00%d\x00%s", c.Ref, len(f.history[c.Ref]), c.Subject)
	c.id = rebuilder.Commit(h.SumHash().RawBase16())
	f.commits[c.id] = c
	f.history[c.Ref] = slices.Insert(f.history[c.Ref], 0, c)
	return c.id
}

// Pull copies a commit into the local repository
// as if it had been fetched earlier.
func (f *Flatpak) Pull(commit rebuilder.Commit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local[commit] = struct{}{}
}

// SetFetchFailure makes subsequent calls to [Flatpak.Fetch] fail.
func (f *Flatpak) SetFetchFailure(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFetch = fail
}

// Calls returns the mutating operations performed so far,
// such as "fetch <commit>" and "install <pin>".
func (f *Flatpak) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// Installed returns the installed commit of each installed ref.
func (f *Flatpak) Installed() map[string]rebuilder.Commit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.installed)
}

// RemoteInfo returns the metadata of ref at commit, or at its head if commit is zero.
func (f *Flatpak) RemoteInfo(ctx context.Context, remote, ref string, commit rebuilder.Commit) (*flatpak.RefInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkRemote(remote); err != nil {
		return nil, err
	}
	history := f.history[ref]
	if len(history) == 0 {
		return nil, notFound("ref %s not found", ref)
	}
	c := history[0]
	if !commit.IsZero() {
		c = f.commits[commit]
		if c == nil || c.Ref != ref {
			return nil, notFound("commit %s not found", commit)
		}
	}
	parsed, err := flatpak.ParseRef(ref)
	if err != nil {
		return nil, err
	}
	return &flatpak.RefInfo{
		ID:         parsed.ID,
		Ref:        ref,
		Arch:       parsed.Arch,
		Branch:     parsed.Branch,
		Runtime:    c.Runtime,
		SDK:        c.SDK,
		CommitInfo: *f.info(c),
	}, nil
}

// RemoteLog returns the history of ref, newest first.
func (f *Flatpak) RemoteLog(ctx context.Context, remote, ref string) ([]*flatpak.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkRemote(remote); err != nil {
		return nil, err
	}
	history := f.history[ref]
	if len(history) == 0 {
		return nil, notFound("ref %s not found", ref)
	}
	infos := make([]*flatpak.CommitInfo, 0, len(history))
	for _, c := range history {
		infos = append(infos, f.info(c))
	}
	return infos, nil
}

// Fetch copies a commit from the remote into the local repository.
func (f *Flatpak) Fetch(ctx context.Context, remote, ref string, commit rebuilder.Commit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "fetch "+string(commit))
	if err := f.checkRemote(remote); err != nil {
		return err
	}
	if f.failFetch {
		return fmt.Errorf("fetch %s: network unreachable", commit.Short())
	}
	c := f.commits[commit]
	if c == nil || c.Ref != ref {
		return notFound("commit %s not found", commit)
	}
	f.local[commit] = struct{}{}
	return nil
}

// InstallRuntime installs the pinned commit of a runtime.
func (f *Flatpak) InstallRuntime(ctx context.Context, remote string, pin rebuilder.Pin, interactive bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.installed[pin.Ref] == pin.Commit {
		return nil
	}
	f.calls = append(f.calls, "install "+pin.Ref+"@"+string(pin.Commit))
	if err := f.checkRemote(remote); err != nil {
		return err
	}
	c := f.commits[pin.Commit]
	if c == nil || c.Ref != pin.Ref {
		return notFound("%v not found", pin)
	}
	f.installed[pin.Ref] = pin.Commit
	return nil
}

// Checkout writes the tree of a locally present commit to dst.
func (f *Flatpak) Checkout(ctx context.Context, commit rebuilder.Commit, dst string) error {
	f.mu.Lock()
	c, err := f.localCommit(commit)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("checkout %s: %s exists", commit.Short(), dst)
	}
	if err := WriteTree(dst, c.Tree); err != nil {
		return fmt.Errorf("checkout %s: %v", commit.Short(), err)
	}
	return nil
}

// HasCommit reports whether commit is in the local repository.
func (f *Flatpak) HasCommit(ctx context.Context, commit rebuilder.Commit) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.local[commit]
	return ok, nil
}

// Commit returns a locally present commit.
func (f *Flatpak) Commit(ctx context.Context, commit rebuilder.Commit) (*ostree.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.localCommit(commit)
	if err != nil {
		return nil, err
	}
	group := "Application"
	if ref, err := flatpak.ParseRef(c.Ref); err == nil && ref.Kind == flatpak.KindRuntime {
		group = "Runtime"
	}
	md := flatpak.KeyFile{group: {}}
	if c.Runtime != "" {
		md[group]["runtime"] = c.Runtime
	}
	if c.SDK != "" {
		md[group]["sdk"] = c.SDK
	}
	return &ostree.Commit{
		CommitInfo: *f.info(c),
		Metadata:   md,
	}, nil
}

// Log returns the locally present history of a "remote:ref" refspec.
func (f *Flatpak) Log(ctx context.Context, refspec string) ([]*flatpak.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	remote, ref, ok := cutRefspec(refspec)
	if !ok || remote != f.Remote {
		return nil, notFound("refspec %s not found", refspec)
	}
	var infos []*flatpak.CommitInfo
	for _, c := range f.history[ref] {
		if _, ok := f.local[c.id]; ok {
			infos = append(infos, f.info(c))
		}
	}
	if len(infos) == 0 {
		return nil, notFound("refspec %s not found", refspec)
	}
	return infos, nil
}

// ReadFile returns the content of a regular file in a locally present commit.
func (f *Flatpak) ReadFile(ctx context.Context, commit rebuilder.Commit, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.localCommit(commit)
	if err != nil {
		return nil, err
	}
	data, err := fs.ReadFile(c.Tree, path.Clean(name))
	if err != nil {
		return nil, fmt.Errorf("read %s in %s: %w", name, commit.Short(), err)
	}
	return data, nil
}

func (f *Flatpak) localCommit(commit rebuilder.Commit) (*Commit, error) {
	if _, ok := f.local[commit]; !ok {
		return nil, fmt.Errorf("commit %s not in local repository", commit.Short())
	}
	return f.commits[commit], nil
}

func (f *Flatpak) info(c *Commit) *flatpak.CommitInfo {
	ci := &flatpak.CommitInfo{
		Commit:  c.id,
		Subject: c.Subject,
		Date:    c.Date,
	}
	history := f.history[c.Ref]
	if i := slices.Index(history, c); i >= 0 && i+1 < len(history) {
		ci.Parent = history[i+1].id
	}
	return ci
}

func (f *Flatpak) checkRemote(remote string) error {
	if remote != f.Remote {
		return notFound("no remote %s", remote)
	}
	return nil
}

func cutRefspec(s string) (remote, ref string, ok bool) {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ':':
			return s[:i], s[i+1:], true
		case '/':
			return "", "", false
		}
	}
	return "", "", false
}

// notFound returns an error that [flatpak.IsNotFound] recognizes.
func notFound(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return &command.ExitError{
		Command: flatpak.DefaultFlatpakPath,
		Status:  1,
		Stderr:  []byte("error: " + msg + "\n"),
	}
}

// WriteTree materializes tree under dir.
// Entries are created with their exact permission bits;
// a zero permission means 0o644 for files and 0o755 for directories.
func WriteTree(dir string, tree fstest.MapFS) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	names := slices.Sorted(maps.Keys(tree))
	type dirPerm struct {
		path string
		perm fs.FileMode
	}
	var dirs []dirPerm
	for _, name := range names {
		f := tree[name]
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		perm := f.Mode.Perm()
		switch f.Mode.Type() {
		case fs.ModeDir:
			if perm == 0 {
				perm = 0o755
			}
			if err := os.MkdirAll(p, 0o755); err != nil {
				return err
			}
			dirs = append(dirs, dirPerm{p, perm})
		case fs.ModeSymlink:
			if err := os.Symlink(string(f.Data), p); err != nil {
				return err
			}
		case 0:
			if perm == 0 {
				perm = 0o644
			}
			if err := os.WriteFile(p, f.Data, perm); err != nil {
				return err
			}
			if err := os.Chmod(p, perm); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%s: unsupported mode %v", name, f.Mode)
		}
	}
	for _, d := range slices.Backward(dirs) {
		if err := os.Chmod(d.path, d.perm); err != nil {
			return err
		}
	}
	return nil
}
