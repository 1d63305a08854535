// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package flatpak

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"zb.256lights.llc/rebuilder"
	"zb.256lights.llc/rebuilder/internal/command"
	"zombiezen.com/go/log"
)

// Default program names.
const (
	DefaultFlatpakPath = "flatpak"
	DefaultOSTreePath  = "ostree"
)

// SystemRepo is the OSTree repository of the default system installation.
const SystemRepo = "/var/lib/flatpak/repo"

// Client runs flatpak and ostree commands against a single installation.
type Client struct {
	// Runner is used to run subprocesses.
	// If nil, [command.Exec] is used.
	Runner command.Runner
	// FlatpakPath and OSTreePath are the programs to run.
	// If empty, [DefaultFlatpakPath] and [DefaultOSTreePath] are used.
	FlatpakPath string
	OSTreePath  string

	// Installation is the installation runtimes are installed into.
	Installation Installation
	// Repo is the path to the installation's OSTree repository.
	Repo string

	// PrivilegeCommand is prepended to commands that modify
	// a non-user installation when [Client.NeedsPrivilege] reports true.
	PrivilegeCommand []string
	// IsRoot reports whether the process already has root privileges.
	// If nil, the process's effective user ID is checked.
	IsRoot func() bool
}

// NeedsPrivilege reports whether modifying the client's installation
// requires running commands under [Client.PrivilegeCommand].
func (c *Client) NeedsPrivilege() bool {
	if c.Installation.IsUser() || len(c.PrivilegeCommand) == 0 {
		return false
	}
	if c.IsRoot != nil {
		return !c.IsRoot()
	}
	return os.Geteuid() != 0
}

// DefaultArch returns the default architecture of the flatpak installation.
func (c *Client) DefaultArch(ctx context.Context) (string, error) {
	result, err := c.flatpak(ctx, "--default-arch")
	if err != nil {
		return "", fmt.Errorf("determine default arch: %w", err)
	}
	arch := strings.TrimSpace(string(result.Stdout))
	if arch == "" {
		return "", fmt.Errorf("determine default arch: empty output")
	}
	return arch, nil
}

// RemoteInfo returns metadata for ref on the remote.
// If commit is not zero, then the information for that commit is returned
// instead of the head of the ref.
func (c *Client) RemoteInfo(ctx context.Context, remote, ref string, commit rebuilder.Commit) (*RefInfo, error) {
	args := slices.Concat([]string{"remote-info"}, c.Installation.Flags())
	if !commit.IsZero() {
		args = append(args, "--commit="+string(commit))
	}
	args = append(args, remote, ref)
	result, err := c.flatpak(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("remote info %s %s: %w", remote, ref, err)
	}
	info, err := ParseRemoteInfo(result.Stdout)
	if err != nil {
		return nil, fmt.Errorf("remote info %s %s: %v", remote, ref, err)
	}
	return info, nil
}

// RemoteLog returns the history of ref on the remote, newest first.
func (c *Client) RemoteLog(ctx context.Context, remote, ref string) ([]*CommitInfo, error) {
	args := slices.Concat([]string{"remote-info", "--log"}, c.Installation.Flags(), []string{remote, ref})
	result, err := c.flatpak(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("remote log %s %s: %w", remote, ref, err)
	}
	history, err := ParseRemoteLog(result.Stdout)
	if err != nil {
		return nil, fmt.Errorf("remote log %s %s: %v", remote, ref, err)
	}
	return history, nil
}

// InstalledCommit returns the commit of ref installed in the client's installation.
// If ref is not installed, InstalledCommit returns the zero commit and a nil error.
func (c *Client) InstalledCommit(ctx context.Context, ref string) (rebuilder.Commit, error) {
	args := slices.Concat([]string{"info", "--show-commit"}, c.Installation.Flags(), []string{ref})
	result, err := c.flatpak(ctx, args...)
	if command.ExitStatus(err) > 0 {
		// flatpak info exits with a failure status for refs that are not installed.
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query installed %s: %w", ref, err)
	}
	commit, err := rebuilder.ParseCommit(strings.TrimSpace(string(result.Stdout)))
	if err != nil {
		return "", fmt.Errorf("query installed %s: %v", ref, err)
	}
	return commit, nil
}

// InstallRuntime ensures that pin is installed at exactly its commit.
// Installing a pin that is already present is a no-op.
// If interactive is false, flatpak is told not to prompt.
func (c *Client) InstallRuntime(ctx context.Context, remote string, pin rebuilder.Pin, interactive bool) error {
	current, err := c.InstalledCommit(ctx, pin.Ref)
	if err != nil {
		return fmt.Errorf("install %v: %w", pin, err)
	}
	if current == pin.Commit {
		log.Debugf(ctx, "%v already installed", pin)
		return nil
	}

	var promptFlags []string
	if !interactive {
		promptFlags = []string{"--noninteractive", "--assumeyes"}
	}
	if current.IsZero() {
		log.Infof(ctx, "Installing %s from %s...", pin.Ref, remote)
		args := slices.Concat([]string{"install"}, c.Installation.Flags(), promptFlags, []string{remote, pin.Ref})
		if _, err := c.flatpakModify(ctx, interactive, args...); err != nil {
			// Another process may have installed the ref concurrently.
			if current, err2 := c.InstalledCommit(ctx, pin.Ref); err2 != nil || current.IsZero() {
				return fmt.Errorf("install %v: %w", pin, err)
			}
		}
	}

	log.Infof(ctx, "Pinning %s to %s...", pin.Ref, pin.Commit.Short())
	args := slices.Concat([]string{"update"}, c.Installation.Flags(), promptFlags, []string{"--commit=" + string(pin.Commit), pin.Ref})
	if _, err := c.flatpakModify(ctx, interactive, args...); err != nil {
		return fmt.Errorf("install %v: %w", pin, err)
	}
	current, err = c.InstalledCommit(ctx, pin.Ref)
	if err != nil {
		return fmt.Errorf("install %v: %w", pin, err)
	}
	if current != pin.Commit {
		return fmt.Errorf("install %v: installed commit is %s after update", pin, current.Short())
	}
	return nil
}

// Fetch pulls the commit of ref from the remote into the installation's repository.
func (c *Client) Fetch(ctx context.Context, remote, ref string, commit rebuilder.Commit) error {
	if c.Repo == "" {
		return fmt.Errorf("fetch %s: repository path not set", commit)
	}
	cmd := &command.Cmd{
		Path: c.ostreePath(),
		Args: []string{"--repo=" + c.Repo, "pull", remote, ref + "@" + string(commit)},
	}
	if c.NeedsPrivilege() {
		cmd = command.Elevate(c.PrivilegeCommand, cmd)
	}
	if _, err := c.runner().Run(ctx, cmd); err != nil {
		return fmt.Errorf("fetch %s: %w", commit, err)
	}
	return nil
}

// Checkout writes the tree of commit to dst, which must not exist.
// Files are checked out with the current user's ownership.
func (c *Client) Checkout(ctx context.Context, commit rebuilder.Commit, dst string) error {
	if c.Repo == "" {
		return fmt.Errorf("checkout %s: repository path not set", commit)
	}
	_, err := c.runner().Run(ctx, &command.Cmd{
		Path: c.ostreePath(),
		Args: []string{"--repo=" + c.Repo, "checkout", "--user-mode", string(commit), dst},
	})
	if err != nil {
		return fmt.Errorf("checkout %s: %w", commit, err)
	}
	return nil
}

func (c *Client) flatpak(ctx context.Context, args ...string) (*command.Result, error) {
	return c.runner().Run(ctx, &command.Cmd{
		Path: c.flatpakPath(),
		Args: args,
	})
}

// flatpakModify runs a flatpak command that modifies the installation.
func (c *Client) flatpakModify(ctx context.Context, interactive bool, args ...string) (*command.Result, error) {
	cmd := &command.Cmd{
		Path: c.flatpakPath(),
		Args: args,
	}
	if interactive {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
	}
	if c.NeedsPrivilege() {
		cmd = command.Elevate(c.PrivilegeCommand, cmd)
	}
	result, err := c.runner().Run(ctx, cmd)
	if err != nil && result != nil && len(bytes.TrimSpace(result.Stderr)) > 0 {
		log.Debugf(ctx, "%s: %s", cmd.Path, bytes.TrimSpace(result.Stderr))
	}
	return result, err
}

func (c *Client) runner() command.Runner {
	if c.Runner == nil {
		return command.Exec{}
	}
	return c.Runner
}

func (c *Client) flatpakPath() string {
	if c.FlatpakPath == "" {
		return DefaultFlatpakPath
	}
	return c.FlatpakPath
}

func (c *Client) ostreePath() string {
	if c.OSTreePath == "" {
		return DefaultOSTreePath
	}
	return c.OSTreePath
}

// IsNotFound reports whether err indicates that flatpak could not find
// the requested remote, ref, or commit.
func IsNotFound(err error) bool {
	var exitErr *command.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	stderr := strings.ToLower(string(exitErr.Stderr))
	return strings.Contains(stderr, "not found") ||
		strings.Contains(stderr, "nothing matches") ||
		strings.Contains(stderr, "no remote")
}
