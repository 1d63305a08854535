// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"zb.256lights.llc/rebuilder"
	"zb.256lights.llc/rebuilder/flatpak"
	"zb.256lights.llc/rebuilder/internal/difftool"
	"zb.256lights.llc/rebuilder/internal/evidence"
	"zb.256lights.llc/rebuilder/internal/osutil"
	"zb.256lights.llc/rebuilder/internal/ostree"
	"zb.256lights.llc/rebuilder/internal/pipeline"
	"zb.256lights.llc/rebuilder/internal/sandbox"
	"zb.256lights.llc/rebuilder/internal/treecmp"
	"zombiezen.com/go/log"
)

type rebuildOptions struct {
	remote     string
	pkg        string
	commit     string
	targetFile string

	installation   flatpak.Installation
	interactive    bool
	timeout        duration
	metadataPolicy rebuilder.MetadataPolicy
	diff           bool
	keep           bool
	policy         treecmp.Policy
}

func newRebuildCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "rebuild [options] [REMOTE] PACKAGE",
		Short:                 "rebuild a published package and compare it to the original",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MaximumNArgs(2),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := &rebuildOptions{
		installation:   g.Installation,
		timeout:        g.BuildTimeout,
		metadataPolicy: g.MetadataPolicy,
	}
	c.Flags().StringVar(&g.Remote, "remote", g.Remote, "`name` of the remote to resolve against if REMOTE is omitted")
	c.Flags().StringVar(&opts.commit, "commit", "", "rebuild `commit` instead of the head of the package's ref")
	c.Flags().StringVar(&opts.targetFile, "target", "", "rebuild the target recorded in `file` (e.g. from a previous run's evidence)")
	addInstallationFlags(c.Flags(), &opts.installation)
	c.Flags().BoolVar(&opts.interactive, "interactive", false, "permit the package manager and builder to prompt")
	c.Flags().Var(&opts.timeout, "timeout", "maximum `duration` of the build (0 or negative for none)")
	c.Flags().Var((*metadataPolicyFlag)(&opts.metadataPolicy), "metadata-policy", "whether metadata differences make the verdict divergent (report or divergent)")
	c.Flags().BoolVar(&opts.diff, "diff", false, "explain content differences with diffoscope")
	c.Flags().BoolVar(&opts.keep, "keep", false, "keep the run directory after a successful comparison")
	c.Flags().BoolVar(&opts.policy.Permissions, "compare-permissions", false, "treat any permission difference as a metadata difference")
	c.Flags().BoolVar(&opts.policy.Ownership, "compare-ownership", false, "treat ownership differences as metadata differences")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		if err := opts.setArgs(args); err != nil {
			return err
		}
		return runRebuild(cmd.Context(), g, opts)
	}
	return c
}

// setArgs interprets the positional arguments [REMOTE] PACKAGE.
func (opts *rebuildOptions) setArgs(args []string) error {
	switch {
	case len(args) == 0 && opts.targetFile == "":
		return fmt.Errorf("package or --target required")
	case len(args) > 0 && opts.targetFile != "":
		return fmt.Errorf("cannot specify both a package and --target")
	case opts.targetFile != "" && opts.commit != "":
		return fmt.Errorf("cannot specify both --commit and --target")
	case len(args) > 2:
		return fmt.Errorf("too many arguments")
	case len(args) == 2:
		if args[0] == "" {
			return fmt.Errorf("empty remote name")
		}
		opts.remote, opts.pkg = args[0], args[1]
	case len(args) == 1:
		opts.pkg = args[0]
	}
	return nil
}

func runRebuild(ctx context.Context, g *globalConfig, opts *rebuildOptions) error {
	if opts.interactive && !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("--interactive requires a terminal")
	}
	req := &pipeline.Request{
		Remote:  g.Remote,
		Package: opts.pkg,
	}
	if opts.remote != "" {
		req.Remote = opts.remote
	}
	if opts.commit != "" {
		var err error
		req.Commit, err = rebuilder.ParseCommit(opts.commit)
		if err != nil {
			return err
		}
	}
	if opts.targetFile != "" {
		var err error
		req.Target, err = evidence.ReadTarget(opts.targetFile)
		if err != nil {
			return err
		}
		req.Remote = req.Target.Remote
		req.Package = req.Target.Package
	}

	g.Installation = opts.installation
	repoPath, err := g.repoPath()
	if err != nil {
		return err
	}
	privilegeCommand := g.PrivilegeCommand
	if opts.interactive && slices.Equal(privilegeCommand, defaultGlobalConfig().PrivilegeCommand) {
		// Permit sudo to prompt for a password.
		privilegeCommand = []string{"sudo"}
	}
	client := &flatpak.Client{
		Installation:     opts.installation,
		Repo:             repoPath,
		PrivilegeCommand: privilegeCommand,
		IsRoot:           osutil.IsRoot,
	}
	repo := &ostree.Repo{Path: repoPath}

	arch := g.Arch
	if arch == "" {
		arch, err = client.DefaultArch(ctx)
		if err != nil {
			return err
		}
	}

	store, err := evidence.Open(g.EvidenceDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()
	if err := os.MkdirAll(g.WorkDir, 0o777); err != nil {
		return err
	}

	p := &pipeline.Pipeline{
		Resolver: &pipeline.Resolver{
			PackageManager: client,
			Store:          repo,
			Arch:           arch,
			Branch:         g.Branch,
		},
		Extractor: &pipeline.Extractor{
			PackageManager: client,
			Store:          repo,
			RecipePaths:    g.RecipePaths,
		},
		Orchestrator: &pipeline.Orchestrator{
			PackageManager: client,
			Sandbox:        new(sandbox.FlatpakBuilder),
			Installation:   opts.installation,
			Timeout:        timeoutOrNone(opts.timeout),
			Interactive:    opts.interactive,
			StateDir:       g.StateDir,
		},
		Materializer: &pipeline.Materializer{
			PackageManager: client,
			Store:          repo,
		},
		Reporter:       &pipeline.Reporter{Evidence: store},
		ComparePolicy:  opts.policy,
		MetadataPolicy: opts.metadataPolicy,
		WorkDir:        g.WorkDir,
		Keep:           opts.keep,
	}
	if opts.diff {
		p.Differ = &difftool.Diffoscope{Program: g.Diffoscope}
	}

	result, err := p.Run(ctx, req)
	if err != nil {
		return err
	}
	v := result.Verdict
	name := opts.pkg
	if v.Target != nil {
		name = v.Target.String()
	}
	fmt.Printf("%s\t%s\t%s\n", v.Outcome, name, result.EvidenceDir)
	if v.Outcome != rebuilder.Reproducible {
		return outcomeError{v.Outcome}
	}
	return nil
}

// timeoutOrNone converts a user-provided timeout
// into an [pipeline.Orchestrator] timeout.
func timeoutOrNone(d duration) time.Duration {
	if d <= 0 {
		return -1
	}
	return time.Duration(d)
}
