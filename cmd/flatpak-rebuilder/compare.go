// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"zb.256lights.llc/rebuilder"
	"zb.256lights.llc/rebuilder/internal/difftool"
	"zb.256lights.llc/rebuilder/internal/evidence"
	"zb.256lights.llc/rebuilder/internal/treecmp"
)

type compareOptions struct {
	original       string
	rebuild        string
	diffDir        string
	policy         treecmp.Policy
	metadataPolicy rebuilder.MetadataPolicy
	all            bool
}

func newCompareCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "compare [options] ORIGINAL REBUILD",
		Short:                 "compare two directory trees",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(2),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := &compareOptions{
		metadataPolicy: g.MetadataPolicy,
	}
	c.Flags().StringVar(&opts.diffDir, "diff", "", "write diffoscope explanations of content differences to `dir`")
	c.Flags().BoolVar(&opts.policy.Permissions, "compare-permissions", false, "treat any permission difference as a metadata difference")
	c.Flags().BoolVar(&opts.policy.Ownership, "compare-ownership", false, "treat ownership differences as metadata differences")
	c.Flags().Var((*metadataPolicyFlag)(&opts.metadataPolicy), "metadata-policy", "whether metadata differences make the verdict divergent (report or divergent)")
	c.Flags().BoolVar(&opts.all, "all", false, "list identical paths too")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.original = args[0]
		opts.rebuild = args[1]
		return runCompare(cmd.Context(), g, opts)
	}
	return c
}

func runCompare(ctx context.Context, g *globalConfig, opts *compareOptions) error {
	cmpOpts := &treecmp.Options{
		Policy:        opts.policy,
		DiffDir:       opts.diffDir,
		DiffRefPrefix: ".",
	}
	if opts.diffDir != "" {
		cmpOpts.Differ = &difftool.Diffoscope{Program: g.Diffoscope}
	}
	result, err := treecmp.Compare(ctx, &rebuilder.MaterializedPair{
		OriginalRoot: opts.original,
		RebuildRoot:  opts.rebuild,
	}, cmpOpts)
	if err != nil {
		return err
	}
	v := rebuilder.NewVerdict(nil, result.Summary, opts.metadataPolicy)
	report := &evidence.Report{
		Dir:     opts.diffDir,
		Verdict: v,
		Records: result.Records,
	}
	if err := writeReport(os.Stdout, report, opts.all); err != nil {
		return err
	}
	if v.Outcome != rebuilder.Reproducible {
		return outcomeError{v.Outcome}
	}
	return nil
}
