// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"zb.256lights.llc/rebuilder"
	"zb.256lights.llc/rebuilder/internal/evidence"
	"zombiezen.com/go/log"
)

type runsOptions struct {
	pkg   string
	limit int
}

func newRunsCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "runs [options] [PACKAGE]",
		Short:                 "list recent runs",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MaximumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(runsOptions)
	c.Flags().IntVarP(&opts.limit, "limit", "n", 20, "show at most `n` runs")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			opts.pkg = args[0]
		}
		return runRuns(cmd.Context(), g, opts)
	}
	return c
}

func runRuns(ctx context.Context, g *globalConfig, opts *runsOptions) error {
	store, err := evidence.Open(g.EvidenceDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()
	runs, err := store.Recent(ctx, opts.pkg, opts.limit)
	if err != nil {
		return err
	}
	return writeRuns(os.Stdout, runs)
}

func writeRuns(w io.Writer, runs []*evidence.Run) error {
	pw := &printer{w: w}
	for _, run := range runs {
		name := run.Package
		if !run.Commit.IsZero() {
			name += "@" + run.Commit.Short()
		}
		detail := string(run.ErrorKind)
		if run.Counts != nil {
			s := &rebuilder.Summary{Counts: run.Counts}
			detail = fmt.Sprintf("%d divergent, %d metadata", s.Divergences(), s.Counts[rebuilder.MetadataDiffers])
		}
		pw.printf("%s\t%-17s\t%s\t%s\t%s\n",
			run.FinishedAt.Local().Format(time.DateTime),
			run.Outcome,
			name,
			detail,
			run.Dir)
	}
	return pw.err
}
