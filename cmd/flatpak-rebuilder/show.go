// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/spf13/cobra"
	"zb.256lights.llc/rebuilder"
	"zb.256lights.llc/rebuilder/internal/evidence"
)

type showOptions struct {
	args    []string
	json    bool
	all     bool
	outcome bool
}

func newShowCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "show [options] (DIR | PACKAGE [COMMIT])",
		Short:                 "show the evidence of a previous run",
		DisableFlagsInUseLine: true,
		Args:                  cobra.RangeArgs(1, 2),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(showOptions)
	c.Flags().BoolVar(&opts.json, "json", false, "print the verdict as JSON")
	c.Flags().BoolVar(&opts.all, "all", false, "list identical paths too")
	c.Flags().BoolVar(&opts.outcome, "exit-status", false, "exit with the status of the recorded verdict")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.args = args
		return runShow(g, opts)
	}
	return c
}

func runShow(g *globalConfig, opts *showOptions) error {
	dir, err := evidenceDirFromArgs(g.EvidenceDir, opts.args)
	if err != nil {
		return err
	}
	report, err := evidence.Load(dir)
	if err != nil {
		return err
	}
	if opts.json {
		err = jsonv2.MarshalWrite(os.Stdout, report.Verdict, jsontext.WithIndent("  "))
		if err == nil {
			_, err = io.WriteString(os.Stdout, "\n")
		}
	} else {
		err = writeReport(os.Stdout, report, opts.all)
	}
	if err != nil {
		return err
	}
	if opts.outcome && report.Verdict.Outcome != rebuilder.Reproducible {
		return outcomeError{report.Verdict.Outcome}
	}
	return nil
}

// evidenceDirFromArgs interprets the arguments to show as either
// an evidence directory or a package and optional commit.
func evidenceDirFromArgs(root string, args []string) (string, error) {
	if len(args) == 1 {
		if info, err := os.Stat(args[0]); err == nil && info.IsDir() {
			if _, err := os.Stat(filepath.Join(args[0], evidence.VerdictFile)); err == nil {
				return args[0], nil
			}
		}
	}
	pkg := args[0]
	leaf := evidence.LatestLink
	if len(args) > 1 {
		commit, err := rebuilder.ParseCommit(args[1])
		if err != nil {
			return "", err
		}
		leaf = string(commit)
	}
	if !filepath.IsLocal(pkg) || filepath.Base(pkg) != pkg {
		return "", fmt.Errorf("invalid package %q", pkg)
	}
	dir := filepath.Join(root, pkg, leaf)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) && len(args) == 1 {
		unresolved := filepath.Join(root, pkg, "unresolved")
		if _, err := os.Stat(unresolved); err == nil {
			return unresolved, nil
		}
		return "", fmt.Errorf("no evidence for %s in %s", pkg, root)
	}
	return dir, nil
}

func writeReport(w io.Writer, report *evidence.Report, all bool) error {
	v := report.Verdict
	pw := &printer{w: w}
	pw.printf("Outcome:      %s\n", v.Outcome)
	if t := v.Target; t != nil {
		pw.printf("Package:      %s\n", t.Package)
		pw.printf("Ref:          %s (%s)\n", t.Ref, t.Remote)
		pw.printf("Commit:       %s (%s)\n", t.Commit, t.CommitSource)
		if !t.CommitDate.IsZero() {
			pw.printf("Date:         %s\n", t.CommitDate.Format("2006-01-02 15:04:05 -0700"))
		}
		if !t.Runtime.IsZero() {
			pw.printf("Runtime:      %s@%s\n", t.Runtime.Ref, t.Runtime.Commit)
		}
		if !t.SDK.IsZero() {
			pw.printf("SDK:          %s@%s\n", t.SDK.Ref, t.SDK.Commit)
		}
	}
	if r := report.Recipe; r != nil {
		pw.printf("Recipe:       %s (sha256 %s, %d sources)\n", r.ID, r.Digest, len(r.Sources))
	}
	if v.ErrorKind != "" {
		pw.printf("Error:        %s in %s stage\n", v.ErrorKind, v.ErrorStage)
		if v.ExitStatus != nil {
			pw.printf("Exit status:  %d\n", *v.ExitStatus)
		}
		pw.printf("\n%s\n", v.ErrorMessage)
	}
	if s := v.Summary; s != nil {
		pw.printf("Policy:       metadata differences %s\n", metadataPolicyDescription(v.MetadataPolicy))
		pw.printf("\n")
		for _, c := range rebuilder.Classifications {
			pw.printf("%-20s %d\n", c, s.Counts[c])
		}
		pw.printf("%-20s %d bytes\n", "original size", s.OriginalBytes)
		pw.printf("%-20s %d bytes\n", "rebuild size", s.RebuildBytes)
	}
	if len(report.Records) > 0 {
		pw.printf("\n")
	}
	for _, rec := range report.Records {
		if rec.Classification == rebuilder.Identical && !all {
			continue
		}
		pw.printf("%v\n", rec)
		if rec.DiffRef != "" {
			pw.printf("\tsee %s\n", filepath.Join(report.Dir, filepath.FromSlash(rec.DiffRef)))
		}
	}
	return pw.err
}

func metadataPolicyDescription(p rebuilder.MetadataPolicy) string {
	if p == rebuilder.MetadataDivergent {
		return "are divergent"
	}
	return "are reported only"
}

// printer is an [io.Writer] wrapper that remembers the first error.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}
