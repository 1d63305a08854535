// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// flatpak-rebuilder rebuilds published Flatpak packages from their recipes
// and reports whether the result is bit-for-bit identical.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"slices"
	"sync"

	"github.com/spf13/cobra"
	"zb.256lights.llc/rebuilder"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

// Exit codes.
const (
	exitReproducible     = 0
	exitError            = 1
	exitDivergent        = 2
	exitBuildFailed      = 3
	exitResolutionFailed = 4
)

// outcomeError is returned by commands whose result is a verdict
// other than [rebuilder.Reproducible].
// It has already been reported to the user.
type outcomeError struct {
	outcome rebuilder.Outcome
}

func (e outcomeError) Error() string {
	return string(e.outcome)
}

// exitCode returns the process exit code for an error returned from a command.
func exitCode(err error) int {
	var oe outcomeError
	if !errors.As(err, &oe) {
		if err == nil {
			return exitReproducible
		}
		return exitError
	}
	switch oe.outcome {
	case rebuilder.Reproducible:
		return exitReproducible
	case rebuilder.Divergent:
		return exitDivergent
	case rebuilder.BuildFailed:
		return exitBuildFailed
	case rebuilder.ResolutionFailed:
		return exitResolutionFailed
	default:
		return exitError
	}
}

func main() {
	rootCommand := &cobra.Command{
		Use:           "flatpak-rebuilder",
		Short:         "independently rebuild Flatpak packages and compare the results",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := defaultGlobalConfig()
	if err := g.mergeEnvironment(); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(exitError)
	}
	if err := g.mergeFiles(slices.Values(configFilePaths())); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(exitError)
	}

	rootCommand.PersistentFlags().BoolVar(&g.Debug, "debug", g.Debug, "show debugging output")
	rootCommand.PersistentFlags().StringVar(&g.WorkDir, "work-dir", g.WorkDir, "`dir`ectory to create run directories in")
	rootCommand.PersistentFlags().StringVar(&g.EvidenceDir, "evidence-dir", g.EvidenceDir, "`dir`ectory to store evidence in")
	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(g.Debug)
		return g.validate()
	}

	rootCommand.AddCommand(
		newRebuildCommand(g),
		newShowCommand(g),
		newRunsCommand(g),
		newCompareCommand(g),
		newVersionCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	code := exitCode(err)
	if code == exitError {
		initLogging(g.Debug)
		log.Errorf(context.Background(), "%v", err)
	}
	os.Exit(code)
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "flatpak-rebuilder: ", log.StdFlags, nil),
		})
	})
}
