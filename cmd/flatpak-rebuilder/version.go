// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"
	"zb.256lights.llc/rebuilder/flatpak"
	"zb.256lights.llc/rebuilder/internal/command"
	"zb.256lights.llc/rebuilder/internal/ostree"
	"zb.256lights.llc/rebuilder/internal/sandbox"
	"zombiezen.com/go/log"
)

// rebuilderVersion is the version string filled in by the linker (e.g. "1.2.3").
var rebuilderVersion string

func newVersionCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "version",
		Short:                 "show version information",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runVersion(cmd.Context(), g, command.Exec{})
	}
	return c
}

func runVersion(ctx context.Context, g *globalConfig, runner command.Runner) error {
	firstLine := "flatpak-rebuilder"
	if rebuilderVersion == "" {
		firstLine += " (version unknown)"
	} else {
		firstLine += " version " + rebuilderVersion
	}
	fmt.Printf("%s\nGo:              %s %s/%s\n", firstLine, runtime.Version(), runtime.GOOS, runtime.GOARCH)

	tools := []struct {
		label   string
		program string
	}{
		{"flatpak:", flatpak.DefaultFlatpakPath},
		{"flatpak-builder:", sandbox.DefaultProgram},
		{"ostree:", ostree.DefaultProgram},
		{"diffoscope:", g.Diffoscope},
	}
	for _, tool := range tools {
		if tool.program == "" {
			continue
		}
		result, err := runner.Run(ctx, &command.Cmd{
			Path: tool.program,
			Args: []string{"--version"},
		})
		switch {
		case errors.Is(err, exec.ErrNotFound):
			log.Debugf(ctx, "%s: %v", tool.program, err)
			fmt.Printf("%-16s not found\n", tool.label)
		case err != nil:
			log.Errorf(ctx, "%s --version: %v", tool.program, err)
		default:
			firstLine, _, _ := bytes.Cut(bytes.TrimSpace(result.Stdout), []byte("\n"))
			fmt.Printf("%-16s %s\n", tool.label, firstLine)
		}
	}
	return nil
}
