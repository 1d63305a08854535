// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"zb.256lights.llc/rebuilder"
	"zb.256lights.llc/rebuilder/flatpak"
)

// installationFlag is a [pflag.Value] that names a Flatpak installation.
type installationFlag flatpak.Installation

func (f *installationFlag) Type() string  { return "name" }
func (f installationFlag) String() string { return flatpak.Installation(f).String() }
func (f installationFlag) Get() any       { return flatpak.Installation(f) }

func (f *installationFlag) Set(s string) error {
	if s == "" {
		return fmt.Errorf("empty installation name")
	}
	*f = installationFlag{Name: s}
	return nil
}

// fixedInstallationFlag is a boolean [pflag.Value]
// that selects a well-known installation when set.
type fixedInstallationFlag struct {
	dst  *flatpak.Installation
	inst flatpak.Installation
}

func (f fixedInstallationFlag) Type() string     { return "bool" }
func (f fixedInstallationFlag) IsBoolFlag() bool { return true }

func (f fixedInstallationFlag) String() string {
	return fmt.Sprint(*f.dst == f.inst)
}

func (f fixedInstallationFlag) Set(s string) error {
	if s != "true" {
		return fmt.Errorf("cannot be negated")
	}
	*f.dst = f.inst
	return nil
}

// addInstallationFlags registers --installation, --user, and --system on fset.
func addInstallationFlags(fset *pflag.FlagSet, dst *flatpak.Installation) {
	fset.Var((*installationFlag)(dst), "installation", "use the custom system installation `name`")
	fset.Var(fixedInstallationFlag{dst, flatpak.UserInstallation}, "user", "use the per-user installation")
	fset.Var(fixedInstallationFlag{dst, flatpak.SystemInstallation}, "system", "use the system-wide installation")
	fset.Lookup("user").NoOptDefVal = "true"
	fset.Lookup("system").NoOptDefVal = "true"
}

// metadataPolicyFlag is a [pflag.Value] for [rebuilder.MetadataPolicy].
type metadataPolicyFlag rebuilder.MetadataPolicy

func (f *metadataPolicyFlag) Type() string  { return "policy" }
func (f metadataPolicyFlag) String() string { return string(f) }
func (f metadataPolicyFlag) Get() any       { return rebuilder.MetadataPolicy(f) }

func (f *metadataPolicyFlag) Set(s string) error {
	p, err := rebuilder.ParseMetadataPolicy(s)
	if err != nil {
		return err
	}
	*f = metadataPolicyFlag(p)
	return nil
}

func (d *duration) Type() string  { return "duration" }
func (d duration) String() string { return time.Duration(d).String() }
func (d *duration) Set(s string) error {
	return d.UnmarshalText([]byte(s))
}

var (
	_ pflag.Value = (*installationFlag)(nil)
	_ pflag.Value = fixedInstallationFlag{}
	_ pflag.Value = (*metadataPolicyFlag)(nil)
	_ pflag.Value = (*duration)(nil)
)
