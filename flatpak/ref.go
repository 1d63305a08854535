// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package flatpak provides a client for the flatpak and ostree command-line tools
// and parsers for their output formats.
package flatpak

import (
	"fmt"
	"strings"
)

// Ref kinds.
const (
	KindApp     = "app"
	KindRuntime = "runtime"
)

// Ref is a parsed Flatpak ref like "app/org.gnome.Calculator/x86_64/stable".
type Ref struct {
	Kind   string
	ID     string
	Arch   string
	Branch string
}

// ParseRef parses a full ref string.
func ParseRef(s string) (Ref, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return Ref{}, fmt.Errorf("parse ref %q: want KIND/ID/ARCH/BRANCH", s)
	}
	ref := Ref{Kind: parts[0], ID: parts[1], Arch: parts[2], Branch: parts[3]}
	if ref.Kind != KindApp && ref.Kind != KindRuntime {
		return Ref{}, fmt.Errorf("parse ref %q: unknown kind %q", s, ref.Kind)
	}
	if err := validateID(ref.ID); err != nil {
		return Ref{}, fmt.Errorf("parse ref %q: %v", s, err)
	}
	if ref.Arch == "" {
		return Ref{}, fmt.Errorf("parse ref %q: empty arch", s)
	}
	if ref.Branch == "" {
		return Ref{}, fmt.Errorf("parse ref %q: empty branch", s)
	}
	return ref, nil
}

// ExpandRef interprets s as either a full ref
// or an application ID.
// Application IDs are expanded to an app ref with the given arch and branch.
func ExpandRef(s, arch, branch string) (Ref, error) {
	if strings.Contains(s, "/") {
		return ParseRef(s)
	}
	if err := validateID(s); err != nil {
		return Ref{}, err
	}
	if arch == "" || branch == "" {
		return Ref{}, fmt.Errorf("expand %s: arch and branch required", s)
	}
	return Ref{Kind: KindApp, ID: s, Arch: arch, Branch: branch}, nil
}

// ParsePartialRuntimeRef parses a runtime reference as it appears
// in application metadata ("org.gnome.Platform/x86_64/45")
// into a full runtime ref.
func ParsePartialRuntimeRef(s string) (Ref, error) {
	if strings.HasPrefix(s, KindRuntime+"/") {
		return ParseRef(s)
	}
	return ParseRef(KindRuntime + "/" + s)
}

func (ref Ref) String() string {
	return ref.Kind + "/" + ref.ID + "/" + ref.Arch + "/" + ref.Branch
}

// validateID performs a loose check of a D-Bus-style application ID.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("empty ID")
	}
	if strings.Count(id, ".") < 2 {
		return fmt.Errorf("ID %q must have at least 3 components", id)
	}
	for _, elem := range strings.Split(id, ".") {
		if elem == "" {
			return fmt.Errorf("ID %q has an empty component", id)
		}
		for _, c := range elem {
			if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' || c == '_' || c == '-') {
				return fmt.Errorf("ID %q contains invalid character %q", id, c)
			}
		}
	}
	return nil
}

// Installation names a Flatpak installation.
// The zero value is the per-user installation.
type Installation struct {
	// Name is "user", "system", or the name of a custom system installation.
	// The empty string is equivalent to "user".
	Name string
}

// Well-known installations.
var (
	UserInstallation   = Installation{Name: "user"}
	SystemInstallation = Installation{Name: "system"}
)

// IsUser reports whether inst is the per-user installation.
func (inst Installation) IsUser() bool {
	return inst.Name == "" || inst.Name == "user"
}

// Flags returns the flatpak command-line flags that select inst.
func (inst Installation) Flags() []string {
	switch inst.Name {
	case "", "user":
		return []string{"--user"}
	case "system":
		return []string{"--system"}
	default:
		return []string{"--installation=" + inst.Name}
	}
}

func (inst Installation) String() string {
	if inst.Name == "" {
		return "user"
	}
	return inst.Name
}
