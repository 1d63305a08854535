// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package rebuilder

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CommitSource records how a [BuildTarget] commit was chosen.
type CommitSource string

const (
	// CommitExplicit indicates that the caller named the commit.
	CommitExplicit CommitSource = "explicit"
	// CommitHead indicates that the commit was the head of the ref
	// at the time of resolution.
	CommitHead CommitSource = "head"
)

// Pin is a ref fixed to a single commit.
// Pins are used for the runtime and SDK a package is built against.
type Pin struct {
	// Ref is a full Flatpak ref like "runtime/org.freedesktop.Sdk/x86_64/23.08".
	Ref string `json:"ref"`
	// Commit is the commit of Ref to install.
	Commit Commit `json:"commit"`
}

// IsZero reports whether pin is the zero value.
func (pin Pin) IsZero() bool {
	return pin.Ref == "" && pin.Commit == ""
}

func (pin Pin) String() string {
	if pin.Commit == "" {
		return pin.Ref
	}
	return pin.Ref + "@" + pin.Commit.Short()
}

// BuildTarget is a fully pinned description of what to rebuild.
// A BuildTarget is immutable once resolved:
// later stages never re-resolve the commit.
type BuildTarget struct {
	// Remote is the name of the remote the package was resolved against.
	Remote string `json:"remote"`
	// Package is the package identifier (application or runtime ID).
	Package string `json:"package"`
	// Ref is the full ref of the package.
	Ref string `json:"ref"`
	// Commit is the commit to rebuild.
	Commit Commit `json:"commit"`
	// CommitSource records how Commit was determined.
	CommitSource CommitSource `json:"commitSource"`
	// CommitDate is the timestamp recorded in the commit.
	CommitDate time.Time `json:"commitDate,omitzero"`
	// RecipePath is the path inside the commit of the manifest used to build it.
	// An empty RecipePath means the extractor should search its defaults.
	RecipePath string `json:"recipePath,omitempty"`
	// Runtime is the runtime the package runs against.
	Runtime Pin `json:"runtime,omitzero"`
	// SDK is the SDK the package was built with.
	SDK Pin `json:"sdk,omitzero"`
}

// Validate reports an error if the target is missing any required field.
func (t *BuildTarget) Validate() error {
	var errs []error
	if t.Remote == "" {
		errs = append(errs, errors.New("missing remote"))
	}
	if t.Package == "" {
		errs = append(errs, errors.New("missing package"))
	}
	if t.Ref == "" {
		errs = append(errs, errors.New("missing ref"))
	}
	if _, err := ParseCommit(string(t.Commit)); err != nil {
		errs = append(errs, err)
	}
	switch t.CommitSource {
	case CommitExplicit, CommitHead:
	default:
		errs = append(errs, fmt.Errorf("unknown commit source %q", t.CommitSource))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid build target: %w", err)
	}
	return nil
}

// Pins returns the non-zero runtime and SDK pins of the target.
func (t *BuildTarget) Pins() []Pin {
	pins := make([]Pin, 0, 2)
	if !t.Runtime.IsZero() {
		pins = append(pins, t.Runtime)
	}
	if !t.SDK.IsZero() && t.SDK != t.Runtime {
		pins = append(pins, t.SDK)
	}
	return pins
}

// Key returns a filesystem-safe name that identifies the target
// by package and commit.
// Runs of the same target share a key.
func (t *BuildTarget) Key() string {
	return sanitizeName(t.Package) + "-" + t.Commit.Short()
}

func (t *BuildTarget) String() string {
	return t.Remote + ":" + t.Ref + "@" + t.Commit.Short()
}

// sanitizeName replaces any characters that are unsafe in a single path element.
func sanitizeName(s string) string {
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
