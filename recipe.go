// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package rebuilder

import "slices"

// DefaultOutputs is the set of top-level paths
// that a Flatpak build produces in its build directory.
var DefaultOutputs = []string{"export", "files", "metadata"}

// Source is a single source-fetch directive from a recipe.
type Source struct {
	// Module is the slash-separated path of nested module names
	// that declared the source.
	Module string `json:"module"`
	// Type is the source type (e.g. "archive", "git", "file", "patch").
	Type string `json:"type"`

	URL          string `json:"url,omitempty"`
	Path         string `json:"path,omitempty"`
	Dest         string `json:"dest,omitempty"`
	DestFilename string `json:"destFilename,omitempty"`
	Commit       string `json:"commit,omitempty"`
	Tag          string `json:"tag,omitempty"`
	Branch       string `json:"branch,omitempty"`
	// Checksum is the declared checksum of the source, prefixed by its algorithm
	// (e.g. "sha256:...").
	Checksum string `json:"checksum,omitempty"`
}

// Recipe is a normalized build manifest extracted from a commit.
// Extracting the recipe for the same commit twice
// must produce byte-identical Manifest fields.
type Recipe struct {
	// ID is the application or runtime ID declared by the manifest.
	ID string `json:"id"`
	// Manifest is the canonical (RFC 8785) JSON form of the manifest.
	Manifest []byte `json:"-"`
	// Digest is the SHA-256 hex digest of Manifest.
	Digest string `json:"digest"`
	// Sources is the ordered list of source-fetch directives,
	// depth-first over nested modules.
	Sources []Source `json:"sources"`
	// BuildOptions is the top-level "build-options" object of the manifest.
	BuildOptions map[string]any `json:"buildOptions,omitempty"`
	// Outputs is the list of paths relative to the build root
	// that make up the build artifact.
	Outputs []string `json:"outputs,omitempty"`
}

// OutputPaths returns r.Outputs or [DefaultOutputs] if r.Outputs is empty.
// The returned slice is sorted and must not be modified.
func (r *Recipe) OutputPaths() []string {
	if len(r.Outputs) == 0 {
		return DefaultOutputs
	}
	if slices.IsSorted(r.Outputs) {
		return r.Outputs
	}
	return slices.Sorted(slices.Values(r.Outputs))
}
