// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package manifest parses and normalizes flatpak-builder manifests.
package manifest

import (
	"bytes"
	"embed"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/goccy/go-yaml"
	"github.com/gowebpki/jcs"
	"github.com/kaptinlin/jsonschema"
	"github.com/tailscale/hujson"
	"zb.256lights.llc/rebuilder"
	"zombiezen.com/go/nix"
)

// OutputsKey is the top-level manifest member
// that overrides [rebuilder.DefaultOutputs].
const OutputsKey = "x-rebuilder-outputs"

//go:embed schema/manifest.schema.json
var schemaFS embed.FS

var schemaState struct {
	once   sync.Once
	schema *jsonschema.Schema
	err    error
}

func manifestSchema() (*jsonschema.Schema, error) {
	schemaState.once.Do(func() {
		data, err := schemaFS.ReadFile("schema/manifest.schema.json")
		if err != nil {
			schemaState.err = err
			return
		}
		schemaState.schema, schemaState.err = jsonschema.NewCompiler().Compile(data)
	})
	return schemaState.schema, schemaState.err
}

// Parse parses a JSON or YAML flatpak-builder manifest
// and returns its normalized recipe.
// JSON manifests may contain comments and trailing commas.
// Parse is deterministic:
// equivalent manifests produce byte-identical [rebuilder.Recipe.Manifest] fields.
func Parse(data []byte) (*rebuilder.Recipe, error) {
	std, err := standardize(data)
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %v", err)
	}
	schema, err := manifestSchema()
	if err != nil {
		return nil, fmt.Errorf("parse manifest: compile schema: %v", err)
	}
	if result := schema.ValidateJSON(std); !result.IsValid() {
		return nil, fmt.Errorf("parse manifest: schema validation failed: %v", result.Errors)
	}
	canonical, err := jcs.Transform(std)
	if err != nil {
		return nil, fmt.Errorf("parse manifest: canonicalize: %v", err)
	}

	var doc document
	if err := jsonv2.Unmarshal(canonical, &doc, jsonv2.RejectUnknownMembers(false)); err != nil {
		return nil, fmt.Errorf("parse manifest: %v", err)
	}
	r := &rebuilder.Recipe{
		ID:           doc.ID,
		Manifest:     canonical,
		Digest:       Digest(canonical),
		BuildOptions: doc.BuildOptions,
		Outputs:      doc.Outputs,
	}
	if r.ID == "" {
		r.ID = doc.AppID
	}
	if err := checkPaths("cleanup", doc.Cleanup, checkPattern); err != nil {
		return nil, fmt.Errorf("parse manifest: %v", err)
	}
	if err := checkPaths(OutputsKey, doc.Outputs, checkLocal); err != nil {
		return nil, fmt.Errorf("parse manifest: %v", err)
	}
	r.Sources, err = flattenModules(nil, "", doc.Modules)
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %v", err)
	}
	return r, nil
}

// Digest returns the hex-encoded SHA-256 hash of a canonical manifest.
func Digest(canonical []byte) string {
	h := nix.NewHasher(nix.SHA256)
	h.Write(canonical)
	return h.SumHash().RawBase16()
}

// standardize converts a manifest in any supported syntax to standard JSON.
func standardize(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty manifest")
	}
	if trimmed[0] == '{' || bytes.HasPrefix(trimmed, []byte("/*")) || bytes.HasPrefix(trimmed, []byte("//")) {
		std, err := hujson.Standardize(bytes.Clone(trimmed))
		if err != nil {
			return nil, err
		}
		return std, nil
	}
	std, err := yaml.YAMLToJSON(trimmed)
	if err != nil {
		return nil, fmt.Errorf("yaml: %v", err)
	}
	return std, nil
}

type document struct {
	ID           string           `json:"id"`
	AppID        string           `json:"app-id"`
	BuildOptions map[string]any   `json:"build-options"`
	Cleanup      []string         `json:"cleanup"`
	Modules      []jsontext.Value `json:"modules"`
	Outputs      []string         `json:"x-rebuilder-outputs"`
}

type module struct {
	Name    string           `json:"name"`
	Subdir  string           `json:"subdir"`
	Cleanup []string         `json:"cleanup"`
	Sources []jsontext.Value `json:"sources"`
	Modules []jsontext.Value `json:"modules"`
}

type source struct {
	Type         string `json:"type"`
	URL          string `json:"url"`
	Path         string `json:"path"`
	Dest         string `json:"dest"`
	DestFilename string `json:"dest-filename"`
	Commit       string `json:"commit"`
	Tag          string `json:"tag"`
	Branch       string `json:"branch"`
	SHA256       string `json:"sha256"`
	SHA512       string `json:"sha512"`
}

// Source types for directives that refer to separate files
// instead of being written inline.
const (
	ModuleFileType = "module-file"
	SourceFileType = "source-file"
)

// flattenModules appends the sources of modules to dst depth-first,
// preserving manifest order.
func flattenModules(dst []rebuilder.Source, parent string, modules []jsontext.Value) ([]rebuilder.Source, error) {
	for i, raw := range modules {
		if raw.Kind() == '"' {
			var name string
			if err := jsonv2.Unmarshal(raw, &name); err != nil {
				return nil, err
			}
			if err := checkLocal(name); err != nil {
				return nil, fmt.Errorf("module %s[%d]: %v", parent, i, err)
			}
			dst = append(dst, rebuilder.Source{
				Module: parent,
				Type:   ModuleFileType,
				Path:   name,
			})
			continue
		}

		var m module
		if err := jsonv2.Unmarshal(raw, &m, jsonv2.RejectUnknownMembers(false)); err != nil {
			return nil, err
		}
		modPath := path.Join(parent, m.Name)
		if strings.Contains(m.Name, "/") {
			return nil, fmt.Errorf("module %q: name contains a slash", modPath)
		}
		if m.Subdir != "" {
			if err := checkLocal(m.Subdir); err != nil {
				return nil, fmt.Errorf("module %s: subdir: %v", modPath, err)
			}
		}
		if err := checkPaths("cleanup", m.Cleanup, checkPattern); err != nil {
			return nil, fmt.Errorf("module %s: %v", modPath, err)
		}
		for j, rawSource := range m.Sources {
			src, err := parseSource(modPath, rawSource)
			if err != nil {
				return nil, fmt.Errorf("module %s: source %d: %v", modPath, j, err)
			}
			dst = append(dst, src)
		}
		var err error
		dst, err = flattenModules(dst, modPath, m.Modules)
		if err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func parseSource(modPath string, raw jsontext.Value) (rebuilder.Source, error) {
	if raw.Kind() == '"' {
		var name string
		if err := jsonv2.Unmarshal(raw, &name); err != nil {
			return rebuilder.Source{}, err
		}
		if err := checkLocal(name); err != nil {
			return rebuilder.Source{}, err
		}
		return rebuilder.Source{Module: modPath, Type: SourceFileType, Path: name}, nil
	}

	var s source
	if err := jsonv2.Unmarshal(raw, &s, jsonv2.RejectUnknownMembers(false)); err != nil {
		return rebuilder.Source{}, err
	}
	for _, p := range []struct {
		field string
		value string
	}{
		{"path", s.Path},
		{"dest", s.Dest},
		{"dest-filename", s.DestFilename},
	} {
		if p.value == "" {
			continue
		}
		if err := checkLocal(p.value); err != nil {
			return rebuilder.Source{}, fmt.Errorf("%s: %v", p.field, err)
		}
	}
	if s.DestFilename != "" && strings.Contains(s.DestFilename, "/") {
		return rebuilder.Source{}, fmt.Errorf("dest-filename: %q contains a slash", s.DestFilename)
	}
	src := rebuilder.Source{
		Module:       modPath,
		Type:         s.Type,
		URL:          s.URL,
		Path:         s.Path,
		Dest:         s.Dest,
		DestFilename: s.DestFilename,
		Commit:       s.Commit,
		Tag:          s.Tag,
		Branch:       s.Branch,
	}
	switch {
	case s.SHA256 != "":
		src.Checksum = "sha256:" + s.SHA256
	case s.SHA512 != "":
		src.Checksum = "sha512:" + s.SHA512
	}
	return src, nil
}

func checkPaths(field string, paths []string, check func(string) error) error {
	for _, p := range paths {
		if err := check(p); err != nil {
			return fmt.Errorf("%s: %v", field, err)
		}
	}
	return nil
}

// checkLocal returns an error if p is absolute
// or refers to a location outside of the directory it is relative to.
func checkLocal(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if !filepath.IsLocal(p) {
		return fmt.Errorf("%q escapes the build root", p)
	}
	return nil
}

// checkPattern returns an error if the cleanup pattern p
// could match outside of the installation prefix.
// A leading slash anchors the pattern at the prefix.
func checkPattern(p string) error {
	rel := strings.TrimPrefix(p, "/")
	if rel == "" {
		return fmt.Errorf("%q matches the entire prefix", p)
	}
	if strings.HasPrefix(rel, "/") {
		return fmt.Errorf("%q is an absolute path", p)
	}
	for _, elem := range strings.Split(rel, "/") {
		if elem == ".." {
			return fmt.Errorf("%q escapes the build root", p)
		}
	}
	return nil
}
