// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package evidence persists the results of rebuild runs
// and maintains an index of past runs.
package evidence

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/google/renameio"
	"github.com/gowebpki/jcs"
	"zb.256lights.llc/rebuilder"
)

// File names inside an evidence directory.
const (
	TargetFile         = "target.json"
	RecipeManifestFile = "recipe/manifest.json"
	RecipeFile         = "recipe/recipe.json"
	BuildLogFile       = "build.log"
	TreesFile          = "trees.json"
	RecordsFile        = "records.jsonl"
	VerdictFile        = "verdict.json"
	DiffsDir           = "diffs"
)

// LatestLink is the name of the symbolic link in a package's evidence directory
// that points to the most recently persisted commit.
const LatestLink = "latest"

// Bundle is the complete set of evidence for one run.
// Only Verdict is required.
type Bundle struct {
	Verdict *rebuilder.Verdict
	// Package is used to name the evidence directory
	// if the verdict has no target.
	Package string
	Recipe  *rebuilder.Recipe
	// BuildLog is the path to the captured build output.
	BuildLog string
	Records  []*rebuilder.ComparisonRecord
	// DiffDir is the directory that record DiffRef names are resolved against
	// after stripping their first element.
	DiffDir string
}

// Trees is the content of [TreesFile].
type Trees struct {
	Commit             rebuilder.Commit `json:"commit"`
	OriginalTreeDigest string           `json:"originalTreeDigest"`
	RebuildTreeDigest  string           `json:"rebuildTreeDigest"`
	OriginalBytes      int64            `json:"originalBytes"`
	RebuildBytes       int64            `json:"rebuildBytes"`
}

// Marshal returns the RFC 8785 canonical JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	data, err := jsonv2.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(data)
}

// RelPath returns the path of a bundle's evidence directory
// relative to the evidence root:
// the package's ID followed by the commit.
func (b *Bundle) RelPath() (string, error) {
	var pkg, leaf string
	switch {
	case b.Verdict == nil:
		return "", fmt.Errorf("bundle has no verdict")
	case b.Verdict.Target != nil:
		pkg = b.Verdict.Target.Package
		if b.Recipe != nil && b.Recipe.ID != "" {
			pkg = b.Recipe.ID
		}
		leaf = string(b.Verdict.Target.Commit)
	default:
		pkg = b.Package
		leaf = "unresolved"
	}
	for _, elem := range []string{pkg, leaf} {
		if elem == "" || strings.ContainsAny(elem, `/\`) || !filepath.IsLocal(elem) {
			return "", fmt.Errorf("invalid evidence path element %q", elem)
		}
	}
	return filepath.Join(pkg, leaf), nil
}

// Write writes the bundle to the directory dst, which must not exist.
func (b *Bundle) Write(dst string) error {
	if err := os.Mkdir(dst, 0o777); err != nil {
		return err
	}
	if t := b.Verdict.Target; t != nil {
		if err := writeJSON(dst, TargetFile, t); err != nil {
			return err
		}
	}
	if b.Recipe != nil {
		if err := os.Mkdir(filepath.Join(dst, "recipe"), 0o777); err != nil {
			return err
		}
		if err := writeFile(dst, RecipeManifestFile, b.Recipe.Manifest); err != nil {
			return err
		}
		if err := writeJSON(dst, RecipeFile, b.Recipe); err != nil {
			return err
		}
	}
	if b.BuildLog != "" {
		if err := copyFile(filepath.Join(dst, BuildLogFile), b.BuildLog); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if s := b.Verdict.Summary; s != nil {
		trees := &Trees{
			OriginalTreeDigest: s.OriginalTreeDigest,
			RebuildTreeDigest:  s.RebuildTreeDigest,
			OriginalBytes:      s.OriginalBytes,
			RebuildBytes:       s.RebuildBytes,
		}
		if t := b.Verdict.Target; t != nil {
			trees.Commit = t.Commit
		}
		if err := writeJSON(dst, TreesFile, trees); err != nil {
			return err
		}
	}
	if b.Records != nil {
		if err := b.writeRecords(dst); err != nil {
			return err
		}
	}
	return writeJSON(dst, VerdictFile, b.Verdict)
}

func (b *Bundle) writeRecords(dst string) error {
	buf := new(bytes.Buffer)
	for _, rec := range b.Records {
		line, err := Marshal(rec)
		if err != nil {
			return fmt.Errorf("%s: %v", rec.Path, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')

		if rec.DiffRef == "" || b.DiffDir == "" {
			continue
		}
		_, name, ok := strings.Cut(rec.DiffRef, "/")
		if !ok || !filepath.IsLocal(name) {
			return fmt.Errorf("%s: invalid diff reference %q", rec.Path, rec.DiffRef)
		}
		if err := os.MkdirAll(filepath.Join(dst, DiffsDir), 0o777); err != nil {
			return err
		}
		src := filepath.Join(b.DiffDir, filepath.FromSlash(name))
		if err := copyFile(filepath.Join(dst, DiffsDir, filepath.FromSlash(name)), src); err != nil {
			return err
		}
	}
	return writeFile(dst, RecordsFile, buf.Bytes())
}

// Replace atomically replaces the directory final with the bundle.
// The bundle is assembled in a temporary directory next to final
// and renamed into place.
func (b *Bundle) Replace(final string) error {
	parent := filepath.Dir(final)
	if err := os.MkdirAll(parent, 0o777); err != nil {
		return err
	}
	staging, err := os.MkdirTemp(parent, ".staging-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)
	tmp := filepath.Join(staging, "new")
	if err := b.Write(tmp); err != nil {
		return err
	}

	old := filepath.Join(staging, "old")
	if err := os.Rename(final, old); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		if restoreErr := os.Rename(old, final); restoreErr != nil && !errors.Is(restoreErr, fs.ErrNotExist) {
			return fmt.Errorf("%v (and restoring previous evidence: %v)", err, restoreErr)
		}
		return err
	}
	if b.Verdict.Target != nil {
		if err := renameio.Symlink(filepath.Base(final), filepath.Join(parent, LatestLink)); err != nil {
			return err
		}
	}
	return nil
}

// Report is a bundle read back from disk.
type Report struct {
	Dir     string
	Verdict *rebuilder.Verdict
	Recipe  *rebuilder.Recipe
	Trees   *Trees
	Records []*rebuilder.ComparisonRecord
}

// Load reads the evidence directory dir.
// Only [VerdictFile] is required to exist.
func Load(dir string) (*Report, error) {
	r := &Report{Dir: dir}
	r.Verdict = new(rebuilder.Verdict)
	if err := readJSON(dir, VerdictFile, r.Verdict); err != nil {
		return nil, fmt.Errorf("load evidence: %w", err)
	}

	recipe := new(rebuilder.Recipe)
	switch err := readJSON(dir, RecipeFile, recipe); {
	case err == nil:
		recipe.Manifest, err = os.ReadFile(filepath.Join(dir, filepath.FromSlash(RecipeManifestFile)))
		if err != nil {
			return nil, fmt.Errorf("load evidence: %w", err)
		}
		r.Recipe = recipe
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("load evidence: %w", err)
	}

	trees := new(Trees)
	switch err := readJSON(dir, TreesFile, trees); {
	case err == nil:
		r.Trees = trees
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("load evidence: %w", err)
	}

	var err error
	r.Records, err = readRecords(filepath.Join(dir, RecordsFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load evidence: %w", err)
	}
	return r, nil
}

// ReadTarget reads a build target previously written as [TargetFile].
func ReadTarget(name string) (*rebuilder.BuildTarget, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	t := new(rebuilder.BuildTarget)
	if err := jsonv2.Unmarshal(data, t, jsonv2.RejectUnknownMembers(false)); err != nil {
		return nil, fmt.Errorf("read target %s: %v", name, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("read target %s: %v", name, err)
	}
	return t, nil
}

func readRecords(name string) ([]*rebuilder.ComparisonRecord, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var records []*rebuilder.ComparisonRecord
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for lineno := 1; s.Scan(); lineno++ {
		line := bytes.TrimSpace(s.Bytes())
		if len(line) == 0 {
			continue
		}
		rec := new(rebuilder.ComparisonRecord)
		if err := jsonv2.Unmarshal(line, rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %v", name, lineno, err)
		}
		records = append(records, rec)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("%s: %v", name, err)
	}
	return records, nil
}

func writeJSON(dir, name string, v any) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: %v", name, err)
	}
	return writeFile(dir, name, append(data, '\n'))
}

func readJSON(dir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
	if err != nil {
		return err
	}
	if err := jsonv2.Unmarshal(data, v, jsonv2.RejectUnknownMembers(false)); err != nil {
		return fmt.Errorf("%s: %v", name, err)
	}
	return nil
}

func writeFile(dir, name string, data []byte) error {
	return os.WriteFile(filepath.Join(dir, filepath.FromSlash(path.Clean(name))), data, 0o666)
}

func copyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return err
}
