// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package treecmp compares two directory trees entry by entry.
package treecmp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"zb.256lights.llc/rebuilder"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nar"
)

// Policy selects which metadata beyond content is significant.
// The executable bit of regular files and the targets of symbolic links
// are always significant.
type Policy struct {
	// Permissions compares the full permission bits of every entry.
	Permissions bool
	// Ownership compares the numeric owner and group of every entry.
	Ownership bool
}

// A Differ produces a human-readable explanation of how two files differ.
type Differ interface {
	Diff(ctx context.Context, a, b, reportPath string) error
}

// DefaultMaxDiffs is the number of explanations produced
// when [Options.MaxDiffs] is zero.
const DefaultMaxDiffs = 100

// Options is the set of optional parameters to [Compare].
type Options struct {
	Policy Policy

	// If Differ is not nil, it is called for each content-differs regular file
	// and the report is written into DiffDir.
	Differ  Differ
	DiffDir string
	// DiffRefPrefix is prepended to report file names in [rebuilder.ComparisonRecord.DiffRef].
	// Defaults to "diffs".
	DiffRefPrefix string
	// MaxDiffs limits the number of reports produced.
	// Zero means [DefaultMaxDiffs]; negative means no limit.
	MaxDiffs int
}

// Result is the outcome of a successful [Compare].
type Result struct {
	// Records has one element per path in the union of both trees,
	// sorted by path.
	Records []*rebuilder.ComparisonRecord
	Summary *rebuilder.Summary
}

// Compare compares the trees of pair.
// Compare never modifies either tree.
// If any entry cannot be read, Compare returns a [*rebuilder.Error]
// of kind [rebuilder.ComparisonError].
func Compare(ctx context.Context, pair *rebuilder.MaterializedPair, opts *Options) (*Result, error) {
	if opts == nil {
		opts = new(Options)
	}
	original, err := scan(pair.OriginalRoot)
	if err != nil {
		return nil, rebuilder.NewError(rebuilder.StageCompare, rebuilder.ComparisonError, err)
	}
	rebuild, err := scan(pair.RebuildRoot)
	if err != nil {
		return nil, rebuilder.NewError(rebuilder.StageCompare, rebuilder.ComparisonError, err)
	}

	paths := make(map[string]struct{}, len(original)+len(rebuild))
	for p := range original {
		paths[p] = struct{}{}
	}
	for p := range rebuild {
		paths[p] = struct{}{}
	}

	result := &Result{
		Records: make([]*rebuilder.ComparisonRecord, 0, len(paths)),
		Summary: rebuilder.NewSummary(),
	}
	d := &differ{opts: opts, pair: pair}
	for _, p := range slices.Sorted(maps.Keys(paths)) {
		rec := classify(p, original[p], rebuild[p], opts.Policy)
		if rec.Classification == rebuilder.ContentDiffers {
			d.explain(ctx, rec)
		}
		result.Records = append(result.Records, rec)
		result.Summary.Add(rec)
	}
	for _, ent := range original {
		if ent.kind == rebuilder.KindRegular {
			result.Summary.OriginalBytes += ent.size
		}
	}
	for _, ent := range rebuild {
		if ent.kind == rebuilder.KindRegular {
			result.Summary.RebuildBytes += ent.size
		}
	}

	result.Summary.OriginalTreeDigest, err = TreeDigest(pair.OriginalRoot)
	if err != nil {
		return nil, rebuilder.NewError(rebuilder.StageCompare, rebuilder.ComparisonError, err)
	}
	result.Summary.RebuildTreeDigest, err = TreeDigest(pair.RebuildRoot)
	if err != nil {
		return nil, rebuilder.NewError(rebuilder.StageCompare, rebuilder.ComparisonError, err)
	}
	log.Debugf(ctx, "Compared %d paths: %d divergent, %d metadata-only",
		len(result.Records), result.Summary.Divergences(), result.Summary.Counts[rebuilder.MetadataDiffers])
	return result, nil
}

// TreeDigest returns the hex-encoded SHA-256 hash
// of the NAR serialization of the tree at root.
func TreeDigest(root string) (string, error) {
	h := nix.NewHasher(nix.SHA256)
	if err := nar.DumpPath(h, root); err != nil {
		return "", fmt.Errorf("hash tree %s: %w", root, err)
	}
	return h.SumHash().RawBase16(), nil
}

type entry struct {
	kind   rebuilder.EntryKind
	mode   fs.FileMode
	size   int64
	digest string
	target string
	owner  owner
}

// scan walks the tree at root without following symbolic links
// and returns its entries keyed by slash-separated relative path.
// The root itself is not included.
func scan(root string) (map[string]*entry, error) {
	entries := make(map[string]*entry)
	err := filepath.WalkDir(root, func(osPath string, dirent fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if osPath == root {
			if !dirent.IsDir() {
				return fmt.Errorf("%s: not a directory", root)
			}
			return nil
		}
		rel, err := filepath.Rel(root, osPath)
		if err != nil {
			return err
		}
		info, err := dirent.Info()
		if err != nil {
			return err
		}
		ent := &entry{
			mode:  info.Mode(),
			owner: ownerOf(osPath),
		}
		switch info.Mode().Type() {
		case 0:
			ent.kind = rebuilder.KindRegular
			ent.size = info.Size()
			ent.digest, err = hashFile(osPath)
			if err != nil {
				return err
			}
		case fs.ModeDir:
			ent.kind = rebuilder.KindDirectory
		case fs.ModeSymlink:
			ent.kind = rebuilder.KindSymlink
			ent.target, err = os.Readlink(osPath)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("%s: unsupported file type %v", osPath, info.Mode().Type())
		}
		entries[filepath.ToSlash(rel)] = ent
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return entries, nil
}

func hashFile(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := nix.NewHasher(nix.SHA256)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return h.SumHash().RawBase16(), nil
}

func classify(p string, orig, rebuilt *entry, policy Policy) *rebuilder.ComparisonRecord {
	rec := &rebuilder.ComparisonRecord{Path: p}
	if orig != nil {
		rec.OriginalKind = orig.kind
		rec.OriginalDigest = orig.digest
	}
	if rebuilt != nil {
		rec.RebuildKind = rebuilt.kind
		rec.RebuildDigest = rebuilt.digest
	}
	switch {
	case orig == nil:
		rec.Classification = rebuilder.MissingInOriginal
		return rec
	case rebuilt == nil:
		rec.Classification = rebuilder.MissingInRebuild
		return rec
	case orig.kind != rebuilt.kind:
		rec.Classification = rebuilder.ContentDiffers
		rec.Detail = fmt.Sprintf("kind %s != %s", orig.kind, rebuilt.kind)
		return rec
	case orig.digest != rebuilt.digest:
		rec.Classification = rebuilder.ContentDiffers
		return rec
	}

	var details []string
	if orig.kind == rebuilder.KindSymlink && orig.target != rebuilt.target {
		details = append(details, fmt.Sprintf("target %q != %q", orig.target, rebuilt.target))
	}
	if policy.Permissions && orig.kind != rebuilder.KindSymlink {
		if a, b := orig.mode.Perm(), rebuilt.mode.Perm(); a != b {
			details = append(details, fmt.Sprintf("mode %#o != %#o", a, b))
		}
	} else if orig.kind == rebuilder.KindRegular && isExecutable(orig.mode) != isExecutable(rebuilt.mode) {
		details = append(details, fmt.Sprintf("executable %t != %t", isExecutable(orig.mode), isExecutable(rebuilt.mode)))
	}
	if policy.Ownership && orig.owner != rebuilt.owner {
		details = append(details, fmt.Sprintf("owner %v != %v", orig.owner, rebuilt.owner))
	}
	if len(details) == 0 {
		rec.Classification = rebuilder.Identical
		return rec
	}
	rec.Classification = rebuilder.MetadataDiffers
	rec.Detail = strings.Join(details, "; ")
	return rec
}

func isExecutable(mode fs.FileMode) bool {
	return mode&0o111 != 0
}

// owner is the numeric owner and group of a file.
type owner struct {
	uid, gid uint32
	known    bool
}

func (o owner) String() string {
	if !o.known {
		return "?"
	}
	return fmt.Sprintf("%d:%d", o.uid, o.gid)
}

// differ produces explanations for content-differs records.
type differ struct {
	opts     *Options
	pair     *rebuilder.MaterializedPair
	n        int
	disabled bool
}

func (d *differ) explain(ctx context.Context, rec *rebuilder.ComparisonRecord) {
	if d.disabled || d.opts.Differ == nil || d.opts.DiffDir == "" {
		return
	}
	if rec.OriginalKind != rebuilder.KindRegular || rec.RebuildKind != rebuilder.KindRegular {
		return
	}
	limit := d.opts.MaxDiffs
	if limit == 0 {
		limit = DefaultMaxDiffs
	}
	if limit > 0 && d.n >= limit {
		if d.n == limit {
			log.Infof(ctx, "Reached limit of %d diffs; skipping the rest", limit)
			d.n++
		}
		return
	}
	if d.n == 0 {
		if err := os.MkdirAll(d.opts.DiffDir, 0o777); err != nil {
			log.Warnf(ctx, "Unable to explain differences: %v", err)
			d.disabled = true
			return
		}
	}
	name := fmt.Sprintf("%04d.txt", d.n)
	d.n++
	a := filepath.Join(d.pair.OriginalRoot, filepath.FromSlash(rec.Path))
	b := filepath.Join(d.pair.RebuildRoot, filepath.FromSlash(rec.Path))
	reportPath := filepath.Join(d.opts.DiffDir, name)
	if err := d.opts.Differ.Diff(ctx, a, b, reportPath); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Warnf(ctx, "Diff of %s interrupted: %v", rec.Path, err)
		} else {
			log.Warnf(ctx, "Diff of %s failed: %v", rec.Path, err)
		}
		return
	}
	prefix := d.opts.DiffRefPrefix
	if prefix == "" {
		prefix = "diffs"
	}
	rec.DiffRef = path.Join(prefix, name)
}
