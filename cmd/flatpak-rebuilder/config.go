// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/tailscale/hujson"
	"go4.org/xdgdir"
	"zb.256lights.llc/rebuilder"
	"zb.256lights.llc/rebuilder/flatpak"
	"zb.256lights.llc/rebuilder/internal/pipeline"
)

const appName = "flatpak-rebuilder"

// configFileName is the name of the configuration file
// inside each XDG configuration directory.
const configFileName = "config.jwcc"

type globalConfig struct {
	Debug       bool   `json:"debug"`
	WorkDir     string `json:"workDirectory"`
	EvidenceDir string `json:"evidenceDirectory"`
	// StateDir is shared by builds as the builder's download cache.
	StateDir string `json:"stateDirectory"`

	Remote       string               `json:"remote"`
	Installation flatpak.Installation `json:"installation"`
	// Repo is the OSTree repository of Installation.
	Repo   string `json:"repository"`
	Arch   string `json:"arch"`
	Branch string `json:"branch"`

	BuildTimeout     duration                 `json:"buildTimeout"`
	MetadataPolicy   rebuilder.MetadataPolicy `json:"metadataPolicy"`
	Diffoscope       string                   `json:"diffoscope"`
	PrivilegeCommand []string                 `json:"privilegeCommand"`
	RecipePaths      []string                 `json:"recipePaths"`
}

func defaultGlobalConfig() *globalConfig {
	return &globalConfig{
		Remote:           "flathub",
		Branch:           "stable",
		BuildTimeout:     duration(pipeline.DefaultBuildTimeout),
		MetadataPolicy:   rebuilder.MetadataReport,
		Diffoscope:       "diffoscope",
		PrivilegeCommand: []string{"sudo", "-n"},
	}
}

// configFilePaths returns the configuration files to read
// in increasing order of precedence.
func configFilePaths() []string {
	dirs := xdgdir.Config.SearchPaths()
	paths := make([]string, 0, len(dirs))
	for _, dir := range slices.Backward(dirs) {
		paths = append(paths, filepath.Join(dir, appName, configFileName))
	}
	return paths
}

func (g *globalConfig) mergeEnvironment() error {
	if cd := xdgdir.Cache.Path(); cd != "" {
		g.WorkDir = filepath.Join(cd, appName, "runs")
		g.StateDir = filepath.Join(cd, appName, "builder")
	}
	if dd := xdgdir.Data.Path(); dd != "" {
		g.EvidenceDir = filepath.Join(dd, appName, "evidence")
	}

	if dir := os.Getenv("FLATPAK_REBUILDER_WORK_DIR"); dir != "" {
		g.WorkDir = dir
	}
	if dir := os.Getenv("FLATPAK_REBUILDER_EVIDENCE_DIR"); dir != "" {
		g.EvidenceDir = dir
	}
	if remote := os.Getenv("FLATPAK_REBUILDER_REMOTE"); remote != "" {
		g.Remote = remote
	}
	if s := os.Getenv("FLATPAK_REBUILDER_BUILD_TIMEOUT"); s != "" {
		if err := g.BuildTimeout.UnmarshalText([]byte(s)); err != nil {
			return fmt.Errorf("FLATPAK_REBUILDER_BUILD_TIMEOUT: %v", err)
		}
	}
	return nil
}

func (g *globalConfig) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}

	return nil
}

// UnmarshalJSONFrom unmarshals the configuration object from the JSON decoder,
// merging any fields in the JSON object with existing values.
func (g *globalConfig) UnmarshalJSONFrom(in *jsontext.Decoder) error {
	tok, err := in.ReadToken()
	if err != nil {
		return err
	}
	if got := tok.Kind(); got != '{' {
		return fmt.Errorf("config must be an object not a %v", got)
	}

	for {
		keyToken, err := in.ReadToken()
		if err != nil {
			return err
		}
		switch kind := keyToken.Kind(); kind {
		case '}':
			return nil
		case '"':
			// Keep going.
		default:
			return fmt.Errorf("unexpected non-string key (%v) in object", kind)
		}

		k := keyToken.String()
		var dst any
		switch k {
		case "debug":
			dst = &g.Debug
		case "workDirectory":
			dst = &g.WorkDir
		case "evidenceDirectory":
			dst = &g.EvidenceDir
		case "stateDirectory":
			dst = &g.StateDir
		case "remote":
			dst = &g.Remote
		case "installation":
			dst = &g.Installation.Name
		case "repository":
			dst = &g.Repo
		case "arch":
			dst = &g.Arch
		case "branch":
			dst = &g.Branch
		case "buildTimeout":
			dst = &g.BuildTimeout
		case "metadataPolicy":
			dst = &g.MetadataPolicy
		case "diffoscope":
			dst = &g.Diffoscope
		case "privilegeCommand":
			// Later files replace the command instead of extending it.
			g.PrivilegeCommand = nil
			dst = &g.PrivilegeCommand
		case "recipePaths":
			// Use any unused capacity at end of the slice.
			newPaths := g.RecipePaths[len(g.RecipePaths):]
			if err := jsonv2.UnmarshalDecode(in, &newPaths); err != nil {
				return fmt.Errorf("unmarshal config.recipePaths: %w", err)
			}
			g.RecipePaths = append(g.RecipePaths, newPaths...)
			continue
		default:
			if reject, _ := jsonv2.GetOption(in.Options(), jsonv2.RejectUnknownMembers); reject {
				return fmt.Errorf("unmarshal config: unknown field %q", k)
			}
			if err := in.SkipValue(); err != nil {
				return err
			}
			continue
		}
		if err := jsonv2.UnmarshalDecode(in, dst); err != nil {
			return fmt.Errorf("unmarshal config.%s: %w", k, err)
		}
	}
}

func (g *globalConfig) validate() error {
	if g.WorkDir == "" {
		return fmt.Errorf("work directory not set (is $HOME set?)")
	}
	if g.EvidenceDir == "" {
		return fmt.Errorf("evidence directory not set (is $HOME set?)")
	}
	if g.Remote == "" {
		return fmt.Errorf("remote not set")
	}
	if _, err := rebuilder.ParseMetadataPolicy(string(g.MetadataPolicy)); err != nil {
		return err
	}
	for _, p := range g.RecipePaths {
		if !filepath.IsLocal(p) {
			return fmt.Errorf("recipe path %q is not a relative path inside the commit", p)
		}
	}
	return nil
}

// repoPath returns the OSTree repository of the configured installation.
func (g *globalConfig) repoPath() (string, error) {
	if g.Repo != "" {
		return g.Repo, nil
	}
	switch {
	case g.Installation.IsUser():
		dd := xdgdir.Data.Path()
		if dd == "" {
			return "", fmt.Errorf("locate user installation: $HOME not set")
		}
		return filepath.Join(dd, "flatpak", "repo"), nil
	case g.Installation == flatpak.SystemInstallation:
		return flatpak.SystemRepo, nil
	default:
		return "", fmt.Errorf("repository for installation %v not configured", g.Installation)
	}
}

// duration is a [time.Duration] that is represented in text
// as a Go duration string (e.g. "1h30m").
type duration time.Duration

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *duration) UnmarshalText(text []byte) error {
	x, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(x)
	return nil
}
