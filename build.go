// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package rebuilder

import (
	"fmt"
	"time"
)

// BuildState is a state in the build orchestrator's state machine:
//
//	Pending → InstallingDependencies → Building → {Succeeded | Failed}
type BuildState int

const (
	BuildStatePending BuildState = iota
	BuildStateInstallingDependencies
	BuildStateBuilding
	BuildStateSucceeded
	BuildStateFailed
)

var buildStateNames = [...]string{
	BuildStatePending:                "pending",
	BuildStateInstallingDependencies: "installing-dependencies",
	BuildStateBuilding:               "building",
	BuildStateSucceeded:              "succeeded",
	BuildStateFailed:                 "failed",
}

func (state BuildState) String() string {
	if state < 0 || int(state) >= len(buildStateNames) {
		return fmt.Sprintf("BuildState(%d)", int(state))
	}
	return buildStateNames[state]
}

// IsTerminal reports whether no transitions leave state.
func (state BuildState) IsTerminal() bool {
	return state == BuildStateSucceeded || state == BuildStateFailed
}

// CanTransition reports whether the state machine permits
// moving from state to next.
func (state BuildState) CanTransition(next BuildState) bool {
	switch state {
	case BuildStatePending:
		return next == BuildStateInstallingDependencies || next == BuildStateFailed
	case BuildStateInstallingDependencies:
		return next == BuildStateBuilding || next == BuildStateFailed
	case BuildStateBuilding:
		return next == BuildStateSucceeded || next == BuildStateFailed
	default:
		return false
	}
}

// BuildResult is the outcome of running the sandbox builder.
type BuildResult struct {
	// State is the terminal state of the build.
	State BuildState `json:"-"`
	// ExitStatus is the builder's exit status,
	// or -1 if the builder did not exit normally.
	ExitStatus int `json:"exitStatus"`
	// LogPath is the path to the captured stdout and stderr of the build.
	LogPath string `json:"logPath"`
	// ArtifactRoot is the directory the builder populated.
	ArtifactRoot string `json:"artifactRoot"`
	// Duration is how long the builder ran.
	Duration time.Duration `json:"-"`
}

// Succeeded reports whether the build finished successfully.
func (r *BuildResult) Succeeded() bool {
	return r != nil && r.State == BuildStateSucceeded
}
