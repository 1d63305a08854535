// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package rebuilder

import (
	"fmt"
)

// Outcome is the overall classification of a pipeline run.
type Outcome string

const (
	Reproducible     Outcome = "reproducible"
	Divergent        Outcome = "divergent"
	BuildFailed      Outcome = "build-failed"
	ResolutionFailed Outcome = "resolution-failed"
)

// Attempted reports whether the outcome reflects a completed comparison,
// as opposed to a run that could not attempt reproduction.
func (o Outcome) Attempted() bool {
	return o == Reproducible || o == Divergent
}

// MetadataPolicy controls whether metadata-only differences
// affect the overall verdict.
type MetadataPolicy string

const (
	// MetadataReport records metadata-differs paths
	// without affecting the overall verdict.
	MetadataReport MetadataPolicy = "report"
	// MetadataDivergent treats any metadata-differs path as divergence.
	MetadataDivergent MetadataPolicy = "divergent"
)

// ParseMetadataPolicy parses a metadata policy name.
// The empty string is treated as [MetadataReport].
func ParseMetadataPolicy(s string) (MetadataPolicy, error) {
	switch p := MetadataPolicy(s); p {
	case "":
		return MetadataReport, nil
	case MetadataReport, MetadataDivergent:
		return p, nil
	default:
		return "", fmt.Errorf("unknown metadata policy %q (want %q or %q)", s, MetadataReport, MetadataDivergent)
	}
}

// Verdict is the terminal result of a pipeline run.
type Verdict struct {
	Outcome Outcome      `json:"outcome"`
	Target  *BuildTarget `json:"target,omitempty"`

	// Summary is present if and only if a comparison was performed.
	Summary        *Summary       `json:"summary,omitempty"`
	MetadataPolicy MetadataPolicy `json:"metadataPolicy,omitempty"`

	// The following fields are only set for failed runs.

	ErrorStage   Stage     `json:"errorStage,omitempty"`
	ErrorKind    ErrorKind `json:"errorKind,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	// ExitStatus is the exit status of the failing external tool, if known.
	ExitStatus *int `json:"exitStatus,omitempty"`
}

// Decide maps comparison statistics to an outcome.
func Decide(summary *Summary, policy MetadataPolicy) Outcome {
	if summary.Divergences() > 0 {
		return Divergent
	}
	if policy == MetadataDivergent && summary.Counts[MetadataDiffers] > 0 {
		return Divergent
	}
	return Reproducible
}

// NewVerdict returns the verdict for a run that completed its comparison.
func NewVerdict(target *BuildTarget, summary *Summary, policy MetadataPolicy) *Verdict {
	if policy == "" {
		policy = MetadataReport
	}
	return &Verdict{
		Outcome:        Decide(summary, policy),
		Target:         target,
		Summary:        summary,
		MetadataPolicy: policy,
	}
}

// FailedVerdict returns the verdict for a run that stopped with err
// before a comparison could be completed.
// target may be nil if resolution did not succeed.
func FailedVerdict(target *BuildTarget, err error) *Verdict {
	v := &Verdict{
		Outcome:      BuildFailed,
		Target:       target,
		ErrorMessage: err.Error(),
	}
	if e, ok := AsError(err); ok {
		v.Outcome = e.Kind.Outcome()
		v.ErrorStage = e.Stage
		v.ErrorKind = e.Kind
		if e.ExitStatus >= 0 {
			status := e.ExitStatus
			v.ExitStatus = &status
		}
	}
	return v
}
