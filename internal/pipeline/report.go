// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Outcome values for stages and whole runs.
const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeSkipped Outcome = "skipped"
)

// ErrStageFailed is the sentinel wrapped by StageFailure.
var ErrStageFailed = errors.New("pipeline stage failed")

type (
	// Outcome is the result of a stage or a run.
	Outcome string

	// StageReport records one stage execution.
	StageReport struct {
		Name       string  `json:"name" yaml:"name"`
		Required   bool    `json:"required" yaml:"required"`
		Outcome    Outcome `json:"outcome" yaml:"outcome"`
		DurationMs int64   `json:"duration_ms" yaml:"duration_ms"`
		Error      string  `json:"error,omitempty" yaml:"error,omitempty"`
		// Output holds the last lines a failing stage captured from its tools.
		Output string `json:"output,omitempty" yaml:"output,omitempty"`

		err error
	}

	// Report is the outcome of one pipeline run.
	Report struct {
		RunID      string        `json:"run_id" yaml:"run_id"`
		Outcome    Outcome       `json:"outcome" yaml:"outcome"`
		StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
		FinishedAt time.Time     `json:"finished_at" yaml:"finished_at"`
		Stages     []StageReport `json:"stages" yaml:"stages"`
	}

	// StageFailure reports the required stage that stopped a run.
	StageFailure struct {
		Stage  string
		Output string
		Cause  error
	}

	// OutputError lets an action attach captured tool output to its failure.
	OutputError interface {
		error
		Output() string
	}
)

func (e *StageFailure) Error() string {
	return fmt.Sprintf("stage %q failed: %v", e.Stage, e.Cause)
}

// Unwrap returns both ErrStageFailed and the underlying cause.
func (e *StageFailure) Unwrap() []error { return []error{ErrStageFailed, e.Cause} }

// Err returns the failure of the stage, if any.
func (s *StageReport) Err() error { return s.err }

// Duration returns the total wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Stage returns the report of the named stage, or nil.
func (r *Report) Stage(name string) *StageReport {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// Err returns a *StageFailure for the first failed required stage, or nil
// when the run passed. Optional stage failures do not fail the run.
func (r *Report) Err() error {
	for i := range r.Stages {
		s := &r.Stages[i]
		if s.Outcome == OutcomeFail && s.Required {
			return &StageFailure{Stage: s.Name, Output: s.Output, Cause: s.err}
		}
	}
	return nil
}

// Write encodes the report as indented JSON.
func (r *Report) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteFile writes the report to path, creating parent directories.
func (r *Report) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	if err := r.Write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	return f.Close()
}
