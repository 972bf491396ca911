// SPDX-License-Identifier: MPL-2.0

package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kilnbuild/kiln/internal/pipeline"
)

func sampleReport() *pipeline.Report {
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return &pipeline.Report{
		RunID:      "run",
		Outcome:    pipeline.OutcomeFail,
		StartedAt:  start,
		FinishedAt: start.Add(4 * time.Second),
		Stages: []pipeline.StageReport{
			{Name: "Setup Environment", Outcome: pipeline.OutcomePass, DurationMs: 250},
			{Name: "Build Modules", Outcome: pipeline.OutcomeFail, DurationMs: 3750},
			{Name: "Run Tests", Outcome: pipeline.OutcomeSkipped},
		},
	}
}

func TestWriteTextfile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "textfile", "kiln.prom")
	if err := WriteTextfile(path, sampleReport()); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)

	for _, want := range []string{
		`kiln_pipeline_stage_duration_seconds{stage="Setup Environment"} 0.25`,
		`kiln_pipeline_stage_duration_seconds{stage="Build Modules"} 3.75`,
		`kiln_pipeline_stage_success{stage="Build Modules"} 0`,
		`kiln_pipeline_stage_success{stage="Setup Environment"} 1`,
		`kiln_pipeline_stage_success{stage="Run Tests"} 0`,
		"kiln_pipeline_success 0",
		"# TYPE kiln_pipeline_success gauge",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics missing %q:\n%s", want, text)
		}
	}
}

func TestCollect_PassingRun(t *testing.T) {
	t.Parallel()

	report := sampleReport()
	report.Outcome = pipeline.OutcomePass
	reg, err := Collect(report)
	if err != nil {
		t.Fatal(err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() == "kiln_pipeline_success" {
			if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 1 {
				t.Errorf("kiln_pipeline_success = %v, want 1", got)
			}
			return
		}
	}
	t.Error("kiln_pipeline_success not gathered")
}
