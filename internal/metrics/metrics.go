// SPDX-License-Identifier: MPL-2.0

// Package metrics exports pipeline timings in the Prometheus text format,
// for collection through a node exporter textfile directory.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kilnbuild/kiln/internal/pipeline"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kiln"

// Collect registers the gauges of report on a fresh registry.
func Collect(report *pipeline.Report) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()

	duration := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Wall time of each pipeline stage in the last run.",
	}, []string{"stage"})
	success := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "stage_success",
		Help:      "1 if the stage passed, 0 if it failed or was skipped.",
	}, []string{"stage"})
	overall := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "success",
		Help:      "1 if the last pipeline run passed.",
	})
	finished := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time the last pipeline run finished.",
	})

	for _, c := range []prometheus.Collector{duration, success, overall, finished} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	for _, s := range report.Stages {
		duration.WithLabelValues(s.Name).Set(float64(s.DurationMs) / 1000)
		success.WithLabelValues(s.Name).Set(boolGauge(s.Outcome == pipeline.OutcomePass))
	}
	overall.Set(boolGauge(report.Outcome == pipeline.OutcomePass))
	finished.Set(float64(report.FinishedAt.Unix()))
	return reg, nil
}

// WriteTextfile writes the metrics of report to path.
func WriteTextfile(path string, report *pipeline.Report) error {
	reg, err := Collect(report)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
