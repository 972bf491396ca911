// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kilnbuild/kiln/internal/clock"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

type (
	// Action is the body of a stage.
	Action func(ctx context.Context, ec *ExecutionContext) error

	// Stage is one named step of a pipeline.
	Stage struct {
		Name     string
		Action   Action
		Required bool
	}

	// Executor runs stages in order. It keeps no state between runs.
	Executor struct {
		Logger *log.Logger
		Clock  clock.Clock
	}
)

// NewExecutor returns an Executor using the real clock.
func NewExecutor(logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Executor{Logger: logger, Clock: clock.Real{}}
}

// Run executes stages strictly in sequence. The first failing required
// stage stops the run; the stages after it are reported as skipped and their
// actions are never called. A panicking action is reported as a failure of
// its stage.
func (e *Executor) Run(ctx context.Context, stages []Stage, ec *ExecutionContext) *Report {
	logger := e.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	clk := clock.OrReal(e.Clock)
	if ec == nil {
		ec = &ExecutionContext{}
	}

	report := &Report{
		RunID:     uuid.NewString(),
		Outcome:   OutcomePass,
		StartedAt: clk.Now(),
		Stages:    make([]StageReport, 0, len(stages)),
	}

	stopped := false
	for _, st := range stages {
		sr := StageReport{Name: st.Name, Required: st.Required}
		if stopped {
			sr.Outcome = OutcomeSkipped
			report.Stages = append(report.Stages, sr)
			continue
		}

		logger.Info("stage started", "stage", st.Name)
		fmt.Fprintf(ec.stdout(), "==> %s\n", st.Name)

		start := clk.Now()
		err := runAction(ctx, st, ec)
		sr.DurationMs = clk.Since(start).Milliseconds()

		if err == nil {
			sr.Outcome = OutcomePass
			logger.Info("stage passed", "stage", st.Name, "duration_ms", sr.DurationMs)
			report.Stages = append(report.Stages, sr)
			continue
		}

		sr.Outcome = OutcomeFail
		sr.Error = err.Error()
		sr.err = err
		var outErr OutputError
		if errors.As(err, &outErr) {
			sr.Output = outErr.Output()
		}
		report.Stages = append(report.Stages, sr)

		if st.Required {
			logger.Error("required stage failed, stopping", "stage", st.Name, "err", err)
			report.Outcome = OutcomeFail
			stopped = true
		} else {
			logger.Warn("optional stage failed, continuing", "stage", st.Name, "err", err)
		}
	}

	report.FinishedAt = clk.Now()
	return report
}

func runAction(ctx context.Context, st Stage, ec *ExecutionContext) (err error) {
	if st.Action == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage panicked: %v", r)
		}
	}()
	return st.Action(ctx, ec)
}
