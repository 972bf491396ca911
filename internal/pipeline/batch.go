// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Batch modes.
const (
	// StopOnFailure ends the batch at the first failing item.
	StopOnFailure BatchMode = iota
	// ContinueOnFailure runs every item and collects the failures.
	ContinueOnFailure
)

type (
	// BatchMode selects how a batch reacts to a failing item.
	BatchMode int

	// ItemResult is the outcome of one batch item.
	ItemResult struct {
		Item string
		Err  error
	}

	// BatchResult tallies a batch run.
	BatchResult struct {
		// Total is the number of planned items, including ones never attempted.
		Total   int
		Results []ItemResult
	}
)

// RunBatch applies fn to each item in order.
func RunBatch(items []string, mode BatchMode, fn func(item string) error) *BatchResult {
	res := &BatchResult{Total: len(items), Results: make([]ItemResult, 0, len(items))}
	for _, item := range items {
		err := fn(item)
		res.Results = append(res.Results, ItemResult{Item: item, Err: err})
		if err != nil && mode == StopOnFailure {
			break
		}
	}
	return res
}

// Succeeded returns the number of items that completed without error.
func (b *BatchResult) Succeeded() int {
	n := 0
	for _, r := range b.Results {
		if r.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the items that failed, in order.
func (b *BatchResult) Failed() []string {
	var failed []string
	for _, r := range b.Results {
		if r.Err != nil {
			failed = append(failed, r.Item)
		}
	}
	return failed
}

// Summary renders the tally as "X of N succeeded".
func (b *BatchResult) Summary() string {
	return fmt.Sprintf("%d of %d succeeded", b.Succeeded(), b.Total)
}

// Err aggregates every item failure, or returns nil.
func (b *BatchResult) Err() error {
	var result *multierror.Error
	for _, r := range b.Results {
		if r.Err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", r.Item, r.Err))
		}
	}
	return result.ErrorOrNil()
}
