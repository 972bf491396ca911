// SPDX-License-Identifier: MPL-2.0

// Package pipeline runs ordered build stages with fail-fast semantics and
// produces a timed report of every stage outcome.
//
// Stages execute sequentially. A failing required stage stops the run and
// every later stage is reported as skipped; a failing optional stage is
// recorded and the run continues. Batch helpers (RunBatch) cover the
// per-item loops inside a stage, such as building every module in order.
package pipeline
