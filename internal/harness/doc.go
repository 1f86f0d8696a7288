// Package harness runs multi-context synchronization scenarios.
//
// A scenario declares several execution contexts over one shared in-memory
// store, each with its own engine, writer identity and manual clock. Steps
// run strictly in order and propagation happens only through explicit
// "reconcile" steps, so every run of a scenario produces the same trace.
// Traces are compared against golden files under testdata/golden.
package harness
