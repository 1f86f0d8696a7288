// Package record defines the versioned envelope written to the shared store
// and the rules used to order envelopes from different writers.
//
// This package imports nothing internal. Every other package that touches a
// stored value goes through Decode, so corruption is handled in one place.
//
// Key constraints:
//   - version strictly increases per key, regardless of writer
//   - logicalTimestamp is wall-clock milliseconds, non-decreasing per key
//   - ordering is (logicalTimestamp, version, writerId), compared in that order
//   - an envelope whose payload fails its shape check is never materialized
package record
