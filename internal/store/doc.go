// Package store provides SQLite-backed durable storage for threads, events,
// checkpoints, the audit trail and the memory tiers.
//
// All multi-record writes go through WithTx. The audit entry for an operation
// is written with the same *Queries as the operation itself, so either both
// are durable or neither is.
//
// Reads return empty slices, never nil. List queries carry an explicit ORDER BY
// so results are deterministic across runs.
package store
