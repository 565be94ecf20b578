// Package storage persists committed watermarks.
//
// Every backend upserts by max: committing a watermark at or below the stored
// position for its source leaves the stored value unchanged, so the committed
// watermark of a source never decreases, and resubmitting an overlapping or
// superset collection is always safe.
//
// Backends:
//   - memory: process-local map, for tests and dry runs
//   - sqlite: SQLite database with WAL mode and an append-only commit history
//
// Backends are resolved by name through Open.
package storage
