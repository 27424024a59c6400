// Package store provides SQLite-backed durable storage for derive edit logs.
//
// The store is an append-only log with:
//   - Documents: id and type name
//   - Edits: one row per field per committed batch
//
// # Critical Patterns
//
// Logical Time:
//   - All ordering uses tx INTEGER (logical clock), NEVER made_at
//   - made_at is kept for display only
//
// Deterministic Query Results:
//   - Edit queries order by tx ASC, doc_id, field COLLATE BINARY
//   - Replaying the same database always rebuilds the same store
//
// Idempotent Writes:
//   - Rows are keyed by (doc_id, field, tx); rewriting a batch is a no-op
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
