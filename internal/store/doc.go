// Package store provides the SQLite-backed transactional store shared by the
// ledger, the lawbook, the concurrency guard and the idempotency index.
//
// Tables:
//   - issues: the only row-mutable domain table; terminal rows are frozen by trigger
//   - transition_events: hash-chained issue history
//   - lawbook_versions / active_lawbooks / lawbook_activations: immutable
//     policy documents and the active pointer
//   - policy_decisions: hash-chained decisions, UNIQUE(idempotency_key)
//   - approval_records: hash-chained human confirmations
//   - verification_verdicts: externally produced evidence
//   - exclusivity_leases / guard_events: held classes and their history
//
// # Critical Patterns
//
// Append-only tables reject UPDATE and DELETE with triggers, and Tx exposes
// no update or delete methods for them.
//
// Every write runs inside Store.RunInTx, a BEGIN IMMEDIATE transaction.
// Check-and-set sequences (lease acquire, idempotent evaluate) therefore
// see a consistent snapshot and are serialized across processes.
//
// Timestamps are INTEGER unix milliseconds. Callers truncate their clock to
// milliseconds so stored and returned values compare equal.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
