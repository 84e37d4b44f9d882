// Package store provides SQLite-backed durable storage for the telefender
// replica: the change log, the work queues layered over it, the
// materialized contact/instance tables and the StoredMap checkpoint.
//
// # Critical Patterns
//
// Change identity:
//   - change_log.change_id is UNIQUE; server deliveries use ON CONFLICT DO NOTHING
//   - change_log.row_id is the local causal order and the upload order
//
// Queues are views, not copies:
//   - execute_queue and upload_*_queue rows reference a source row by identity
//   - removing a queue row never removes the change log row
//
// Range-bounded trimming:
//   - upload queues are trimmed by row watermark (<= or <), never by count,
//     so rows enqueued during an in-flight upload are never dropped
//
// Atomic application:
//   - an execute entry is removed in the same transaction as its effect and
//     as the download watermark advance
//
// # Database Configuration
//
// Set through the go-sqlite3 DSN, so every pooled connection gets them:
// WAL journaling, synchronous=NORMAL, a 5s busy timeout, foreign keys and
// BEGIN IMMEDIATE transactions. The pool holds a single connection.
// Schema upgrades are versioned by PRAGMA user_version.
package store
