// Package storage persists quota counters.
//
// A counter is keyed by (tenant, kind, bucket) and holds a non-negative
// count plus the unix start of its window, which retention uses to prune
// old buckets. Drivers:
//   - memory: process-local map
//   - file: snapshot + append-only journal, no dependencies
//   - sqlite: modernc.org/sqlite
//   - postgres: pgx connection pool
//   - redis: keys with EXPIREAT-based retention
//
// Stores do not serialize callers; the quota ledger holds a per-tenant lock
// around each read-then-increment sequence.
package storage
