/*
store.go - Persistence interface for the dedupe-upsert primitive

PURPOSE:
  Defines the one write operation every idempotency guarantee is built on.
  Implementations must enforce uniqueness on Record.Key as a hard
  constraint: a UNIQUE/PRIMARY KEY column in SQL, or a single
  mutex-guarded map in memory.

CONTRACT:
  UpsertIfAbsent(rec) -> created
  - Exactly one of N concurrent callers racing on the same key observes
    created=true.
  - Losers observe created=false and a nil error. A unique-constraint
    violation is never reported as a fault.
  - Records are never updated or deleted.

IMPLEMENTATIONS:
  - generic/store/memory.go: In-memory for tests and dev
  - store/sqlite/dedupe.go:  INSERT ... ON CONFLICT DO NOTHING
  - store/postgres/dedupe.go: INSERT ... ON CONFLICT DO NOTHING

SEE ALSO:
  - rules/cooldown.go: FireOnce and UnlockOnce built on top of this
*/
package generic

import "context"

// =============================================================================
// DEDUPE STORE - Insert-if-absent keyed by an application-chosen string
// =============================================================================

// DedupeStore persists dedupe records.
// IMPORTANT: there is no Update and no Delete.
type DedupeStore interface {
	// UpsertIfAbsent inserts rec unless a record with rec.Key exists.
	// Returns created=true only for the single winning insert.
	UpsertIfAbsent(ctx context.Context, rec Record) (created bool, err error)

	// GetRecord returns the record for key, or nil if absent.
	GetRecord(ctx context.Context, key string) (*Record, error)

	// ListRecords returns all records whose key starts with prefix,
	// ordered by key.
	ListRecords(ctx context.Context, prefix string) ([]Record, error)
}
