/*
Package generic provides the domain-agnostic core shared by the wallet,
session and rule packages.

PURPOSE:
  Every at-most-once guarantee in this repository reduces to one primitive:
  "insert this record if no record with the same key exists, and tell me
  whether I was the one who inserted it". This package defines that
  primitive (DedupeStore), the error taxonomy, and the clock abstraction.

KEY CONCEPTS IN THIS FILE (types.go):
  - Record: a dedupe record (unique key + small payload)
  - Key:    helper for building colon-separated dedupe keys

DESIGN PRINCIPLES:
  1. The compare-and-swap lives in the store's uniqueness guarantee, never
     in application-level read-then-write logic.
  2. "Already exists" is a normal outcome (created=false), not an error.
  3. Records are immutable once written.

USAGE:
  created, err := store.UpsertIfAbsent(ctx, generic.Record{
      Key:     generic.Key("achievement", userID, "first_complete"),
      Payload: map[string]string{"title": "Finisher"},
  })

SEE ALSO:
  - store.go: DedupeStore interface
  - errors.go: Error taxonomy
  - store/memory.go: Mutex-guarded in-memory implementation
*/
package generic

import (
	"strings"
	"time"
)

// =============================================================================
// DEDUPE RECORD
// =============================================================================

// Record is a generic dedupe record. At most one Record exists per Key.
type Record struct {
	Key       string
	Payload   map[string]string
	CreatedAt time.Time
}

// KeySeparator joins the parts of a dedupe key.
const KeySeparator = ":"

// Key joins parts into a dedupe key.
func Key(parts ...string) string {
	return strings.Join(parts, KeySeparator)
}

// ClonePayload returns a copy of p so stored records never alias caller maps.
func ClonePayload(p map[string]string) map[string]string {
	if p == nil {
		return nil
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
