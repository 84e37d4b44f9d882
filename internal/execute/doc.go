// Package execute applies queued change logs to the materialized tables.
//
// The Agent drains the execute queue in insertion order. Each entry is
// claimed (its error counter incremented and committed), converted to a
// typed mutation, and applied under the mutation's lock regions in a single
// transaction that also removes the entry and advances the download
// watermark. A failure rolls the transaction back and leaves the entry for
// the next drain.
//
// Reference counting for trusted numbers lives here: every contact number
// and every instance holds one reference on its normalized number.
package execute
