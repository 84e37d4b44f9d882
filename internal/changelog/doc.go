// Package changelog defines the unit of replication: an immutable record of
// one mutation intent against the contact/instance replica.
//
// A ChangeLog is stored flat (every payload field nullable) because that is
// how it travels over the wire and how it is persisted. Before it is applied
// it is converted into a Mutation, a closed set of typed variants, so that
// the execute path can dispatch exhaustively and malformed rows are rejected
// in exactly one place.
//
// Identity:
//   - ChangeID is a client-generated UUIDv7 and is the idempotency key.
//   - RowID is the local insertion order and defines upload order.
//   - ServerChangeID is the server-assigned sequence number (download watermark).
package changelog
