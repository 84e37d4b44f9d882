package store

import "errors"

var (
	// ErrNoServerChangeID is returned when a server-origin change carries no
	// server sequence number and therefore cannot advance the watermark.
	ErrNoServerChangeID = errors.New("server change has no server_change_id")

	// ErrNotFound is returned by point lookups that match no row.
	ErrNotFound = errors.New("not found")
)
