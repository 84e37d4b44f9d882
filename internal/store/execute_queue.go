package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alx-kng/telefender/internal/changelog"
)

// ExecuteEntry is one pending local application of a change.
type ExecuteEntry struct {
	ID           int64
	ChangeID     string
	CreateTime   int64
	ErrorCounter int
}

// ClaimNextExecute returns the oldest execute entry system-wide together with
// its change log, after incrementing the entry's error counter in its own
// committed transaction. The increment is what marks the entry in progress:
// if the process dies mid-application the counter still reflects the attempt.
//
// Returns (nil, nil, nil) when the queue is empty.
func (s *Store) ClaimNextExecute(ctx context.Context) (*ExecuteEntry, *changelog.ChangeLog, error) {
	var entry ExecuteEntry

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT id, change_id, create_time, error_counter
			FROM execute_queue
			ORDER BY id ASC
			LIMIT 1
		`).Scan(&entry.ID, &entry.ChangeID, &entry.CreateTime, &entry.ErrorCounter)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE execute_queue SET error_counter = error_counter + 1 WHERE id = ?
		`, entry.ID); err != nil {
			return fmt.Errorf("increment error counter: %w", err)
		}
		entry.ErrorCounter++
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("claim execute entry: %w", err)
	}

	log, err := s.ChangeLog(ctx, entry.ChangeID)
	if err != nil {
		return nil, nil, fmt.Errorf("claim execute entry %d: %w", entry.ID, err)
	}
	return &entry, &log, nil
}

// ApplyExecute runs fn inside a transaction and, in that same transaction,
// removes the execute entry and advances the download watermark if the
// change came from the server. Nothing is committed if fn fails, so the
// entry stays queued for a later attempt.
func (s *Store) ApplyExecute(ctx context.Context, entry ExecuteEntry, log changelog.ChangeLog, fn func(tx *Tx) error) error {
	return s.withTx(ctx, func(sqlTx *sql.Tx) error {
		if err := fn(&Tx{tx: sqlTx}); err != nil {
			return err
		}
		return finishExecute(ctx, sqlTx, entry, log)
	})
}

// DropExecute removes an execute entry without applying it, recording
// reason in the error log (and its upload queue). Used for malformed changes
// and for entries that exhausted their attempts.
func (s *Store) DropExecute(ctx context.Context, entry ExecuteEntry, log changelog.ChangeLog, reason string) (int64, error) {
	var errorRowID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		errorRowID, err = recordErrorTx(ctx, tx, log.ChangeID, log.InstanceNumber, reason, s.Now())
		if err != nil {
			return err
		}
		return finishExecute(ctx, tx, entry, log)
	})
	if err != nil {
		return 0, fmt.Errorf("drop execute entry %d: %w", entry.ID, err)
	}
	return errorRowID, nil
}

// ExecuteQueueLen returns the number of pending execute entries.
func (s *Store) ExecuteQueueLen(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM execute_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count execute queue: %w", err)
	}
	return n, nil
}

// PendingServerChanges counts queued executions of server-origin changes
// with server_change_id <= upTo.
func (s *Store) PendingServerChanges(ctx context.Context, upTo int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM execute_queue e
		JOIN change_log c ON c.change_id = e.change_id
		WHERE c.server_change_id IS NOT NULL AND c.server_change_id <= ?
	`, upTo).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending server changes: %w", err)
	}
	return n, nil
}

func finishExecute(ctx context.Context, tx *sql.Tx, entry ExecuteEntry, log changelog.ChangeLog) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM execute_queue WHERE id = ?`, entry.ID); err != nil {
		return fmt.Errorf("delete execute entry: %w", err)
	}

	// Re-read the server id: an echo of our own upload may have attached it
	// after the entry was claimed.
	var serverID sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT server_change_id FROM change_log WHERE change_id = ?
	`, log.ChangeID).Scan(&serverID); err != nil {
		return fmt.Errorf("read server id: %w", err)
	}
	if serverID.Valid {
		return advanceWatermark(ctx, tx, serverID.Int64)
	}
	return nil
}
