package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/alx-kng/telefender/internal/changelog"
)

// RecordFromClient records a locally originated change.
//
// In one transaction it allocates a change ID, inserts the change log row,
// and enqueues it for both local execution and upload. If this returns nil
// the change will eventually be applied and uploaded.
//
// Returns an error wrapping changelog.ErrMalformed if the payload is missing
// fields required by its type; nothing is written in that case.
func (s *Store) RecordFromClient(ctx context.Context, in changelog.Input) (changelog.ChangeLog, error) {
	c, err := s.clientChange(in)
	if err != nil {
		return changelog.ChangeLog{}, fmt.Errorf("record from client: %w", err)
	}

	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		return recordClient(ctx, tx, &c)
	}); err != nil {
		return changelog.ChangeLog{}, fmt.Errorf("record from client: %w", err)
	}
	return c, nil
}

// CompleteSetup stores the client key returned by verification and records
// the installation's own change in the same transaction, so a stored key
// always comes with its INSTANCE_INSERT.
func (s *Store) CompleteSetup(ctx context.Context, key string, in changelog.Input) (changelog.ChangeLog, error) {
	c, err := s.clientChange(in)
	if err != nil {
		return changelog.ChangeLog{}, fmt.Errorf("complete setup: %w", err)
	}

	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE stored_map SET client_key = ? WHERE id = 1`, key); err != nil {
			return fmt.Errorf("set client key: %w", err)
		}
		return recordClient(ctx, tx, &c)
	}); err != nil {
		return changelog.ChangeLog{}, fmt.Errorf("complete setup: %w", err)
	}
	return c, nil
}

// clientChange stamps a new change and checks its payload against its type.
func (s *Store) clientChange(in changelog.Input) (changelog.ChangeLog, error) {
	c := changelog.ChangeLog{
		ChangeID:       s.ids.Generate(),
		ChangeTime:     s.Now(),
		Type:           in.Type,
		InstanceNumber: in.InstanceNumber,
		Payload:        in.Payload,
	}
	if _, err := c.Mutation(); err != nil {
		return changelog.ChangeLog{}, err
	}
	return c, nil
}

// recordClient inserts the change log row and enqueues it for execution and
// upload. It sets c.RowID.
func recordClient(ctx context.Context, tx *sql.Tx, c *changelog.ChangeLog) error {
	rowID, err := insertChangeLog(ctx, tx, *c)
	if err != nil {
		return err
	}
	c.RowID = rowID

	if err := enqueueExecute(ctx, tx, c.ChangeID, c.ChangeTime); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO upload_change_queue (linked_row_id) VALUES (?)
	`, rowID); err != nil {
		return fmt.Errorf("enqueue upload: %w", err)
	}
	return nil
}

// RecordFromServer records a change delivered by the server.
//
// The change is inserted with ON CONFLICT(change_id) DO NOTHING and queued
// for execution only; server-origin changes are never uploaded back.
//
// Duplicate delivery is a no-op and returns inserted=false with a nil error.
// When the duplicate is one of our own uploads echoed back, the server
// sequence number is attached to the existing row, and if that row was
// already applied the watermark advances past it in the same transaction.
func (s *Store) RecordFromServer(ctx context.Context, c changelog.ChangeLog) (inserted bool, err error) {
	if c.ServerChangeID == nil {
		return false, fmt.Errorf("record from server %s: %w", c.ChangeID, ErrNoServerChangeID)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO change_log
			(change_id, change_time, type, instance_number,
			 cid, old_number, number, parent_number, trustability, counter_value, degree, blocked,
			 server_change_id, error_counter)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(change_id) DO NOTHING
		`, changeLogArgs(c, *c.ServerChangeID)...)
		if err != nil {
			return fmt.Errorf("insert change log: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}

		if affected == 1 {
			inserted = true
			return enqueueExecute(ctx, tx, c.ChangeID, s.Now())
		}

		return attachServerID(ctx, tx, c.ChangeID, *c.ServerChangeID)
	})
	if err != nil {
		return false, fmt.Errorf("record from server: %w", err)
	}

	return inserted, nil
}

// RecordError appends an error log row and enqueues it for upload.
// changeID may be empty for failures not tied to a single change.
func (s *Store) RecordError(ctx context.Context, changeID, instanceNumber, message string) (int64, error) {
	var rowID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		rowID, err = recordErrorTx(ctx, tx, changeID, instanceNumber, message, s.Now())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("record error: %w", err)
	}
	return rowID, nil
}

func insertChangeLog(ctx context.Context, tx *sql.Tx, c changelog.ChangeLog) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO change_log
		(change_id, change_time, type, instance_number,
		 cid, old_number, number, parent_number, trustability, counter_value, degree, blocked,
		 server_change_id, error_counter)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0)
	`, changeLogArgs(c)...)
	if err != nil {
		return 0, fmt.Errorf("insert change log: %w", err)
	}

	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return rowID, nil
}

// changeLogArgs returns insert arguments for change_log in column order,
// followed by any extra trailing arguments.
func changeLogArgs(c changelog.ChangeLog, extra ...any) []any {
	args := []any{c.ChangeID, c.ChangeTime, string(c.Type), c.InstanceNumber}
	args = append(args, payloadArgs(c.Payload)...)
	return append(args, extra...)
}

func enqueueExecute(ctx context.Context, tx *sql.Tx, changeID string, createTime int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO execute_queue (change_id, create_time) VALUES (?, ?)
		ON CONFLICT(change_id) DO NOTHING
	`, changeID, createTime); err != nil {
		return fmt.Errorf("enqueue execute: %w", err)
	}
	return nil
}

// attachServerID sets the server sequence number on a change that was
// recorded locally before the server acknowledged it.
func attachServerID(ctx context.Context, tx *sql.Tx, changeID string, serverID int64) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE change_log SET server_change_id = ?
		WHERE change_id = ? AND server_change_id IS NULL
	`, serverID, changeID); err != nil {
		return fmt.Errorf("attach server id: %w", err)
	}

	var pending int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM execute_queue WHERE change_id = ?
	`, changeID).Scan(&pending); err != nil {
		return fmt.Errorf("check execute queue: %w", err)
	}
	if pending > 0 {
		// The execute step advances the watermark when it commits.
		return nil
	}
	return advanceWatermark(ctx, tx, serverID)
}

func recordErrorTx(ctx context.Context, tx *sql.Tx, changeID, instanceNumber, message string, now int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO error_log (change_id, instance_number, message, create_time)
		VALUES (?, ?, ?, ?)
	`, sql.NullString{String: changeID, Valid: changeID != ""}, instanceNumber, message, now)
	if err != nil {
		return 0, fmt.Errorf("insert error log: %w", err)
	}

	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO upload_error_queue (linked_row_id) VALUES (?)
	`, rowID); err != nil {
		return 0, fmt.Errorf("enqueue error upload: %w", err)
	}
	return rowID, nil
}
