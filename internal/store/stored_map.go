package store

import (
	"context"
	"database/sql"
	"fmt"
)

// StoredMap is the process-wide checkpoint row.
type StoredMap struct {
	UserNumber          string
	SessionID           string
	ClientKey           string
	LastLogSyncTime     int64
	LastContactSyncTime int64
	LastServerRowID     int64
}

// HasKey reports whether setup completed and requests can be authenticated.
func (m StoredMap) HasKey() bool {
	return m.ClientKey != ""
}

// StoredMap reads the checkpoint row.
func (s *Store) StoredMap(ctx context.Context) (StoredMap, error) {
	var (
		m         StoredMap
		user      sql.NullString
		session   sql.NullString
		clientKey sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_number, session_id, client_key,
		       last_log_sync_time, last_contact_sync_time, last_server_row_id
		FROM stored_map WHERE id = 1
	`).Scan(&user, &session, &clientKey, &m.LastLogSyncTime, &m.LastContactSyncTime, &m.LastServerRowID)
	if err != nil {
		return StoredMap{}, fmt.Errorf("read stored map: %w", err)
	}
	m.UserNumber = user.String
	m.SessionID = session.String
	m.ClientKey = clientKey.String
	return m, nil
}

// SetSession stores the user number and the session ID returned by the
// first setup step. Any previous key is cleared; a new session invalidates it.
func (s *Store) SetSession(ctx context.Context, userNumber, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE stored_map SET user_number = ?, session_id = ?, client_key = NULL WHERE id = 1
	`, userNumber, sessionID)
	if err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

// SetClientKey stores the shared secret returned by verification.
func (s *Store) SetClientKey(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE stored_map SET client_key = ? WHERE id = 1`, key); err != nil {
		return fmt.Errorf("set client key: %w", err)
	}
	return nil
}

// SetLastContactSyncTime records the time of the last completed contact sync.
func (s *Store) SetLastContactSyncTime(ctx context.Context, millis int64) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE stored_map SET last_contact_sync_time = ? WHERE id = 1
	`, millis); err != nil {
		return fmt.Errorf("set last contact sync time: %w", err)
	}
	return nil
}

// LastServerRowID returns the download watermark.
func (s *Store) LastServerRowID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT last_server_row_id FROM stored_map WHERE id = 1
	`).Scan(&id); err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return id, nil
}

// AdvanceWatermark raises the download watermark to id. It never lowers it.
func (s *Store) AdvanceWatermark(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return advanceWatermark(ctx, tx, id)
	})
}

func advanceWatermark(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE stored_map SET last_server_row_id = MAX(last_server_row_id, ?) WHERE id = 1
	`, id); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}
