package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CallType classifies a native call-log row.
type CallType string

const (
	CallIncoming  CallType = "incoming"
	CallOutgoing  CallType = "outgoing"
	CallMissed    CallType = "missed"
	CallVoicemail CallType = "voicemail"
	CallRejected  CallType = "rejected"
	CallBlocked   CallType = "blocked"
)

// counterColumn returns the analyzed_number counter bumped by a call of
// this type, or "" for unknown types.
func (c CallType) counterColumn() string {
	switch c {
	case CallIncoming:
		return "num_incoming"
	case CallOutgoing:
		return "num_outgoing"
	case CallMissed:
		return "num_missed"
	case CallVoicemail:
		return "num_voicemail"
	case CallRejected:
		return "num_rejected"
	case CallBlocked:
		return "num_blocked"
	default:
		return ""
	}
}

// CallDetail is one local call record. (RawNumber, EpochDate) is the key.
type CallDetail struct {
	RawNumber      string   `json:"raw_number"`
	Number         string   `json:"number"`
	EpochDate      int64    `json:"epoch_date"`
	Type           CallType `json:"type"`
	Duration       int64    `json:"duration"`
	InstanceNumber string   `json:"instance_number"`
}

// RecordCalls inserts call details, ignoring rows already present, and sets
// last_log_sync_time to syncTime, all in one transaction.
//
// Each newly inserted call bumps its number's analyzed counters and
// enqueues the analyzed row for upload. Duplicates have no effect, so the
// look-back window can safely re-read calls seen by a previous sync.
//
// Returns the number of calls actually inserted.
func (s *Store) RecordCalls(ctx context.Context, calls []CallDetail, syncTime int64) (int, error) {
	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, call := range calls {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO call_detail
				(raw_number, call_epoch_date, number, call_type, call_duration, instance_number)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(raw_number, call_epoch_date) DO NOTHING
			`, call.RawNumber, call.EpochDate, call.Number, string(call.Type), call.Duration, call.InstanceNumber)
			if err != nil {
				return fmt.Errorf("insert call detail: %w", err)
			}
			added, err := affectedOne(res)
			if err != nil {
				return err
			}
			if !added {
				continue
			}
			inserted++

			if err := bumpAnalyzed(ctx, tx, call); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE stored_map SET last_log_sync_time = MAX(last_log_sync_time, ?) WHERE id = 1
		`, syncTime); err != nil {
			return fmt.Errorf("set last log sync time: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("record calls: %w", err)
	}
	return inserted, nil
}

func bumpAnalyzed(ctx context.Context, tx *sql.Tx, call CallDetail) error {
	if call.Number == "" {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO analyzed_number (number) VALUES (?) ON CONFLICT(number) DO NOTHING
	`, call.Number); err != nil {
		return fmt.Errorf("insert analyzed number: %w", err)
	}

	if col := call.Type.counterColumn(); col != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE analyzed_number SET `+col+` = `+col+` + 1 WHERE number = ?`, call.Number); err != nil {
			return fmt.Errorf("bump analyzed counter: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE analyzed_number SET last_call_time = MAX(last_call_time, ?) WHERE number = ?
	`, call.EpochDate, call.Number); err != nil {
		return fmt.Errorf("update last call time: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO upload_analyzed_queue (linked_row_id)
		SELECT row_id FROM analyzed_number WHERE number = ?
		ON CONFLICT(linked_row_id) DO NOTHING
	`, call.Number); err != nil {
		return fmt.Errorf("enqueue analyzed upload: %w", err)
	}
	return nil
}
