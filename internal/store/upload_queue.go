package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/alx-kng/telefender/internal/changelog"
)

// UploadQueue identifies one of the three upload streams.
type UploadQueue int

const (
	// ChangeQueue holds locally created change logs.
	ChangeQueue UploadQueue = iota
	// AnalyzedQueue holds analyzed-number rows whose counters changed.
	AnalyzedQueue
	// ErrorQueue holds error log rows.
	ErrorQueue
)

// UploadQueues lists every upload stream.
var UploadQueues = []UploadQueue{ChangeQueue, AnalyzedQueue, ErrorQueue}

func (q UploadQueue) String() string {
	switch q {
	case ChangeQueue:
		return "change"
	case AnalyzedQueue:
		return "analyzed"
	case ErrorQueue:
		return "error"
	default:
		return fmt.Sprintf("upload_queue(%d)", int(q))
	}
}

func (q UploadQueue) table() string {
	switch q {
	case ChangeQueue:
		return "upload_change_queue"
	case AnalyzedQueue:
		return "upload_analyzed_queue"
	case ErrorQueue:
		return "upload_error_queue"
	default:
		panic(fmt.Sprintf("unknown upload queue %d", int(q)))
	}
}

// ParseUploadQueue maps "change", "analyzed" or "error" to an UploadQueue.
func ParseUploadQueue(s string) (UploadQueue, error) {
	for _, q := range UploadQueues {
		if q.String() == s {
			return q, nil
		}
	}
	return 0, fmt.Errorf("unknown upload queue %q", s)
}

// AnalyzedNumber is per-number call telemetry shipped on the analyzed stream.
type AnalyzedNumber struct {
	RowID              int64  `json:"row_id"`
	Number             string `json:"number"`
	NumIncoming        int    `json:"num_incoming"`
	NumOutgoing        int    `json:"num_outgoing"`
	NumMissed          int    `json:"num_missed"`
	NumVoicemail       int    `json:"num_voicemail"`
	NumRejected        int    `json:"num_rejected"`
	NumBlocked         int    `json:"num_blocked"`
	LastCallTime       int64  `json:"last_call_time"`
	MarkedTrustability *int   `json:"marked_trustability,omitempty"`
}

// ErrorLog is one recorded failure shipped on the error stream.
type ErrorLog struct {
	RowID          int64
	ChangeID       string
	InstanceNumber string
	Message        string
	CreateTime     int64
}

// NextChanges returns up to limit change logs waiting for upload, oldest
// linked row first.
func (s *Store) NextChanges(ctx context.Context, limit int) ([]changelog.ChangeLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixed("c", changeLogColumns)+`
		FROM upload_change_queue q
		JOIN change_log c ON c.row_id = q.linked_row_id
		ORDER BY q.linked_row_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query upload changes: %w", err)
	}
	defer rows.Close()

	logs := []changelog.ChangeLog{}
	for rows.Next() {
		c, err := scanChangeLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change log: %w", err)
		}
		logs = append(logs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upload changes: %w", err)
	}
	return logs, nil
}

// NextAnalyzed returns up to limit analyzed numbers waiting for upload.
func (s *Store) NextAnalyzed(ctx context.Context, limit int) ([]AnalyzedNumber, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixed("a", analyzedColumns)+`
		FROM upload_analyzed_queue q
		JOIN analyzed_number a ON a.row_id = q.linked_row_id
		ORDER BY q.linked_row_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query upload analyzed: %w", err)
	}
	return collectAnalyzed(rows)
}

// NextErrors returns up to limit error logs waiting for upload.
func (s *Store) NextErrors(ctx context.Context, limit int) ([]ErrorLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.row_id, COALESCE(e.change_id, ''), e.instance_number, e.message, e.create_time
		FROM upload_error_queue q
		JOIN error_log e ON e.row_id = q.linked_row_id
		ORDER BY q.linked_row_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query upload errors: %w", err)
	}
	defer rows.Close()

	logs := []ErrorLog{}
	for rows.Next() {
		var e ErrorLog
		if err := rows.Scan(&e.RowID, &e.ChangeID, &e.InstanceNumber, &e.Message, &e.CreateTime); err != nil {
			return nil, fmt.Errorf("scan error log: %w", err)
		}
		logs = append(logs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upload errors: %w", err)
	}
	return logs, nil
}

// TrimUploadQueue deletes entries up to a server-confirmed row watermark:
// linked_row_id <= watermark when inclusive, < watermark otherwise.
// Deletion is range-bounded so rows enqueued during the upload survive.
// Returns the number of entries removed.
func (s *Store) TrimUploadQueue(ctx context.Context, q UploadQueue, watermark int64, inclusive bool) (int64, error) {
	op := "<"
	if inclusive {
		op = "<="
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM `+q.table()+` WHERE linked_row_id `+op+` ?`, watermark)
	if err != nil {
		return 0, fmt.Errorf("trim %s queue: %w", q, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("trim %s queue: %w", q, err)
	}
	return n, nil
}

// BumpUploadError increments the error counter of the entry at rowID.
func (s *Store) BumpUploadError(ctx context.Context, q UploadQueue, rowID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE `+q.table()+` SET error_counter = error_counter + 1 WHERE linked_row_id = ?`, rowID); err != nil {
		return fmt.Errorf("bump %s queue error: %w", q, err)
	}
	return nil
}

// UploadErrorCounter returns the error counter of the entry at rowID, or
// ErrNotFound if the entry is gone.
func (s *Store) UploadErrorCounter(ctx context.Context, q UploadQueue, rowID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT error_counter FROM `+q.table()+` WHERE linked_row_id = ?`, rowID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read %s queue error: %w", q, err)
	}
	return n, nil
}

// UploadQueueLen returns the number of entries in q.
func (s *Store) UploadQueueLen(ctx context.Context, q UploadQueue) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+q.table()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s queue: %w", q, err)
	}
	return n, nil
}

// UploadQueueRowIDs returns every linked row id in q, ascending.
func (s *Store) UploadQueueRowIDs(ctx context.Context, q UploadQueue) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT linked_row_id FROM `+q.table()+` ORDER BY linked_row_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query %s queue: %w", q, err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s queue: %w", q, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const analyzedColumns = `row_id, number, num_incoming, num_outgoing, num_missed, num_voicemail,
	num_rejected, num_blocked, last_call_time, marked_trustability`

func scanAnalyzed(r rowScanner) (AnalyzedNumber, error) {
	var (
		a     AnalyzedNumber
		trust sql.NullInt64
	)
	err := r.Scan(&a.RowID, &a.Number, &a.NumIncoming, &a.NumOutgoing, &a.NumMissed,
		&a.NumVoicemail, &a.NumRejected, &a.NumBlocked, &a.LastCallTime, &trust)
	if err != nil {
		return AnalyzedNumber{}, err
	}
	if trust.Valid {
		a.MarkedTrustability = changelog.Int(int(trust.Int64))
	}
	return a, nil
}

func collectAnalyzed(rows *sql.Rows) ([]AnalyzedNumber, error) {
	defer rows.Close()

	out := []AnalyzedNumber{}
	for rows.Next() {
		a, err := scanAnalyzed(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analyzed number: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analyzed numbers: %w", err)
	}
	return out, nil
}
