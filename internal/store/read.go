package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/alx-kng/telefender/internal/changelog"
)

// ChangeLog returns the change with the given change ID, or ErrNotFound.
func (s *Store) ChangeLog(ctx context.Context, changeID string) (changelog.ChangeLog, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+changeLogColumns+` FROM change_log WHERE change_id = ?
	`, changeID)
	c, err := scanChangeLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return changelog.ChangeLog{}, fmt.Errorf("change %s: %w", changeID, ErrNotFound)
	}
	if err != nil {
		return changelog.ChangeLog{}, fmt.Errorf("read change %s: %w", changeID, err)
	}
	return c, nil
}

// ChangeLogs returns every change in local row order.
// Returns an empty slice (not nil) if the log is empty.
func (s *Store) ChangeLogs(ctx context.Context) ([]changelog.ChangeLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+changeLogColumns+` FROM change_log ORDER BY row_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query change logs: %w", err)
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
		return nil, fmt.Errorf("iterate change logs: %w", err)
	}
	return logs, nil
}

// ContactExists reports whether a contact row exists for cid.
func (s *Store) ContactExists(ctx context.Context, cid string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contact WHERE cid = ?`, cid).Scan(&n); err != nil {
		return false, fmt.Errorf("check contact %s: %w", cid, err)
	}
	return n > 0, nil
}

// ContactNumberExists reports whether (cid, number) exists.
func (s *Store) ContactNumberExists(ctx context.Context, cid, number string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM contact_number WHERE cid = ? AND number = ?
	`, cid, number).Scan(&n); err != nil {
		return false, fmt.Errorf("check contact number: %w", err)
	}
	return n > 0, nil
}

// ContactNumbersForInstance returns the contact-number rows owned by an
// instance, ordered by (cid, number).
func (s *Store) ContactNumbersForInstance(ctx context.Context, instance string) ([]ContactNumber, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactNumberColumns+` FROM contact_number
		WHERE instance_number = ?
		ORDER BY cid, number
	`, instance)
	if err != nil {
		return nil, fmt.Errorf("query contact numbers of %s: %w", instance, err)
	}
	return collectContactNumbers(rows)
}

// ContactsForInstance returns the contact rows owned by an instance.
func (s *Store) ContactsForInstance(ctx context.Context, instance string) ([]Contact, error) {
	return s.queryContacts(ctx, `WHERE instance_number = ?`, instance)
}

// Contacts returns every contact ordered by CID.
func (s *Store) Contacts(ctx context.Context) ([]Contact, error) {
	return s.queryContacts(ctx, "")
}

func (s *Store) queryContacts(ctx context.Context, where string, args ...any) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cid, instance_number, blocked FROM contact `+where+` ORDER BY cid`, args...)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	contacts := []Contact{}
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.CID, &c.InstanceNumber, &c.Blocked); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return contacts, nil
}

// ContactNumbers returns every contact-number row ordered by (cid, number).
func (s *Store) ContactNumbers(ctx context.Context) ([]ContactNumber, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactNumberColumns+` FROM contact_number ORDER BY cid, number
	`)
	if err != nil {
		return nil, fmt.Errorf("query contact numbers: %w", err)
	}
	return collectContactNumbers(rows)
}

// TrustedNumbers returns the reference counts keyed by number.
func (s *Store) TrustedNumbers(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT number, counter FROM trusted_number ORDER BY number`)
	if err != nil {
		return nil, fmt.Errorf("query trusted numbers: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			number  string
			counter int
		)
		if err := rows.Scan(&number, &counter); err != nil {
			return nil, fmt.Errorf("scan trusted number: %w", err)
		}
		out[number] = counter
	}
	return out, rows.Err()
}

// TrustedCount returns the reference count of number, 0 if absent.
func (s *Store) TrustedCount(ctx context.Context, number string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT counter FROM trusted_number WHERE number = ?`, number).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read trusted %s: %w", number, err)
	}
	return n, nil
}

// Instances returns every instance number in order.
func (s *Store) Instances(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT number FROM instance ORDER BY number`)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// AnalyzedNumber returns the analyzed row for number, or ErrNotFound.
func (s *Store) AnalyzedNumber(ctx context.Context, number string) (AnalyzedNumber, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+analyzedColumns+` FROM analyzed_number WHERE number = ?
	`, number)
	a, err := scanAnalyzed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AnalyzedNumber{}, ErrNotFound
	}
	if err != nil {
		return AnalyzedNumber{}, fmt.Errorf("read analyzed %s: %w", number, err)
	}
	return a, nil
}

// AnalyzedNumbers returns every analyzed row ordered by number.
func (s *Store) AnalyzedNumbers(ctx context.Context) ([]AnalyzedNumber, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+analyzedColumns+` FROM analyzed_number ORDER BY number
	`)
	if err != nil {
		return nil, fmt.Errorf("query analyzed numbers: %w", err)
	}
	return collectAnalyzed(rows)
}

// CallDetails returns every call detail ordered by time then raw number.
func (s *Store) CallDetails(ctx context.Context) ([]CallDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT raw_number, number, call_epoch_date, call_type, call_duration, instance_number
		FROM call_detail
		ORDER BY call_epoch_date ASC, raw_number ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query call details: %w", err)
	}
	defer rows.Close()

	out := []CallDetail{}
	for rows.Next() {
		var (
			c   CallDetail
			typ string
		)
		if err := rows.Scan(&c.RawNumber, &c.Number, &c.EpochDate, &typ, &c.Duration, &c.InstanceNumber); err != nil {
			return nil, fmt.Errorf("scan call detail: %w", err)
		}
		c.Type = CallType(typ)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ErrorLogs returns every error log row in order.
func (s *Store) ErrorLogs(ctx context.Context) ([]ErrorLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_id, COALESCE(change_id, ''), instance_number, message, create_time
		FROM error_log ORDER BY row_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query error logs: %w", err)
	}
	defer rows.Close()

	out := []ErrorLog{}
	for rows.Next() {
		var e ErrorLog
		if err := rows.Scan(&e.RowID, &e.ChangeID, &e.InstanceNumber, &e.Message, &e.CreateTime); err != nil {
			return nil, fmt.Errorf("scan error log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// prefixed qualifies a comma-separated column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
