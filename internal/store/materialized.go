package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Tx exposes materialized-table operations inside an execute transaction.
// Every method is an idempotent primitive; the reference-count rules that
// combine them live in the execute package.
type Tx struct {
	tx *sql.Tx
}

// Contact is a materialized contact row.
type Contact struct {
	CID            string `json:"cid"`
	InstanceNumber string `json:"instance_number"`
	Blocked        bool   `json:"blocked"`
}

// ContactNumber is a materialized contact-number row, keyed by (CID, Number).
type ContactNumber struct {
	CID            string `json:"cid"`
	Number         string `json:"number"`
	RawNumber      string `json:"raw_number"`
	InstanceNumber string `json:"instance_number"`
	Version        int64  `json:"version"`
	Degree         int    `json:"degree"`
}

// InsertContact inserts a contact if absent. Returns whether a row was added.
func (t *Tx) InsertContact(ctx context.Context, cid, instance string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO contact (cid, instance_number) VALUES (?, ?)
		ON CONFLICT(cid) DO NOTHING
	`, cid, instance)
	if err != nil {
		return false, fmt.Errorf("insert contact %s: %w", cid, err)
	}
	return affectedOne(res)
}

// SetContactBlocked updates the blocked flag. Missing contacts are ignored.
func (t *Tx) SetContactBlocked(ctx context.Context, cid string, blocked bool) error {
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE contact SET blocked = ? WHERE cid = ?
	`, blocked, cid); err != nil {
		return fmt.Errorf("update contact %s: %w", cid, err)
	}
	return nil
}

// DeleteContact removes the contact row only; callers cascade numbers first.
func (t *Tx) DeleteContact(ctx context.Context, cid string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM contact WHERE cid = ?`, cid)
	if err != nil {
		return false, fmt.Errorf("delete contact %s: %w", cid, err)
	}
	return affectedOne(res)
}

// ContactsOfInstance lists the CIDs owned by an instance, in CID order.
func (t *Tx) ContactsOfInstance(ctx context.Context, instance string) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT cid FROM contact WHERE instance_number = ? ORDER BY cid
	`, instance)
	if err != nil {
		return nil, fmt.Errorf("query contacts of %s: %w", instance, err)
	}
	defer rows.Close()

	cids := []string{}
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		cids = append(cids, cid)
	}
	return cids, rows.Err()
}

// NumbersOfContact lists the contact-number rows of a contact.
func (t *Tx) NumbersOfContact(ctx context.Context, cid string) ([]ContactNumber, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+contactNumberColumns+` FROM contact_number WHERE cid = ? ORDER BY number
	`, cid)
	if err != nil {
		return nil, fmt.Errorf("query numbers of %s: %w", cid, err)
	}
	return collectContactNumbers(rows)
}

// ContactNumber returns the (cid, number) row or ErrNotFound.
func (t *Tx) ContactNumber(ctx context.Context, cid, number string) (ContactNumber, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+contactNumberColumns+` FROM contact_number WHERE cid = ? AND number = ?
	`, cid, number)
	cn, err := scanContactNumber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ContactNumber{}, ErrNotFound
	}
	if err != nil {
		return ContactNumber{}, fmt.Errorf("read contact number: %w", err)
	}
	return cn, nil
}

// InsertContactNumber inserts the row if (cid, number) is absent.
func (t *Tx) InsertContactNumber(ctx context.Context, cn ContactNumber) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO contact_number (cid, number, raw_number, instance_number, version_number, degree)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cid, number) DO NOTHING
	`, cn.CID, cn.Number, cn.RawNumber, cn.InstanceNumber, cn.Version, cn.Degree)
	if err != nil {
		return false, fmt.Errorf("insert contact number: %w", err)
	}
	return affectedOne(res)
}

// UpdateContactNumberVersion rewrites the raw number and version of an
// existing row without touching its key.
func (t *Tx) UpdateContactNumberVersion(ctx context.Context, cid, number, raw string, version int64) error {
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE contact_number SET raw_number = ?, version_number = ?
		WHERE cid = ? AND number = ?
	`, raw, version, cid, number); err != nil {
		return fmt.Errorf("update contact number: %w", err)
	}
	return nil
}

// DeleteContactNumber removes the (cid, number) row.
func (t *Tx) DeleteContactNumber(ctx context.Context, cid, number string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM contact_number WHERE cid = ? AND number = ?
	`, cid, number)
	if err != nil {
		return false, fmt.Errorf("delete contact number: %w", err)
	}
	return affectedOne(res)
}

// IncrementTrusted adds one reference to number.
func (t *Tx) IncrementTrusted(ctx context.Context, number string) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO trusted_number (number, counter) VALUES (?, 1)
		ON CONFLICT(number) DO UPDATE SET counter = counter + 1
	`, number); err != nil {
		return fmt.Errorf("increment trusted %s: %w", number, err)
	}
	return nil
}

// DecrementTrusted removes one reference from number, deleting the row when
// the count reaches zero. A missing row is left missing; the count never
// goes negative.
func (t *Tx) DecrementTrusted(ctx context.Context, number string) error {
	if _, err := t.tx.ExecContext(ctx, `
		DELETE FROM trusted_number WHERE number = ? AND counter <= 1
	`, number); err != nil {
		return fmt.Errorf("decrement trusted %s: %w", number, err)
	}
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE trusted_number SET counter = counter - 1 WHERE number = ? AND counter > 1
	`, number); err != nil {
		return fmt.Errorf("decrement trusted %s: %w", number, err)
	}
	return nil
}

// InsertInstance inserts the instance if absent.
func (t *Tx) InsertInstance(ctx context.Context, number string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO instance (number) VALUES (?) ON CONFLICT(number) DO NOTHING
	`, number)
	if err != nil {
		return false, fmt.Errorf("insert instance %s: %w", number, err)
	}
	return affectedOne(res)
}

// DeleteInstance removes the instance row only; callers cascade contacts first.
func (t *Tx) DeleteInstance(ctx context.Context, number string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM instance WHERE number = ?`, number)
	if err != nil {
		return false, fmt.Errorf("delete instance %s: %w", number, err)
	}
	return affectedOne(res)
}

// MarkAnalyzed records a trustability verdict for a number, creating the
// analyzed row if needed.
func (t *Tx) MarkAnalyzed(ctx context.Context, number string, trustability int) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO analyzed_number (number, marked_trustability) VALUES (?, ?)
		ON CONFLICT(number) DO UPDATE SET marked_trustability = excluded.marked_trustability
	`, number, trustability); err != nil {
		return fmt.Errorf("mark analyzed %s: %w", number, err)
	}
	return nil
}

const contactNumberColumns = `cid, number, raw_number, instance_number, version_number, degree`

func scanContactNumber(r rowScanner) (ContactNumber, error) {
	var cn ContactNumber
	err := r.Scan(&cn.CID, &cn.Number, &cn.RawNumber, &cn.InstanceNumber, &cn.Version, &cn.Degree)
	return cn, err
}

func collectContactNumbers(rows *sql.Rows) ([]ContactNumber, error) {
	defer rows.Close()

	numbers := []ContactNumber{}
	for rows.Next() {
		cn, err := scanContactNumber(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact number: %w", err)
		}
		numbers = append(numbers, cn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contact numbers: %w", err)
	}
	return numbers, nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}
