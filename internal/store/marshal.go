package store

import (
	"database/sql"

	"github.com/alx-kng/telefender/internal/changelog"
)

// changeLogColumns is the column list matching scanChangeLog.
const changeLogColumns = `row_id, change_id, change_time, type, instance_number,
	cid, old_number, number, parent_number, trustability, counter_value, degree, blocked,
	server_change_id, error_counter`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanChangeLog reads one change_log row in changeLogColumns order.
func scanChangeLog(r rowScanner) (changelog.ChangeLog, error) {
	var (
		c            changelog.ChangeLog
		typ          string
		cid          sql.NullString
		oldNumber    sql.NullString
		number       sql.NullString
		parentNumber sql.NullString
		trust        sql.NullInt64
		counter      sql.NullInt64
		degree       sql.NullInt64
		blocked      sql.NullBool
		serverID     sql.NullInt64
	)

	err := r.Scan(
		&c.RowID, &c.ChangeID, &c.ChangeTime, &typ, &c.InstanceNumber,
		&cid, &oldNumber, &number, &parentNumber, &trust, &counter, &degree, &blocked,
		&serverID, &c.ErrorCounter,
	)
	if err != nil {
		return changelog.ChangeLog{}, err
	}

	c.Type = changelog.Type(typ)
	c.CID = fromNullString(cid)
	c.OldNumber = fromNullString(oldNumber)
	c.Number = fromNullString(number)
	c.ParentNumber = fromNullString(parentNumber)
	if trust.Valid {
		c.Trustability = changelog.Int(int(trust.Int64))
	}
	if counter.Valid {
		c.CounterValue = changelog.Int64(counter.Int64)
	}
	if degree.Valid {
		c.Degree = changelog.Int(int(degree.Int64))
	}
	if blocked.Valid {
		c.Blocked = changelog.Bool(blocked.Bool)
	}
	if serverID.Valid {
		c.ServerChangeID = changelog.Int64(serverID.Int64)
	}
	return c, nil
}

// payloadArgs returns the nullable payload values in changeLogColumns order.
func payloadArgs(p changelog.Payload) []any {
	return []any{
		toNullString(p.CID),
		toNullString(p.OldNumber),
		toNullString(p.Number),
		toNullString(p.ParentNumber),
		toNullInt(p.Trustability),
		toNullInt64(p.CounterValue),
		toNullInt(p.Degree),
		toNullBool(p.Blocked),
	}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return changelog.Str(ns.String)
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func toNullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func toNullInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

func toNullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}
