package store

import (
	"context"
	"fmt"
)

// Snapshot is the complete materialized state, used for convergence checks
// and golden comparisons.
type Snapshot struct {
	Instances      []string         `json:"instances"`
	Contacts       []Contact        `json:"contacts"`
	ContactNumbers []ContactNumber  `json:"contact_numbers"`
	TrustedNumbers map[string]int   `json:"trusted_numbers"`
	Analyzed       []AnalyzedNumber `json:"analyzed_numbers"`
	CallDetails    []CallDetail     `json:"call_details"`
}

// QueueDepths reports how much work is outstanding.
type QueueDepths struct {
	Execute        int `json:"execute"`
	UploadChange   int `json:"upload_change"`
	UploadAnalyzed int `json:"upload_analyzed"`
	UploadError    int `json:"upload_error"`
}

// Idle reports whether every queue is empty.
func (d QueueDepths) Idle() bool {
	return d.Execute == 0 && d.UploadChange == 0 && d.UploadAnalyzed == 0 && d.UploadError == 0
}

// Snapshot reads the full materialized state.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	var (
		snap Snapshot
		err  error
	)
	if snap.Instances, err = s.Instances(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	if snap.Contacts, err = s.Contacts(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	if snap.ContactNumbers, err = s.ContactNumbers(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	if snap.TrustedNumbers, err = s.TrustedNumbers(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	if snap.Analyzed, err = s.AnalyzedNumbers(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	if snap.CallDetails, err = s.CallDetails(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	return snap, nil
}

// QueueDepths counts every work queue.
func (s *Store) QueueDepths(ctx context.Context) (QueueDepths, error) {
	var (
		d   QueueDepths
		err error
	)
	if d.Execute, err = s.ExecuteQueueLen(ctx); err != nil {
		return QueueDepths{}, err
	}
	if d.UploadChange, err = s.UploadQueueLen(ctx, ChangeQueue); err != nil {
		return QueueDepths{}, err
	}
	if d.UploadAnalyzed, err = s.UploadQueueLen(ctx, AnalyzedQueue); err != nil {
		return QueueDepths{}, err
	}
	if d.UploadError, err = s.UploadQueueLen(ctx, ErrorQueue); err != nil {
		return QueueDepths{}, err
	}
	return d, nil
}

// ReferenceViolations returns numbers whose trusted count differs from the
// number of contact-number and instance rows referencing them. An empty
// result means the reference counts are consistent.
func (s *Store) ReferenceViolations(ctx context.Context) (map[string][2]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH refs AS (
			SELECT number, COUNT(*) AS n FROM contact_number GROUP BY number
			UNION ALL
			SELECT number, COUNT(*) AS n FROM instance GROUP BY number
		),
		expected AS (
			SELECT number, SUM(n) AS n FROM refs GROUP BY number
		)
		SELECT e.number, e.n, COALESCE(t.counter, 0)
		FROM expected e LEFT JOIN trusted_number t ON t.number = e.number
		WHERE COALESCE(t.counter, 0) != e.n
		UNION ALL
		SELECT t.number, 0, t.counter
		FROM trusted_number t
		WHERE t.number NOT IN (SELECT number FROM expected)
	`)
	if err != nil {
		return nil, fmt.Errorf("check references: %w", err)
	}
	defer rows.Close()

	out := map[string][2]int{}
	for rows.Next() {
		var (
			number     string
			want, have int
		)
		if err := rows.Scan(&number, &want, &have); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		out[number] = [2]int{want, have}
	}
	return out, rows.Err()
}
