package native

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-memory provider of contacts and calls. It implements
// ContactProvider, CallLogProvider and Observable, and notifies observers
// synchronously after every mutation.
//
// Thread-safety: safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	contacts  map[string][]ContactRow
	calls     []Call
	observers observers
}

// NewMemory creates an empty provider.
func NewMemory() *Memory {
	return &Memory{contacts: make(map[string][]ContactRow)}
}

// SetContact replaces the rows of contactID. Versions are bumped for rows
// whose number is new or changed, the way a provider marks dirty rows.
func (m *Memory) SetContact(contactID string, numbers ...string) {
	m.mu.Lock()
	old := m.contacts[contactID]
	rows := make([]ContactRow, 0, len(numbers))
	for i, n := range numbers {
		var version int64
		if i < len(old) {
			version = old[i].Version
			if old[i].Number != n {
				version++
			}
		}
		rows = append(rows, ContactRow{ContactID: contactID, Number: n, Version: version})
	}
	m.contacts[contactID] = rows
	m.mu.Unlock()
	m.notify()
}

// PutRow inserts a row, or replaces the row of the same contact with the
// same raw number.
func (m *Memory) PutRow(row ContactRow) {
	m.mu.Lock()
	rows := m.contacts[row.ContactID]
	replaced := false
	for i := range rows {
		if rows[i].Number == row.Number {
			rows[i] = row
			replaced = true
		}
	}
	if !replaced {
		rows = append(rows, row)
	}
	m.contacts[row.ContactID] = rows
	m.mu.Unlock()
	m.notify()
}

// DeleteContact removes a contact and all its rows.
func (m *Memory) DeleteContact(contactID string) {
	m.mu.Lock()
	delete(m.contacts, contactID)
	m.mu.Unlock()
	m.notify()
}

// AddCall appends calls to the call log.
func (m *Memory) AddCall(calls ...Call) {
	m.mu.Lock()
	m.calls = append(m.calls, calls...)
	m.mu.Unlock()
	m.notify()
}

// Contacts implements ContactProvider. Rows are ordered by contact ID.
func (m *Memory) Contacts(ctx context.Context) ([]ContactRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.contacts))
	for id := range m.contacts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := []ContactRow{}
	for _, id := range ids {
		out = append(out, m.contacts[id]...)
	}
	return out, nil
}

// Contact implements ContactProvider.
func (m *Memory) Contact(ctx context.Context, contactID string) ([]ContactRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ContactRow{}, m.contacts[contactID]...), nil
}

// CallsSince implements CallLogProvider.
func (m *Memory) CallsSince(ctx context.Context, since int64) ([]Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterCalls(m.calls, since), nil
}

// Observe implements Observable.
func (m *Memory) Observe(fn func()) (func(), error) {
	m.mu.Lock()
	id := m.observers.add(fn)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.observers.remove(id)
			m.mu.Unlock()
		})
	}, nil
}

// Observers returns how many observers are registered.
func (m *Memory) Observers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observers.len()
}

func (m *Memory) notify() {
	m.mu.Lock()
	fns := m.observers.snapshot()
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// filterCalls returns calls dated at or after since, oldest first.
func filterCalls(calls []Call, since int64) []Call {
	out := []Call{}
	for _, c := range calls {
		if c.Date >= since {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
