// Package native defines the device-side data sources the synchronizer
// reconciles against: the contacts provider and the call-log provider.
//
// Both are owned by other processes and may change at any time. Every read
// must be treated as stale as soon as it returns.
package native

import "context"

// ContactRow is one number of one native contact.
type ContactRow struct {
	// ContactID is the provider's own contact identifier.
	ContactID string `json:"contact_id"`
	// Number is the raw number as the provider stores it.
	Number string `json:"number"`
	// Version is the provider's content-change counter for the row.
	Version int64 `json:"version"`
}

// Call is one native call-log entry.
type Call struct {
	Number   string `json:"number"`
	Date     int64  `json:"date"`
	Type     string `json:"type"`
	Duration int64  `json:"duration"`
}

// ContactProvider reads native contacts.
type ContactProvider interface {
	// Contacts returns every contact row.
	Contacts(ctx context.Context) ([]ContactRow, error)
	// Contact re-queries the rows of one contact. A contact that no longer
	// exists yields an empty slice and no error.
	Contact(ctx context.Context, contactID string) ([]ContactRow, error)
}

// CallLogProvider reads the native call log.
type CallLogProvider interface {
	// CallsSince returns calls with Date >= since (epoch millis).
	CallsSince(ctx context.Context, since int64) ([]Call, error)
}

// Observable notifies about provider changes. fn may be called from any
// goroutine and must not block. The returned function unregisters fn and
// is safe to call more than once.
type Observable interface {
	Observe(fn func()) (unregister func(), err error)
}

// observers is a registry of change callbacks shared by the providers.
type observers struct {
	next int
	fns  map[int]func()
}

func (o *observers) add(fn func()) int {
	if o.fns == nil {
		o.fns = make(map[int]func())
	}
	o.next++
	o.fns[o.next] = fn
	return o.next
}

func (o *observers) remove(id int) {
	delete(o.fns, id)
}

func (o *observers) snapshot() []func() {
	out := make([]func(), 0, len(o.fns))
	for _, fn := range o.fns {
		out = append(out, fn)
	}
	return out
}

func (o *observers) len() int {
	return len(o.fns)
}
