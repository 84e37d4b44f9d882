package changelog

import (
	"fmt"
)

// Type is the tagged variant of a ChangeLog. The string value is the
// four-letter code used on the wire and in the database.
type Type string

const (
	ContactInsert       Type = "ADDC"
	ContactUpdate       Type = "UPDC"
	ContactDelete       Type = "DELC"
	ContactNumberInsert Type = "ADDN"
	ContactNumberUpdate Type = "UPDN"
	ContactNumberDelete Type = "DELN"
	InstanceInsert      Type = "ADDI"
	InstanceDelete      Type = "DELI"
	NonContactUpdate    Type = "NONC"
)

// AllTypes lists every change type in declaration order.
var AllTypes = []Type{
	ContactInsert,
	ContactUpdate,
	ContactDelete,
	ContactNumberInsert,
	ContactNumberUpdate,
	ContactNumberDelete,
	InstanceInsert,
	InstanceDelete,
	NonContactUpdate,
}

var typeNames = map[Type]string{
	ContactInsert:       "CONTACT_INSERT",
	ContactUpdate:       "CONTACT_UPDATE",
	ContactDelete:       "CONTACT_DELETE",
	ContactNumberInsert: "CONTACT_NUMBER_INSERT",
	ContactNumberUpdate: "CONTACT_NUMBER_UPDATE",
	ContactNumberDelete: "CONTACT_NUMBER_DELETE",
	InstanceInsert:      "INSTANCE_INSERT",
	InstanceDelete:      "INSTANCE_DELETE",
	NonContactUpdate:    "NON_CONTACT_UPDATE",
}

// Name returns the long form of the type (e.g. "CONTACT_INSERT").
// Unknown types return the raw code.
func (t Type) Name() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return string(t)
}

// Valid reports whether t is one of the known change types.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// ParseType accepts either the wire code ("ADDC") or the long name
// ("CONTACT_INSERT") and returns the corresponding Type.
func ParseType(s string) (Type, error) {
	if t := Type(s); t.Valid() {
		return t, nil
	}
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown change type %q", s)
}

// ChangeLog is one replicated mutation.
//
// Immutable once stored, except ServerChangeID (attached when the server
// acknowledges or originates the change) and ErrorCounter.
type ChangeLog struct {
	RowID          int64
	ChangeID       string
	ChangeTime     int64 // epoch millis, advisory only
	Type           Type
	InstanceNumber string
	ServerChangeID *int64
	ErrorCounter   int

	Payload
}

// Payload holds the type-specific fields. Which fields are required depends
// on Type; see Mutation.
type Payload struct {
	CID          *string
	OldNumber    *string
	Number       *string
	ParentNumber *string
	Trustability *int
	CounterValue *int64
	Degree       *int
	Blocked      *bool
}

// Input is what a local caller supplies to record a new change. The store
// assigns ChangeID, ChangeTime and RowID.
type Input struct {
	Type           Type
	InstanceNumber string
	Payload
}

// FromServer reports whether the change carries a server sequence number.
func (c *ChangeLog) FromServer() bool {
	return c.ServerChangeID != nil
}

// String returns a short description for logs.
func (c *ChangeLog) String() string {
	return fmt.Sprintf("%s(%s, row=%d)", c.Type.Name(), c.ChangeID, c.RowID)
}

// Str returns a pointer to s. Convenience for building payloads.
func Str(s string) *string { return &s }

// Int returns a pointer to i.
func Int(i int) *int { return &i }

// Int64 returns a pointer to i.
func Int64(i int64) *int64 { return &i }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }
