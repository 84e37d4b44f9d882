package changelog

import (
	"errors"
	"fmt"
)

// ErrMalformed marks a change whose payload is missing fields required by
// its type. Malformed changes are never retried.
var ErrMalformed = errors.New("malformed change")

// Region names an exclusive section of the materialized state. Regions are
// always acquired in ascending order, which is the global lock order.
type Region int

const (
	RegionContact Region = iota
	RegionContactNumber
	RegionTrustedNumbers
	RegionInstance
	RegionAnalyzed
)

func (r Region) String() string {
	switch r {
	case RegionContact:
		return "contact"
	case RegionContactNumber:
		return "contact_number"
	case RegionTrustedNumbers:
		return "trusted_numbers"
	case RegionInstance:
		return "instance"
	case RegionAnalyzed:
		return "analyzed"
	default:
		return fmt.Sprintf("region(%d)", int(r))
	}
}

// Mutation is the typed form of a ChangeLog. The set of implementations is
// closed: only this package can add variants.
type Mutation interface {
	// Regions returns the exclusive regions the mutation touches.
	Regions() []Region
	mutation()
}

// AddContact creates a contact owned by Instance.
type AddContact struct {
	CID      string
	Instance string
}

// UpdateContact changes the blocked flag of a contact.
type UpdateContact struct {
	CID     string
	Blocked bool
}

// RemoveContact deletes a contact and, by cascade, all of its numbers.
type RemoveContact struct {
	CID string
}

// AddContactNumber attaches a number to a contact.
type AddContactNumber struct {
	CID      string
	Instance string
	Number   string
	Version  int64
	Degree   int
}

// UpdateContactNumber replaces OldNumber with Number on a contact and
// records the new native version counter.
type UpdateContactNumber struct {
	CID       string
	Instance  string
	OldNumber string
	Number    string
	Version   int64
}

// RemoveContactNumber detaches a number from a contact.
type RemoveContactNumber struct {
	CID    string
	Number string
}

// AddInstance registers a linked device/user number.
type AddInstance struct {
	Instance string
}

// RemoveInstance removes an instance and, by cascade, all of its contacts.
type RemoveInstance struct {
	Instance string
}

// MarkNumber records a trustability verdict for a number outside contacts.
type MarkNumber struct {
	Number       string
	Trustability int
}

func (AddContact) mutation()          {}
func (UpdateContact) mutation()       {}
func (RemoveContact) mutation()       {}
func (AddContactNumber) mutation()    {}
func (UpdateContactNumber) mutation() {}
func (RemoveContactNumber) mutation() {}
func (AddInstance) mutation()         {}
func (RemoveInstance) mutation()      {}
func (MarkNumber) mutation()          {}

func (AddContact) Regions() []Region    { return []Region{RegionContact} }
func (UpdateContact) Regions() []Region { return []Region{RegionContact} }
func (RemoveContact) Regions() []Region {
	return []Region{RegionContact, RegionContactNumber, RegionTrustedNumbers}
}
func (AddContactNumber) Regions() []Region {
	return []Region{RegionContact, RegionContactNumber, RegionTrustedNumbers}
}
func (UpdateContactNumber) Regions() []Region {
	return []Region{RegionContactNumber, RegionTrustedNumbers}
}
func (RemoveContactNumber) Regions() []Region {
	return []Region{RegionContactNumber, RegionTrustedNumbers}
}
func (AddInstance) Regions() []Region {
	return []Region{RegionTrustedNumbers, RegionInstance}
}
func (RemoveInstance) Regions() []Region {
	return []Region{RegionContact, RegionContactNumber, RegionTrustedNumbers, RegionInstance}
}
func (MarkNumber) Regions() []Region { return []Region{RegionAnalyzed} }

// Mutation converts the flat change into its typed variant.
// Returns an error wrapping ErrMalformed when a required field is missing.
func (c *ChangeLog) Mutation() (Mutation, error) {
	owner := c.InstanceNumber
	if c.ParentNumber != nil && *c.ParentNumber != "" {
		owner = *c.ParentNumber
	}

	switch c.Type {
	case ContactInsert:
		if err := c.require("CID", c.CID); err != nil {
			return nil, err
		}
		if owner == "" {
			return nil, c.malformed("instanceNumber")
		}
		return AddContact{CID: *c.CID, Instance: owner}, nil

	case ContactUpdate:
		if err := c.require("CID", c.CID); err != nil {
			return nil, err
		}
		if c.Blocked == nil {
			return nil, c.malformed("blocked")
		}
		return UpdateContact{CID: *c.CID, Blocked: *c.Blocked}, nil

	case ContactDelete:
		if err := c.require("CID", c.CID); err != nil {
			return nil, err
		}
		return RemoveContact{CID: *c.CID}, nil

	case ContactNumberInsert:
		if err := c.require("CID", c.CID); err != nil {
			return nil, err
		}
		if err := c.require("number", c.Number); err != nil {
			return nil, err
		}
		if owner == "" {
			return nil, c.malformed("instanceNumber")
		}
		m := AddContactNumber{CID: *c.CID, Instance: owner, Number: *c.Number}
		if c.CounterValue != nil {
			m.Version = *c.CounterValue
		}
		if c.Degree != nil {
			m.Degree = *c.Degree
		}
		return m, nil

	case ContactNumberUpdate:
		if err := c.require("CID", c.CID); err != nil {
			return nil, err
		}
		if err := c.require("oldNumber", c.OldNumber); err != nil {
			return nil, err
		}
		if err := c.require("number", c.Number); err != nil {
			return nil, err
		}
		if c.CounterValue == nil {
			return nil, c.malformed("counterValue")
		}
		return UpdateContactNumber{
			CID:       *c.CID,
			Instance:  owner,
			OldNumber: *c.OldNumber,
			Number:    *c.Number,
			Version:   *c.CounterValue,
		}, nil

	case ContactNumberDelete:
		if err := c.require("CID", c.CID); err != nil {
			return nil, err
		}
		if err := c.require("number", c.Number); err != nil {
			return nil, err
		}
		return RemoveContactNumber{CID: *c.CID, Number: *c.Number}, nil

	case InstanceInsert:
		if c.InstanceNumber == "" {
			return nil, c.malformed("instanceNumber")
		}
		return AddInstance{Instance: c.InstanceNumber}, nil

	case InstanceDelete:
		if c.InstanceNumber == "" {
			return nil, c.malformed("instanceNumber")
		}
		return RemoveInstance{Instance: c.InstanceNumber}, nil

	case NonContactUpdate:
		if err := c.require("number", c.Number); err != nil {
			return nil, err
		}
		if c.Trustability == nil {
			return nil, c.malformed("trustability")
		}
		return MarkNumber{Number: *c.Number, Trustability: *c.Trustability}, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q (change %s)", ErrMalformed, c.Type, c.ChangeID)
	}
}

func (c *ChangeLog) require(field string, v *string) error {
	if v == nil || *v == "" {
		return c.malformed(field)
	}
	return nil
}

func (c *ChangeLog) malformed(field string) error {
	return fmt.Errorf("%w: %s missing %s (change %s)", ErrMalformed, c.Type.Name(), field, c.ChangeID)
}
