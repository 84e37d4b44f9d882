package execute

import (
	"context"
	"errors"
	"fmt"

	"github.com/alx-kng/telefender/internal/changelog"
	"github.com/alx-kng/telefender/internal/phone"
	"github.com/alx-kng/telefender/internal/store"
)

// apply dispatches a mutation to its handler inside tx. The switch is
// exhaustive over the sealed Mutation set; an unknown variant is a
// programming error and is reported as malformed.
func apply(ctx context.Context, tx *store.Tx, norm phone.Normalizer, m changelog.Mutation) error {
	switch m := m.(type) {
	case changelog.AddContact:
		return addContact(ctx, tx, norm, m)
	case changelog.UpdateContact:
		return tx.SetContactBlocked(ctx, m.CID, m.Blocked)
	case changelog.RemoveContact:
		return removeContact(ctx, tx, m.CID)
	case changelog.AddContactNumber:
		return addContactNumber(ctx, tx, norm, m)
	case changelog.UpdateContactNumber:
		return updateContactNumber(ctx, tx, norm, m)
	case changelog.RemoveContactNumber:
		return removeContactNumber(ctx, tx, norm, m)
	case changelog.AddInstance:
		return addInstance(ctx, tx, norm, m)
	case changelog.RemoveInstance:
		return removeInstance(ctx, tx, norm, m)
	case changelog.MarkNumber:
		return tx.MarkAnalyzed(ctx, norm.Normalize(m.Number), m.Trustability)
	default:
		return fmt.Errorf("%w: unhandled mutation %T", changelog.ErrMalformed, m)
	}
}

func addContact(ctx context.Context, tx *store.Tx, norm phone.Normalizer, m changelog.AddContact) error {
	_, err := tx.InsertContact(ctx, m.CID, norm.Normalize(m.Instance))
	return err
}

// removeContact releases every number of the contact before the contact
// row itself, so trusted counts never reference a vanished contact.
func removeContact(ctx context.Context, tx *store.Tx, cid string) error {
	numbers, err := tx.NumbersOfContact(ctx, cid)
	if err != nil {
		return err
	}
	for _, cn := range numbers {
		deleted, err := tx.DeleteContactNumber(ctx, cn.CID, cn.Number)
		if err != nil {
			return err
		}
		if deleted {
			if err := tx.DecrementTrusted(ctx, cn.Number); err != nil {
				return err
			}
		}
	}
	_, err = tx.DeleteContact(ctx, cid)
	return err
}

func addContactNumber(ctx context.Context, tx *store.Tx, norm phone.Normalizer, m changelog.AddContactNumber) error {
	instance := norm.Normalize(m.Instance)

	// A number may arrive before (or without) its contact insert.
	if _, err := tx.InsertContact(ctx, m.CID, instance); err != nil {
		return err
	}

	number := norm.Normalize(m.Number)
	inserted, err := tx.InsertContactNumber(ctx, store.ContactNumber{
		CID:            m.CID,
		Number:         number,
		RawNumber:      m.Number,
		InstanceNumber: instance,
		Version:        m.Version,
		Degree:         m.Degree,
	})
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	return tx.IncrementTrusted(ctx, number)
}

func updateContactNumber(ctx context.Context, tx *store.Tx, norm phone.Normalizer, m changelog.UpdateContactNumber) error {
	oldNumber := norm.Normalize(m.OldNumber)
	newNumber := norm.Normalize(m.Number)

	old, err := tx.ContactNumber(ctx, m.CID, oldNumber)
	oldFound := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if oldNumber == newNumber {
		if !oldFound {
			return nil
		}
		return tx.UpdateContactNumberVersion(ctx, m.CID, newNumber, m.Number, m.Version)
	}

	if oldFound {
		deleted, err := tx.DeleteContactNumber(ctx, m.CID, oldNumber)
		if err != nil {
			return err
		}
		if deleted {
			if err := tx.DecrementTrusted(ctx, oldNumber); err != nil {
				return err
			}
		}
	}

	_, err = tx.ContactNumber(ctx, m.CID, newNumber)
	switch {
	case err == nil:
		return tx.UpdateContactNumberVersion(ctx, m.CID, newNumber, m.Number, m.Version)
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	row := store.ContactNumber{
		CID:            m.CID,
		Number:         newNumber,
		RawNumber:      m.Number,
		InstanceNumber: norm.Normalize(m.Instance),
		Version:        m.Version,
	}
	if oldFound {
		row.InstanceNumber = old.InstanceNumber
		row.Degree = old.Degree
	}
	inserted, err := tx.InsertContactNumber(ctx, row)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	return tx.IncrementTrusted(ctx, newNumber)
}

func removeContactNumber(ctx context.Context, tx *store.Tx, norm phone.Normalizer, m changelog.RemoveContactNumber) error {
	number := norm.Normalize(m.Number)
	deleted, err := tx.DeleteContactNumber(ctx, m.CID, number)
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}
	return tx.DecrementTrusted(ctx, number)
}

func addInstance(ctx context.Context, tx *store.Tx, norm phone.Normalizer, m changelog.AddInstance) error {
	number := norm.Normalize(m.Instance)
	inserted, err := tx.InsertInstance(ctx, number)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	return tx.IncrementTrusted(ctx, number)
}

// removeInstance cascades through every contact owned by the instance, then
// drops the instance's own trusted reference.
func removeInstance(ctx context.Context, tx *store.Tx, norm phone.Normalizer, m changelog.RemoveInstance) error {
	number := norm.Normalize(m.Instance)

	cids, err := tx.ContactsOfInstance(ctx, number)
	if err != nil {
		return err
	}
	for _, cid := range cids {
		if err := removeContact(ctx, tx, cid); err != nil {
			return err
		}
	}

	deleted, err := tx.DeleteInstance(ctx, number)
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}
	return tx.DecrementTrusted(ctx, number)
}
