package tablesync

import (
	"context"
	"fmt"
	"sort"

	"github.com/alx-kng/telefender/internal/changelog"
	"github.com/alx-kng/telefender/internal/native"
	"github.com/alx-kng/telefender/internal/store"
	"github.com/alx-kng/telefender/internal/workstate"
)

// ContactResult counts the changes emitted by one contact diff.
type ContactResult struct {
	ContactInserts int `json:"contact_inserts"`
	ContactDeletes int `json:"contact_deletes"`
	NumberInserts  int `json:"number_inserts"`
	NumberUpdates  int `json:"number_updates"`
	NumberDeletes  int `json:"number_deletes"`
	// Skipped counts candidates the live re-check no longer confirmed.
	Skipped int `json:"skipped"`
}

// Emitted is the total number of change logs recorded.
func (r ContactResult) Emitted() int {
	return r.ContactInserts + r.ContactDeletes + r.NumberInserts + r.NumberUpdates + r.NumberDeletes
}

// nativeContact is one native contact keyed by normalized number.
type nativeContact struct {
	contactID string
	rows      map[string]native.ContactRow
}

// contactIndex maps derived CIDs to native contacts.
type contactIndex map[string]*nativeContact

func (s *Synchronizer) index(instance string, rows []native.ContactRow) contactIndex {
	idx := make(contactIndex)
	for _, r := range rows {
		cid := changelog.DeriveCID(instance, r.ContactID)
		nc, ok := idx[cid]
		if !ok {
			nc = &nativeContact{contactID: r.ContactID, rows: make(map[string]native.ContactRow)}
			idx[cid] = nc
		}
		if number := s.norm.Normalize(r.Number); number != "" {
			nc.rows[number] = r
		}
	}
	return idx
}

func (idx contactIndex) row(cid, number string) (native.ContactRow, bool) {
	nc, ok := idx[cid]
	if !ok {
		return native.ContactRow{}, false
	}
	r, ok := nc.rows[number]
	return r, ok
}

func (idx contactIndex) cids() []string {
	out := make([]string, 0, len(idx))
	for cid := range idx {
		out = append(out, cid)
	}
	sort.Strings(out)
	return out
}

// SyncContacts diffs the native contacts of this device against the local
// contacts and numbers owned by its instance, and records a change log for
// every difference.
//
// The insert pass emits CONTACT_INSERT for native contacts with no local
// contact and CONTACT_NUMBER_INSERT for native numbers with no local row.
// The delete/update pass emits CONTACT_DELETE for local contacts absent
// natively, CONTACT_NUMBER_DELETE for local numbers absent from their
// native contact, and CONTACT_NUMBER_UPDATE when the native version
// differs. Every candidate is re-checked against a live provider query
// while holding the contact regions before it is recorded.
func (s *Synchronizer) SyncContacts(ctx context.Context) (result ContactResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.stage(ctx, "tablesync.contacts", workstate.TableSync, func(ctx context.Context) (int, error) {
		instance, err := s.instance(ctx)
		if err != nil {
			return 0, err
		}
		if err := s.diffContacts(ctx, instance, &result); err != nil {
			return result.Emitted(), err
		}
		if err := s.store.SetLastContactSyncTime(ctx, s.store.Now()); err != nil {
			return result.Emitted(), err
		}
		return result.Emitted(), nil
	})

	if result.Emitted() > 0 || result.Skipped > 0 {
		s.logger.Info("contact sync finished",
			"contact_inserts", result.ContactInserts,
			"contact_deletes", result.ContactDeletes,
			"number_inserts", result.NumberInserts,
			"number_updates", result.NumberUpdates,
			"number_deletes", result.NumberDeletes,
			"skipped", result.Skipped)
	}
	return result, err
}

func (s *Synchronizer) diffContacts(ctx context.Context, instance string, result *ContactResult) error {
	rows, err := s.contacts.Contacts(ctx)
	if err != nil {
		return err
	}
	idx := s.index(instance, rows)

	localContacts, err := s.store.ContactsForInstance(ctx, instance)
	if err != nil {
		return err
	}
	localNumbers, err := s.store.ContactNumbersForInstance(ctx, instance)
	if err != nil {
		return err
	}

	haveContact := make(map[string]bool, len(localContacts))
	for _, c := range localContacts {
		haveContact[c.CID] = true
	}
	haveNumber := make(map[[2]string]bool, len(localNumbers))
	for _, n := range localNumbers {
		haveNumber[[2]string{n.CID, n.Number}] = true
	}

	if err := s.insertPass(ctx, instance, idx, haveContact, haveNumber, result); err != nil {
		return fmt.Errorf("insert pass: %w", err)
	}
	if err := s.deletePass(ctx, instance, idx, localContacts, localNumbers, result); err != nil {
		return fmt.Errorf("delete pass: %w", err)
	}
	return nil
}

func (s *Synchronizer) insertPass(ctx context.Context, instance string, idx contactIndex, haveContact map[string]bool, haveNumber map[[2]string]bool, result *ContactResult) error {
	for _, cid := range idx.cids() {
		nc := idx[cid]

		var missing []string
		for number := range nc.rows {
			if !haveNumber[[2]string{cid, number}] {
				missing = append(missing, number)
			}
		}
		if haveContact[cid] && len(missing) == 0 {
			continue
		}
		sort.Strings(missing)

		err := s.verified(func() error {
			live, err := s.contacts.Contact(ctx, nc.contactID)
			if err != nil {
				return err
			}
			if len(live) == 0 {
				result.Skipped += 1 + len(missing)
				return nil
			}
			liveRows := s.byNumber(live)

			if !haveContact[cid] {
				if err := s.emit(ctx, changelog.ContactInsert, instance, changelog.Payload{
					CID: changelog.Str(cid),
				}); err != nil {
					return err
				}
				result.ContactInserts++
			}

			for _, number := range missing {
				row, ok := liveRows[number]
				if !ok {
					result.Skipped++
					continue
				}
				if err := s.emit(ctx, changelog.ContactNumberInsert, instance, changelog.Payload{
					CID:          changelog.Str(cid),
					Number:       changelog.Str(row.Number),
					CounterValue: changelog.Int64(row.Version),
					Degree:       changelog.Int(0),
				}); err != nil {
					return err
				}
				result.NumberInserts++
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) deletePass(ctx context.Context, instance string, idx contactIndex, localContacts []store.Contact, localNumbers []store.ContactNumber, result *ContactResult) error {
	deleted := make(map[string]bool)
	for _, c := range localContacts {
		if _, ok := idx[c.CID]; ok {
			continue
		}
		err := s.verified(func() error {
			_, found, err := s.liveContact(ctx, instance, idx, c.CID)
			if err != nil {
				return err
			}
			if found {
				result.Skipped++
				return nil
			}
			if err := s.emit(ctx, changelog.ContactDelete, instance, changelog.Payload{
				CID: changelog.Str(c.CID),
			}); err != nil {
				return err
			}
			deleted[c.CID] = true
			result.ContactDeletes++
			return nil
		})
		if err != nil {
			return err
		}
	}

	for _, n := range localNumbers {
		if deleted[n.CID] {
			continue
		}
		row, ok := idx.row(n.CID, n.Number)
		if ok && row.Version == n.Version {
			continue
		}

		err := s.verified(func() error {
			liveRows, contactLive, err := s.liveContact(ctx, instance, idx, n.CID)
			if err != nil {
				return err
			}
			live, liveOK := liveRows[n.Number]

			switch {
			case !ok && !liveOK:
				if !contactLive {
					// Contact vanished with no local contact row to delete;
					// the number alone still has to go.
					if err := s.emit(ctx, changelog.ContactDelete, instance, changelog.Payload{
						CID: changelog.Str(n.CID),
					}); err != nil {
						return err
					}
					deleted[n.CID] = true
					result.ContactDeletes++
					return nil
				}
				if err := s.emit(ctx, changelog.ContactNumberDelete, instance, changelog.Payload{
					CID:    changelog.Str(n.CID),
					Number: changelog.Str(n.Number),
				}); err != nil {
					return err
				}
				result.NumberDeletes++

			case ok && liveOK && live.Version != n.Version:
				if err := s.emit(ctx, changelog.ContactNumberUpdate, instance, changelog.Payload{
					CID:          changelog.Str(n.CID),
					OldNumber:    changelog.Str(n.Number),
					Number:       changelog.Str(live.Number),
					CounterValue: changelog.Int64(live.Version),
				}); err != nil {
					return err
				}
				result.NumberUpdates++

			default:
				result.Skipped++
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// liveContact re-reads the native contact behind cid and returns its rows
// keyed by normalized number. A contact from the first scan is fetched by
// its native ID. One missing from it has no known native ID, since CIDs are
// derived, so the whole provider is rescanned.
func (s *Synchronizer) liveContact(ctx context.Context, instance string, idx contactIndex, cid string) (map[string]native.ContactRow, bool, error) {
	if nc, ok := idx[cid]; ok {
		live, err := s.contacts.Contact(ctx, nc.contactID)
		if err != nil {
			return nil, false, err
		}
		return s.byNumber(live), len(live) > 0, nil
	}

	rows, err := s.contacts.Contacts(ctx)
	if err != nil {
		return nil, false, err
	}
	nc, ok := s.index(instance, rows)[cid]
	if !ok {
		return nil, false, nil
	}
	return nc.rows, true, nil
}

// verified runs fn while holding the contact regions, so that the live
// re-check and the emission it justifies are not interleaved with execution.
func (s *Synchronizer) verified(fn func() error) error {
	release := s.locks.Acquire(changelog.RegionContact, changelog.RegionContactNumber)
	defer release()
	return fn()
}

func (s *Synchronizer) byNumber(rows []native.ContactRow) map[string]native.ContactRow {
	out := make(map[string]native.ContactRow, len(rows))
	for _, r := range rows {
		if number := s.norm.Normalize(r.Number); number != "" {
			out[number] = r
		}
	}
	return out
}

func (s *Synchronizer) emit(ctx context.Context, t changelog.Type, instance string, p changelog.Payload) error {
	c, err := s.store.RecordFromClient(ctx, changelog.Input{
		Type:           t,
		InstanceNumber: instance,
		Payload:        p,
	})
	if err != nil {
		return err
	}
	s.metrics.TableSyncEmitted(string(t))
	s.logger.Debug("native drift recorded", "change", c.String())
	return nil
}
