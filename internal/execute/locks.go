package execute

import (
	"sort"
	"sync"

	"github.com/alx-kng/telefender/internal/changelog"
)

// LockManager owns one exclusive lock per materialized region.
//
// Acquire always takes regions in ascending Region order
// (Contact, ContactNumber, TrustedNumbers, Instance, Analyzed) regardless of
// the order the caller lists them, so two holders can never wait on each
// other in a cycle.
//
// Thread-safety: safe for concurrent use.
type LockManager struct {
	regions map[changelog.Region]*sync.Mutex

	// onAcquire, when set, observes every individual region acquisition.
	// Tests use it to verify ordering.
	onAcquire func(changelog.Region)
}

// NewLockManager creates a lock manager with every region unlocked.
func NewLockManager() *LockManager {
	lm := &LockManager{regions: make(map[changelog.Region]*sync.Mutex)}
	for _, r := range []changelog.Region{
		changelog.RegionContact,
		changelog.RegionContactNumber,
		changelog.RegionTrustedNumbers,
		changelog.RegionInstance,
		changelog.RegionAnalyzed,
	} {
		lm.regions[r] = &sync.Mutex{}
	}
	return lm
}

// Acquire blocks until every listed region is held and returns a function
// that releases them in reverse order. Duplicates are ignored.
func (lm *LockManager) Acquire(regions ...changelog.Region) (release func()) {
	ordered := normalizeRegions(regions)

	for _, r := range ordered {
		mu, ok := lm.regions[r]
		if !ok {
			panic("execute: unknown region " + r.String())
		}
		mu.Lock()
		if lm.onAcquire != nil {
			lm.onAcquire(r)
		}
	}

	return func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			lm.regions[ordered[i]].Unlock()
		}
	}
}

// normalizeRegions returns a sorted, de-duplicated copy of regions.
func normalizeRegions(regions []changelog.Region) []changelog.Region {
	out := make([]changelog.Region, 0, len(regions))
	seen := make(map[changelog.Region]bool, len(regions))
	for _, r := range regions {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
