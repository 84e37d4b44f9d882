package execute

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alx-kng/telefender/internal/changelog"
)

func TestAcquire_OrdersAndDedupes(t *testing.T) {
	lm := NewLockManager()

	var got []changelog.Region
	lm.onAcquire = func(r changelog.Region) { got = append(got, r) }

	release := lm.Acquire(
		changelog.RegionInstance,
		changelog.RegionContact,
		changelog.RegionTrustedNumbers,
		changelog.RegionContact,
	)
	release()

	assert.Equal(t, []changelog.Region{
		changelog.RegionContact,
		changelog.RegionTrustedNumbers,
		changelog.RegionInstance,
	}, got)
}

func TestAcquire_OppositeOrdersDoNotDeadlock(t *testing.T) {
	lm := NewLockManager()

	a := []changelog.Region{changelog.RegionContact, changelog.RegionInstance}
	b := []changelog.Region{changelog.RegionInstance, changelog.RegionContact}

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for i := 0; i < 200; i++ {
			wg.Add(2)
			go func() { defer wg.Done(); lm.Acquire(a...)() }()
			go func() { defer wg.Done(); lm.Acquire(b...)() }()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("lock acquisition deadlocked")
	}
}

func TestAcquire_Exclusive(t *testing.T) {
	lm := NewLockManager()

	release := lm.Acquire(changelog.RegionContactNumber)

	acquired := make(chan struct{})
	go func() {
		lm.Acquire(changelog.RegionContactNumber, changelog.RegionAnalyzed)()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("region acquired while held")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("region not acquired after release")
	}
}

func TestApplyError(t *testing.T) {
	err := &ApplyError{ChangeID: "c", Type: "ADDN", Attempt: 2, Err: assert.AnError}
	assert.True(t, IsApplyError(err))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "attempt 2")
}
