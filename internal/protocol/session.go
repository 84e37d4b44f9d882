package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/alx-kng/telefender/internal/store"
	"github.com/alx-kng/telefender/internal/workstate"
)

// ErrNotRegistered is returned when a keyed request is attempted before
// setup stored a client key.
var ErrNotRegistered = errors.New("protocol: client not registered")

// Credentials returns the keyed envelope for authenticated requests.
//
// When no key is stored yet and states is non-nil, it waits for the Setup
// work state to finish first. A failed setup, or a setup that succeeded
// without leaving a key behind, yields ErrNotRegistered.
func Credentials(ctx context.Context, s *store.Store, states *workstate.Coordinator) (KeyedEnvelope, error) {
	m, err := s.StoredMap(ctx)
	if err != nil {
		return KeyedEnvelope{}, fmt.Errorf("credentials: %w", err)
	}
	if m.HasKey() {
		return keyed(m), nil
	}
	if states == nil {
		return KeyedEnvelope{}, ErrNotRegistered
	}

	ok, err := states.Await(ctx, workstate.Setup, workstate.AwaitOptions{StopOnFail: true})
	if err != nil {
		return KeyedEnvelope{}, fmt.Errorf("credentials: await setup: %w", err)
	}
	if !ok {
		return KeyedEnvelope{}, fmt.Errorf("credentials: setup failed: %w", ErrNotRegistered)
	}

	if m, err = s.StoredMap(ctx); err != nil {
		return KeyedEnvelope{}, fmt.Errorf("credentials: %w", err)
	}
	if !m.HasKey() {
		return KeyedEnvelope{}, ErrNotRegistered
	}
	return keyed(m), nil
}

func keyed(m store.StoredMap) KeyedEnvelope {
	return KeyedEnvelope{
		Envelope: Envelope{InstanceNumber: m.UserNumber},
		Key:      m.ClientKey,
	}
}
