package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/alx-kng/telefender/internal/changelog"
	"github.com/alx-kng/telefender/internal/protocol"
	"github.com/alx-kng/telefender/internal/workstate"
)

// ErrAlreadySetUp is returned by Setup when a client key is already stored.
var ErrAlreadySetUp = errors.New("engine: installation already set up")

// OTPSource supplies the one-time password once the server has opened a
// session, typically by reading the SMS the server sent.
type OTPSource func(ctx context.Context) (string, error)

// StaticOTP returns an OTPSource that always yields code.
func StaticOTP(code string) OTPSource {
	return func(context.Context) (string, error) { return code, nil }
}

// Setup performs the installation handshake for instanceNumber:
// requestInstallation opens a session, verifyInstallation exchanges the
// one-time password for the client key, and an INSTANCE_INSERT for the
// device's own number is recorded. The Setup work state tracks progress so
// that agents started concurrently wait for the key.
func (e *Engine) Setup(ctx context.Context, instanceNumber string, otp OTPSource) (err error) {
	m, err := e.store.StoredMap(ctx)
	if err != nil {
		return &StageError{Stage: StageSetup, Err: err}
	}
	if m.HasKey() {
		e.states.Succeed(workstate.Setup)
		return ErrAlreadySetUp
	}

	instance := e.norm.Normalize(instanceNumber)
	if instance == "" {
		return &StageError{Stage: StageSetup, Err: fmt.Errorf("invalid instance number %q", instanceNumber)}
	}

	e.states.Start(workstate.Setup)
	defer func() {
		if err != nil {
			e.states.Fail(workstate.Setup)
			err = &StageError{Stage: StageSetup, Err: err}
			return
		}
		e.states.Succeed(workstate.Setup)
	}()

	env := protocol.Envelope{InstanceNumber: instance}

	session, err := e.client.RequestSession(ctx, protocol.DefaultRequest{Envelope: env})
	if err != nil {
		return fmt.Errorf("request installation: %w", err)
	}
	if !session.OK() {
		return fmt.Errorf("request installation: %w", session.Err())
	}
	if err := e.store.SetSession(ctx, instance, session.SessionID); err != nil {
		return err
	}
	e.logger.Info("installation session opened", "instance", instance)

	code, err := otp(ctx)
	if err != nil {
		return fmt.Errorf("read one-time password: %w", err)
	}

	key, err := e.client.Verify(ctx, protocol.VerifyRequest{
		Envelope:  env,
		SessionID: session.SessionID,
		OTP:       code,
	})
	if err != nil {
		return fmt.Errorf("verify installation: %w", err)
	}
	if !key.OK() {
		return fmt.Errorf("verify installation: %w", key.Err())
	}
	if key.Key == "" {
		return errors.New("verify installation: server returned an empty key")
	}
	if _, err := e.store.CompleteSetup(ctx, key.Key, changelog.Input{
		Type:           changelog.InstanceInsert,
		InstanceNumber: instance,
	}); err != nil {
		return err
	}

	e.logger.Info("installation verified", "instance", instance)
	return nil
}
