package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alx-kng/telefender/internal/engine"
)

// SetupOptions holds flags for the setup command.
type SetupOptions struct {
	*RootOptions
	Instance string
	OTP      string
}

// SetupResult is the outcome of the handshake.
type SetupResult struct {
	Instance      string `json:"instance"`
	AlreadySetUp  bool   `json:"already_set_up"`
	PendingUpload int    `json:"pending_upload"`
}

// RenderText implements TextRenderer.
func (r SetupResult) RenderText(w io.Writer) {
	if r.AlreadySetUp {
		fmt.Fprintf(w, "Already registered as %s.\n", r.Instance)
		return
	}
	fmt.Fprintf(w, "Registered as %s. Run 'telefender sync' to upload the installation.\n", r.Instance)
}

// NewSetupCommand creates the setup command.
func NewSetupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SetupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Register this installation with the server",
		Long: `Register this installation with the telefender server.

The server opens a session for the instance number and sends a one-time
password by SMS; the password is exchanged for the client key that
authenticates every later request. Without --otp the password is read from
standard input.

Example:
  telefender setup --instance +15550000001
  telefender setup --instance +15550000001 --otp 123456`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, appOptions{}, func(ctx context.Context, a *app) error {
				return runSetup(ctx, cmd, opts, a)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Instance, "instance", "", "this device's phone number (default: instance_number from config)")
	cmd.Flags().StringVar(&opts.OTP, "otp", "", "one-time password received by SMS")

	return cmd
}

func runSetup(ctx context.Context, cmd *cobra.Command, opts *SetupOptions, a *app) error {
	instance := opts.Instance
	if instance == "" {
		instance = a.cfg.InstanceNumber
	}
	if instance == "" {
		return NewExitError(ExitCommandError, ErrCodeInvalidArgs, "no instance number: pass --instance or set instance_number")
	}

	otp := engine.StaticOTP(opts.OTP)
	if opts.OTP == "" {
		otp = promptOTP(cmd.InOrStdin(), a.out.GetErrWriter())
	}

	err := a.engine.Setup(ctx, instance, otp)
	switch {
	case errors.Is(err, engine.ErrAlreadySetUp):
		m, err := a.store.StoredMap(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, ErrCodeDatabase, "failed to read installation state", err)
		}
		return a.out.Success(SetupResult{Instance: m.UserNumber, AlreadySetUp: true})
	case err != nil:
		return stageFailure("setup failed", err)
	}

	depths, err := a.store.QueueDepths(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, ErrCodeDatabase, "failed to read queues", err)
	}
	m, err := a.store.StoredMap(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, ErrCodeDatabase, "failed to read installation state", err)
	}
	return a.out.Success(SetupResult{Instance: m.UserNumber, PendingUpload: depths.Execute + depths.UploadChange})
}

// promptOTP reads the one-time password from r after the server has sent it.
func promptOTP(r io.Reader, prompt io.Writer) engine.OTPSource {
	return func(ctx context.Context) (string, error) {
		fmt.Fprint(prompt, "One-time password: ")
		line, err := bufio.NewReader(r).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		code := strings.TrimSpace(line)
		if code == "" {
			return "", errors.New("no one-time password entered")
		}
		return code, nil
	}
}
