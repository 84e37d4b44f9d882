package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alx-kng/telefender/internal/changelog"
)

// RecordOptions holds flags for the record command.
type RecordOptions struct {
	*RootOptions
	Instance  string
	CID       string
	Number    string
	OldNumber string
	Parent    string
	Counter   int64
	Degree    int
	Trust     int
	Blocked   bool
	Apply     bool
}

// RecordOutput describes the recorded change.
type RecordOutput struct {
	ChangeID       string `json:"change_id"`
	Type           string `json:"type"`
	InstanceNumber string `json:"instance_number"`
	RowID          int64  `json:"row_id"`
	CID            string `json:"cid,omitempty"`
	Applied        int    `json:"applied"`
}

// RenderText implements TextRenderer.
func (r RecordOutput) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Recorded %s %s for %s\n", changelog.Type(r.Type).Name(), r.ChangeID, r.InstanceNumber)
	if r.CID != "" {
		describe(w, "cid", r.CID)
	}
	if r.Applied > 0 {
		describe(w, "applied", r.Applied)
	}
}

// NewRecordCommand creates the record command.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "record <type>",
		Short: "Record a user-initiated change",
		Long: `Record a change made by the user on this device. The change is appended to
the change log, the execute queue and the upload queue in one transaction.

<type> is a wire code (ADDC, UPDN, ADDI, ...) or a long name
(CONTACT_INSERT, TRUSTED_NUMBER_UPDATE, ...). A CONTACT_INSERT without --cid
gets a fresh random CID.

Example:
  telefender record ADDC
  telefender record ADDN --cid 0b1c... --number "+1 555 123 0001" --counter 1 --degree 0
  telefender record UPDN --cid 0b1c... --old-number +15551230001 --number +15551230009 --apply`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := changelog.ParseType(strings.ToUpper(args[0]))
			if err != nil {
				return (&OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}).Fail(
					WrapExitError(ExitCommandError, ErrCodeInvalidArgs, "invalid change type", err), nil)
			}
			return withApp(cmd, opts.RootOptions, appOptions{}, func(ctx context.Context, a *app) error {
				return runRecord(ctx, cmd, opts, t, a)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Instance, "instance", "", "instance number (default: this installation)")
	f.StringVar(&opts.CID, "cid", "", "contact id")
	f.StringVar(&opts.Number, "number", "", "phone number")
	f.StringVar(&opts.OldNumber, "old-number", "", "number being replaced (UPDN)")
	f.StringVar(&opts.Parent, "parent", "", "parent number")
	f.Int64Var(&opts.Counter, "counter", 0, "native version counter")
	f.IntVar(&opts.Degree, "degree", 0, "contact degree")
	f.IntVar(&opts.Trust, "trust", 0, "trustability mark")
	f.BoolVar(&opts.Blocked, "blocked", false, "blocked flag (UPDC)")
	f.BoolVar(&opts.Apply, "apply", false, "drain the execute queue after recording")

	return cmd
}

func runRecord(ctx context.Context, cmd *cobra.Command, opts *RecordOptions, t changelog.Type, a *app) error {
	instance := opts.Instance
	if instance == "" {
		m, err := a.store.StoredMap(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, ErrCodeDatabase, "failed to read installation state", err)
		}
		instance = m.UserNumber
	}
	if instance == "" {
		return NewExitError(ExitCommandError, ErrCodeNotRegistered, "no instance number: run 'telefender setup' or pass --instance")
	}

	flags := cmd.Flags()
	var p changelog.Payload
	if opts.CID != "" {
		p.CID = changelog.Str(opts.CID)
	} else if t == changelog.ContactInsert {
		p.CID = changelog.Str(changelog.NewCID())
	}
	if opts.Number != "" {
		p.Number = changelog.Str(opts.Number)
	}
	if opts.OldNumber != "" {
		p.OldNumber = changelog.Str(opts.OldNumber)
	}
	if opts.Parent != "" {
		p.ParentNumber = changelog.Str(opts.Parent)
	}
	if flags.Changed("counter") {
		p.CounterValue = changelog.Int64(opts.Counter)
	}
	if flags.Changed("degree") {
		p.Degree = changelog.Int(opts.Degree)
	}
	if flags.Changed("trust") {
		p.Trustability = changelog.Int(opts.Trust)
	}
	if flags.Changed("blocked") {
		p.Blocked = changelog.Bool(opts.Blocked)
	}

	c, err := a.store.RecordFromClient(ctx, changelog.Input{Type: t, InstanceNumber: instance, Payload: p})
	if err != nil {
		return WrapExitError(ExitCommandError, ErrCodeInvalidArgs, "failed to record change", err)
	}
	a.logger.Info("change recorded", "change", c.String())

	out := RecordOutput{
		ChangeID:       c.ChangeID,
		Type:           string(c.Type),
		InstanceNumber: c.InstanceNumber,
		RowID:          c.RowID,
	}
	if p.CID != nil {
		out.CID = *p.CID
	}
	if opts.Apply {
		res, err := a.engine.Executor().Drain(ctx)
		out.Applied = res.Applied
		if err != nil {
			return stageFailure("execute failed", err)
		}
	}
	return a.out.Success(out)
}
