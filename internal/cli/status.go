package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/alx-kng/telefender/internal/store"
)

// StatusOutput summarizes the local replica. The client key is never
// printed.
type StatusOutput struct {
	Instance            string            `json:"instance"`
	Registered          bool              `json:"registered"`
	Watermark           int64             `json:"watermark"`
	LastLogSyncTime     int64             `json:"last_log_sync_time"`
	LastContactSyncTime int64             `json:"last_contact_sync_time"`
	Depths              store.QueueDepths `json:"depths"`
	Instances           int               `json:"instances"`
	Contacts            int               `json:"contacts"`
	ContactNumbers      int               `json:"contact_numbers"`
	TrustedNumbers      int               `json:"trusted_numbers"`
	AnalyzedNumbers     int               `json:"analyzed_numbers"`
	CallDetails         int               `json:"call_details"`
}

// RenderText implements TextRenderer.
func (s StatusOutput) RenderText(w io.Writer) {
	instance := s.Instance
	if instance == "" {
		instance = "(not set up)"
	}
	describe(w, "instance", instance)
	describe(w, "registered", s.Registered)
	describe(w, "watermark", s.Watermark)
	describe(w, "last call-log sync", formatMillis(s.LastLogSyncTime))
	describe(w, "last contact sync", formatMillis(s.LastContactSyncTime))
	describe(w, "instances", s.Instances)
	describe(w, "contacts", s.Contacts)
	describe(w, "contact numbers", s.ContactNumbers)
	describe(w, "trusted numbers", s.TrustedNumbers)
	describe(w, "analyzed numbers", s.AnalyzedNumbers)
	describe(w, "call details", s.CallDetails)
	renderDepths(w, s.Depths)
}

func renderDepths(w io.Writer, d store.QueueDepths) {
	fmt.Fprintf(w, "%-20s execute=%d change=%d analyzed=%d error=%d\n", "pending:",
		d.Execute, d.UploadChange, d.UploadAnalyzed, d.UploadError)
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show installation state, watermark and queue depths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, appOptions{}, func(ctx context.Context, a *app) error {
				out, err := collectStatus(ctx, a.store)
				if err != nil {
					return WrapExitError(ExitCommandError, ErrCodeDatabase, "failed to read status", err)
				}
				return a.out.Success(out)
			})
		},
	}
}

func collectStatus(ctx context.Context, s *store.Store) (StatusOutput, error) {
	m, err := s.StoredMap(ctx)
	if err != nil {
		return StatusOutput{}, err
	}
	depths, err := s.QueueDepths(ctx)
	if err != nil {
		return StatusOutput{}, err
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return StatusOutput{}, err
	}
	return StatusOutput{
		Instance:            m.UserNumber,
		Registered:          m.HasKey(),
		Watermark:           m.LastServerRowID,
		LastLogSyncTime:     m.LastLogSyncTime,
		LastContactSyncTime: m.LastContactSyncTime,
		Depths:              depths,
		Instances:           len(snap.Instances),
		Contacts:            len(snap.Contacts),
		ContactNumbers:      len(snap.ContactNumbers),
		TrustedNumbers:      len(snap.TrustedNumbers),
		AnalyzedNumbers:     len(snap.Analyzed),
		CallDetails:         len(snap.CallDetails),
	}, nil
}
