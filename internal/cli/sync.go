package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/alx-kng/telefender/internal/engine"
	"github.com/alx-kng/telefender/internal/tracing"
)

// SyncResult wraps one round report for output.
type SyncResult struct {
	engine.Report
}

// RenderText implements TextRenderer.
func (r SyncResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Round %d finished in %s\n", r.Round, r.Duration.Round(1e6))
	if ts := r.TableSync; ts != nil {
		describe(w, "native changes", ts.Contacts.Emitted())
		describe(w, "calls recorded", ts.Calls)
	}
	describe(w, "applied", r.Execute.Applied)
	describe(w, "dropped", r.Execute.Dropped)

	streams := make([]string, 0, len(r.Upload))
	for s := range r.Upload {
		streams = append(streams, s)
	}
	sort.Strings(streams)
	for _, s := range streams {
		describe(w, "uploaded "+s, r.Upload[s].Acknowledged)
	}
	describe(w, "downloaded", r.Download.Inserted)
	describe(w, "watermark", r.Download.Watermark)
	renderDepths(w, r.Depths)
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync round",
		Long: `Run one full sync round: diff the native contacts and call log, apply the
execute queue, then upload and download concurrently.

Every stage runs even when an earlier one fails; the command exits with
status 1 if any stage failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, appOptions{}, func(ctx context.Context, a *app) error {
				ctx, span := tracing.Tracer().Start(ctx, "cli.sync")
				defer span.End()

				report, err := a.engine.SyncOnce(ctx)
				if err != nil {
					if engine.FailedStage(err, engine.StageSetup) {
						return stageFailure("sync failed", err)
					}
					_ = a.out.Error(ErrCodeSyncFailed, err.Error(), SyncResult{report})
					return &ExitError{Code: ExitFailure, ErrCode: ErrCodeSyncFailed, Message: "sync failed", Err: err, Reported: true}
				}
				return a.out.SuccessTraced(SyncResult{report}, tracing.TraceID(ctx))
			})
		},
	}
	return cmd
}
