package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/alx-kng/telefender/internal/download"
	"github.com/alx-kng/telefender/internal/execute"
	"github.com/alx-kng/telefender/internal/store"
	"github.com/alx-kng/telefender/internal/tablesync"
	"github.com/alx-kng/telefender/internal/upload"
)

// UploadOptions holds flags for the upload command.
type UploadOptions struct {
	*RootOptions
	Stream string
}

// UploadOutput reports acknowledged rows per stream.
type UploadOutput map[string]upload.Result

// RenderText implements TextRenderer.
func (u UploadOutput) RenderText(w io.Writer) {
	for _, q := range store.UploadQueues {
		if res, ok := u[q.String()]; ok {
			describe(w, q.String(), fmt.Sprintf("%d acknowledged in %d batches", res.Acknowledged, res.Batches))
		}
	}
}

// NewUploadCommand creates the upload command.
func NewUploadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UploadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload pending change, analyzed and error rows",
		Long: `Upload the pending rows of the upload queues in batches.

Acknowledged rows are trimmed from the queue; on a partial failure only the
rows the server confirmed are trimmed and the rest are retried.

Example:
  telefender upload
  telefender upload --stream change`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, appOptions{}, func(ctx context.Context, a *app) error {
				if err := a.requireKey(ctx); err != nil {
					return err
				}
				out := UploadOutput{}
				if opts.Stream == "" {
					results, err := a.engine.Uploader().UploadAll(ctx)
					for q, res := range results {
						out[q.String()] = res
					}
					if err != nil {
						return stageFailure("upload failed", err)
					}
					return a.out.Success(out)
				}

				q, err := parseStream(opts.Stream)
				if err != nil {
					return err
				}
				res, err := a.engine.Uploader().Upload(ctx, q)
				out[q.String()] = res
				if err != nil {
					return stageFailure("upload failed", err)
				}
				return a.out.Success(out)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Stream, "stream", "", "upload only this stream (change|analyzed|error)")
	return cmd
}

func parseStream(name string) (store.UploadQueue, error) {
	for _, q := range store.UploadQueues {
		if q.String() == name {
			return q, nil
		}
	}
	return 0, NewExitError(ExitCommandError, ErrCodeInvalidArgs,
		fmt.Sprintf("unknown stream %q: must be change, analyzed or error", name))
}

// DownloadOutput wraps the download result.
type DownloadOutput struct {
	download.Result
}

// RenderText implements TextRenderer.
func (d DownloadOutput) RenderText(w io.Writer) {
	describe(w, "pages", d.Pages)
	describe(w, "inserted", d.Inserted)
	describe(w, "duplicates", d.Duplicates)
	describe(w, "applied", d.Applied)
	describe(w, "watermark", d.Watermark)
}

// NewDownloadCommand creates the download command.
func NewDownloadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "download",
		Short: "Download and apply server changes past the watermark",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, appOptions{}, func(ctx context.Context, a *app) error {
				if err := a.requireKey(ctx); err != nil {
					return err
				}
				res, err := a.engine.Downloader().Download(ctx)
				if err != nil {
					return stageFailure("download failed", err)
				}
				return a.out.Success(DownloadOutput{res})
			})
		},
	}
}

// ExecuteOutput wraps the drain result.
type ExecuteOutput struct {
	execute.DrainResult
}

// RenderText implements TextRenderer.
func (e ExecuteOutput) RenderText(w io.Writer) {
	describe(w, "applied", e.Applied)
	describe(w, "dropped", e.Dropped)
}

// NewExecuteCommand creates the execute command.
func NewExecuteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "execute",
		Short: "Apply every pending change in the execute queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, appOptions{}, func(ctx context.Context, a *app) error {
				res, err := a.engine.Executor().Drain(ctx)
				if err != nil {
					return stageFailure("execute failed", err)
				}
				return a.out.Success(ExecuteOutput{res})
			})
		},
	}
}

// TableSyncOutput wraps the synchronizer result.
type TableSyncOutput struct {
	tablesync.Result
}

// RenderText implements TextRenderer.
func (t TableSyncOutput) RenderText(w io.Writer) {
	c := t.Contacts
	describe(w, "contact inserts", c.ContactInserts)
	describe(w, "contact deletes", c.ContactDeletes)
	describe(w, "number inserts", c.NumberInserts)
	describe(w, "number updates", c.NumberUpdates)
	describe(w, "number deletes", c.NumberDeletes)
	describe(w, "skipped", c.Skipped)
	describe(w, "calls recorded", t.Calls)
}

// NewTableSyncCommand creates the tablesync command.
func NewTableSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tablesync",
		Short: "Diff the native contacts and call log into the change log",
		Long: `Diff the native contacts file against the local contacts of this instance
and record a change log for every difference, then copy new calls from the
native call-log file.

The native files are configured by native_contacts_file and
native_calls_file (default: contacts.json and calls.json in data_dir).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, appOptions{}, func(ctx context.Context, a *app) error {
				if err := a.requireKey(ctx); err != nil {
					return err
				}
				res, err := a.engine.Synchronizer().Sync(ctx)
				if err != nil {
					return stageFailure("table sync failed", err)
				}
				return a.out.Success(TableSyncOutput{res})
			})
		},
	}
}
