package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/macjediwizard/deltabridge/internal/app"
	"github.com/macjediwizard/deltabridge/internal/config"
	"github.com/macjediwizard/deltabridge/internal/deltasync"
	"github.com/macjediwizard/deltabridge/internal/provider"
	"github.com/macjediwizard/deltabridge/internal/sink"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	targetFlags
	Reset   bool
	Mode    string
	Publish bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and print the changes",
		Long: `Run one sync cycle for an account feed and print every change.

The cursor is saved only after the cycle completes, so an interrupted run
is replayed in full by the next one.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, opts, cmd)
		},
	}

	opts.register(cmd)
	cmd.Flags().BoolVar(&opts.Reset, "reset", false, "discard the stored cursor and start from a fresh feed")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "delivery mode: buffered or streaming (default $SYNC_MODE)")
	cmd.Flags().BoolVar(&opts.Publish, "publish", false, "also publish changes to the configured JetStream stream")
	return cmd
}

func runSync(rootOpts *RootOptions, opts *SyncOptions, cmd *cobra.Command) error {
	rt, err := opts.resourceType()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx, rootOpts)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.Feeds.Supports(rt) {
		return NewExitError(ExitCommandError, fmt.Sprintf("resource type %s is not configured", rt))
	}

	mode := a.Config.Sync.Mode
	if opts.Mode != "" {
		if mode, err = deltasync.ParseMode(opts.Mode); err != nil {
			return WrapExitError(ExitCommandError, "invalid --mode", err)
		}
	}

	sinks := sink.Multi{changeWriter(cmd.OutOrStdout(), rootOpts.Format)}
	if opts.Publish {
		if a.Config.NATS.URL == "" {
			return NewExitError(ExitCommandError, "--publish requires NATS_URL")
		}
		js, err := sink.NewJetStreamSink(a.Config.NATS.URL, a.Config.NATS.Stream)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to connect to NATS", err)
		}
		defer js.Close()
		if err := js.EnsureStream(ctx); err != nil {
			return WrapExitError(ExitFailure, "failed to prepare stream", err)
		}
		sinks = append(sinks, js)
	}

	result, err := a.Engine.SyncTo(ctx, opts.Account, rt, deltasync.Options{
		ForceReset: opts.Reset,
		Mode:       mode,
	}, sinks)
	if err != nil {
		return WrapExitError(ExitFailure, "sync failed", err)
	}

	writeSummary(cmd.ErrOrStderr(), result)
	return nil
}

// changeWriter prints each change as a JSON line or a text row.
func changeWriter(w io.Writer, format string) deltasync.Sink {
	enc := json.NewEncoder(w)
	return deltasync.SinkFunc(func(ctx context.Context, changes []provider.NormalizedChange) error {
		for _, ch := range changes {
			if format == "json" {
				if err := enc.Encode(ch); err != nil {
					return err
				}
				continue
			}
			modified := "-"
			if !ch.ModifiedAt.IsZero() {
				modified = ch.ModifiedAt.Local().Format(time.RFC3339)
			}
			if _, err := fmt.Fprintf(w, "%-8s %s %s\n", ch.Kind, ch.ID, modified); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeSummary(w io.Writer, r *deltasync.Result) {
	fmt.Fprintf(w, "%s|%s: %d changes (%d created, %d updated, %d deleted), %d pages in %v",
		r.AccountID, r.ResourceType, r.Total(), r.Created, r.Updated, r.Deleted, r.Pages, r.Duration.Round(time.Millisecond))
	if r.Failed > 0 {
		fmt.Fprintf(w, ", %d items failed", r.Failed)
	}
	if r.ColdStart {
		fmt.Fprint(w, ", cold start")
	}
	if r.Recovered {
		fmt.Fprint(w, ", recovered from expired cursor")
	}
	fmt.Fprintln(w)
}

// NewBaselineCommand creates the baseline command.
func NewBaselineCommand(rootOpts *RootOptions) *cobra.Command {
	var target targetFlags

	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Discard history and save a cursor at the head of the feed",
		Long: `Discard any stored cursor and walk a fresh feed to its head without
emitting items. The next sync reports only changes made after this point.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := target.resourceType()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.Feeds.Supports(rt) {
				return NewExitError(ExitCommandError, fmt.Sprintf("resource type %s is not configured", rt))
			}
			if _, err := a.Engine.InitializeBaseline(ctx, target.Account, rt); err != nil {
				return WrapExitError(ExitFailure, "baseline failed", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Baseline saved for %s|%s\n", target.Account, rt)
			return nil
		},
	}

	target.register(cmd)
	return cmd
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	var target targetFlags

	cmd := &cobra.Command{
		Use:           "reset",
		Short:         "Delete the stored cursor so the next sync starts fresh",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := target.resourceType()
			if err != nil {
				return err
			}

			database, err := openDB(rootOpts)
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.DeleteCursor(cmd.Context(), target.Account, rt); err != nil {
				return WrapExitError(ExitFailure, "failed to reset cursor", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Cursor reset for %s|%s\n", target.Account, rt)
			return nil
		},
	}

	target.register(cmd)
	return cmd
}

func loadApp(ctx context.Context, rootOpts *RootOptions) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	cfg.Database.Path = rootOpts.Database

	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to initialize", err)
	}
	return a, nil
}
