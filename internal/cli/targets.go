package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/macjediwizard/deltabridge/internal/db"
)

const defaultTargetInterval = 300

// NewTargetsCommand creates the targets command group.
func NewTargetsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Manage sync targets",
	}

	cmd.AddCommand(newTargetsListCommand(rootOpts))
	cmd.AddCommand(newTargetsAddCommand(rootOpts))
	cmd.AddCommand(newTargetsRemoveCommand(rootOpts))
	cmd.AddCommand(newTargetsToggleCommand(rootOpts, "enable", true))
	cmd.AddCommand(newTargetsToggleCommand(rootOpts, "disable", false))

	return cmd
}

func newTargetsListCommand(rootOpts *RootOptions) *cobra.Command {
	var enabledOnly bool

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List sync targets",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB(rootOpts)
			if err != nil {
				return err
			}
			defer database.Close()

			targets, err := database.ListSyncTargets(cmd.Context(), enabledOnly)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list targets", err)
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				if targets == nil {
					targets = []*db.SyncTarget{}
				}
				return writeJSON(out, targets)
			}

			if len(targets) == 0 {
				fmt.Fprintln(out, "No sync targets")
				return nil
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "ACCOUNT\tRESOURCE\tINTERVAL\tENABLED\tSTATUS\tLAST SYNC")
			for _, t := range targets {
				last := "never"
				if t.LastSyncAt != nil {
					last = t.LastSyncAt.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%ds\t%t\t%s\t%s\n",
					t.AccountID, t.ResourceType, t.SyncInterval, t.Enabled, t.LastSyncStatus, last)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "only list enabled targets")
	return cmd
}

func newTargetsAddCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		target   targetFlags
		interval int
		disabled bool
	)

	cmd := &cobra.Command{
		Use:           "add",
		Short:         "Register an account feed for periodic sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := target.resourceType()
			if err != nil {
				return err
			}
			if interval <= 0 {
				return NewExitError(ExitCommandError, "--interval must be positive")
			}

			database, err := openDB(rootOpts)
			if err != nil {
				return err
			}
			defer database.Close()

			t := &db.SyncTarget{
				AccountID:    target.Account,
				ResourceType: rt,
				SyncInterval: interval,
				Enabled:      !disabled,
			}
			if err := database.CreateSyncTarget(cmd.Context(), t); err != nil {
				if errors.Is(err, db.ErrDuplicate) {
					return WrapExitError(ExitCommandError, "target already exists", err)
				}
				return WrapExitError(ExitFailure, "failed to create target", err)
			}

			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), t)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added target %s\n", t.Key())
			return nil
		},
	}

	target.register(cmd)
	cmd.Flags().IntVar(&interval, "interval", defaultTargetInterval, "sync interval in seconds")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the target disabled")
	return cmd
}

func newTargetsRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	var target targetFlags

	cmd := &cobra.Command{
		Use:           "remove",
		Short:         "Remove a sync target and its cursor",
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

			if err := database.DeleteSyncTarget(cmd.Context(), target.Account, rt); err != nil {
				if errors.Is(err, db.ErrNotFound) {
					return WrapExitError(ExitCommandError, "target not found", err)
				}
				return WrapExitError(ExitFailure, "failed to remove target", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Removed target %s|%s\n", target.Account, rt)
			return nil
		},
	}

	target.register(cmd)
	return cmd
}

func newTargetsToggleCommand(rootOpts *RootOptions, use string, enabled bool) *cobra.Command {
	var target targetFlags

	cmd := &cobra.Command{
		Use:           use,
		Short:         fmt.Sprintf("%s periodic sync of a target", capitalize(use)),
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

			if err := database.SetSyncTargetEnabled(cmd.Context(), target.Account, rt, enabled); err != nil {
				if errors.Is(err, db.ErrNotFound) {
					return WrapExitError(ExitCommandError, "target not found", err)
				}
				return WrapExitError(ExitFailure, "failed to update target", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Target %s|%s %sd\n", target.Account, rt, use)
			return nil
		},
	}

	target.register(cmd)
	return cmd
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
