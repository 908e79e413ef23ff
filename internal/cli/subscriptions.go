package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/macjediwizard/deltabridge/internal/db"
	"github.com/macjediwizard/deltabridge/internal/provider"
)

// NewSubscriptionsCommand creates the subscriptions command group.
func NewSubscriptionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "Manage change notification subscriptions",
	}
	cmd.AddCommand(newSubscriptionsAddCommand(rootOpts))
	cmd.AddCommand(newSubscriptionsExpiringCommand(rootOpts))
	return cmd
}

func newSubscriptionsAddCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		target      targetFlags
		id          string
		tenant      string
		clientState string
		expires     string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a subscription created with the provider",
		Long: `Record a subscription created with the provider so incoming
notifications can be matched to their account feed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := target.resourceType()
			if err != nil {
				return err
			}
			expiresAt, err := time.Parse(time.RFC3339, expires)
			if err != nil {
				return WrapExitError(ExitCommandError, "--expires must be an RFC 3339 timestamp", err)
			}

			database, err := openDB(rootOpts)
			if err != nil {
				return err
			}
			defer database.Close()

			sub := &provider.Subscription{
				ID:           id,
				AccountID:    target.Account,
				ResourceType: rt,
				TenantID:     tenant,
				ClientState:  clientState,
				ExpiresAt:    expiresAt,
				IsActive:     true,
			}
			if err := database.CreateSubscription(cmd.Context(), sub); err != nil {
				if errors.Is(err, db.ErrDuplicate) {
					return WrapExitError(ExitCommandError, "subscription already recorded", err)
				}
				return WrapExitError(ExitFailure, "failed to record subscription", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Recorded subscription %s for %s|%s\n", id, target.Account, rt)
			return nil
		},
	}

	target.register(cmd)
	cmd.Flags().StringVar(&id, "id", "", "subscription ID issued by the provider (required)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID")
	cmd.Flags().StringVar(&clientState, "client-state", "", "client state secret echoed in notifications (required)")
	cmd.Flags().StringVar(&expires, "expires", "", "expiration time, RFC 3339 (required)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("client-state")
	_ = cmd.MarkFlagRequired("expires")
	return cmd
}

func newSubscriptionsExpiringCommand(rootOpts *RootOptions) *cobra.Command {
	var within time.Duration

	cmd := &cobra.Command{
		Use:           "expiring",
		Short:         "List active subscriptions that expire soon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB(rootOpts)
			if err != nil {
				return err
			}
			defer database.Close()

			subs, err := database.ListSubscriptionsExpiringBefore(cmd.Context(), time.Now().Add(within))
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list subscriptions", err)
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				if subs == nil {
					subs = []*provider.Subscription{}
				}
				return writeJSON(out, subs)
			}

			if len(subs) == 0 {
				fmt.Fprintf(out, "No subscriptions expire within %v\n", within)
				return nil
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "ID\tACCOUNT\tRESOURCE\tEXPIRES")
			for _, s := range subs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.AccountID, s.ResourceType, s.ExpiresAt.Local().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().DurationVar(&within, "within", 6*time.Hour, "expiry horizon")
	return cmd
}
