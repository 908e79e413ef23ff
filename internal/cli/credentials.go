package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/macjediwizard/deltabridge/internal/db"
)

// NewCredentialsCommand creates the credentials command group.
func NewCredentialsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage account credentials",
	}
	cmd.AddCommand(newCredentialsSetCommand(rootOpts))
	return cmd
}

func newCredentialsSetCommand(rootOpts *RootOptions) *cobra.Command {
	var account, tenant string

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store the refresh token of an account",
		Long: `Store the refresh token of an account. The token is read from the
first line of standard input so it does not appear in shell history.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readSecret(cmd)
			if err != nil {
				return err
			}

			database, err := openDB(rootOpts)
			if err != nil {
				return err
			}
			defer database.Close()

			cred := &db.AccountCredential{
				AccountID:    account,
				TenantID:     tenant,
				RefreshToken: token,
			}
			if err := database.UpsertAccountCredential(cmd.Context(), cred); err != nil {
				return WrapExitError(ExitFailure, "failed to store credential", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Stored credential for %s\n", account)
			return nil
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "account ID (required)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID (defaults to the configured OAuth tenant)")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func readSecret(cmd *cobra.Command) (string, error) {
	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", WrapExitError(ExitCommandError, "failed to read refresh token", err)
		}
		return "", NewExitError(ExitCommandError, "refresh token must be provided on standard input")
	}
	token := strings.TrimSpace(scanner.Text())
	if token == "" {
		return "", NewExitError(ExitCommandError, "refresh token is empty")
	}
	return token, nil
}
