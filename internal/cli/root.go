// Package cli implements the deltabridgectl operator commands.
package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/macjediwizard/deltabridge/internal/db"
	"github.com/macjediwizard/deltabridge/internal/provider"
)

const defaultDatabasePath = "./data/deltabridge.db"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Database string
	Format   string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the deltabridgectl CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "deltabridgectl",
		Short: "Operate a deltabridge sync database",
		Long: `deltabridgectl manages sync targets, account credentials and
subscription records, and runs sync cycles against the configured providers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			// .env is optional
			_ = godotenv.Load()
			if opts.Database == "" {
				opts.Database = os.Getenv("DATABASE_PATH")
			}
			if opts.Database == "" {
				opts.Database = defaultDatabasePath
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (default $DATABASE_PATH or "+defaultDatabasePath+")")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewTargetsCommand(opts))
	cmd.AddCommand(NewCredentialsCommand(opts))
	cmd.AddCommand(NewSubscriptionsCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewBaselineCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func openDB(opts *RootOptions) (*db.DB, error) {
	database, err := db.New(opts.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return database, nil
}

// targetFlags are the --account and --resource flags shared by commands
// that act on one account feed.
type targetFlags struct {
	Account  string
	Resource string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Account, "account", "", "account ID (required)")
	cmd.Flags().StringVar(&f.Resource, "resource", "", "resource type: events, messages, contacts or calendar (required)")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("resource")
}

func (f *targetFlags) resourceType() (provider.ResourceType, error) {
	rt := provider.ResourceType(f.Resource)
	if !rt.IsValid() {
		return "", NewExitError(ExitCommandError, fmt.Sprintf("invalid resource type %q", f.Resource))
	}
	return rt, nil
}
