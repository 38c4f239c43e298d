package commands

import (
	"fmt"

	"github.com/dyluth/moult/internal/hoard"
	"github.com/dyluth/moult/internal/migration"
	"github.com/dyluth/moult/internal/resolver"
	"github.com/spf13/cobra"
)

var (
	getType string
	getRaw  bool
)

var getCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one saved object, migrated to its current version",
	Long: `Show the complete details of a single saved object as pretty-printed JSON.

By default the record is migrated in memory to the current model version of
its type; storage is not changed. Use --raw to see the record exactly as
stored.

ID may be a full ID, a unique prefix of at least 6 characters, or TYPE:ID.

Examples:
  moult get 3f9a2c
  moult get alert:3f9a2c71
  moult get 3f9a2c --raw`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

func init() {
	getCmd.Flags().StringVar(&getType, "type", "", "Only search this type (glob pattern)")
	getCmd.Flags().BoolVar(&getRaw, "raw", false, "Show the record as stored, without migrating")

	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	rt, err := setupConnected(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx := cmd.Context()
	shortID := args[0]

	ref, err := resolver.Resolve(ctx, rt.client, getType, shortID)
	if err != nil {
		if resolver.IsNotFoundError(err) {
			return rt.out.Error(
				fmt.Sprintf("record with ID '%s' not found", shortID),
				"No stored record has this ID.",
				[]string{
					"List all records:\n  moult list",
					fmt.Sprintf("Check the instance:\n  moult get %s --name <instance>", shortID),
				},
			)
		}
		if resolver.IsAmbiguousError(err) {
			ambigErr := err.(*resolver.AmbiguousError)
			fmt.Fprintln(cmd.ErrOrStderr(), resolver.FormatAmbiguousError(ambigErr))
			return fmt.Errorf("ambiguous short ID")
		}
		return fmt.Errorf("failed to resolve record ID: %w", err)
	}

	var runner *migration.Runner
	if !getRaw {
		runner = rt.runner
	}

	if err := hoard.GetRecord(ctx, rt.client, runner, ref, cmd.OutOrStdout()); err != nil {
		if hoard.IsNotFound(err) {
			return rt.out.Error(
				fmt.Sprintf("record '%s' not found", ref),
				"The record was resolved but could not be fetched.",
				[]string{"This might indicate a concurrent delete. Try again."},
			)
		}
		if reported, ok := rt.reportMigrationError(err); ok {
			return reported
		}
		return fmt.Errorf("failed to get record: %w", err)
	}
	return nil
}
