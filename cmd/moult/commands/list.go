package commands

import (
	"fmt"

	"github.com/dyluth/moult/internal/hoard"
	"github.com/dyluth/moult/internal/logging"
	"github.com/spf13/cobra"
)

var (
	listOutputFormat string
	listSince        string
	listUntil        string
	listType         string
	listNamespace    string
	listStale        bool
	listAll          bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored saved objects with filtering",
	Long: `List stored saved objects as a table or JSONL stream.

Records are shown as stored; nothing is migrated or written. Records whose
model version is below the type's current version are marked with '*'.

Output Formats:
  default - Human-readable table with ID, Type, Version, Age, and Title
  jsonl   - Line-delimited JSON, one stored record per line

Time Filters:
  --since  - Show records updated after this time
  --until  - Show records updated before this time

Content Filters:
  --type       - Filter by type (glob pattern: "alert", "*settings")
  --namespace  - Only records in this namespace
  --stale      - Only records below the current model version

Examples:
  # All visible records
  moult list

  # Alerts that still need migrating
  moult list --type=alert --stale

  # Pipe to jq
  moult list --output=jsonl --since=1h | jq '.id'`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVarP(&listOutputFormat, "output", "o", "default", "Output format: default or jsonl")

	// Time-based filters
	listCmd.Flags().StringVar(&listSince, "since", "", "Show records updated after time (duration or RFC3339)")
	listCmd.Flags().StringVar(&listUntil, "until", "", "Show records updated before time (duration or RFC3339)")

	// Content-based filters
	listCmd.Flags().StringVar(&listType, "type", "", "Filter by type (glob pattern)")
	listCmd.Flags().StringVar(&listNamespace, "namespace", "", "Filter by namespace (exact match)")
	listCmd.Flags().BoolVar(&listStale, "stale", false, "Only records below the current model version")
	listCmd.Flags().BoolVar(&listAll, "all", false, "Include hidden types")

	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}

	var outputFormat hoard.OutputFormat
	switch listOutputFormat {
	case "default":
		outputFormat = hoard.OutputFormatDefault
	case "jsonl":
		outputFormat = hoard.OutputFormatJSONL
	default:
		return rt.out.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", listOutputFormat),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	criteria, err := rt.buildCriteria(listSince, listUntil, listType, listNamespace, listStale)
	if err != nil {
		return err
	}

	if err := rt.connect(cmd.Context()); err != nil {
		return err
	}
	defer rt.close()

	opts := hoard.ListOptions{
		Format:        outputFormat,
		Criteria:      criteria,
		IncludeHidden: listAll,
	}
	err = hoard.ListRecords(cmd.Context(), rt.client, rt.registry, rt.cfg.Instance, opts, cmd.OutOrStdout(), logging.Component(rt.logger, "list"))
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}
	return nil
}
