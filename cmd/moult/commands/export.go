package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	exportFile      string
	exportSince     string
	exportUntil     string
	exportType      string
	exportNamespace string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export saved objects as NDJSON",
	Long: `Export stored saved objects as newline-delimited JSON.

Every record is migrated to its current model version, checked for export
eligibility and stripped of deployment-bound fields (API keys, task IDs,
execution state). The last line is a summary with exportedCount,
excludedObjectsCount and the excluded objects with their reasons.

Records of non-transferable types, and rules whose rule type is not
installed or not exportable, are listed in the summary instead.

A record that fails to migrate aborts the export.

Examples:
  moult export > objects.ndjson
  moult export --type=alert --file=alerts.ndjson
  moult export --namespace=default --since=24h`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportFile, "file", "f", "", "Write to this file instead of stdout")
	exportCmd.Flags().StringVar(&exportSince, "since", "", "Only records updated after time (duration or RFC3339)")
	exportCmd.Flags().StringVar(&exportUntil, "until", "", "Only records updated before time (duration or RFC3339)")
	exportCmd.Flags().StringVar(&exportType, "type", "", "Only types matching this glob")
	exportCmd.Flags().StringVar(&exportNamespace, "namespace", "", "Only records in this namespace")

	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}

	criteria, err := rt.buildCriteria(exportSince, exportUntil, exportType, exportNamespace, false)
	if err != nil {
		return err
	}

	if err := rt.connect(cmd.Context()); err != nil {
		return err
	}
	defer rt.close()

	var w io.Writer = cmd.OutOrStdout()
	var f *os.File
	if exportFile != "" {
		f, err = os.Create(exportFile)
		if err != nil {
			return rt.out.Error(
				"cannot create export file",
				err.Error(),
				[]string{"Check the path and permissions, or omit --file to write to stdout"},
			)
		}
		w = f
	}

	summary, err := rt.filter.Export(cmd.Context(), rt.client, criteria, w)
	if f != nil {
		closeErr := f.Close()
		if err != nil {
			os.Remove(exportFile)
		} else if closeErr != nil {
			return fmt.Errorf("failed to write %s: %w", exportFile, closeErr)
		}
	}
	if err != nil {
		if reported, ok := rt.reportMigrationError(err); ok {
			return reported
		}
		return fmt.Errorf("export failed: %w", err)
	}

	if f != nil {
		rt.out.Success("Exported %d record(s) to %s\n", summary.ExportedCount, exportFile)
	}
	if summary.ExcludedObjectsCount > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "%d record(s) were not exported:\n", summary.ExcludedObjectsCount)
		for _, obj := range summary.ExcludedObjects {
			fmt.Fprintf(cmd.ErrOrStderr(), "  %s:%s  %s\n", obj.Type, obj.ID, obj.Reason)
		}
	}
	return nil
}
