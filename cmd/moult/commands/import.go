package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/dyluth/moult/internal/transfer"
	"github.com/spf13/cobra"
)

var (
	importOverwrite bool
	importNewCopies bool
	importDryRun    bool
)

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import saved objects from an NDJSON export",
	Long: `Import saved objects from a file written by 'moult export'. Use "-" to
read from stdin.

Each record is checked and migrated to the current model version of its
type. Records are skipped, with a warning naming their position and ID,
when their type is unknown or not transferable, when their rule type is not
installed, or when they fail to migrate. Encrypted fields in the input are
dropped with a warning. The rest of the batch is imported.

Imported rules are disabled; enable them once the import is done.

Without --overwrite, records whose ID already exists are reported and left
alone. --new-copies gives every imported record a fresh ID and keeps the
original one as origin_id.

Examples:
  moult import objects.ndjson
  moult export --type=alert | moult --name staging import -
  moult import objects.ndjson --new-copies --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().BoolVar(&importOverwrite, "overwrite", false, "Replace records with the same ID (default from import.overwrite)")
	importCmd.Flags().BoolVar(&importNewCopies, "new-copies", false, "Assign new IDs to every imported record")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Check and transform only, write nothing")

	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}

	var r io.Reader
	if args[0] == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(args[0])
		if err != nil {
			return rt.out.Error(
				"cannot open import file",
				err.Error(),
				[]string{"Create one with:\n  moult export --file=objects.ndjson"},
			)
		}
		defer f.Close()
		r = f
	}

	records, summary, err := transfer.ReadNDJSON(r)
	if err != nil {
		return rt.out.Error(
			"invalid import file",
			err.Error(),
			[]string{"Import files must be NDJSON as written by 'moult export'"},
		)
	}
	if summary != nil && summary.ExportedCount != len(records) {
		rt.out.Warning("Export summary lists %d record(s) but the file has %d\n", summary.ExportedCount, len(records))
	}

	result := rt.filter.TransformForImport(records, transfer.ImportOptions{NewCopies: importNewCopies})

	for _, w := range result.Warnings {
		rt.out.Warning("record #%d (%s:%s) %s: %s\n", w.Index, w.Type, w.ID, w.Kind, w.Message)
	}

	if importDryRun {
		rt.out.Info("%d of %d record(s) would be imported\n", len(result.Accepted), len(records))
		printNotices(rt, result.ActionRequired)
		return nil
	}

	overwrite := rt.cfg.Import.Overwrite
	if cmd.Flags().Changed("overwrite") {
		overwrite = importOverwrite
	}

	if err := rt.connect(cmd.Context()); err != nil {
		return err
	}
	defer rt.close()

	report, err := transfer.Persist(cmd.Context(), rt.client, result, overwrite)
	if err != nil {
		return fmt.Errorf("import failed after %d record(s): %w", len(report.Saved), err)
	}

	for _, c := range report.Conflicts {
		rt.out.Warning("record #%d (%s:%s): %s\n", c.Index, c.Type, c.ID, c.Message)
	}
	rt.out.Success("Imported %d of %d record(s)\n", len(report.Saved), len(records))
	printNotices(rt, result.ActionRequired)
	return nil
}

func printNotices(rt *runtime, notices []transfer.Notice) {
	for _, n := range notices {
		rt.out.Step("%s (%d %s record(s))\n", n.Message, n.Count, n.Type)
	}
}
