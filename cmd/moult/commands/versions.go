package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var versionsCounts bool

var versionsCmd = &cobra.Command{
	Use:   "versions [TYPE]",
	Short: "Show registered model versions",
	Long: `Show the model versions registered for each saved-object type.

Without TYPE, prints one line per type with its current model version.
With TYPE, prints every model version of that type and what it changes.

With --counts, also reports how many stored records sit at each version.

Examples:
  # Current version of every type
  moult versions

  # History of the alert type
  moult versions alert

  # How far behind stored alerts are
  moult versions alert --counts`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVersions,
}

func init() {
	versionsCmd.Flags().BoolVar(&versionsCounts, "counts", false, "Include stored record counts per version (needs Redis)")

	rootCmd.AddCommand(versionsCmd)
}

func runVersions(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()

	var counts map[int]int
	if versionsCounts && len(args) == 1 {
		if err := rt.connect(cmd.Context()); err != nil {
			return err
		}
		defer rt.close()
	}

	if len(args) == 0 {
		for _, typeName := range rt.registry.Types() {
			opts, _ := rt.registry.Options(typeName)
			line := fmt.Sprintf("%-32s v%d", typeName, rt.registry.CurrentVersion(typeName))
			if opts.Hidden {
				line += "  (hidden)"
			}
			fmt.Fprintln(w, line)
		}
		return nil
	}

	typeName := args[0]
	versions, err := rt.registry.Versions(typeName)
	if err != nil {
		return rt.out.Error(
			fmt.Sprintf("unknown type '%s'", typeName),
			"The type is not registered.",
			[]string{"List registered types:\n  moult versions"},
		)
	}

	if rt.client != nil {
		counts, err = rt.client.VersionCounts(cmd.Context(), typeName)
		if err != nil {
			return fmt.Errorf("failed to count records: %w", err)
		}
	}

	fmt.Fprintf(w, "%s (current: v%d)\n", typeName, rt.registry.CurrentVersion(typeName))
	if counts != nil {
		fmt.Fprintf(w, "  v0  %d record(s)\n", counts[0])
	}
	for _, mv := range versions {
		fmt.Fprintf(w, "  v%d", mv.Version)
		if mv.Description != "" {
			fmt.Fprintf(w, "  %s", mv.Description)
		}
		if counts != nil {
			fmt.Fprintf(w, "  [%d record(s)]", counts[mv.Version])
		}
		fmt.Fprintln(w)

		if len(mv.AddedFields) > 0 {
			added := make([]string, 0, len(mv.AddedFields))
			for field := range mv.AddedFields {
				added = append(added, field)
			}
			sort.Strings(added)
			fmt.Fprintf(w, "      added:    %s\n", strings.Join(added, ", "))
		}
		if len(mv.RemovedFields) > 0 {
			fmt.Fprintf(w, "      removed:  %s\n", strings.Join(mv.RemovedFields, ", "))
		}
		if mv.Transform != nil {
			fmt.Fprintln(w, "      transform")
		}
		if len(mv.Encrypted) > 0 {
			fmt.Fprintf(w, "      encrypted: %s\n", strings.Join(mv.Encrypted, ", "))
		}
		if len(mv.ExcludedFromIntegrity) > 0 {
			fmt.Fprintf(w, "      excluded from AAD: %s\n", strings.Join(mv.ExcludedFromIntegrity, ", "))
		}
	}

	return nil
}
