package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var policyOutputFormat string

var policyCmd = &cobra.Command{
	Use:   "policy TYPE",
	Short: "Show the sensitive-field policy of a type",
	Long: `Show which fields of a type are encrypted and which are excluded from
the integrity (AAD) check.

The excluded set is the union over every model version the type has ever
had, so a field stays excluded after a later version removes it.

Output Formats:
  default - Human-readable summary
  json    - {"encrypted_fields": [...], "excluded_from_integrity": [...]}

Examples:
  moult policy alert
  moult policy alert --output=json | jq '.excluded_from_integrity'`,
	Args: cobra.ExactArgs(1),
	RunE: runPolicy,
}

func init() {
	policyCmd.Flags().StringVarP(&policyOutputFormat, "output", "o", "default", "Output format: default or json")

	rootCmd.AddCommand(policyCmd)
}

func runPolicy(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}

	if policyOutputFormat != "default" && policyOutputFormat != "json" {
		return rt.out.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", policyOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	typeName := args[0]
	if !rt.registry.Has(typeName) {
		return rt.out.Error(
			fmt.Sprintf("unknown type '%s'", typeName),
			"The type is not registered.",
			[]string{"List registered types:\n  moult versions"},
		)
	}

	policy := rt.registry.Policy(typeName)
	w := cmd.OutOrStdout()

	if policyOutputFormat == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(policy)
	}

	fmt.Fprintf(w, "%s (v%d)\n", typeName, rt.registry.CurrentVersion(typeName))
	fmt.Fprintf(w, "  encrypted:             %s\n", joinOrNone(policy.EncryptedFields))
	fmt.Fprintf(w, "  excluded from AAD:     %s\n", joinOrNone(policy.ExcludedFromIntegrity))
	if opts, err := rt.registry.Options(typeName); err == nil {
		fmt.Fprintf(w, "  transferable:          %t\n", !opts.NotTransferable)
	}
	if p := rt.filter.Policy(typeName); len(p.StripOnExport) > 0 {
		fmt.Fprintf(w, "  stripped on export:    %s\n", strings.Join(p.StripOnExport, ", "))
	}
	return nil
}

func joinOrNone(fields []string) string {
	if len(fields) == 0 {
		return "(none)"
	}
	return strings.Join(fields, ", ")
}

