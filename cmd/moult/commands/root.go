package commands

import (
	"fmt"

	"github.com/dyluth/moult/internal/config"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

// Global flags
var (
	configPath   string
	instanceName string
	redisURL     string
	logLevel     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "moult",
	Short: "Moult - versioned saved-object migrations",
	Long: `Moult keeps typed saved objects readable across schema changes.

Each type declares an ordered list of model versions. Records are migrated
to the current version when read, and only written back when you ask for it
with 'moult migrate'. Moult also tracks which fields are encrypted and which
are left out of integrity checks, and moves records between deployments with
'moult export' and 'moult import'.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	// Enable strict flag parsing - unknown flags will cause an error
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Silence Cobra's default error and usage printing
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to moult.yml (defaults apply when missing)")
	rootCmd.PersistentFlags().StringVarP(&instanceName, "name", "n", "", "Instance name (overrides config)")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis", "", "Redis URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
}
