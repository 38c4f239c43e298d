package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/moult/internal/logging"
	"github.com/dyluth/moult/internal/resolver"
	"github.com/dyluth/moult/internal/watch"
	"github.com/spf13/cobra"
)

var (
	watchOutputFormat string
	watchType         string
	watchWaitID       string
	watchWaitVersion  int
	watchTimeout      time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream migration events as records are written back",
	Long: `Stream migration events published when migrated records are saved.

Each line shows the record and the version transition it went through.
Press Ctrl-C to stop.

With --wait, waits for one record to reach a model version instead, then
prints it and exits. Without --version it waits for the current version of
the record's type.

Output Formats:
  default - Human-readable output with timestamps
  jsonl   - Line-delimited JSON for programmatic processing

Examples:
  # Follow a migration run from another terminal
  moult watch

  # Only alerts, as JSON
  moult watch --type=alert --output=jsonl

  # Block until a rule is written back at the current version
  moult watch --wait alert:3f9a2c --timeout=30s`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format: default or jsonl")
	watchCmd.Flags().StringVar(&watchType, "type", "", "Only events for types matching this glob")
	watchCmd.Flags().StringVar(&watchWaitID, "wait", "", "Wait for this record instead of streaming")
	watchCmd.Flags().IntVar(&watchWaitVersion, "version", 0, "Model version to wait for (default: current)")
	watchCmd.Flags().DurationVar(&watchTimeout, "timeout", 30*time.Second, "How long --wait waits")

	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}

	var outputFormat watch.OutputFormat
	switch watchOutputFormat {
	case "default":
		outputFormat = watch.OutputFormatDefault
	case "jsonl":
		outputFormat = watch.OutputFormatJSONL
	default:
		return rt.out.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.connect(ctx); err != nil {
		return err
	}
	defer rt.close()

	if watchWaitID != "" {
		return runWaitForVersion(ctx, cmd, rt)
	}

	opts := watch.Options{Format: outputFormat, TypeGlob: watchType}
	return watch.StreamMigrations(ctx, rt.client, opts, cmd.OutOrStdout(), logging.Component(rt.logger, "watch"))
}

func runWaitForVersion(ctx context.Context, cmd *cobra.Command, rt *runtime) error {
	ref, err := resolver.Resolve(ctx, rt.client, watchType, watchWaitID)
	if err != nil {
		if resolver.IsNotFoundError(err) {
			return rt.out.Error(
				fmt.Sprintf("record with ID '%s' not found", watchWaitID),
				"--wait needs a record that already exists.",
				[]string{"List all records:\n  moult list"},
			)
		}
		if resolver.IsAmbiguousError(err) {
			fmt.Fprintln(cmd.ErrOrStderr(), resolver.FormatAmbiguousError(err.(*resolver.AmbiguousError)))
			return fmt.Errorf("ambiguous short ID")
		}
		return fmt.Errorf("failed to resolve record ID: %w", err)
	}

	version := watchWaitVersion
	if version <= 0 {
		version = rt.registry.CurrentVersion(ref.Type)
	}

	rec, err := watch.PollForVersion(ctx, rt.client, ref, version, watchTimeout)
	if err != nil {
		return rt.out.ErrorWithContext(
			"record did not reach the expected version",
			err.Error(),
			map[string]string{"Record": ref.String(), "Version": fmt.Sprintf("v%d", version)},
			[]string{"Run the migration:\n  moult migrate"},
		)
	}

	rt.out.Success("%s is at v%d\n", ref, rec.ModelVersion)
	return nil
}
