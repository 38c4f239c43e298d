package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/moult/internal/alerting"
	"github.com/dyluth/moult/internal/config"
	"github.com/dyluth/moult/internal/logging"
	"github.com/dyluth/moult/internal/migration"
	"github.com/dyluth/moult/internal/printer"
	"github.com/dyluth/moult/internal/registry"
	"github.com/dyluth/moult/internal/ruletype"
	"github.com/dyluth/moult/internal/transfer"
	"github.com/dyluth/moult/pkg/savedobject"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// runtime is everything a command needs, built from config and flags.
type runtime struct {
	cfg      *config.MoultConfig
	out      *printer.Printer
	logger   *logrus.Logger
	registry *registry.Registry
	promReg  *prometheus.Registry
	runner   *migration.Runner
	filter   *transfer.Filter
	client   *savedobject.Client
}

// newRuntime loads configuration and builds the registries. It does not
// touch Redis; call connect for that.
func newRuntime(cmd *cobra.Command) (*runtime, error) {
	out := printer.New(cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, out.Error(
			"invalid configuration",
			err.Error(),
			[]string{fmt.Sprintf("Fix %s or point --config at another file", configPath)},
		)
	}
	if instanceName != "" {
		cfg.Instance = instanceName
	}
	if redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, out.Error("invalid configuration", err.Error(), nil)
	}

	logger, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, out.Error("invalid logging configuration", err.Error(), nil)
	}

	reg := registry.New()
	if err := alerting.Register(reg); err != nil {
		return nil, fmt.Errorf("failed to register saved-object types: %w", err)
	}
	reg.Freeze()

	ruleTypes, err := ruletype.FromConfig(cfg.RuleTypes)
	if err != nil {
		return nil, out.Error(
			"invalid rule type",
			err.Error(),
			[]string{"Check rule_types in " + configPath},
		)
	}

	promReg := prometheus.NewRegistry()
	runner := migration.NewRunner(reg,
		migration.WithLogger(logging.Component(logger, "migration")),
		migration.WithMetrics(migration.NewMetrics(promReg)),
		migration.WithConcurrency(cfg.Import.Concurrency),
	)

	filterOpts := append(alerting.TransferOptions(),
		transfer.WithCapabilities(ruleTypes),
		transfer.WithLogger(logging.Component(logger, "transfer")),
		transfer.WithConcurrency(cfg.Import.Concurrency),
	)

	return &runtime{
		cfg:      cfg,
		out:      out,
		logger:   logger,
		registry: reg,
		promReg:  promReg,
		runner:   runner,
		filter:   transfer.NewFilter(runner, filterOpts...),
	}, nil
}

// connect opens and verifies the Redis connection.
func (rt *runtime) connect(ctx context.Context) error {
	redisOpts, err := redis.ParseURL(rt.cfg.Redis.URL)
	if err != nil {
		return rt.out.Error(
			"invalid Redis URL",
			fmt.Sprintf("Could not parse '%s': %v", rt.cfg.Redis.URL, err),
			[]string{"Use a URL like redis://localhost:6379/0"},
		)
	}

	client, err := savedobject.NewClient(redisOpts, rt.cfg.Instance)
	if err != nil {
		return fmt.Errorf("failed to create saved-object client: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return rt.out.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", rt.cfg.Redis.URL),
			map[string]string{"Instance": rt.cfg.Instance, "Error": err.Error()},
			[]string{
				"Check that Redis is running",
				"Point moult at another server:\n  moult --redis redis://host:6379 ...",
			},
		)
	}

	rt.client = client
	return nil
}

func (rt *runtime) close() {
	if rt.client != nil {
		rt.client.Close()
	}
}

// setupConnected is newRuntime followed by connect.
func setupConnected(cmd *cobra.Command) (*runtime, error) {
	rt, err := newRuntime(cmd)
	if err != nil {
		return nil, err
	}
	if err := rt.connect(cmd.Context()); err != nil {
		return nil, err
	}
	return rt, nil
}

// reportMigrationError prints a failed migration with its type and
// transition. ok is false when err is not a migration error.
func (rt *runtime) reportMigrationError(err error) (reported error, ok bool) {
	var mce *migration.MigrationConsistencyError
	var te *migration.TransformError
	var nve *migration.NewerVersionError
	switch {
	case errors.As(err, &mce):
		return rt.out.ErrorWithContext(
			"migration consistency error",
			"A model version expected a field the record does not have. This is a bug in the type's model versions; the record was not changed.",
			map[string]string{
				"Record":     mce.Type + ":" + mce.RecordID,
				"Transition": fmt.Sprintf("%d -> %d", mce.FromVersion, mce.ToVersion),
				"Field":      mce.Field,
			},
			[]string{"Fix the model version, or add the field to the record and retry"},
		), true
	case errors.As(err, &te):
		return rt.out.ErrorWithContext(
			"migration failed",
			te.Err.Error(),
			map[string]string{
				"Record":     te.Type + ":" + te.RecordID,
				"Transition": fmt.Sprintf("%d -> %d", te.FromVersion, te.ToVersion),
			},
			nil,
		), true
	case errors.As(err, &nve):
		return rt.out.ErrorWithContext(
			"record is newer than this moult",
			"The record was written by a newer schema. Upgrade moult before reading it.",
			map[string]string{
				"Record":          nve.Type + ":" + nve.RecordID,
				"Record version":  fmt.Sprint(nve.RecordVersion),
				"Current version": fmt.Sprint(nve.CurrentVersion),
			},
			nil,
		), true
	}
	return err, false
}
