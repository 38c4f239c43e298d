// Package migration upgrades stored records to their type's current model
// version by applying the registered transforms in order.
//
// Migration is lazy: records are migrated when read and only persisted in
// migrated form when the caller explicitly re-saves them. Runner methods are
// safe for concurrent use once the registry is frozen.
package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/moult/internal/registry"
	"github.com/dyluth/moult/pkg/savedobject"
	"github.com/mohae/deepcopy"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 8

// Runner applies model version chains from a registry.
type Runner struct {
	registry    *registry.Registry
	logger      logrus.FieldLogger
	metrics     *Metrics
	concurrency int
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger used for migration events.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMetrics sets the counters updated by the runner.
func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithConcurrency bounds the goroutines MigrateAll uses. Values below 1 are ignored.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n >= 1 {
			r.concurrency = n
		}
	}
}

// NewRunner creates a runner over reg.
func NewRunner(reg *registry.Registry, opts ...Option) *Runner {
	r := &Runner{
		registry:    reg,
		logger:      logrus.StandardLogger(),
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the registry the runner reads from.
func (r *Runner) Registry() *registry.Registry {
	return r.registry
}

// Migrate brings rec to its type's current model version. The input is never
// modified; a record that is already current comes back as an equal copy.
func (r *Runner) Migrate(rec savedobject.Record) (savedobject.Record, error) {
	return r.migrate(rec, -1)
}

// MigrateTo applies the model versions after rec's version up to and
// including target. Migrating to a target below the record's version fails
// with *DowngradeError.
func (r *Runner) MigrateTo(rec savedobject.Record, target int) (savedobject.Record, error) {
	if target < 0 {
		return savedobject.Record{}, fmt.Errorf("target model version must be >= 0, got %d", target)
	}
	return r.migrate(rec, target)
}

// NeedsMigration reports whether rec is below its type's current version.
func (r *Runner) NeedsMigration(rec savedobject.Record) bool {
	return rec.ModelVersion < r.registry.CurrentVersion(rec.Type)
}

// MigrateAll migrates records concurrently. Each record is independent;
// results keep input order. When several records fail, the error of the
// first one in input order is returned.
func (r *Runner) MigrateAll(ctx context.Context, records []savedobject.Record) ([]savedobject.Record, error) {
	out := make([]savedobject.Record, len(records))
	errs := make([]error, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i := range records {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			out[i], errs[i] = r.Migrate(records[i])
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Runner) migrate(rec savedobject.Record, target int) (savedobject.Record, error) {
	if !r.registry.Has(rec.Type) {
		return savedobject.Record{}, fmt.Errorf("%w: %q", registry.ErrUnknownType, rec.Type)
	}

	current := r.registry.CurrentVersion(rec.Type)
	if rec.ModelVersion > current {
		r.metrics.failed(rec.Type)
		return savedobject.Record{}, &NewerVersionError{
			Type:           rec.Type,
			RecordID:       rec.ID,
			RecordVersion:  rec.ModelVersion,
			CurrentVersion: current,
		}
	}

	if target < 0 || target > current {
		target = current
	}
	if target < rec.ModelVersion {
		return savedobject.Record{}, &DowngradeError{
			Type:          rec.Type,
			RecordID:      rec.ID,
			RecordVersion: rec.ModelVersion,
			TargetVersion: target,
		}
	}

	steps, err := r.registry.VersionsBetween(rec.Type, rec.ModelVersion, target)
	if err != nil {
		return savedobject.Record{}, err
	}

	out := rec.Clone()
	if len(steps) == 0 {
		return out, nil
	}

	startVersion := out.ModelVersion
	for _, mv := range steps {
		from := out.ModelVersion
		attrs, err := applyStep(out.Attributes, mv)
		if err != nil {
			stepErr := r.stepError(out, from, mv.Version, err)
			r.metrics.failed(rec.Type)
			r.logEvent(logrus.ErrorLevel, "migration_failed", map[string]interface{}{
				"type":         rec.Type,
				"id":           rec.ID,
				"from_version": from,
				"to_version":   mv.Version,
				"error":        stepErr.Error(),
			})
			return savedobject.Record{}, stepErr
		}

		out.Attributes = attrs
		out.ModelVersion = mv.Version
		r.metrics.stepApplied(rec.Type, mv.Version)
	}

	r.logEvent(logrus.DebugLevel, "record_migrated", map[string]interface{}{
		"type":         rec.Type,
		"id":           rec.ID,
		"from_version": startVersion,
		"to_version":   out.ModelVersion,
	})

	return out, nil
}

// runTransform calls fn, turning a panic into an error so one bad record
// cannot take down a bulk migration.
func runTransform(fn registry.TransformFunc, attrs savedobject.Attributes) (out savedobject.Attributes, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("transform panicked: %v", p)
		}
	}()
	return fn(attrs)
}

// applyStep runs one model version against a working copy of the attributes.
func applyStep(attrs savedobject.Attributes, mv registry.ModelVersion) (savedobject.Attributes, error) {
	if err := attrs.Require(mv.Requires...); err != nil {
		return nil, err
	}

	next := attrs
	if mv.Transform != nil {
		transformed, err := runTransform(mv.Transform, attrs)
		if err != nil {
			return nil, err
		}
		if transformed == nil {
			return nil, errors.New("transform returned nil attributes")
		}
		next = transformed
	}

	for field, def := range mv.AddedFields {
		if !next.Has(field) {
			next[field] = deepcopy.Copy(def)
		}
	}
	for _, field := range mv.RemovedFields {
		delete(next, field)
	}

	return next, nil
}

func (r *Runner) stepError(rec savedobject.Record, from, to int, err error) error {
	var missing *savedobject.MissingFieldError
	if errors.As(err, &missing) {
		return &MigrationConsistencyError{
			Type:        rec.Type,
			RecordID:    rec.ID,
			FromVersion: from,
			ToVersion:   to,
			Field:       missing.Field,
		}
	}
	return &TransformError{
		Type:        rec.Type,
		RecordID:    rec.ID,
		FromVersion: from,
		ToVersion:   to,
		Err:         err,
	}
}

// logEvent logs structured migration events
func (r *Runner) logEvent(level logrus.Level, event string, data map[string]interface{}) {
	r.logger.WithFields(logrus.Fields(data)).Log(level, event)
}
