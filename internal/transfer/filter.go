// Package transfer decides which saved objects may leave or enter the system
// through bulk export and import, and reshapes them on the way.
package transfer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dyluth/moult/internal/migration"
	"github.com/dyluth/moult/internal/registry"
	"github.com/dyluth/moult/pkg/savedobject"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Warning kinds.
const (
	WarningSkipped = "skipped"
	WarningAltered = "altered"
)

const defaultConcurrency = 8

// Capability is what a deployment knows about one capability key, such as a
// rule type id.
type Capability interface {
	IsExportable(rec savedobject.Record) bool
}

// ImportCapability is optionally implemented by a Capability that can refuse
// imports independently of exports.
type ImportCapability interface {
	IsImportable(rec savedobject.Record) bool
}

// CapabilityLookup resolves capability keys.
type CapabilityLookup interface {
	Capability(key string) (Capability, bool)
}

// Policy is the per-type transfer behaviour.
type Policy struct {
	// CapabilityKey extracts the capability key from a record. nil means the
	// type needs no capability.
	CapabilityKey func(rec savedobject.Record) string

	// CapabilityName names the capability in warnings, e.g. "rule type".
	CapabilityName string

	// StripOnExport lists fields that never leave the system.
	StripOnExport []string

	// DisableOnImport sets enabled=false on every accepted record.
	DisableOnImport bool

	// ImportNotice is reported once per import when records of this type were
	// accepted, e.g. a reminder to re-enable rules.
	ImportNotice string
}

// ExportDecision is the outcome of an export eligibility check.
type ExportDecision struct {
	Exportable bool
	Reason     string // Set when not exportable
}

// ImportWarning describes a record that was skipped or altered on import.
type ImportWarning struct {
	Index   int    `json:"index"` // Position in the input
	ID      string `json:"id"`
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (w ImportWarning) String() string {
	return fmt.Sprintf("#%d %s:%s %s: %s", w.Index, w.Type, w.ID, w.Kind, w.Message)
}

// Notice is an advisory produced once per type for an import.
type Notice struct {
	Type    string `json:"type"`
	Count   int    `json:"count"`
	Message string `json:"message"`
}

// ImportResult is what TransformForImport accepted and why it dropped or
// changed the rest. Warnings follow input order.
type ImportResult struct {
	Accepted        []savedobject.Record
	AcceptedIndexes []int // Input position of each accepted record
	Warnings        []ImportWarning
	ActionRequired  []Notice
}

// ImportOptions tunes TransformForImport.
type ImportOptions struct {
	// NewCopies assigns fresh IDs, keeping the source ID as OriginID.
	NewCopies bool
}

// Filter applies the export and import rules for every registered type.
type Filter struct {
	registry    *registry.Registry
	runner      *migration.Runner
	lookup      CapabilityLookup
	policies    map[string]Policy
	logger      logrus.FieldLogger
	concurrency int
	newID       func() string
}

// Option configures a Filter.
type Option func(*Filter)

// WithPolicy sets the transfer policy of a type.
func WithPolicy(typeName string, p Policy) Option {
	return func(f *Filter) { f.policies[typeName] = p }
}

// WithCapabilities sets the capability lookup consulted by policies with a
// CapabilityKey.
func WithCapabilities(l CapabilityLookup) Option {
	return func(f *Filter) { f.lookup = l }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(f *Filter) { f.logger = l }
}

// WithConcurrency bounds the goroutines TransformForImport uses.
func WithConcurrency(n int) Option {
	return func(f *Filter) {
		if n >= 1 {
			f.concurrency = n
		}
	}
}

// NewFilter creates a filter. The runner must use the same registry.
func NewFilter(runner *migration.Runner, opts ...Option) *Filter {
	f := &Filter{
		registry:    runner.Registry(),
		runner:      runner,
		policies:    make(map[string]Policy),
		logger:      logrus.StandardLogger(),
		concurrency: defaultConcurrency,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Policy returns the transfer policy of a type; the zero Policy if none was set.
func (f *Filter) Policy(typeName string) Policy {
	return f.policies[typeName]
}

// IsExportable decides whether rec may be exported. It never fails: an
// ineligible record comes back with a reason and the caller skips it.
func (f *Filter) IsExportable(rec savedobject.Record) ExportDecision {
	opts, err := f.registry.Options(rec.Type)
	if err != nil {
		return ExportDecision{Reason: fmt.Sprintf("type %q is not registered", rec.Type)}
	}
	if opts.NotTransferable {
		return ExportDecision{Reason: fmt.Sprintf("type %q is not exportable", rec.Type)}
	}

	policy := f.policies[rec.Type]
	if policy.CapabilityKey == nil {
		return ExportDecision{Exportable: true}
	}

	key := policy.CapabilityKey(rec)
	capability, ok := f.capability(key)
	if !ok {
		return f.excluded(rec, key, fmt.Sprintf("%s %q is not registered", policy.capabilityName(), key))
	}
	if !capability.IsExportable(rec) {
		return f.excluded(rec, key, fmt.Sprintf("%s %q is not exportable", policy.capabilityName(), key))
	}
	return ExportDecision{Exportable: true}
}

func (f *Filter) excluded(rec savedobject.Record, key, reason string) ExportDecision {
	f.logger.WithFields(logrus.Fields{
		"type":       rec.Type,
		"id":         rec.ID,
		"capability": key,
		"reason":     reason,
	}).Warn("export_skipped")
	return ExportDecision{Reason: reason}
}

// TransformForExport strips the fields the type's policy keeps in the system.
// Everything else is untouched and the input is not modified. Applying it to
// an already exported record changes nothing.
func (f *Filter) TransformForExport(rec savedobject.Record) savedobject.Record {
	out := rec.Clone()
	for _, field := range f.policies[rec.Type].StripOnExport {
		delete(out.Attributes, field)
	}
	return out
}

type importOutcome struct {
	record   savedobject.Record
	accepted bool
	warnings []ImportWarning
}

// TransformForImport checks and migrates records for import. Records are
// processed concurrently; one bad record never stops the others.
func (f *Filter) TransformForImport(records []savedobject.Record, opts ImportOptions) ImportResult {
	outcomes := make([]importOutcome, len(records))

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for i := range records {
		i := i
		g.Go(func() error {
			outcomes[i] = f.importOne(i, records[i], opts)
			return nil
		})
	}
	_ = g.Wait()

	result := ImportResult{
		Accepted:        []savedobject.Record{},
		AcceptedIndexes: []int{},
		Warnings:        []ImportWarning{},
		ActionRequired:  []Notice{},
	}
	acceptedByType := make(map[string]int)
	for i, o := range outcomes {
		result.Warnings = append(result.Warnings, o.warnings...)
		if !o.accepted {
			continue
		}
		result.Accepted = append(result.Accepted, o.record)
		result.AcceptedIndexes = append(result.AcceptedIndexes, i)
		acceptedByType[o.record.Type]++
	}

	types := make([]string, 0, len(acceptedByType))
	for typeName := range acceptedByType {
		types = append(types, typeName)
	}
	sort.Strings(types)
	for _, typeName := range types {
		if notice := f.policies[typeName].ImportNotice; notice != "" {
			result.ActionRequired = append(result.ActionRequired, Notice{
				Type:    typeName,
				Count:   acceptedByType[typeName],
				Message: notice,
			})
		}
	}

	f.logger.WithFields(logrus.Fields{
		"records":  len(records),
		"accepted": len(result.Accepted),
		"warnings": len(result.Warnings),
	}).Info("import_transformed")

	return result
}

func (f *Filter) importOne(index int, rec savedobject.Record, opts ImportOptions) importOutcome {
	skip := func(format string, args ...any) importOutcome {
		return importOutcome{warnings: []ImportWarning{{
			Index:   index,
			ID:      rec.ID,
			Type:    rec.Type,
			Kind:    WarningSkipped,
			Message: fmt.Sprintf(format, args...),
		}}}
	}

	if err := rec.Validate(); err != nil {
		return skip("invalid record: %v", err)
	}

	typeOpts, err := f.registry.Options(rec.Type)
	if err != nil {
		return skip("type %q is not registered", rec.Type)
	}
	if typeOpts.NotTransferable {
		return skip("type %q is not importable", rec.Type)
	}

	policy := f.policies[rec.Type]
	if policy.CapabilityKey != nil {
		key := policy.CapabilityKey(rec)
		capability, ok := f.capability(key)
		if !ok {
			return skip("%s %q is not registered", policy.capabilityName(), key)
		}
		if ic, ok := capability.(ImportCapability); ok && !ic.IsImportable(rec) {
			return skip("%s %q is not importable", policy.capabilityName(), key)
		}
	}

	var outcome importOutcome

	// Ciphertext from another deployment cannot be decrypted here
	work := rec.Clone()
	var dropped []string
	for _, field := range f.registry.EncryptedFields(rec.Type) {
		if !work.Attributes.Has(field) {
			continue
		}
		value := work.Attributes[field]
		delete(work.Attributes, field)
		// A null value carries no ciphertext, so it goes without a warning
		if value != nil {
			dropped = append(dropped, field)
		}
	}
	if len(dropped) > 0 {
		outcome.warnings = append(outcome.warnings, ImportWarning{
			Index:   index,
			ID:      rec.ID,
			Type:    rec.Type,
			Kind:    WarningAltered,
			Message: fmt.Sprintf("encrypted fields removed: %s", strings.Join(dropped, ", ")),
		})
	}

	migrated, err := f.runner.Migrate(work)
	if err != nil {
		return skip("migration failed: %v", err)
	}

	if policy.DisableOnImport {
		migrated.Attributes["enabled"] = false
	}
	if opts.NewCopies {
		if migrated.OriginID == "" {
			migrated.OriginID = migrated.ID
		}
		migrated.ID = f.newID()
	}

	outcome.record = migrated
	outcome.accepted = true
	return outcome
}

func (f *Filter) capability(key string) (Capability, bool) {
	if f.lookup == nil || key == "" {
		return nil, false
	}
	return f.lookup.Capability(key)
}

func (p Policy) capabilityName() string {
	if p.CapabilityName == "" {
		return "capability"
	}
	return p.CapabilityName
}

// MigrateForExport migrates rec and reports whether it may be exported,
// returning the export-shaped record.
func (f *Filter) MigrateForExport(ctx context.Context, rec savedobject.Record) (savedobject.Record, ExportDecision, error) {
	if err := ctx.Err(); err != nil {
		return savedobject.Record{}, ExportDecision{}, err
	}
	migrated, err := f.runner.Migrate(rec)
	if err != nil {
		return savedobject.Record{}, ExportDecision{}, err
	}
	decision := f.IsExportable(migrated)
	if !decision.Exportable {
		return savedobject.Record{}, decision, nil
	}
	return f.TransformForExport(migrated), decision, nil
}
