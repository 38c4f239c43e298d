// Package registry holds, per saved-object type, the ordered model versions
// and the field policy that governs encryption and integrity exclusion.
//
// Types and versions are registered once during startup. Call Freeze before
// serving reads; after that the registry is read-only and any further
// registration fails with ErrFrozen.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dyluth/moult/pkg/savedobject"
)

var (
	// ErrFrozen is returned by registration calls made after Freeze.
	ErrFrozen = errors.New("registry is frozen")

	// ErrUnknownType is returned for type names that were never registered.
	ErrUnknownType = errors.New("unknown saved object type")
)

// TransformFunc upgrades the attributes of one record by one model version.
// It must be pure: same input, same output, no I/O. Returning a
// *savedobject.MissingFieldError (for example from Attributes.Require) marks
// the step as inconsistent with the registry.
type TransformFunc func(attrs savedobject.Attributes) (savedobject.Attributes, error)

// ModelVersion describes one schema revision of a type.
type ModelVersion struct {
	Version     int    // Ordered, unique per type, >= 1
	Description string // Shown in diagnostics

	// Requires lists fields the transform reads. They are checked before the
	// transform runs.
	Requires  []string
	Transform TransformFunc // nil means identity

	AddedFields   map[string]any // Backfilled with the default when absent after Transform
	RemovedFields []string       // Deleted after Transform

	// Field policy introduced at this version. Both only ever accumulate.
	Encrypted             []string
	ExcludedFromIntegrity []string
}

// TypeOptions are the non-versioned properties of a type.
type TypeOptions struct {
	DisplayName string

	// Hidden types are left out of listings unless asked for explicitly.
	Hidden bool

	// NotTransferable keeps the type out of bulk export and import.
	NotTransferable bool

	// GetTitle renders a human readable title. Defaults to "{type}:{id}".
	GetTitle func(rec savedobject.Record) string
}

// DuplicateVersionError is returned when a version is registered twice for a type.
type DuplicateVersionError struct {
	Type    string
	Version int
}

func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("model version %d already registered for type %q", e.Version, e.Type)
}

type typeEntry struct {
	name     string
	opts     TypeOptions
	versions []ModelVersion // ascending by Version

	// marks made through MarkEncrypted / MarkExcludedFromIntegrity
	encryptedMarks map[string]struct{}
	excludedMarks  map[string]struct{}
}

// Registry is the schema registry. The zero value is not usable; use New.
type Registry struct {
	mu     sync.RWMutex
	frozen bool
	types  map[string]*typeEntry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{types: make(map[string]*typeEntry)}
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Register declares a type or replaces its options. Versions already
// registered for the type are kept.
func (r *Registry) Register(typeName string, opts TypeOptions) error {
	if err := savedobject.ValidateTypeName(typeName); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrFrozen
	}

	r.entryLocked(typeName).opts = opts
	return nil
}

// RegisterVersion adds a model version to a type, declaring the type with
// default options if needed. Fails with *DuplicateVersionError when the
// version exists and with *PolicyConflictError when its field policy
// contradicts what the type already has. Nothing is registered on failure.
func (r *Registry) RegisterVersion(typeName string, mv ModelVersion) error {
	if err := savedobject.ValidateTypeName(typeName); err != nil {
		return err
	}
	if mv.Version < 1 {
		return fmt.Errorf("type %q: model version must be >= 1, got %d", typeName, mv.Version)
	}
	for _, f := range mv.RemovedFields {
		if _, added := mv.AddedFields[f]; added {
			return fmt.Errorf("type %q version %d: field %q is both added and removed", typeName, mv.Version, f)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrFrozen
	}

	entry := r.entryLocked(typeName)

	// Ordered insert; versions are kept ascending so the last entry is current
	i := sort.Search(len(entry.versions), func(i int) bool {
		return entry.versions[i].Version >= mv.Version
	})
	if i < len(entry.versions) && entry.versions[i].Version == mv.Version {
		return &DuplicateVersionError{Type: typeName, Version: mv.Version}
	}

	if err := entry.checkPolicyLocked(mv.Encrypted, mv.ExcludedFromIntegrity); err != nil {
		return err
	}

	mv = copyModelVersion(mv)
	entry.versions = append(entry.versions, ModelVersion{})
	copy(entry.versions[i+1:], entry.versions[i:])
	entry.versions[i] = mv

	return nil
}

// Has reports whether the type is registered.
func (r *Registry) Has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[typeName]
	return ok
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Options returns the type's options.
func (r *Registry) Options(typeName string) (TypeOptions, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.types[typeName]
	if !ok {
		return TypeOptions{}, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	return entry.opts, nil
}

// ListVersions returns the registered version numbers of a type, ascending.
// Unknown types yield an empty list.
func (r *Registry) ListVersions(typeName string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.types[typeName]
	if !ok {
		return []int{}
	}

	out := make([]int, len(entry.versions))
	for i, mv := range entry.versions {
		out[i] = mv.Version
	}
	return out
}

// Versions returns copies of a type's model versions, ascending.
func (r *Registry) Versions(typeName string) ([]ModelVersion, error) {
	return r.VersionsBetween(typeName, -1, -1)
}

// VersionsBetween returns copies of the model versions v with
// from < v <= to, ascending. A negative to means no upper bound.
func (r *Registry) VersionsBetween(typeName string, from, to int) ([]ModelVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.types[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}

	var out []ModelVersion
	for _, mv := range entry.versions {
		if mv.Version <= from {
			continue
		}
		if to >= 0 && mv.Version > to {
			break
		}
		out = append(out, copyModelVersion(mv))
	}
	return out, nil
}

// CurrentVersion returns the highest registered version of a type, or 0 when
// the type has none. It is the migration target for every older record.
func (r *Registry) CurrentVersion(typeName string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.types[typeName]
	if !ok || len(entry.versions) == 0 {
		return 0
	}
	return entry.versions[len(entry.versions)-1].Version
}

// Title renders the record's title using the type's GetTitle.
func (r *Registry) Title(rec savedobject.Record) string {
	opts, err := r.Options(rec.Type)
	if err != nil || opts.GetTitle == nil {
		return rec.Type + ":" + rec.ID
	}
	return opts.GetTitle(rec)
}

func (r *Registry) entryLocked(typeName string) *typeEntry {
	entry, ok := r.types[typeName]
	if !ok {
		entry = &typeEntry{
			name:           typeName,
			opts:           TypeOptions{DisplayName: typeName},
			encryptedMarks: make(map[string]struct{}),
			excludedMarks:  make(map[string]struct{}),
		}
		r.types[typeName] = entry
	}
	return entry
}

func copyModelVersion(mv ModelVersion) ModelVersion {
	out := mv
	out.Requires = append([]string(nil), mv.Requires...)
	out.RemovedFields = append([]string(nil), mv.RemovedFields...)
	out.Encrypted = append([]string(nil), mv.Encrypted...)
	out.ExcludedFromIntegrity = append([]string(nil), mv.ExcludedFromIntegrity...)
	if mv.AddedFields != nil {
		out.AddedFields = savedobject.Attributes(mv.AddedFields).Clone()
	}
	return out
}
