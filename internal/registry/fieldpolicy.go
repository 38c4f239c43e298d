package registry

import (
	"fmt"
	"sort"

	"github.com/dyluth/moult/pkg/savedobject"
)

// FieldPolicy is a snapshot of a type's sensitive-field sets.
type FieldPolicy struct {
	EncryptedFields       []string `json:"encrypted_fields"`
	ExcludedFromIntegrity []string `json:"excluded_from_integrity"`
}

// PolicyConflictError is returned when a field would be both encrypted and
// excluded from the integrity check.
type PolicyConflictError struct {
	Type  string
	Field string
	Want  string // "encrypted" or "excluded from integrity"
	Has   string
}

func (e *PolicyConflictError) Error() string {
	return fmt.Sprintf("type %q: field %q cannot be %s, it is already %s", e.Type, e.Field, e.Want, e.Has)
}

const (
	policyEncrypted = "encrypted"
	policyExcluded  = "excluded from integrity"
)

// MarkEncrypted records that a field's value is stored as ciphertext.
// There is no way to unmark a field.
func (r *Registry) MarkEncrypted(typeName, field string) error {
	return r.mark(typeName, field, policyEncrypted)
}

// MarkExcludedFromIntegrity records that a field never contributes to the
// integrity digest. Once excluded, a field stays excluded for every record the
// type has ever stored, including after the field is removed from the schema;
// there is no way to unmark a field.
func (r *Registry) MarkExcludedFromIntegrity(typeName, field string) error {
	return r.mark(typeName, field, policyExcluded)
}

func (r *Registry) mark(typeName, field, kind string) error {
	if err := savedobject.ValidateTypeName(typeName); err != nil {
		return err
	}
	if field == "" {
		return fmt.Errorf("type %q: field name must not be empty", typeName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrFrozen
	}

	entry := r.entryLocked(typeName)
	switch kind {
	case policyEncrypted:
		if err := entry.checkPolicyLocked([]string{field}, nil); err != nil {
			return err
		}
		entry.encryptedMarks[field] = struct{}{}
	default:
		if err := entry.checkPolicyLocked(nil, []string{field}); err != nil {
			return err
		}
		entry.excludedMarks[field] = struct{}{}
	}
	return nil
}

// ExcludedFields returns the sorted union of every field ever excluded from
// the integrity check for the type, across all registered versions and
// explicit marks. Records persisted under any historical version are verified
// against this same set.
func (r *Registry) ExcludedFields(typeName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.types[typeName]
	if !ok {
		return []string{}
	}
	return sortedKeys(entry.excludedLocked())
}

// EncryptedFields returns the sorted set of encrypted fields for the type.
func (r *Registry) EncryptedFields(typeName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.types[typeName]
	if !ok {
		return []string{}
	}
	return sortedKeys(entry.encryptedLocked())
}

// Policy returns both field sets for the type.
func (r *Registry) Policy(typeName string) FieldPolicy {
	return FieldPolicy{
		EncryptedFields:       r.EncryptedFields(typeName),
		ExcludedFromIntegrity: r.ExcludedFields(typeName),
	}
}

// IsEncrypted reports whether the field is encrypted for the type.
func (r *Registry) IsEncrypted(typeName, field string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.types[typeName]
	if !ok {
		return false
	}
	_, enc := entry.encryptedLocked()[field]
	return enc
}

// AADAttributes returns the attributes that feed the integrity digest: every
// field that is neither encrypted nor excluded. Values are deep copies.
func (r *Registry) AADAttributes(rec savedobject.Record) savedobject.Attributes {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := savedobject.Attributes{}
	entry, ok := r.types[rec.Type]
	var excluded, encrypted map[string]struct{}
	if ok {
		excluded = entry.excludedLocked()
		encrypted = entry.encryptedLocked()
	}

	for field, value := range rec.Attributes {
		if _, skip := excluded[field]; skip {
			continue
		}
		if _, skip := encrypted[field]; skip {
			continue
		}
		out[field] = value
	}
	return out.Clone()
}

func (e *typeEntry) excludedLocked() map[string]struct{} {
	set := make(map[string]struct{}, len(e.excludedMarks))
	for f := range e.excludedMarks {
		set[f] = struct{}{}
	}
	for _, mv := range e.versions {
		for _, f := range mv.ExcludedFromIntegrity {
			set[f] = struct{}{}
		}
	}
	return set
}

func (e *typeEntry) encryptedLocked() map[string]struct{} {
	set := make(map[string]struct{}, len(e.encryptedMarks))
	for f := range e.encryptedMarks {
		set[f] = struct{}{}
	}
	for _, mv := range e.versions {
		for _, f := range mv.Encrypted {
			set[f] = struct{}{}
		}
	}
	return set
}

// checkPolicyLocked rejects additions that would put a field in both sets,
// including within the same addition.
func (e *typeEntry) checkPolicyLocked(encrypt, exclude []string) error {
	excluded := e.excludedLocked()
	encrypted := e.encryptedLocked()

	for _, f := range encrypt {
		if _, ok := excluded[f]; ok {
			return &PolicyConflictError{Type: e.name, Field: f, Want: policyEncrypted, Has: policyExcluded}
		}
		encrypted[f] = struct{}{}
	}
	for _, f := range exclude {
		if _, ok := encrypted[f]; ok {
			return &PolicyConflictError{Type: e.name, Field: f, Want: policyExcluded, Has: policyEncrypted}
		}
	}
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
