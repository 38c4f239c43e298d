package savedobject

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mohae/deepcopy"
)

// ErrMissingField is wrapped by MissingFieldError. Use errors.Is to detect an
// attribute lookup that expected a field which is not present.
var ErrMissingField = errors.New("field not present")

// Attributes holds a record's fields. Values must be JSON-compatible.
// A key mapped to nil is present; only an absent key counts as missing.
type Attributes map[string]any

// Record is a single saved object as stored.
type Record struct {
	ID           string     `json:"id"`                  // Unique within its type
	Type         string     `json:"type"`                // Registered type name, e.g. "alert"
	ModelVersion int        `json:"model_version"`       // 0 = written before any model version existed
	Attributes   Attributes `json:"attributes"`          // Field name to value
	Namespaces   []string   `json:"namespaces,omitempty"`
	OriginID     string     `json:"origin_id,omitempty"` // Original ID when imported as a new copy
	UpdatedAtMs  int64      `json:"updated_at_ms"`       // Unix timestamp in milliseconds of the last write
}

// Ref identifies a record without its contents.
type Ref struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r Ref) String() string {
	return r.Type + ":" + r.ID
}

// MigrationEvent is published when a record migrated to a newer model version
// is written back to storage.
type MigrationEvent struct {
	RecordID    string `json:"record_id"`
	Type        string `json:"type"`
	FromVersion int    `json:"from_version"`
	ToVersion   int    `json:"to_version"`
	AtMs        int64  `json:"at_ms"`
}

// MissingFieldError reports an attribute that was required but absent.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("field %q not present", e.Field)
}

// Is makes errors.Is(err, ErrMissingField) match.
func (e *MissingFieldError) Is(target error) bool {
	return target == ErrMissingField
}

// Has reports whether the field is present, including when it holds nil.
func (a Attributes) Has(field string) bool {
	_, ok := a[field]
	return ok
}

// Require returns a *MissingFieldError for the first absent field.
func (a Attributes) Require(fields ...string) error {
	for _, f := range fields {
		if !a.Has(f) {
			return &MissingFieldError{Field: f}
		}
	}
	return nil
}

// GetString returns the field as a string, or "" when it is absent or not a string.
func (a Attributes) GetString(field string) string {
	s, _ := a[field].(string)
	return s
}

// Clone returns a deep copy. Nested maps and slices are not shared.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return Attributes{}
	}
	return deepcopy.Copy(a).(Attributes)
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.Attributes = r.Attributes.Clone()
	if r.Namespaces != nil {
		out.Namespaces = append([]string(nil), r.Namespaces...)
	}
	return out
}

// Ref returns the record's type and ID.
func (r Record) Ref() Ref {
	return Ref{Type: r.Type, ID: r.ID}
}

// Validate checks the fields required for storage.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("invalid record ID: must not be empty")
	}

	if err := ValidateTypeName(r.Type); err != nil {
		return err
	}

	if r.ModelVersion < 0 {
		return fmt.Errorf("invalid model version: must be >= 0, got %d", r.ModelVersion)
	}

	return nil
}

// ValidateTypeName checks a type name can be embedded in a Redis key.
func ValidateTypeName(name string) error {
	if name == "" {
		return fmt.Errorf("invalid type: must not be empty")
	}
	if strings.ContainsAny(name, ":*?[]\\ ") {
		return fmt.Errorf("invalid type %q: must not contain ':', glob characters or spaces", name)
	}
	return nil
}
