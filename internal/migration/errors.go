package migration

import (
	"errors"
	"fmt"

	"github.com/dyluth/moult/pkg/savedobject"
)

// MigrationConsistencyError means a model version's transform needed a field
// the record did not have at that point in the chain. It is never retried.
type MigrationConsistencyError struct {
	Type        string
	RecordID    string
	FromVersion int
	ToVersion   int
	Field       string
}

func (e *MigrationConsistencyError) Error() string {
	return fmt.Sprintf("migrating %s %q from model version %d to %d: required field %q is absent",
		e.Type, e.RecordID, e.FromVersion, e.ToVersion, e.Field)
}

// Unwrap lets errors.Is(err, savedobject.ErrMissingField) match.
func (e *MigrationConsistencyError) Unwrap() error {
	return savedobject.ErrMissingField
}

// TransformError wraps any other failure returned by a transform.
type TransformError struct {
	Type        string
	RecordID    string
	FromVersion int
	ToVersion   int
	Err         error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("migrating %s %q from model version %d to %d: %v",
		e.Type, e.RecordID, e.FromVersion, e.ToVersion, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// NewerVersionError means the record was written by a newer schema than this
// registry knows about.
type NewerVersionError struct {
	Type           string
	RecordID       string
	RecordVersion  int
	CurrentVersion int
}

func (e *NewerVersionError) Error() string {
	return fmt.Sprintf("%s %q has model version %d, newer than the current version %d",
		e.Type, e.RecordID, e.RecordVersion, e.CurrentVersion)
}

// DowngradeError is returned when asked to migrate a record to a version
// below the one it is already at. Model versions only move forward.
type DowngradeError struct {
	Type          string
	RecordID      string
	RecordVersion int
	TargetVersion int
}

func (e *DowngradeError) Error() string {
	return fmt.Sprintf("%s %q cannot move from model version %d back to %d",
		e.Type, e.RecordID, e.RecordVersion, e.TargetVersion)
}

// IsConsistencyError reports whether err is or wraps a MigrationConsistencyError.
func IsConsistencyError(err error) bool {
	var mce *MigrationConsistencyError
	return errors.As(err, &mce)
}
