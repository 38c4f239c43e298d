package hoard

import (
	"context"
	"fmt"
	"io"

	"github.com/dyluth/moult/internal/migration"
	"github.com/dyluth/moult/pkg/savedobject"
)

// GetRecord writes one record as pretty-printed JSON. With a runner the record
// is shown migrated to its current version; storage is left untouched.
func GetRecord(ctx context.Context, store Store, runner *migration.Runner, ref savedobject.Ref, w io.Writer) error {
	rec, err := store.Get(ctx, ref.Type, ref.ID)
	if err != nil {
		if savedobject.IsNotFound(err) {
			return &RecordNotFoundError{Ref: ref}
		}
		return fmt.Errorf("failed to fetch record: %w", err)
	}

	if runner != nil {
		migrated, err := runner.Migrate(*rec)
		if err != nil {
			return err
		}
		rec = &migrated
	}

	if err := FormatSingleJSON(w, rec); err != nil {
		return fmt.Errorf("failed to format record: %w", err)
	}
	return nil
}

// RecordNotFoundError represents a specific "record not found" error.
type RecordNotFoundError struct {
	Ref savedobject.Ref
}

func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("record '%s' not found", e.Ref)
}

// IsNotFound returns true if the error is a RecordNotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*RecordNotFoundError)
	return ok
}
