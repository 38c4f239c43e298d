// Package resolver turns user-supplied record IDs, possibly shortened,
// into full record references.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/dyluth/moult/pkg/savedobject"
)

// MinShortIDLength is the minimum length for a prefix that is not itself a full ID.
const MinShortIDLength = 6

// RefScanner is the storage lookup the resolver needs.
type RefScanner interface {
	ScanRefs(ctx context.Context, typeGlob, idPrefix string) ([]savedobject.Ref, error)
}

// Resolve finds the single record whose ID is id or starts with id.
// typeGlob narrows the search; empty means every type. An exact ID match wins
// over longer IDs sharing the prefix.
func Resolve(ctx context.Context, store RefScanner, typeGlob, id string) (savedobject.Ref, error) {
	if id == "" {
		return savedobject.Ref{}, fmt.Errorf("record ID cannot be empty")
	}
	if typeGlob == "" {
		typeGlob = "*"
	}

	// "type:id" pins the type
	if typeName, rest, ok := strings.Cut(id, ":"); ok && typeName != "" && rest != "" {
		typeGlob, id = typeName, rest
	}

	matches, err := store.ScanRefs(ctx, typeGlob, id)
	if err != nil {
		return savedobject.Ref{}, fmt.Errorf("failed to search for record: %w", err)
	}

	var exact []savedobject.Ref
	for _, ref := range matches {
		if ref.ID == id {
			exact = append(exact, ref)
		}
	}
	if len(exact) == 1 {
		return exact[0], nil
	}
	if len(exact) > 1 {
		return savedobject.Ref{}, &AmbiguousError{ShortID: id, Matches: exact}
	}

	if len(id) < MinShortIDLength {
		if len(matches) == 0 {
			return savedobject.Ref{}, &NotFoundError{ShortID: id}
		}
		return savedobject.Ref{}, fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(id))
	}

	switch len(matches) {
	case 0:
		return savedobject.Ref{}, &NotFoundError{ShortID: id}
	case 1:
		return matches[0], nil
	default:
		return savedobject.Ref{}, &AmbiguousError{ShortID: id, Matches: matches}
	}
}

// NotFoundError indicates no records matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no records found matching '%s'", e.ShortID)
}

// AmbiguousError indicates multiple records matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []savedobject.Ref
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d records", e.ShortID, len(e.Matches))
}

// FormatAmbiguousError lists up to 10 matching references, then "...and N more".
func FormatAmbiguousError(err *AmbiguousError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error: ambiguous short ID '%s' matches %d records:\n", err.ShortID, len(err.Matches))

	displayCount := len(err.Matches)
	if displayCount > 10 {
		displayCount = 10
	}
	for i := 0; i < displayCount; i++ {
		fmt.Fprintf(&b, "  %s\n", err.Matches[i])
	}
	if len(err.Matches) > 10 {
		fmt.Fprintf(&b, "  ...and %d more\n", len(err.Matches)-10)
	}

	b.WriteString("\nUse a longer prefix or type:id to identify the record.")
	return b.String()
}

// IsNotFoundError checks if an error is a NotFoundError.
func IsNotFoundError(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	_, ok := err.(*AmbiguousError)
	return ok
}
