// Package filter selects saved objects for listing and export.
package filter

import (
	"path/filepath"

	"github.com/dyluth/moult/pkg/savedobject"
)

// Criteria defines filtering criteria for records.
// All filters are ANDed together - a record must match ALL criteria to pass.
type Criteria struct {
	SinceTimestampMs int64  // Unix timestamp in milliseconds, 0 = no filter
	UntilTimestampMs int64  // Unix timestamp in milliseconds, 0 = no filter
	TypeGlob         string // Glob pattern for record type, empty = no filter
	Namespace        string // Record must belong to this namespace, empty = no filter
	StaleOnly        bool   // Only records below CurrentVersion
	CurrentVersion   func(typeName string) int
}

// Matches returns true if the record matches all filter criteria.
// Empty/zero criteria values are treated as "match all" for that criterion.
func (c *Criteria) Matches(rec *savedobject.Record) bool {
	if c.SinceTimestampMs > 0 && rec.UpdatedAtMs < c.SinceTimestampMs {
		return false
	}
	if c.UntilTimestampMs > 0 && rec.UpdatedAtMs > c.UntilTimestampMs {
		return false
	}

	if c.TypeGlob != "" {
		matched, err := filepath.Match(c.TypeGlob, rec.Type)
		if err != nil || !matched {
			return false
		}
	}

	if c.Namespace != "" && !contains(rec.Namespaces, c.Namespace) {
		return false
	}

	if c.StaleOnly && c.CurrentVersion != nil && rec.ModelVersion >= c.CurrentVersion(rec.Type) {
		return false
	}

	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return c.SinceTimestampMs > 0 ||
		c.UntilTimestampMs > 0 ||
		c.TypeGlob != "" ||
		c.Namespace != "" ||
		c.StaleOnly
}

// ScanGlob returns the type pattern to scan storage with.
func (c *Criteria) ScanGlob() string {
	if c.TypeGlob == "" {
		return "*"
	}
	return c.TypeGlob
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
