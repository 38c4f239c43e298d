package commands

import (
	"time"

	"github.com/dyluth/moult/internal/filter"
)

// buildCriteria turns the shared filter flags into filter.Criteria.
func (rt *runtime) buildCriteria(since, until, typeGlob, namespace string, staleOnly bool) (*filter.Criteria, error) {
	sinceMS, untilMS, err := filter.ParseRange(since, until, time.Now())
	if err != nil {
		return nil, rt.out.Error(
			"invalid time filter",
			err.Error(),
			[]string{"Use duration format like '1h30m' or RFC3339 like '2025-10-29T13:00:00Z'"},
		)
	}

	return &filter.Criteria{
		SinceTimestampMs: sinceMS,
		UntilTimestampMs: untilMS,
		TypeGlob:         typeGlob,
		Namespace:        namespace,
		StaleOnly:        staleOnly,
		CurrentVersion:   rt.registry.CurrentVersion,
	}, nil
}
