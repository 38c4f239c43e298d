package alerting

import (
	"fmt"
	"time"

	"github.com/dyluth/moult/internal/registry"
	"github.com/dyluth/moult/pkg/savedobject"
)

// RuleModelVersions returns the rule model versions, oldest first.
func RuleModelVersions() []registry.ModelVersion {
	return []registry.ModelVersion{
		{
			Version:     1,
			Description: "baseline rule with encrypted API key",
			Requires:    []string{"alertTypeId"},
			AddedFields: map[string]any{
				"muteAll":          false,
				"mutedInstanceIds": []any{},
			},
			Encrypted: RuleEncryptedAttributes,
			ExcludedFromIntegrity: []string{
				"scheduledTaskId",
				"muteAll",
				"mutedInstanceIds",
				"updatedBy",
				"updatedAt",
				"executionStatus",
				"snoozeEndTime",
			},
		},
		{
			Version:     2,
			Description: "execution monitoring",
			AddedFields: map[string]any{
				"monitoring": map[string]any{
					"run": map[string]any{
						"history":            []any{},
						"calculated_metrics": map[string]any{"success_ratio": 0},
					},
				},
			},
			ExcludedFromIntegrity: []string{"monitoring"},
		},
		{
			Version:               3,
			Description:           "snoozeEndTime replaced by snoozeSchedule",
			Transform:             snoozeEndTimeToSchedule,
			AddedFields:           map[string]any{"snoozeSchedule": []any{}},
			RemovedFields:         []string{"snoozeEndTime"},
			ExcludedFromIntegrity: []string{"snoozeSchedule"},
		},
		{
			Version:     4,
			Description: "snooze and run bookkeeping",
			AddedFields: map[string]any{
				"isSnoozedUntil": nil,
				"lastRun":        nil,
				"nextRun":        nil,
			},
			ExcludedFromIntegrity: []string{"isSnoozedUntil", "lastRun", "nextRun"},
		},
		{
			Version:     5,
			Description: "revision counter and running flag",
			AddedFields: map[string]any{
				"revision": 0,
				"running":  false,
			},
			ExcludedFromIntegrity: []string{"revision", "running"},
		},
	}
}

// snoozeEndTimeToSchedule turns a single snooze end time into a one-off
// snooze schedule entry starting at updatedAt. A snooze that had already
// ended by updatedAt is dropped.
func snoozeEndTimeToSchedule(attrs savedobject.Attributes) (savedobject.Attributes, error) {
	raw, ok := attrs["snoozeEndTime"]
	if !ok || raw == nil {
		return attrs, nil
	}
	if err := attrs.Require("updatedAt"); err != nil {
		return nil, err
	}

	end, err := parseTimestamp(raw)
	if err != nil {
		return nil, fmt.Errorf("snoozeEndTime: %w", err)
	}
	start, err := parseTimestamp(attrs["updatedAt"])
	if err != nil {
		return nil, fmt.Errorf("updatedAt: %w", err)
	}

	duration := end.Sub(start)
	if duration <= 0 {
		return attrs, nil
	}

	var schedule []any
	if existing, ok := attrs["snoozeSchedule"].([]any); ok {
		schedule = existing
	}
	schedule = append(schedule, map[string]any{
		"duration": duration.Milliseconds(),
		"rRule": map[string]any{
			"dtstart": start.UTC().Format(time.RFC3339),
			"tzid":    "UTC",
			"count":   1,
		},
	})
	attrs["snoozeSchedule"] = schedule

	return attrs, nil
}

func parseTimestamp(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("expected a timestamp string, got %T", v)
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
