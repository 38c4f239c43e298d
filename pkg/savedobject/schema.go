package savedobject

import (
	"fmt"
	"strings"
)

// Redis key pattern helpers
//
// Key pattern: moult:{instance_name}:{entity}:...
// Channel pattern: moult:{instance_name}:{event_type}_events

// RecordKey returns the Redis key for a record hash.
// Pattern: moult:{instance_name}:so:{type}:{id}
func RecordKey(instanceName, typeName, id string) string {
	return fmt.Sprintf("moult:%s:so:%s:%s", instanceName, typeName, id)
}

// recordKeyPrefix is the part of RecordKey before the type.
func recordKeyPrefix(instanceName string) string {
	return fmt.Sprintf("moult:%s:so:", instanceName)
}

// RecordScanPattern returns a SCAN MATCH pattern for records whose type
// matches typeGlob and whose ID starts with idPrefix. idPrefix is escaped;
// typeGlob is passed through so callers can use "*" or "ale*".
func RecordScanPattern(instanceName, typeGlob, idPrefix string) string {
	if typeGlob == "" {
		typeGlob = "*"
	}
	return fmt.Sprintf("%s%s:%s*", recordKeyPrefix(instanceName), typeGlob, escapeGlob(idPrefix))
}

// ParseRecordKey splits a record key back into its reference.
func ParseRecordKey(instanceName, key string) (Ref, error) {
	prefix := recordKeyPrefix(instanceName)
	if !strings.HasPrefix(key, prefix) {
		return Ref{}, fmt.Errorf("key %q is not a record key for instance %q", key, instanceName)
	}

	// Type names never contain ':', IDs may
	rest := key[len(prefix):]
	typeName, id, ok := strings.Cut(rest, ":")
	if !ok || typeName == "" || id == "" {
		return Ref{}, fmt.Errorf("malformed record key %q", key)
	}

	return Ref{Type: typeName, ID: id}, nil
}

// VersionIndexKey returns the Redis key for a type's model version index ZSET.
// Pattern: moult:{instance_name}:versions:{type}
func VersionIndexKey(instanceName, typeName string) string {
	return fmt.Sprintf("moult:%s:versions:%s", instanceName, typeName)
}

// MigrationEventsChannel returns the Pub/Sub channel for migration events.
// Pattern: moult:{instance_name}:migration_events
func MigrationEventsChannel(instanceName string) string {
	return fmt.Sprintf("moult:%s:migration_events", instanceName)
}

// VersionScore converts a model version to a ZSET score.
func VersionScore(version int) float64 {
	return float64(version)
}

// VersionFromScore converts a ZSET score back to a model version.
func VersionFromScore(score float64) int {
	return int(score)
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
