package savedobject

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between records and Redis hashes
//
// Scalar record metadata is stored as individual hash fields so it can be read
// without decoding the attributes. Attributes and namespaces are JSON-encoded
// into single hash fields.

// RecordToHash converts a Record to a Redis hash format.
func RecordToHash(r *Record) (map[string]interface{}, error) {
	attrs := r.Attributes
	if attrs == nil {
		attrs = Attributes{}
	}
	attributesJSON, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attributes: %w", err)
	}

	namespaces := r.Namespaces
	if namespaces == nil {
		namespaces = []string{}
	}
	namespacesJSON, err := json.Marshal(namespaces)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal namespaces: %w", err)
	}

	hash := map[string]interface{}{
		"id":            r.ID,
		"type":          r.Type,
		"model_version": r.ModelVersion,
		"attributes":    string(attributesJSON),
		"namespaces":    string(namespacesJSON),
		"origin_id":     r.OriginID,
		"updated_at_ms": r.UpdatedAtMs,
	}

	return hash, nil
}

// HashToRecord converts a Redis hash to a Record.
func HashToRecord(hash map[string]string) (*Record, error) {
	modelVersion, err := strconv.Atoi(hash["model_version"])
	if err != nil {
		return nil, fmt.Errorf("invalid model_version field: %w", err)
	}

	attrs := Attributes{}
	if attributesJSON := hash["attributes"]; attributesJSON != "" {
		if err := json.Unmarshal([]byte(attributesJSON), &attrs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
		}
	}

	var namespaces []string
	if namespacesJSON := hash["namespaces"]; namespacesJSON != "" {
		if err := json.Unmarshal([]byte(namespacesJSON), &namespaces); err != nil {
			return nil, fmt.Errorf("failed to unmarshal namespaces: %w", err)
		}
	}
	if len(namespaces) == 0 {
		namespaces = nil
	}

	updatedAtMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	record := &Record{
		ID:           hash["id"],
		Type:         hash["type"],
		ModelVersion: modelVersion,
		Attributes:   attrs,
		Namespaces:   namespaces,
		OriginID:     hash["origin_id"],
		UpdatedAtMs:  updatedAtMs,
	}

	return record, nil
}
