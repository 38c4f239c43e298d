package transfer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/moult/internal/filter"
	"github.com/dyluth/moult/pkg/savedobject"
	"github.com/sirupsen/logrus"
)

// maxLineBytes bounds a single NDJSON line when reading an export.
const maxLineBytes = 16 << 20

// Source is the storage read side used by Export.
type Source interface {
	ScanRefs(ctx context.Context, typeGlob, idPrefix string) ([]savedobject.Ref, error)
	Get(ctx context.Context, typeName, id string) (*savedobject.Record, error)
}

// Sink is the storage write side used by Persist.
type Sink interface {
	Exists(ctx context.Context, typeName, id string) (bool, error)
	Save(ctx context.Context, rec *savedobject.Record) error
}

// ExcludedObject is a record left out of an export.
type ExcludedObject struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ExportSummary is written as the last line of every export.
type ExportSummary struct {
	ExportedCount        int              `json:"exportedCount"`
	ExcludedObjectsCount int              `json:"excludedObjectsCount"`
	ExcludedObjects      []ExcludedObject `json:"excludedObjects"`
}

// Export streams every stored record matching criteria to w as NDJSON, one
// migrated and export-transformed record per line, followed by the summary.
// A record that fails to migrate aborts the export.
func (f *Filter) Export(ctx context.Context, src Source, criteria *filter.Criteria, w io.Writer) (ExportSummary, error) {
	if criteria == nil {
		criteria = &filter.Criteria{}
	}
	summary := ExportSummary{ExcludedObjects: []ExcludedObject{}}

	refs, err := src.ScanRefs(ctx, criteria.ScanGlob(), "")
	if err != nil {
		return summary, fmt.Errorf("failed to list records: %w", err)
	}

	enc := json.NewEncoder(w)
	for _, ref := range refs {
		rec, err := src.Get(ctx, ref.Type, ref.ID)
		if err != nil {
			if savedobject.IsNotFound(err) {
				// Deleted since the scan
				continue
			}
			return summary, fmt.Errorf("failed to read %s: %w", ref, err)
		}
		if !criteria.Matches(rec) {
			continue
		}

		out, decision, err := f.MigrateForExport(ctx, *rec)
		if err != nil {
			return summary, fmt.Errorf("failed to export %s: %w", ref, err)
		}
		if !decision.Exportable {
			summary.ExcludedObjects = append(summary.ExcludedObjects, ExcludedObject{
				ID:     ref.ID,
				Type:   ref.Type,
				Reason: decision.Reason,
			})
			continue
		}

		if err := enc.Encode(out); err != nil {
			return summary, fmt.Errorf("failed to write %s: %w", ref, err)
		}
		summary.ExportedCount++
	}

	summary.ExcludedObjectsCount = len(summary.ExcludedObjects)
	if err := enc.Encode(summary); err != nil {
		return summary, fmt.Errorf("failed to write export summary: %w", err)
	}

	f.logger.WithFields(logrus.Fields{
		"exported": summary.ExportedCount,
		"excluded": summary.ExcludedObjectsCount,
	}).Info("export_completed")

	return summary, nil
}

// ReadNDJSON parses an export stream. The summary line is returned
// separately and is nil when the stream has none. Blank lines are ignored.
func ReadNDJSON(r io.Reader) ([]savedobject.Record, *ExportSummary, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	records := []savedobject.Record{}
	var summary *ExportSummary

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var probe struct {
			ExportedCount *int `json:"exportedCount"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			return nil, nil, fmt.Errorf("line %d: invalid JSON: %w", lineNo, err)
		}
		if probe.ExportedCount != nil {
			var s ExportSummary
			if err := json.Unmarshal(line, &s); err != nil {
				return nil, nil, fmt.Errorf("line %d: invalid export summary: %w", lineNo, err)
			}
			summary = &s
			continue
		}

		var rec savedobject.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, nil, fmt.Errorf("line %d: invalid record: %w", lineNo, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read import stream: %w", err)
	}

	return records, summary, nil
}

// PersistReport lists what Persist wrote and what it refused to overwrite.
type PersistReport struct {
	Saved     []savedobject.Ref
	Conflicts []ImportWarning
}

// Persist saves the accepted records of an import. Without overwrite, a record
// whose ID already exists is reported as a conflict and left alone.
func Persist(ctx context.Context, sink Sink, result ImportResult, overwrite bool) (PersistReport, error) {
	report := PersistReport{Saved: []savedobject.Ref{}, Conflicts: []ImportWarning{}}
	nowMs := time.Now().UnixMilli()

	for i := range result.Accepted {
		rec := result.Accepted[i]
		index := i
		if i < len(result.AcceptedIndexes) {
			index = result.AcceptedIndexes[i]
		}

		if !overwrite {
			exists, err := sink.Exists(ctx, rec.Type, rec.ID)
			if err != nil {
				return report, fmt.Errorf("failed to check %s: %w", rec.Ref(), err)
			}
			if exists {
				report.Conflicts = append(report.Conflicts, ImportWarning{
					Index:   index,
					ID:      rec.ID,
					Type:    rec.Type,
					Kind:    WarningSkipped,
					Message: "a record with this ID already exists; use overwrite or new copies",
				})
				continue
			}
		}

		rec.UpdatedAtMs = nowMs
		if err := sink.Save(ctx, &rec); err != nil {
			return report, fmt.Errorf("failed to save %s: %w", rec.Ref(), err)
		}
		report.Saved = append(report.Saved, rec.Ref())
	}

	return report, nil
}
