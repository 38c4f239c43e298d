package hoard

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/dyluth/moult/internal/filter"
	"github.com/dyluth/moult/internal/registry"
	"github.com/dyluth/moult/pkg/savedobject"
	"github.com/sirupsen/logrus"
)

// OutputFormat specifies how to format list output.
type OutputFormat string

const (
	// OutputFormatDefault uses a table with truncated titles
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs stored records as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// Store is the storage read side the listing needs.
type Store interface {
	ScanRefs(ctx context.Context, typeGlob, idPrefix string) ([]savedobject.Ref, error)
	Get(ctx context.Context, typeName, id string) (*savedobject.Record, error)
}

// ListOptions selects and formats records.
type ListOptions struct {
	Format        OutputFormat
	Criteria      *filter.Criteria
	IncludeHidden bool // List types registered as hidden
}

// ListRecords writes every stored record matching opts, oldest update first.
// Malformed records are logged and skipped.
func ListRecords(ctx context.Context, store Store, reg *registry.Registry, instanceName string, opts ListOptions, w io.Writer, logger logrus.FieldLogger) error {
	criteria := opts.Criteria
	if criteria == nil {
		criteria = &filter.Criteria{}
	}

	rows, err := collectRows(ctx, store, reg, criteria, opts.IncludeHidden, logger)
	if err != nil {
		return err
	}

	switch opts.Format {
	case OutputFormatDefault, "":
		FormatTable(w, rows, instanceName)
	case OutputFormatJSONL:
		if err := FormatJSONL(w, rows); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format: %s", opts.Format)
	}

	return nil
}

func collectRows(ctx context.Context, store Store, reg *registry.Registry, criteria *filter.Criteria, includeHidden bool, logger logrus.FieldLogger) ([]Row, error) {
	refs, err := store.ScanRefs(ctx, criteria.ScanGlob(), "")
	if err != nil {
		return nil, fmt.Errorf("failed to scan records: %w", err)
	}

	rows := []Row{}
	for _, ref := range refs {
		if !includeHidden {
			if opts, err := reg.Options(ref.Type); err == nil && opts.Hidden {
				continue
			}
		}

		rec, err := store.Get(ctx, ref.Type, ref.ID)
		if err != nil {
			if savedobject.IsNotFound(err) {
				continue
			}
			logger.WithFields(logrus.Fields{"ref": ref.String(), "error": err}).Warn("skipping_malformed_record")
			continue
		}

		if !criteria.Matches(rec) {
			continue
		}

		rows = append(rows, Row{
			Record:         rec,
			Title:          reg.Title(*rec),
			CurrentVersion: reg.CurrentVersion(rec.Type),
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Record.UpdatedAtMs < rows[j].Record.UpdatedAtMs
	})

	return rows, nil
}
