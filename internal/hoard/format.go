// Package hoard lists and shows the saved objects held in an instance.
package hoard

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/moult/pkg/savedobject"
)

// Row is one record as listed, with what the registry knows about its type.
type Row struct {
	Record         *savedobject.Record `json:"record"`
	Title          string              `json:"title"`
	CurrentVersion int                 `json:"current_version"`
}

// Stale reports whether the stored record is older than its type's current version.
func (r Row) Stale() bool {
	return r.Record.ModelVersion < r.CurrentVersion
}

// FormatTable writes rows as a table with columns ID, TYPE, VER, AGE and TITLE.
// Stale versions are marked with "*". Returns the number of rows formatted.
func FormatTable(w io.Writer, rows []Row, instanceName string) int {
	if len(rows) == 0 {
		fmt.Fprintf(w, "No records found for instance '%s'\n", instanceName)
		return 0
	}

	fmt.Fprintf(w, "Records for instance '%s':\n\n", instanceName)

	fmt.Fprintf(w, "%-10s %-22s %-7s %-8s %s\n",
		"ID", "TYPE", "VER", "AGE", "TITLE")
	fmt.Fprintf(w, "%-10s %-22s %-7s %-8s %s\n",
		"----------", "----------------------", "-------", "--------", "----------------------------------------")

	stale := 0
	for _, row := range rows {
		if row.Stale() {
			stale++
		}
		fmt.Fprintf(w, "%-10s %-22s %-7s %-8s %s\n",
			formatID(row.Record.ID),
			formatType(row.Record.Type),
			formatVersion(row),
			formatTimestamp(row.Record.UpdatedAtMs),
			formatTitle(row.Title),
		)
	}

	countMsg := "record"
	if len(rows) != 1 {
		countMsg = "records"
	}
	fmt.Fprintf(w, "\n%d %s found", len(rows), countMsg)
	if stale > 0 {
		fmt.Fprintf(w, ", %d below the current model version (*)", stale)
	}
	fmt.Fprintln(w)

	return len(rows)
}

// FormatJSONL writes each stored record as one line of JSON.
func FormatJSONL(w io.Writer, rows []Row) error {
	for _, row := range rows {
		data, err := json.Marshal(row.Record)
		if err != nil {
			return fmt.Errorf("failed to marshal record to JSON: %w", err)
		}

		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes one record as pretty-printed JSON.
func FormatSingleJSON(w io.Writer, rec *savedobject.Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record to JSON: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)

	return nil
}

// formatID truncates record IDs to 8 characters.
func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatType(typeName string) string {
	if len(typeName) > 22 {
		return typeName[:19] + "..."
	}
	return typeName
}

// formatTitle keeps the first line, at most 40 characters. Empty titles print "-".
func formatTitle(title string) string {
	firstLine, _, _ := strings.Cut(strings.TrimSpace(title), "\n")
	firstLine = strings.TrimSpace(firstLine)
	if firstLine == "" {
		return "-"
	}
	if len(firstLine) > 40 {
		return firstLine[:37] + "..."
	}
	return firstLine
}

// formatVersion shows "v3", or "v1*" when the current version is higher.
func formatVersion(row Row) string {
	v := fmt.Sprintf("v%d", row.Record.ModelVersion)
	if row.Stale() {
		v += "*"
	}
	return v
}

// formatTimestamp renders a millisecond timestamp as "2m ago", "1h ago" and so on.
func formatTimestamp(timestampMs int64) string {
	if timestampMs == 0 {
		return "-"
	}

	diff := time.Since(time.UnixMilli(timestampMs))

	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
