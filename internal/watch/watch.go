// Package watch follows migrations as they are written back to storage.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/dyluth/moult/pkg/savedobject"
	"github.com/sirupsen/logrus"
)

// OutputFormat specifies how events are written.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSONL   OutputFormat = "jsonl"
)

// EventSource delivers migration events.
type EventSource interface {
	SubscribeMigrationEvents(ctx context.Context) (*savedobject.Subscription, error)
}

// Options controls StreamMigrations.
type Options struct {
	Format   OutputFormat
	TypeGlob string // Only events for matching types, empty = all

	// OnSubscribed is called once the subscription is live.
	OnSubscribed func()
}

// StreamMigrations writes migration events to w until ctx is done.
// Cancellation is a normal exit and returns nil.
func StreamMigrations(ctx context.Context, src EventSource, opts Options, w io.Writer, logger logrus.FieldLogger) error {
	switch opts.Format {
	case OutputFormatDefault, "", OutputFormatJSONL:
	default:
		return fmt.Errorf("unknown output format: %s", opts.Format)
	}

	sub, err := src.SubscribeMigrationEvents(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	if opts.OnSubscribed != nil {
		opts.OnSubscribed()
	}

	events := sub.Events()
	errs := sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.WithError(err).Warn("skipping_malformed_event")

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !matchesType(opts.TypeGlob, ev.Type) {
				continue
			}
			if err := writeEvent(w, ev, opts.Format); err != nil {
				return err
			}
		}
	}
}

func matchesType(glob, typeName string) bool {
	if glob == "" {
		return true
	}
	matched, err := filepath.Match(glob, typeName)
	return err == nil && matched
}

func writeEvent(w io.Writer, ev *savedobject.MigrationEvent, format OutputFormat) error {
	if format == OutputFormatJSONL {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	_, err := fmt.Fprintln(w, FormatEvent(ev))
	return err
}

// FormatEvent renders an event as "[15:04:05] alert:rule-1 v2 → v5".
func FormatEvent(ev *savedobject.MigrationEvent) string {
	ts := "--:--:--"
	if ev.AtMs > 0 {
		ts = time.UnixMilli(ev.AtMs).Format("15:04:05")
	}
	return fmt.Sprintf("[%s] %s:%s v%d → v%d", ts, ev.Type, ev.RecordID, ev.FromVersion, ev.ToVersion)
}

// RecordGetter reads a stored record.
type RecordGetter interface {
	Get(ctx context.Context, typeName, id string) (*savedobject.Record, error)
}

// PollForVersion polls until the stored record reaches at least version.
// Polls every 200ms for the specified timeout duration.
func PollForVersion(ctx context.Context, store RecordGetter, ref savedobject.Ref, version int, timeout time.Duration) (*savedobject.Record, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for %s to reach model version %d after %v", ref, version, timeout)

		case <-ticker.C:
			rec, err := store.Get(ctx, ref.Type, ref.ID)
			if err != nil {
				if savedobject.IsNotFound(err) {
					continue
				}
				return nil, fmt.Errorf("failed to read %s: %w", ref, err)
			}
			if rec.ModelVersion >= version {
				return rec, nil
			}
		}
	}
}
