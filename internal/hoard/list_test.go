package hoard

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/moult/internal/filter"
	"github.com/dyluth/moult/internal/migration"
	"github.com/dyluth/moult/internal/registry"
	"github.com/dyluth/moult/pkg/savedobject"
	"github.com/redis/go-redis/v9"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestClient(t *testing.T) (*savedobject.Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	client, err := savedobject.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register("alert", registry.TypeOptions{
		GetTitle: func(rec savedobject.Record) string { return "Rule: [" + rec.Attributes.GetString("name") + "]" },
	}))
	require.NoError(t, reg.RegisterVersion("alert", registry.ModelVersion{Version: 1}))
	require.NoError(t, reg.RegisterVersion("alert", registry.ModelVersion{
		Version:     2,
		AddedFields: map[string]any{"revision": 0},
	}))
	require.NoError(t, reg.Register("secret", registry.TypeOptions{Hidden: true}))
	require.NoError(t, reg.RegisterVersion("secret", registry.ModelVersion{Version: 1}))
	reg.Freeze()
	return reg
}

func seed(t *testing.T, client *savedobject.Client) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	records := []*savedobject.Record{
		{ID: "r-new", Type: "alert", ModelVersion: 2, Attributes: savedobject.Attributes{"name": "new"}, UpdatedAtMs: now.UnixMilli()},
		{ID: "r-old", Type: "alert", ModelVersion: 1, Attributes: savedobject.Attributes{"name": "old"}, UpdatedAtMs: now.Add(-2 * time.Hour).UnixMilli()},
		{ID: "k1", Type: "secret", ModelVersion: 1, UpdatedAtMs: now.Add(-time.Hour).UnixMilli()},
	}
	for _, rec := range records {
		require.NoError(t, client.Save(ctx, rec))
	}
}

func TestListRecords(t *testing.T) {
	ctx := context.Background()
	logger, hook := logtest.NewNullLogger()

	t.Run("empty store", func(t *testing.T) {
		client, _ := setupTestClient(t)

		var buf bytes.Buffer
		err := ListRecords(ctx, client, testRegistry(t), "test-instance", ListOptions{}, &buf, logger)
		require.NoError(t, err)
		assert.Contains(t, buf.String(), "No records found for instance 'test-instance'")
	})

	t.Run("table sorted by update time, hidden types skipped", func(t *testing.T) {
		client, _ := setupTestClient(t)
		seed(t, client)

		var buf bytes.Buffer
		err := ListRecords(ctx, client, testRegistry(t), "test-instance", ListOptions{Format: OutputFormatDefault}, &buf, logger)
		require.NoError(t, err)

		out := buf.String()
		assert.Less(t, strings.Index(out, "r-old"), strings.Index(out, "r-new"))
		assert.Contains(t, out, "Rule: [old]")
		assert.Contains(t, out, "v1*")
		assert.NotContains(t, out, "k1")
	})

	t.Run("include hidden", func(t *testing.T) {
		client, _ := setupTestClient(t)
		seed(t, client)

		var buf bytes.Buffer
		err := ListRecords(ctx, client, testRegistry(t), "test-instance", ListOptions{IncludeHidden: true}, &buf, logger)
		require.NoError(t, err)
		assert.Contains(t, buf.String(), "k1")
	})

	t.Run("jsonl with stale filter", func(t *testing.T) {
		client, _ := setupTestClient(t)
		seed(t, client)
		reg := testRegistry(t)

		var buf bytes.Buffer
		err := ListRecords(ctx, client, reg, "test-instance", ListOptions{
			Format:   OutputFormatJSONL,
			Criteria: &filter.Criteria{StaleOnly: true, CurrentVersion: reg.CurrentVersion},
		}, &buf, logger)
		require.NoError(t, err)

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 1)
		var rec savedobject.Record
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
		assert.Equal(t, "r-old", rec.ID)
	})

	t.Run("malformed records are skipped", func(t *testing.T) {
		client, mr := setupTestClient(t)
		seed(t, client)
		mr.HSet(savedobject.RecordKey("test-instance", "alert", "broken"), "id", "broken", "type", "alert", "model_version", "nope")

		var buf bytes.Buffer
		err := ListRecords(ctx, client, testRegistry(t), "test-instance", ListOptions{}, &buf, logger)
		require.NoError(t, err)
		assert.Contains(t, buf.String(), "2 records found")
		require.NotNil(t, hook.LastEntry())
		assert.Equal(t, "skipping_malformed_record", hook.LastEntry().Message)
	})

	t.Run("unknown format", func(t *testing.T) {
		client, _ := setupTestClient(t)
		err := ListRecords(ctx, client, testRegistry(t), "test-instance", ListOptions{Format: "xml"}, &bytes.Buffer{}, logger)
		assert.ErrorContains(t, err, "unknown output format")
	})
}

func TestGetRecord(t *testing.T) {
	ctx := context.Background()
	client, _ := setupTestClient(t)
	seed(t, client)
	reg := testRegistry(t)

	t.Run("as stored", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, GetRecord(ctx, client, nil, savedobject.Ref{Type: "alert", ID: "r-old"}, &buf))

		var rec savedobject.Record
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, 1, rec.ModelVersion)
		assert.NotContains(t, rec.Attributes, "revision")
	})

	t.Run("migrated view leaves storage alone", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, GetRecord(ctx, client, migration.NewRunner(reg), savedobject.Ref{Type: "alert", ID: "r-old"}, &buf))

		var rec savedobject.Record
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, 2, rec.ModelVersion)
		assert.Contains(t, rec.Attributes, "revision")

		stored, err := client.Get(ctx, "alert", "r-old")
		require.NoError(t, err)
		assert.Equal(t, 1, stored.ModelVersion)
	})

	t.Run("not found", func(t *testing.T) {
		err := GetRecord(ctx, client, nil, savedobject.Ref{Type: "alert", ID: "missing"}, &bytes.Buffer{})
		assert.True(t, IsNotFound(err))
		assert.EqualError(t, err, "record 'alert:missing' not found")
	})
}
