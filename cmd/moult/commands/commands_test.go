package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/moult/internal/alerting"
	"github.com/dyluth/moult/pkg/savedobject"
	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `version: "1.0"
log:
  level: error
rule_types:
  - id: .index-threshold
    name: Index threshold
  - id: .es-query
    name: Elasticsearch query
    export_expr: attrs.name != "private"
`

type cliEnv struct {
	mr         *miniredis.Miniredis
	addr       string
	configPath string
	dir        string
}

func setupCLI(t *testing.T) *cliEnv {
	t.Helper()
	color.NoColor = true

	mr := miniredis.RunT(t)
	dir := t.TempDir()
	configPath := filepath.Join(dir, "moult.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0o644))

	return &cliEnv{mr: mr, addr: mr.Addr(), configPath: configPath, dir: dir}
}

// client opens a store on the test server for seeding and checks.
func (e *cliEnv) client(t *testing.T, instance string) *savedobject.Client {
	t.Helper()
	c, err := savedobject.NewClient(&redis.Options{Addr: e.mr.Addr()}, instance)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// run executes the real root command with fresh flag values.
func (e *cliEnv) run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetIn(strings.NewReader(stdin))

	full := append([]string{"--config", e.configPath, "--redis", "redis://" + e.addr}, args...)
	rootCmd.SetArgs(full)
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func legacyRule(id, ruleTypeID string) *savedobject.Record {
	return &savedobject.Record{
		ID:   id,
		Type: alerting.RuleType,
		Attributes: savedobject.Attributes{
			"name":            "cpu " + id,
			"alertTypeId":     ruleTypeID,
			"enabled":         true,
			"apiKey":          "c2VjcmV0",
			"scheduledTaskId": "task-" + id,
			"updatedAt":       "2026-05-01T09:00:00Z",
			"snoozeEndTime":   "2026-05-01T10:00:00Z",
		},
		Namespaces:  []string{"default"},
		UpdatedAtMs: 1000,
	}
}

func TestVersionsCommand(t *testing.T) {
	env := setupCLI(t)

	stdout, _, err := env.run(t, "", "versions")
	require.NoError(t, err)
	assert.Contains(t, stdout, alerting.RuleType)
	assert.Contains(t, stdout, "v5")
	assert.Contains(t, stdout, "(hidden)")

	stdout, _, err = env.run(t, "", "versions", "alert")
	require.NoError(t, err)
	assert.Contains(t, stdout, "alert (current: v5)")
	assert.Contains(t, stdout, "snoozeEndTime replaced by snoozeSchedule")
	assert.Contains(t, stdout, "removed:  snoozeEndTime")

	_, stderr, err := env.run(t, "", "versions", "dashboard")
	require.Error(t, err)
	assert.Contains(t, stderr, "unknown type 'dashboard'")
}

func TestVersionsCommand_Counts(t *testing.T) {
	env := setupCLI(t)
	c := env.client(t, "default")
	require.NoError(t, c.Save(context.Background(), legacyRule("r1", ".index-threshold")))

	stdout, _, err := env.run(t, "", "versions", "alert", "--counts")
	require.NoError(t, err)
	assert.Contains(t, stdout, "v0  1 record(s)")
	assert.Contains(t, stdout, "[0 record(s)]")
}

func TestPolicyCommand(t *testing.T) {
	env := setupCLI(t)

	stdout, _, err := env.run(t, "", "policy", "alert", "--output", "json")
	require.NoError(t, err)

	var policy struct {
		EncryptedFields       []string `json:"encrypted_fields"`
		ExcludedFromIntegrity []string `json:"excluded_from_integrity"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &policy))
	assert.Equal(t, []string{"apiKey"}, policy.EncryptedFields)
	assert.Len(t, policy.ExcludedFromIntegrity, 14)
	assert.Contains(t, policy.ExcludedFromIntegrity, "snoozeEndTime")
	assert.Contains(t, policy.ExcludedFromIntegrity, "snoozeSchedule")

	stdout, _, err = env.run(t, "", "policy", "alert")
	require.NoError(t, err)
	assert.Contains(t, stdout, "encrypted:             apiKey")
	assert.Contains(t, stdout, "stripped on export:")

	_, stderr, err := env.run(t, "", "policy", "alert", "--output", "yaml")
	require.Error(t, err)
	assert.Contains(t, stderr, "invalid output format")
}

func TestListCommand(t *testing.T) {
	env := setupCLI(t)
	c := env.client(t, "default")
	ctx := context.Background()
	require.NoError(t, c.Save(ctx, legacyRule("rule-0001", ".index-threshold")))
	require.NoError(t, c.Save(ctx, &savedobject.Record{
		ID: "settings", Type: alerting.RulesSettingsType, ModelVersion: 1, Attributes: savedobject.Attributes{},
	}))

	stdout, _, err := env.run(t, "", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "v0*")
	assert.Contains(t, stdout, "Rule: [cpu rule-0001]")
	assert.NotContains(t, stdout, alerting.RulesSettingsType)

	stdout, _, err = env.run(t, "", "list", "--all", "--output", "jsonl")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(stdout, "\n"))
	assert.Contains(t, stdout, alerting.RulesSettingsType)

	_, stderr, err := env.run(t, "", "list", "--output", "table")
	require.Error(t, err)
	assert.Contains(t, stderr, "Valid formats: default, jsonl")

	_, stderr, err = env.run(t, "", "list", "--since", "yesterday")
	require.Error(t, err)
	assert.Contains(t, stderr, "invalid time filter")
}

func TestGetCommand(t *testing.T) {
	env := setupCLI(t)
	c := env.client(t, "default")
	require.NoError(t, c.Save(context.Background(), legacyRule("3f9a2c71-aaaa", ".index-threshold")))

	stdout, _, err := env.run(t, "", "get", "3f9a2c")
	require.NoError(t, err)

	var rec savedobject.Record
	require.NoError(t, json.Unmarshal([]byte(stdout), &rec))
	assert.Equal(t, 5, rec.ModelVersion)
	assert.NotContains(t, rec.Attributes, "snoozeEndTime")
	assert.Len(t, rec.Attributes["snoozeSchedule"], 1)

	stdout, _, err = env.run(t, "", "get", "alert:3f9a2c71-aaaa", "--raw")
	require.NoError(t, err)
	var raw savedobject.Record
	require.NoError(t, json.Unmarshal([]byte(stdout), &raw))
	assert.Equal(t, 0, raw.ModelVersion)
	assert.Contains(t, raw.Attributes, "snoozeEndTime")

	// Reading never writes
	stored, err := c.Get(context.Background(), alerting.RuleType, "3f9a2c71-aaaa")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.ModelVersion)

	_, stderr, err := env.run(t, "", "get", "ffffff")
	require.Error(t, err)
	assert.Contains(t, stderr, "record with ID 'ffffff' not found")
}

func TestMigrateCommand(t *testing.T) {
	env := setupCLI(t)
	c := env.client(t, "default")
	ctx := context.Background()
	require.NoError(t, c.Save(ctx, legacyRule("r1", ".index-threshold")))
	require.NoError(t, c.Save(ctx, legacyRule("r2", ".es-query")))

	stdout, _, err := env.run(t, "", "migrate", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, stdout, "alert: 2 record(s) would move to v5")

	stale, err := c.StaleIDs(ctx, alerting.RuleType, 5)
	require.NoError(t, err)
	assert.Len(t, stale, 2, "dry run must not write")

	textfile := filepath.Join(env.dir, "moult.prom")
	stdout, _, err = env.run(t, "", "migrate", "--metrics-textfile", textfile)
	require.NoError(t, err)
	assert.Contains(t, stdout, "alert: migrated 2 record(s) to v5")

	rec, err := c.Get(ctx, alerting.RuleType, "r1")
	require.NoError(t, err)
	assert.Equal(t, 5, rec.ModelVersion)
	assert.NotContains(t, rec.Attributes, "snoozeEndTime")
	assert.Greater(t, rec.UpdatedAtMs, int64(1000))

	metrics, err := os.ReadFile(textfile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `moult_migrations_applied_total{type="alert",version="3"} 2`)

	stdout, _, err = env.run(t, "", "migrate")
	require.NoError(t, err)
	assert.Contains(t, stdout, "All records are at their current model version")
}

func TestMigrateCommand_ConsistencyError(t *testing.T) {
	env := setupCLI(t)
	c := env.client(t, "default")
	broken := legacyRule("broken", ".index-threshold")
	delete(broken.Attributes, "alertTypeId")
	require.NoError(t, c.Save(context.Background(), broken))

	_, stderr, err := env.run(t, "", "migrate")
	require.Error(t, err)
	assert.Contains(t, stderr, "migration consistency error")
	assert.Contains(t, stderr, "Record: alert:broken")
	assert.Contains(t, stderr, "Transition: 0 -> 1")
	assert.Contains(t, stderr, "Field: alertTypeId")

	rec, err := c.Get(context.Background(), alerting.RuleType, "broken")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.ModelVersion)
}

func TestExportImportRoundTrip(t *testing.T) {
	env := setupCLI(t)
	src := env.client(t, "default")
	ctx := context.Background()
	require.NoError(t, src.Save(ctx, legacyRule("r1", ".index-threshold")))
	require.NoError(t, src.Save(ctx, legacyRule("r2", ".not-installed")))
	require.NoError(t, src.Save(ctx, &savedobject.Record{
		ID: "key-1", Type: alerting.APIKeyPendingInvalidationType, ModelVersion: 1,
		Attributes: savedobject.Attributes{"apiKeyId": "x"},
	}))

	exportPath := filepath.Join(env.dir, "objects.ndjson")
	stdout, stderr, err := env.run(t, "", "export", "--file", exportPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Exported 1 record(s)")
	assert.Contains(t, stderr, "2 record(s) were not exported")
	assert.Contains(t, stderr, `rule type ".not-installed" is not registered`)

	data, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0], "apiKey")
	assert.NotContains(t, lines[0], "scheduledTaskId")
	assert.Contains(t, lines[1], `"exportedCount":1`)

	stdout, _, err = env.run(t, "", "--name", "staging", "import", exportPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Imported 1 of 1 record(s)")
	assert.Contains(t, stdout, alerting.ImportNotice)

	dst := env.client(t, "staging")
	rec, err := dst.Get(ctx, alerting.RuleType, "r1")
	require.NoError(t, err)
	assert.Equal(t, 5, rec.ModelVersion)
	assert.Equal(t, false, rec.Attributes["enabled"])

	// Same IDs again: conflict unless overwrite
	stdout, _, err = env.run(t, "", "--name", "staging", "import", exportPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "already exists")
	assert.Contains(t, stdout, "Imported 0 of 1 record(s)")

	stdout, _, err = env.run(t, "", "--name", "staging", "import", exportPath, "--overwrite")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Imported 1 of 1 record(s)")
}

func TestImportCommand_SkipsUnknownRuleType(t *testing.T) {
	env := setupCLI(t)

	lines := []string{
		`{"id":"a","type":"alert","model_version":5,"attributes":{"name":"a","alertTypeId":".index-threshold","enabled":true}}`,
		`{"id":"b","type":"alert","model_version":5,"attributes":{"name":"b","alertTypeId":".unknown","enabled":true}}`,
		`{"id":"c","type":"alert","model_version":5,"attributes":{"name":"c","alertTypeId":".es-query","enabled":true}}`,
	}
	stdout, _, err := env.run(t, strings.Join(lines, "\n")+"\n", "import", "-")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(stdout, "record #"))
	assert.Contains(t, stdout, "record #1 (alert:b) skipped")
	assert.Contains(t, stdout, "Imported 2 of 3 record(s)")

	ids, err := env.client(t, "default").IDs(context.Background(), alerting.RuleType)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, ids)
}

func TestImportCommand_DryRunAndBadInput(t *testing.T) {
	env := setupCLI(t)

	line := `{"id":"a","type":"alert","model_version":0,"attributes":{"name":"a","alertTypeId":".index-threshold","apiKey":"x"}}`
	stdout, _, err := env.run(t, line+"\n", "import", "-", "--dry-run", "--new-copies")
	require.NoError(t, err)
	assert.Contains(t, stdout, "encrypted fields removed: apiKey")
	assert.Contains(t, stdout, "1 of 1 record(s) would be imported")

	ids, err := env.client(t, "default").IDs(context.Background(), alerting.RuleType)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, stderr, err := env.run(t, "{not json\n", "import", "-")
	require.Error(t, err)
	assert.Contains(t, stderr, "invalid import file")
	assert.Contains(t, stderr, "line 1")
}

func TestWatchCommand_Wait(t *testing.T) {
	env := setupCLI(t)
	c := env.client(t, "default")
	rec := legacyRule("waiting-1", ".index-threshold")
	rec.ModelVersion = 5
	require.NoError(t, c.Save(context.Background(), rec))

	stdout, _, err := env.run(t, "", "watch", "--wait", "alert:waiting-1", "--timeout", "2s")
	require.NoError(t, err)
	assert.Contains(t, stdout, "alert:waiting-1 is at v5")

	_, stderr, err := env.run(t, "", "watch", "--wait", "alert:waiting-1", "--version", "9", "--timeout", "300ms")
	require.Error(t, err)
	assert.Contains(t, stderr, "record did not reach the expected version")
}

func TestRedisConnectionFailure(t *testing.T) {
	env := setupCLI(t)
	env.mr.Close()

	_, stderr, err := env.run(t, "", "list")
	require.Error(t, err)
	assert.Contains(t, stderr, "Redis connection failed")
}
