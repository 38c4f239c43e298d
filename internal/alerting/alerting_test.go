package alerting

import (
	"errors"
	"sort"
	"testing"

	"github.com/dyluth/moult/internal/migration"
	"github.com/dyluth/moult/internal/registry"
	"github.com/dyluth/moult/internal/ruletype"
	"github.com/dyluth/moult/internal/transfer"
	"github.com/dyluth/moult/pkg/savedobject"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, Register(reg))
	reg.Freeze()
	return reg
}

func legacyRule() savedobject.Record {
	return savedobject.Record{
		ID:   "rule-1",
		Type: RuleType,
		Attributes: savedobject.Attributes{
			"name":          "CPU high",
			"alertTypeId":   "example.pattern",
			"enabled":       true,
			"apiKey":        "ciphertext",
			"updatedAt":     "2024-01-01T00:00:00Z",
			"snoozeEndTime": "2024-01-01T02:00:00Z",
		},
	}
}

func TestRegister(t *testing.T) {
	reg := newRegistry(t)

	assert.Equal(t, []string{RuleType, APIKeyPendingInvalidationType, MaintenanceWindowType, RulesSettingsType}, reg.Types())
	assert.Equal(t, []int{1, 2, 3, 4, 5}, reg.ListVersions(RuleType))
	assert.Equal(t, 5, reg.CurrentVersion(RuleType))

	opts, err := reg.Options(APIKeyPendingInvalidationType)
	require.NoError(t, err)
	assert.True(t, opts.Hidden)
	assert.True(t, opts.NotTransferable)

	t.Run("twice fails", func(t *testing.T) {
		again := registry.New()
		require.NoError(t, Register(again))
		err := Register(again)
		var dup *registry.DuplicateVersionError
		assert.True(t, errors.As(err, &dup))
	})
}

func TestRuleFieldPolicy(t *testing.T) {
	reg := newRegistry(t)

	want := append([]string(nil), RuleAttributesExcludedFromAAD...)
	sort.Strings(want)
	assert.Equal(t, want, reg.ExcludedFields(RuleType))
	assert.Len(t, reg.ExcludedFields(RuleType), 14)

	assert.Equal(t, []string{"apiKey"}, reg.EncryptedFields(RuleType))
	assert.Equal(t, []string{"apiKeyId"}, reg.EncryptedFields(APIKeyPendingInvalidationType))
	assert.Empty(t, reg.ExcludedFields(APIKeyPendingInvalidationType))
}

func TestCheckRuleExclusions(t *testing.T) {
	all := append([]string(nil), RuleAttributesExcludedFromAAD...)
	assert.NoError(t, checkRuleExclusions(all))

	err := checkRuleExclusions(append(all[:len(all)-1:len(all)-1], "notes"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing [running]")
	assert.Contains(t, err.Error(), "unexpected [notes]")
}

func TestRuleMigration(t *testing.T) {
	reg := newRegistry(t)
	runner := migration.NewRunner(reg)

	t.Run("legacy rule reaches the current version", func(t *testing.T) {
		out, err := runner.Migrate(legacyRule())
		require.NoError(t, err)

		assert.Equal(t, 5, out.ModelVersion)
		assert.NotContains(t, out.Attributes, "snoozeEndTime")
		assert.Equal(t, false, out.Attributes["muteAll"])
		assert.Equal(t, []any{}, out.Attributes["mutedInstanceIds"])
		assert.Contains(t, out.Attributes, "monitoring")
		assert.Contains(t, out.Attributes, "lastRun")
		assert.Nil(t, out.Attributes["lastRun"])
		assert.Equal(t, 0, out.Attributes["revision"])
		assert.Equal(t, false, out.Attributes["running"])

		schedule, ok := out.Attributes["snoozeSchedule"].([]any)
		require.True(t, ok)
		require.Len(t, schedule, 1)
		entry := schedule[0].(map[string]any)
		assert.Equal(t, int64(2*60*60*1000), entry["duration"])
		assert.Equal(t, "2024-01-01T00:00:00Z", entry["rRule"].(map[string]any)["dtstart"])

		assert.Contains(t, reg.ExcludedFields(RuleType), "snoozeEndTime")
	})

	t.Run("expired snooze is dropped", func(t *testing.T) {
		in := legacyRule()
		in.Attributes["snoozeEndTime"] = "2023-12-31"

		out, err := runner.Migrate(in)
		require.NoError(t, err)
		assert.Equal(t, []any{}, out.Attributes["snoozeSchedule"])
		assert.NotContains(t, out.Attributes, "snoozeEndTime")
	})

	t.Run("snooze without updatedAt is a consistency error", func(t *testing.T) {
		in := legacyRule()
		delete(in.Attributes, "updatedAt")

		_, err := runner.Migrate(in)
		var mce *migration.MigrationConsistencyError
		require.True(t, errors.As(err, &mce))
		assert.Equal(t, 2, mce.FromVersion)
		assert.Equal(t, 3, mce.ToVersion)
		assert.Equal(t, "updatedAt", mce.Field)
	})

	t.Run("no snooze needs no updatedAt", func(t *testing.T) {
		in := legacyRule()
		delete(in.Attributes, "updatedAt")
		delete(in.Attributes, "snoozeEndTime")

		out, err := runner.Migrate(in)
		require.NoError(t, err)
		assert.Equal(t, 5, out.ModelVersion)
	})

	t.Run("malformed snoozeEndTime", func(t *testing.T) {
		in := legacyRule()
		in.Attributes["snoozeEndTime"] = "soon"

		_, err := runner.Migrate(in)
		var te *migration.TransformError
		require.True(t, errors.As(err, &te))
		assert.Contains(t, err.Error(), "invalid timestamp")
	})

	t.Run("idempotent", func(t *testing.T) {
		once, err := runner.Migrate(legacyRule())
		require.NoError(t, err)
		twice, err := runner.Migrate(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
	})
}

func TestAADAttributes(t *testing.T) {
	reg := newRegistry(t)
	runner := migration.NewRunner(reg)

	out, err := runner.Migrate(legacyRule())
	require.NoError(t, err)

	aad := reg.AADAttributes(out)
	assert.Equal(t, savedobject.Attributes{
		"name":        "CPU high",
		"alertTypeId": "example.pattern",
		"enabled":     true,
	}, aad)
}

func TestRuleTitle(t *testing.T) {
	reg := newRegistry(t)
	assert.Equal(t, "Rule: [CPU high]", reg.Title(legacyRule()))
}

func TestRuleTransfer(t *testing.T) {
	reg := newRegistry(t)
	logger, _ := logtest.NewNullLogger()
	runner := migration.NewRunner(reg, migration.WithLogger(logger))

	ruleTypes := ruletype.New()
	require.NoError(t, ruleTypes.Register(ruletype.RuleType{ID: "example.pattern", Exportable: true}))

	opts := append(TransferOptions(), transfer.WithCapabilities(ruleTypes), transfer.WithLogger(logger))
	f := transfer.NewFilter(runner, opts...)

	migrated, err := runner.Migrate(legacyRule())
	require.NoError(t, err)
	migrated.Attributes["scheduledTaskId"] = "task-1"
	migrated.Attributes["apiKeyOwner"] = "elastic"

	assert.True(t, f.IsExportable(migrated).Exportable)

	exported := f.TransformForExport(migrated)
	for _, field := range []string{"apiKey", "apiKeyOwner", "scheduledTaskId", "executionStatus", "legacyId"} {
		assert.NotContains(t, exported.Attributes, field)
	}
	assert.Equal(t, "CPU high", exported.Attributes["name"])
	assert.Equal(t, exported, f.TransformForExport(exported))

	unknown := legacyRule()
	unknown.Attributes["alertTypeId"] = "example.removed"
	d := f.IsExportable(unknown)
	assert.False(t, d.Exportable)
	assert.Equal(t, `rule type "example.removed" is not registered`, d.Reason)

	pending := savedobject.Record{ID: "k1", Type: APIKeyPendingInvalidationType}
	assert.False(t, f.IsExportable(pending).Exportable)

	result := f.TransformForImport([]savedobject.Record{legacyRule()}, transfer.ImportOptions{})
	require.Len(t, result.Accepted, 1)
	assert.Equal(t, false, result.Accepted[0].Attributes["enabled"])
	assert.NotContains(t, result.Accepted[0].Attributes, "apiKey")
	require.Len(t, result.ActionRequired, 1)
	assert.Equal(t, ImportNotice, result.ActionRequired[0].Message)
}
