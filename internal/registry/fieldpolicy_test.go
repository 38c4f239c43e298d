package registry

import (
	"errors"
	"testing"

	"github.com/dyluth/moult/pkg/savedobject"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExcludedFieldsUnionAcrossVersions(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterVersion("rule", ModelVersion{
		Version:               1,
		AddedFields:           map[string]any{"snoozeEndTime": nil},
		ExcludedFromIntegrity: []string{"updatedAt", "snoozeEndTime"},
	}))
	require.NoError(t, reg.RegisterVersion("rule", ModelVersion{
		Version:               2,
		RemovedFields:         []string{"snoozeEndTime"},
		ExcludedFromIntegrity: []string{"snoozeSchedule"},
	}))

	assert.Equal(t, []string{"snoozeEndTime", "snoozeSchedule", "updatedAt"}, reg.ExcludedFields("rule"))
}

func TestExcludedFieldsMonotonic(t *testing.T) {
	reg := New()
	var previous []string

	steps := []func() error{
		func() error { return reg.MarkExcludedFromIntegrity("rule", "muteAll") },
		func() error {
			return reg.RegisterVersion("rule", ModelVersion{Version: 1, ExcludedFromIntegrity: []string{"updatedBy"}})
		},
		func() error { return reg.RegisterVersion("rule", ModelVersion{Version: 2, RemovedFields: []string{"muteAll"}}) },
		func() error { return reg.MarkEncrypted("rule", "apiKey") },
		func() error {
			return reg.RegisterVersion("rule", ModelVersion{Version: 3, RemovedFields: []string{"updatedBy"}})
		},
		func() error { return reg.MarkExcludedFromIntegrity("rule", "muteAll") },
	}

	for i, step := range steps {
		require.NoError(t, step(), "step %d", i)
		current := reg.ExcludedFields("rule")
		assert.Subset(t, current, previous, "step %d shrank the exclusion set", i)
		previous = current
	}

	assert.Equal(t, []string{"muteAll", "updatedBy"}, previous)
}

func TestPolicyConflicts(t *testing.T) {
	t.Run("encrypted field cannot be excluded", func(t *testing.T) {
		reg := New()
		require.NoError(t, reg.MarkEncrypted("rule", "apiKey"))

		err := reg.MarkExcludedFromIntegrity("rule", "apiKey")
		var conflict *PolicyConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, "apiKey", conflict.Field)
		assert.NotContains(t, reg.ExcludedFields("rule"), "apiKey")
	})

	t.Run("excluded field cannot be encrypted", func(t *testing.T) {
		reg := New()
		require.NoError(t, reg.MarkExcludedFromIntegrity("rule", "updatedAt"))
		assert.Error(t, reg.MarkEncrypted("rule", "updatedAt"))
	})

	t.Run("conflicting version registers nothing", func(t *testing.T) {
		reg := New()
		require.NoError(t, reg.MarkEncrypted("rule", "apiKey"))

		err := reg.RegisterVersion("rule", ModelVersion{Version: 1, ExcludedFromIntegrity: []string{"apiKey"}})
		require.Error(t, err)
		assert.Empty(t, reg.ListVersions("rule"))
	})

	t.Run("conflict within one version", func(t *testing.T) {
		reg := New()
		err := reg.RegisterVersion("rule", ModelVersion{
			Version:               1,
			Encrypted:             []string{"apiKey"},
			ExcludedFromIntegrity: []string{"apiKey"},
		})
		assert.Error(t, err)
	})
}

func TestMarksAreIdempotent(t *testing.T) {
	reg := New()
	require.NoError(t, reg.MarkEncrypted("rule", "apiKey"))
	require.NoError(t, reg.MarkEncrypted("rule", "apiKey"))
	require.NoError(t, reg.RegisterVersion("rule", ModelVersion{Version: 1, Encrypted: []string{"apiKey"}}))

	assert.Equal(t, FieldPolicy{
		EncryptedFields:       []string{"apiKey"},
		ExcludedFromIntegrity: []string{},
	}, reg.Policy("rule"))
	assert.True(t, reg.IsEncrypted("rule", "apiKey"))
	assert.False(t, reg.IsEncrypted("rule", "name"))
}

func TestAADAttributes(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterVersion("rule", ModelVersion{
		Version:               1,
		Encrypted:             []string{"apiKey"},
		ExcludedFromIntegrity: []string{"updatedAt", "snoozeEndTime"},
	}))

	rec := savedobject.Record{
		ID:   "1",
		Type: "rule",
		Attributes: savedobject.Attributes{
			"name":          "cpu",
			"params":        map[string]any{"threshold": 10.0},
			"apiKey":        "ciphertext",
			"updatedAt":     "2024-01-01T00:00:00Z",
			"snoozeEndTime": nil,
		},
	}

	aad := reg.AADAttributes(rec)
	assert.Equal(t, savedobject.Attributes{
		"name":   "cpu",
		"params": map[string]any{"threshold": 10.0},
	}, aad)

	aad["params"].(map[string]any)["threshold"] = 0.0
	assert.Equal(t, 10.0, rec.Attributes["params"].(map[string]any)["threshold"])
}

func TestUnknownTypePolicy(t *testing.T) {
	reg := New()
	assert.Empty(t, reg.ExcludedFields("nope"))
	assert.Empty(t, reg.EncryptedFields("nope"))

	aad := reg.AADAttributes(savedobject.Record{ID: "1", Type: "nope", Attributes: savedobject.Attributes{"a": "b"}})
	assert.Equal(t, savedobject.Attributes{"a": "b"}, aad)
}
