// Package alerting registers the alerting saved-object types: rules, API keys
// waiting to be invalidated, rules settings and maintenance windows.
package alerting

import (
	"fmt"
	"sort"

	"github.com/dyluth/moult/internal/registry"
	"github.com/dyluth/moult/internal/transfer"
	"github.com/dyluth/moult/pkg/savedobject"
)

// Saved-object type names.
const (
	RuleType                      = "alert"
	APIKeyPendingInvalidationType = "api_key_pending_invalidation"
	RulesSettingsType             = "rules-settings"
	MaintenanceWindowType         = "maintenance-window"
)

// RuleAttributesExcludedFromAAD is the canonical list of rule fields left out
// of the integrity digest. Never remove an entry: records written while a
// field existed are still verified against this set after the field is gone.
// Register fails unless the model versions' ExcludedFromIntegrity entries add
// up to exactly this list.
var RuleAttributesExcludedFromAAD = []string{
	"scheduledTaskId",
	"muteAll",
	"mutedInstanceIds",
	"updatedBy",
	"updatedAt",
	"executionStatus",
	"monitoring",
	"snoozeEndTime", // removed at model version 3, kept for records written before it
	"snoozeSchedule",
	"isSnoozedUntil",
	"lastRun",
	"nextRun",
	"revision",
	"running",
}

// RuleEncryptedAttributes are stored as ciphertext.
var RuleEncryptedAttributes = []string{"apiKey"}

// ruleExportStripped never leave the deployment on export.
var ruleExportStripped = []string{
	"legacyId",
	"apiKey",
	"apiKeyOwner",
	"apiKeyCreatedByUser",
	"scheduledTaskId",
	"executionStatus",
}

// ImportNotice is reported after rules are imported.
const ImportNotice = "Imported rules are disabled. Enable them after the import."

// RuleTitle renders a rule's title as "Rule: [name]".
func RuleTitle(rec savedobject.Record) string {
	return fmt.Sprintf("Rule: [%s]", rec.Attributes.GetString("name"))
}

// Register declares the alerting types and their model versions.
func Register(reg *registry.Registry) error {
	if err := reg.Register(RuleType, registry.TypeOptions{
		DisplayName: "rule",
		GetTitle:    RuleTitle,
	}); err != nil {
		return err
	}
	for _, mv := range RuleModelVersions() {
		if err := reg.RegisterVersion(RuleType, mv); err != nil {
			return fmt.Errorf("failed to register %s model versions: %w", RuleType, err)
		}
	}
	if err := checkRuleExclusions(reg.ExcludedFields(RuleType)); err != nil {
		return err
	}

	if err := reg.Register(APIKeyPendingInvalidationType, registry.TypeOptions{
		DisplayName:     "API key pending invalidation",
		Hidden:          true,
		NotTransferable: true,
	}); err != nil {
		return err
	}
	if err := reg.RegisterVersion(APIKeyPendingInvalidationType, registry.ModelVersion{
		Version:     1,
		Description: "apiKeyId is encrypted",
		Encrypted:   []string{"apiKeyId"},
	}); err != nil {
		return err
	}

	for _, typeName := range []string{RulesSettingsType, MaintenanceWindowType} {
		if err := reg.Register(typeName, registry.TypeOptions{
			DisplayName:     typeName,
			Hidden:          true,
			NotTransferable: true,
		}); err != nil {
			return err
		}
		if err := reg.RegisterVersion(typeName, registry.ModelVersion{Version: 1, Description: "initial"}); err != nil {
			return err
		}
	}

	return nil
}

// checkRuleExclusions compares the registered exclusion set with
// RuleAttributesExcludedFromAAD.
func checkRuleExclusions(registered []string) error {
	have := make(map[string]bool, len(registered))
	for _, field := range registered {
		have[field] = true
	}

	var missing []string
	for _, field := range RuleAttributesExcludedFromAAD {
		if !have[field] {
			missing = append(missing, field)
		}
		delete(have, field)
	}
	extra := make([]string, 0, len(have))
	for field := range have {
		extra = append(extra, field)
	}
	sort.Strings(extra)

	if len(missing) > 0 || len(extra) > 0 {
		return fmt.Errorf("%s model versions do not match the AAD exclusion list: missing %v, unexpected %v", RuleType, missing, extra)
	}
	return nil
}

// RuleTransferPolicy is the export and import behaviour of rules. The rule
// type id in alertTypeId is the capability key.
func RuleTransferPolicy() transfer.Policy {
	return transfer.Policy{
		CapabilityKey: func(rec savedobject.Record) string {
			return rec.Attributes.GetString("alertTypeId")
		},
		CapabilityName:  "rule type",
		StripOnExport:   append([]string(nil), ruleExportStripped...),
		DisableOnImport: true,
		ImportNotice:    ImportNotice,
	}
}

// TransferOptions returns the transfer.Filter options for the alerting types.
func TransferOptions() []transfer.Option {
	return []transfer.Option{
		transfer.WithPolicy(RuleType, RuleTransferPolicy()),
	}
}
